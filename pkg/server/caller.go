package server

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agenthub/hubd/pkg/council"
	"github.com/agenthub/hubd/pkg/wire"
)

// Caller routes council prompts to member accounts over their own socket
// connections. The daemon itself never talks to an LLM: it pushes an
// agent_request record and waits for the client's agent_response, relaying
// agent_chunk records to the engine as they arrive.
type Caller struct {
	registry *Registry
}

// NewCaller creates a routed caller over the connection registry.
func NewCaller(registry *Registry) *Caller {
	return &Caller{registry: registry}
}

// Call implements council.AgentCaller. It fails fast when the account has no
// live connection; cancellation of ctx abandons the call.
func (c *Caller) Call(ctx context.Context, account, prompt string, onChunk func(council.Chunk)) (string, error) {
	conn, ok := c.registry.Get(account)
	if !ok {
		return "", fmt.Errorf("account %s is not connected", account)
	}

	callID := uuid.New().String()
	pc, err := conn.registerCall(callID, onChunk)
	if err != nil {
		return "", fmt.Errorf("account %s: %w", account, err)
	}
	defer conn.unregisterCall(callID)

	req := wire.AgentRequestRecord{Type: wire.TypeAgentRequest, CallID: callID, Prompt: prompt}
	if err := conn.writeRecord(req); err != nil {
		return "", fmt.Errorf("failed to send agent request to %s: %w", account, err)
	}

	select {
	case out := <-pc.done:
		return out.content, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
