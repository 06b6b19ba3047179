// Package council runs multi-account deliberations: free-form discussion,
// structured analysis with anonymized peer ranking, and task verification.
//
// The daemon never calls an LLM itself. Every member prompt is routed to the
// member's own connected client through an AgentCaller, and the streamed
// chunks come back the same way.
package council

import "context"

// Chunk is one streamed delta of a member's output.
type Chunk struct {
	Account   string `json:"account"`
	ChunkType string `json:"chunkType"` // text, thinking, tool_use, tool_result, error
	Content   string `json:"content"`
	ToolName  string `json:"toolName,omitempty"`
	ToolInput string `json:"toolInput,omitempty"`
}

// AgentCaller routes a prompt to an account's connected client and returns
// the full response. onChunk, when non-nil, receives streamed deltas as they
// arrive. Call must honor ctx cancellation.
type AgentCaller interface {
	Call(ctx context.Context, account, prompt string, onChunk func(Chunk)) (string, error)
}

// AgentCallerFunc adapts a function to the AgentCaller interface.
type AgentCallerFunc func(ctx context.Context, account, prompt string, onChunk func(Chunk)) (string, error)

// Call implements AgentCaller.
func (f AgentCallerFunc) Call(ctx context.Context, account, prompt string, onChunk func(Chunk)) (string, error) {
	return f(ctx, account, prompt, onChunk)
}
