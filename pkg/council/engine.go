package council

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agenthub/hubd/pkg/config"
	"github.com/agenthub/hubd/pkg/events"
	"github.com/agenthub/hubd/pkg/retry"
)

// Engine runs council deliberations over routed agent calls.
type Engine struct {
	caller AgentCaller
	bus    *events.Bus
	cfg    config.CouncilConfig
	cache  *Cache
	retry  retry.Policy
	logger *slog.Logger
}

// NewEngine creates a council engine. cache may be nil to skip persistence.
func NewEngine(caller AgentCaller, bus *events.Bus, cfg config.CouncilConfig, cache *Cache, logger *slog.Logger) *Engine {
	return &Engine{
		caller: caller,
		bus:    bus,
		cfg:    cfg,
		cache:  cache,
		retry:  retry.DefaultPolicy(),
		logger: logger.With("component", "council"),
	}
}

// DiscussionMessage is one member contribution in a discussion round.
type DiscussionMessage struct {
	Round   int    `json:"round"`
	Account string `json:"account"`
	Content string `json:"content"`
}

// DiscussionResult is the outcome of a discussion-mode deliberation.
type DiscussionResult struct {
	Goal       string              `json:"goal"`
	Research   map[string]string   `json:"research"`
	Discussion []DiscussionMessage `json:"discussion"`
	Decision   string              `json:"decision"`
	Timestamp  time.Time           `json:"timestamp"`
}

func (e *Engine) emit(eventType string, fields map[string]any) {
	e.bus.Emit(eventType, fields)
}

// Discuss runs research, rounds of sequential discussion, and the chairman's
// decision. Cancelling ctx aborts all in-flight member calls.
func (e *Engine) Discuss(ctx context.Context, goal string, members []string, chairman string, rounds int) (*DiscussionResult, error) {
	result := &DiscussionResult{
		Goal:     goal,
		Research: make(map[string]string),
	}
	if rounds <= 0 {
		rounds = e.cfg.MaxRounds
	}

	if len(members) == 0 {
		e.emit("error", map[string]any{"error": "No members in council"})
		result.Timestamp = time.Now().UTC()
		e.emit("done", map[string]any{"result": result})
		return result, nil
	}

	tr := &transcript{goal: goal}

	// Research: members run concurrently, each under its own timeout.
	e.phaseStart("research", members)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, member := range members {
		wg.Add(1)
		go func(member string) {
			defer wg.Done()
			report, err := e.callMember(ctx, member, researchPrompt(goal), e.cfg.ResearchTimeout)
			if err != nil {
				e.logger.Warn("research member failed", "account", member, "error", err)
				return
			}
			mu.Lock()
			result.Research[member] = report
			tr.research = append(tr.research, labeledMessage{account: member, content: report})
			mu.Unlock()
			e.memberDone("research", member)
		}(member)
	}
	wg.Wait()
	e.phaseComplete("research")

	if err := e.aborted(ctx, result); err != nil {
		return result, err
	}
	if len(result.Research) == 0 {
		e.emit("error", map[string]any{"error": "No members produced research"})
		result.Timestamp = time.Now().UTC()
		e.emit("done", map[string]any{"result": result})
		return result, nil
	}

	// Discussion rounds: members respond sequentially in input order.
	for round := 1; round <= rounds; round++ {
		e.phaseStart(fmt.Sprintf("discussion round %d", round), members)
		for _, member := range members {
			prompt := discussionPrompt(tr, round)
			content, err := e.callMember(ctx, member, prompt, e.cfg.DiscussionTimeout)
			if err != nil {
				e.logger.Warn("discussion member failed", "account", member, "round", round, "error", err)
				continue
			}
			tr.discussion = append(tr.discussion, labeledMessage{account: member, round: round, content: content})
			result.Discussion = append(result.Discussion, DiscussionMessage{
				Round:   round,
				Account: member,
				Content: content,
			})
			e.memberDone("discussion", member)
		}
		e.phaseComplete(fmt.Sprintf("discussion round %d", round))
		if err := e.aborted(ctx, result); err != nil {
			return result, err
		}
	}

	// Decision: the chairman sees the full (possibly compacted) transcript.
	e.phaseStart("decision", []string{chairman})
	decisionCtx, cancel := context.WithTimeout(ctx, e.cfg.DecisionTimeout)
	body := tr.compactFor(decisionCtx, e.caller, chairman, e.cfg.CompactionBytes)
	decision, err := e.caller.Call(decisionCtx, chairman, decisionPrompt(goal, body), e.chunkRelay(chairman))
	cancel()
	if err != nil {
		e.emit("error", map[string]any{"error": fmt.Sprintf("decision failed: %v", err)})
	} else {
		result.Decision = boundMemberOutput(decision, e.cfg.MemberOutputLimit)
		e.memberDone("decision", chairman)
	}
	e.phaseComplete("decision")

	result.Timestamp = time.Now().UTC()
	e.emit("done", map[string]any{"result": result})
	e.emit(events.TypeCouncilSessionEnd, map[string]any{"goal": goal})

	if e.cache != nil {
		if err := e.cache.AppendDiscussion(result); err != nil {
			e.logger.Warn("failed to persist council result", "error", err)
		}
	}
	return result, nil
}

// callMember routes one prompt to a member under a timeout, relaying chunks
// and bounding the accumulated output. Classified transient failures
// (rate limits, timeouts, network) are retried within the timeout; a retry
// restarts the member's stream from the beginning.
func (e *Engine) callMember(ctx context.Context, account, prompt string, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.memberStart(account)
	var content string
	err := e.retry.Do(callCtx, func() error {
		var callErr error
		content, callErr = e.caller.Call(callCtx, account, prompt, e.chunkRelay(account))
		return callErr
	})
	if err != nil {
		return "", err
	}
	return boundMemberOutput(content, e.cfg.MemberOutputLimit), nil
}

func (e *Engine) chunkRelay(account string) func(Chunk) {
	return func(chunk Chunk) {
		e.emit("member_chunk", map[string]any{
			"account":   account,
			"chunkType": chunk.ChunkType,
			"content":   chunk.Content,
			"toolName":  chunk.ToolName,
			"toolInput": chunk.ToolInput,
		})
		e.emit(events.TypeAgentStreamChunk, map[string]any{
			"account":   account,
			"chunkType": chunk.ChunkType,
			"content":   chunk.Content,
		})
	}
}

func (e *Engine) phaseStart(phase string, members []string) {
	e.emit("phase_start", map[string]any{"phase": phase, "members": members})
	e.emit(events.TypeCouncilStageStart, map[string]any{"stage": phase})
}

func (e *Engine) phaseComplete(phase string) {
	e.emit("phase_complete", map[string]any{"phase": phase})
	e.emit(events.TypeCouncilStageComplete, map[string]any{"stage": phase})
}

func (e *Engine) memberStart(account string) {
	e.emit("member_start", map[string]any{"account": account})
}

func (e *Engine) memberDone(phase, account string) {
	e.emit("member_done", map[string]any{"phase": phase, "account": account})
	e.emit(events.TypeCouncilMemberResponse, map[string]any{"stage": phase, "account": account})
}

// aborted surfaces caller cancellation as an error+done pair.
func (e *Engine) aborted(ctx context.Context, result *DiscussionResult) error {
	if ctx.Err() == nil {
		return nil
	}
	e.emit("error", map[string]any{"error": "aborted"})
	result.Timestamp = time.Now().UTC()
	e.emit("done", map[string]any{"result": result})
	return ctx.Err()
}

func researchPrompt(goal string) string {
	return fmt.Sprintf("You are one member of a technical council. Research the following goal and report your findings, citing specific files and evidence where possible.\n\nGoal: %s", goal)
}

func discussionPrompt(tr *transcript, round int) string {
	return fmt.Sprintf("You are one member of a technical council in discussion round %d. Read the transcript below, then add your position: agree or disagree with specific points and say why.\n\n%s", round, tr.format())
}

func decisionPrompt(goal, transcript string) string {
	return fmt.Sprintf("You are the council chairman. Produce the final decision for the goal below, weighing the whole deliberation. State the decision, the key reasons, and any conditions.\n\nGoal: %s\n\n%s", goal, transcript)
}
