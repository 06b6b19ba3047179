package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agenthub/hubd/pkg/events"
	"github.com/agenthub/hubd/pkg/health"
	"github.com/agenthub/hubd/pkg/models"
	"github.com/agenthub/hubd/pkg/sla"
)

// SLARunner drives the SLA coordinator on a timer and applies the actions
// it emits: nudge messages to assignees, trust adjustments, health counters,
// and SLA_ACTION bus events for anyone watching.
type SLARunner struct {
	server      *Server
	coordinator *sla.Coordinator
	interval    time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewSLARunner creates a runner over the server's stores.
func NewSLARunner(server *Server, coordinator *sla.Coordinator, logger *slog.Logger) *SLARunner {
	return &SLARunner{
		server:      server,
		coordinator: coordinator,
		interval:    server.cfg.SLA.EvalInterval,
		logger:      logger.With("component", "sla_runner"),
	}
}

// Start begins periodic evaluation. Idempotent.
func (r *SLARunner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.done = make(chan struct{})
	r.wg.Add(1)
	go r.loop(r.done)
}

// Stop halts evaluation and waits for the loop to exit. Idempotent.
func (r *SLARunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.done)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *SLARunner) loop(done chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.Evaluate(context.Background())
		}
	}
}

// Evaluate runs one coordinator pass over the current task board and applies
// every resulting action.
func (r *SLARunner) Evaluate(ctx context.Context) []sla.Action {
	actions := r.coordinator.Evaluate(r.server.deps.Tasks.List(), sla.Inputs{
		ConsecutiveRejections:    r.server.rejectionSnapshot(),
		EstimatedDurationMinutes: r.server.estimateSnapshot(),
	})
	for _, action := range actions {
		r.apply(ctx, action)
	}
	return actions
}

func (r *SLARunner) apply(ctx context.Context, action sla.Action) {
	r.logger.Info("sla action", "action", action.Type, "task", action.TaskID,
		"agent", action.Agent, "reason", action.Reason)

	r.server.deps.Bus.Emit(events.TypeSLAAction, map[string]any{
		"action": string(action.Type),
		"taskId": action.TaskID,
		"agent":  action.Agent,
		"reason": action.Reason,
	})

	switch action.Type {
	case sla.ActionPing, sla.ActionProactiveWarning, sla.ActionSuggestReassign, sla.ActionAutoReassign:
		r.noteViolation(ctx, action.Agent)
		r.notify(ctx, action.Agent, fmt.Sprintf("[sla:%s] %s", action.Type, action.Reason))
	case sla.ActionQuarantineAgent:
		r.noteViolation(ctx, action.Agent)
		r.notify(ctx, action.Agent, fmt.Sprintf("[sla:quarantine] %s", action.Reason))
	case sla.ActionEscalateHuman:
		// Nothing automated left to do; the event and the log are the signal.
		r.logger.Warn("escalating to human", "task", action.TaskID, "agent", action.Agent,
			"reason", action.Reason)
	}
}

// noteViolation records the SLA miss against the agent's trust score and
// health record.
func (r *SLARunner) noteViolation(ctx context.Context, agent string) {
	if agent == "" {
		return
	}
	if _, err := r.server.deps.Trust.RecordSLAResult(ctx, agent, false); err != nil {
		r.logger.Warn("failed to record sla result", "agent", agent, "error", err)
	}
	current, _ := r.server.deps.Monitor.Get(agent)
	violations := current.SLAViolations + 1
	r.server.deps.Monitor.Update(agent, health.Update{SLAViolations: &violations})
}

func (r *SLARunner) notify(ctx context.Context, agent, content string) {
	if agent == "" {
		return
	}
	_, err := r.server.deps.Messages.Add(ctx, models.CreateMessageRequest{
		From:    "hub",
		To:      agent,
		Kind:    models.KindMessage,
		Content: content,
	})
	if err != nil {
		r.logger.Warn("failed to deliver sla notice", "agent", agent, "error", err)
	}
}
