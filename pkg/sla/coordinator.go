// Package sla evaluates in-progress tasks against the response-time ladder
// and produces escalation actions.
package sla

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/agenthub/hubd/pkg/config"
	"github.com/agenthub/hubd/pkg/models"
)

// ResponseAction is one escalation step on the ladder.
type ResponseAction string

const (
	ActionPing             ResponseAction = "ping"
	ActionSuggestReassign  ResponseAction = "suggest_reassign"
	ActionAutoReassign     ResponseAction = "auto_reassign"
	ActionQuarantineAgent  ResponseAction = "quarantine_agent"
	ActionEscalateHuman    ResponseAction = "escalate_human"
	ActionProactiveWarning ResponseAction = "proactive_warning"
)

// Action is one recommended response for a task or agent.
type Action struct {
	Type   ResponseAction `json:"type"`
	TaskID string         `json:"task_id,omitempty"`
	Agent  string         `json:"agent,omitempty"`
	Reason string         `json:"reason"`
}

// Inputs is the per-evaluation context the coordinator cannot derive from
// the task snapshot itself.
type Inputs struct {
	// ConsecutiveRejections counts back-to-back rejections per agent.
	ConsecutiveRejections map[string]int

	// EstimatedDurationMinutes holds per-task estimates, when known.
	EstimatedDurationMinutes map[string]float64
}

// Coordinator applies the ladder. It is stateless apart from per-task
// reassignment cooldowns.
type Coordinator struct {
	cfg    config.SLAConfig
	logger *slog.Logger

	// cooldowns maps task id to its last auto reassignment; entries expire
	// after the cooldown window.
	cooldowns *gocache.Cache

	now func() time.Time
}

// NewCoordinator creates a coordinator with the given thresholds.
func NewCoordinator(cfg config.SLAConfig, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		logger:    logger.With("component", "sla"),
		cooldowns: gocache.New(cfg.ReassignCooldown, time.Minute),
		now:       time.Now,
	}
}

// Evaluate walks the task snapshot and returns the actions the ladder calls
// for. Consecutive-rejection quarantine is per agent and independent of task
// status; the remaining checks apply to in-progress tasks, with the
// escalation rungs first-match-wins.
func (c *Coordinator) Evaluate(tasks []models.Task, inputs Inputs) []Action {
	now := c.now()
	var actions []Action
	quarantined := make(map[string]bool)

	agents := make([]string, 0, len(inputs.ConsecutiveRejections))
	for agent := range inputs.ConsecutiveRejections {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	for _, agent := range agents {
		if n := inputs.ConsecutiveRejections[agent]; n >= c.cfg.RejectionQuarantine {
			quarantined[agent] = true
			actions = append(actions, Action{
				Type:   ActionQuarantineAgent,
				Agent:  agent,
				Reason: fmt.Sprintf("%d consecutive rejections", n),
			})
		}
	}

	for _, task := range tasks {
		if task.Status != models.TaskInProgress || task.StartedAt == nil {
			continue
		}
		elapsed := now.Sub(*task.StartedAt)

		if task.LastProgressReport != nil {
			silence := now.Sub(task.LastProgressReport.Timestamp)
			if silence > c.cfg.ProgressSilenceLimit && !quarantined[task.Assignee] {
				quarantined[task.Assignee] = true
				actions = append(actions, Action{
					Type:   ActionQuarantineAgent,
					TaskID: task.ID,
					Agent:  task.Assignee,
					Reason: "unresponsive",
				})
			}
			if estimate, ok := inputs.EstimatedDurationMinutes[task.ID]; ok && estimate > 0 {
				expected := elapsed.Minutes() / estimate * 100
				if float64(task.LastProgressReport.Percent) < expected-c.cfg.ProgressLagPercentage {
					actions = append(actions, Action{
						Type:   ActionProactiveWarning,
						TaskID: task.ID,
						Agent:  task.Assignee,
						Reason: fmt.Sprintf("progress %d%% lags expected %.0f%%", task.LastProgressReport.Percent, expected),
					})
				}
			}
		}

		// Escalation rungs, first match wins.
		switch {
		case task.ReassignmentCount >= c.cfg.MaxReassignments && elapsed > c.cfg.ReassignAfter:
			actions = append(actions, Action{
				Type:   ActionEscalateHuman,
				TaskID: task.ID,
				Agent:  task.Assignee,
				Reason: fmt.Sprintf("reassigned %d times and still stalled", task.ReassignmentCount),
			})
		case elapsed > c.cfg.ReassignAfter && task.Criticality == models.CriticalityCritical && c.cooldownElapsed(task.ID):
			c.markReassigned(task.ID)
			actions = append(actions, Action{
				Type:   ActionAutoReassign,
				TaskID: task.ID,
				Agent:  task.Assignee,
				Reason: fmt.Sprintf("critical task stalled for %s", elapsed.Round(time.Minute)),
			})
		case elapsed > c.cfg.ReassignAfter:
			actions = append(actions, Action{
				Type:   ActionSuggestReassign,
				TaskID: task.ID,
				Agent:  task.Assignee,
				Reason: fmt.Sprintf("no completion after %s", elapsed.Round(time.Minute)),
			})
		case elapsed > c.cfg.PingAfter:
			actions = append(actions, Action{
				Type:   ActionPing,
				TaskID: task.ID,
				Agent:  task.Assignee,
				Reason: fmt.Sprintf("in progress for %s without completion", elapsed.Round(time.Minute)),
			})
		}
	}

	if len(actions) > 0 {
		c.logger.Info("sla evaluation produced actions", "count", len(actions))
	}
	return actions
}

func (c *Coordinator) cooldownElapsed(taskID string) bool {
	_, onCooldown := c.cooldowns.Get(taskID)
	return !onCooldown
}

func (c *Coordinator) markReassigned(taskID string) {
	c.cooldowns.SetDefault(taskID, c.now())
}
