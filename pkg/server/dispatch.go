package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agenthub/hubd/pkg/config"
	"github.com/agenthub/hubd/pkg/council"
	"github.com/agenthub/hubd/pkg/events"
	"github.com/agenthub/hubd/pkg/health"
	"github.com/agenthub/hubd/pkg/models"
	"github.com/agenthub/hubd/pkg/sanitize"
	"github.com/agenthub/hubd/pkg/services"
	"github.com/agenthub/hubd/pkg/wire"
)

// councilTimeout bounds a full council run. Simple requests use the much
// shorter per-request timeout from the server config.
const councilTimeout = 10 * time.Minute

func decode(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}

// dispatch routes one parsed record. Before authentication only auth records
// are acted on; anything else is silently ignored until auth arrives.
// A panic in a handler is contained to the offending request.
func (s *Server) dispatch(conn *Conn, rec wire.Record) {
	defer s.recoverRequest(conn, rec.RequestID)

	account := conn.Account()
	if account == "" {
		if rec.Type == wire.TypeAuth {
			s.authenticate(conn, rec)
		}
		return
	}

	now := time.Now()
	s.deps.Monitor.Update(account, health.Update{LastActivity: &now})

	switch rec.Type {
	case wire.TypeAuth:
		conn.errorReply(rec.RequestID, "already authenticated", nil)
	case wire.TypeSendMessage:
		s.handleSendMessage(conn, account, rec)
	case wire.TypeReadMessages:
		s.handleReadMessages(conn, account, rec)
	case wire.TypeHandoffTask:
		s.handleHandoff(conn, account, rec)
	case wire.TypeUpdateTaskStatus:
		s.handleUpdateTaskStatus(conn, rec)
	case wire.TypeReportProgress:
		s.handleReportProgress(conn, account, rec)
	case wire.TypeSubscribe:
		s.handleSubscribe(conn, rec)
	case wire.TypeUnsubscribe:
		s.handleUnsubscribe(conn, rec)
	case wire.TypeCouncilAnalyze:
		s.handleCouncilAnalyze(conn, rec)
	case wire.TypeCouncilDiscuss:
		s.handleCouncilDiscuss(conn, rec)
	case wire.TypeCouncilVerify:
		s.handleCouncilVerify(conn, rec)
	case wire.TypeShareSession, wire.TypeJoinSession, wire.TypeSessionBroadcast,
		wire.TypeSessionPing, wire.TypeSessionStatus, wire.TypeSessionHistory,
		wire.TypeLeaveSession:
		s.handleSession(conn, account, rec)
	case wire.TypeListAccounts:
		s.handleListAccounts(conn, rec)
	case wire.TypeArchiveMessages:
		s.handleArchiveMessages(conn, rec)
	case wire.TypeHealth:
		conn.result(rec.RequestID, s.deps.Monitor.Aggregate())
	case wire.TypeAgentResponse, wire.TypeAgentChunk, wire.TypeAgentError:
		conn.handleAgentReply(rec)
	default:
		conn.errorReply(rec.RequestID, fmt.Sprintf("unknown request type %q", rec.Type), nil)
	}
}

func (s *Server) recoverRequest(conn *Conn, requestID string) {
	if r := recover(); r != nil {
		s.logger.Error("request handler panicked", "panic", r, "account", conn.Account())
		conn.errorReply(requestID, "internal error", nil)
	}
}

func (s *Server) requestCtx(conn *Conn) (context.Context, context.CancelFunc) {
	return context.WithTimeout(conn.ctx, s.cfg.Server.RequestTimeout)
}

// replyServiceError maps store errors onto wire error replies. Validation
// errors carry field details; nothing here tears the connection down.
func (s *Server) replyServiceError(conn *Conn, requestID string, err error) {
	var ve *services.ValidationError
	if errors.As(err, &ve) {
		conn.errorReply(requestID, ve.Error(), []wire.FieldError{{Field: ve.Field, Message: ve.Message}})
		return
	}
	conn.errorReply(requestID, err.Error(), nil)
}

func (s *Server) handleSendMessage(conn *Conn, account string, rec wire.Record) {
	var req wire.SendMessageRequest
	if err := decode(rec.Raw, &req); err != nil {
		conn.errorReply(rec.RequestID, "malformed send_message record", nil)
		return
	}

	ctx, cancel := s.requestCtx(conn)
	defer cancel()

	msg, err := s.deps.Messages.Add(ctx, models.CreateMessageRequest{
		From:    account,
		To:      req.To,
		Kind:    models.KindMessage,
		Content: req.Content,
		Context: req.Context,
	})
	if err != nil {
		s.replyServiceError(conn, rec.RequestID, err)
		return
	}

	delivered := s.deps.Registry.IsConnected(req.To)
	s.deps.Bus.Emit(events.TypeMessageReceived, map[string]any{
		"messageId": msg.ID,
		"from":      account,
		"to":        req.To,
	})
	conn.result(rec.RequestID, map[string]any{
		"messageId": msg.ID,
		"delivered": delivered,
		"queued":    true,
	})
}

func (s *Server) handleReadMessages(conn *Conn, account string, rec wire.Record) {
	var req wire.ReadMessagesRequest
	if err := decode(rec.Raw, &req); err != nil {
		conn.errorReply(rec.RequestID, "malformed read_messages record", nil)
		return
	}

	ctx, cancel := s.requestCtx(conn)
	defer cancel()

	// No paging: return the unread backlog and advance the read cursor.
	if req.Limit == 0 && req.Offset == 0 {
		msgs, err := s.deps.Messages.Unread(ctx, account)
		if err != nil {
			s.replyServiceError(conn, rec.RequestID, err)
			return
		}
		if _, err := s.deps.Messages.MarkAllRead(ctx, account); err != nil {
			s.replyServiceError(conn, rec.RequestID, err)
			return
		}
		for i := range msgs {
			msgs[i].Read = true
		}
		conn.result(rec.RequestID, map[string]any{"messages": msgs})
		return
	}

	msgs, err := s.deps.Messages.Paged(ctx, account, req.Limit, req.Offset)
	if err != nil {
		s.replyServiceError(conn, rec.RequestID, err)
		return
	}
	conn.result(rec.RequestID, map[string]any{"messages": msgs})
}

func (s *Server) handleHandoff(conn *Conn, account string, rec wire.Record) {
	var req wire.HandoffTaskRequest
	if err := decode(rec.Raw, &req); err != nil {
		conn.errorReply(rec.RequestID, "malformed handoff_task record", nil)
		return
	}
	if !config.ValidAccountName(req.To) {
		conn.errorReply(rec.RequestID, "Invalid handoff payload",
			[]wire.FieldError{{Field: "to", Message: "invalid account name"}})
		return
	}

	var payload models.HandoffPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		conn.errorReply(rec.RequestID, "Invalid handoff payload",
			[]wire.FieldError{{Field: "payload", Message: "not a valid JSON object"}})
		return
	}

	warnings, err := sanitize.ValidateHandoff(&payload, req.Context)
	if err != nil {
		var ve *sanitize.ValidationError
		if errors.As(err, &ve) {
			details := make([]wire.FieldError, 0, len(ve.Violations))
			for _, v := range ve.Violations {
				details = append(details, wire.FieldError{Field: v.Field, Message: v.Message})
			}
			conn.errorReply(rec.RequestID, ve.Error(), details)
			return
		}
		conn.errorReply(rec.RequestID, err.Error(), nil)
		return
	}

	content, err := json.Marshal(payload)
	if err != nil {
		conn.errorReply(rec.RequestID, "failed to encode handoff payload", nil)
		return
	}

	ctx, cancel := s.requestCtx(conn)
	defer cancel()

	msg, err := s.deps.Messages.Add(ctx, models.CreateMessageRequest{
		From:    account,
		To:      req.To,
		Kind:    models.KindHandoff,
		Content: string(content),
		Context: req.Context,
	})
	if err != nil {
		s.replyServiceError(conn, rec.RequestID, err)
		return
	}

	task, err := s.deps.Tasks.Create(ctx, models.CreateTaskRequest{
		Title:       payload.Goal,
		Assignee:    req.To,
		Criticality: payload.Criticality,
		HandoffID:   msg.ID,
	})
	if err != nil {
		s.replyServiceError(conn, rec.RequestID, err)
		return
	}

	s.deps.Bus.Emit(events.TypeMessageReceived, map[string]any{
		"messageId": msg.ID,
		"from":      account,
		"to":        req.To,
		"kind":      string(models.KindHandoff),
	})
	conn.result(rec.RequestID, map[string]any{
		"handoffId": msg.ID,
		"taskId":    task.ID,
		"delivered": s.deps.Registry.IsConnected(req.To),
		"queued":    true,
		"warnings":  warnings,
	})
}

func (s *Server) handleUpdateTaskStatus(conn *Conn, rec wire.Record) {
	var req wire.UpdateTaskStatusRequest
	if err := decode(rec.Raw, &req); err != nil {
		conn.errorReply(rec.RequestID, "malformed update_task_status record", nil)
		return
	}

	ctx, cancel := s.requestCtx(conn)
	defer cancel()

	status := models.TaskStatus(req.Status)
	task, err := s.deps.Tasks.UpdateStatus(ctx, req.TaskID, status, req.Reason)
	if err != nil {
		s.replyServiceError(conn, rec.RequestID, err)
		return
	}

	switch status {
	case models.TaskAccepted:
		s.onTaskAccepted(ctx, task)
	case models.TaskRejected:
		s.onTaskRejected(ctx, task)
	}
	conn.result(rec.RequestID, task)
}

// onTaskAccepted records the outcome for trust and emits the TASK_VERIFIED
// receipt. The spec hash is taken from the originating handoff when the task
// has one, so the receipt binds the verdict to what was actually asked.
func (s *Server) onTaskAccepted(ctx context.Context, task *models.Task) {
	s.clearRejections(task.Assignee)
	if task.Assignee != "" {
		_, err := s.deps.Trust.RecordOutcome(ctx, task.Assignee, models.OutcomeCompleted,
			taskDurationMinutes(task), task.Criticality == models.CriticalityCritical)
		if err != nil {
			s.logger.Warn("failed to record task outcome", "task", task.ID, "error", err)
		}
	}

	receipt := models.VerificationReceipt{
		TaskID:       task.ID,
		Verifier:     "daemon",
		Verdict:      models.VerdictAccept,
		Timestamp:    time.Now().UTC(),
		SpecHash:     s.specHashFor(ctx, task),
		EvidenceHash: council.EvidenceHash(&models.ReviewBundle{}),
	}
	s.deps.Bus.Emit(events.TypeTaskVerified, map[string]any{
		"taskId":  task.ID,
		"agent":   task.Assignee,
		"receipt": receipt,
	})
}

func (s *Server) onTaskRejected(ctx context.Context, task *models.Task) {
	s.noteRejection(task.Assignee)
	if task.Assignee == "" {
		return
	}
	_, err := s.deps.Trust.RecordOutcome(ctx, task.Assignee, models.OutcomeRejected,
		taskDurationMinutes(task), task.Criticality == models.CriticalityCritical)
	if err != nil {
		s.logger.Warn("failed to record task outcome", "task", task.ID, "error", err)
	}
}

// specHashFor hashes the originating handoff's goal and acceptance criteria.
// Tasks created without a handoff fall back to hashing the bare title.
func (s *Server) specHashFor(ctx context.Context, task *models.Task) string {
	if task.HandoffID != "" {
		payload, err := s.deps.Messages.HandoffPayload(ctx, task.HandoffID)
		if err == nil {
			return council.SpecHash(payload.Goal, payload.AcceptanceCriteria)
		}
		s.logger.Warn("failed to load handoff for receipt", "task", task.ID, "error", err)
	}
	return council.SpecHash(task.Title, nil)
}

func taskDurationMinutes(task *models.Task) float64 {
	if task.StartedAt == nil {
		return 0
	}
	return time.Since(*task.StartedAt).Minutes()
}

func (s *Server) handleReportProgress(conn *Conn, account string, rec wire.Record) {
	var req wire.ReportProgressRequest
	if err := decode(rec.Raw, &req); err != nil {
		conn.errorReply(rec.RequestID, "malformed report_progress record", nil)
		return
	}

	ctx, cancel := s.requestCtx(conn)
	defer cancel()

	task, err := s.deps.Tasks.ReportProgress(ctx, req.TaskID, req.Percent)
	if err != nil {
		s.replyServiceError(conn, rec.RequestID, err)
		return
	}
	if _, err := s.deps.Trust.RecordProgressReporting(ctx, account, true); err != nil {
		s.logger.Warn("failed to record progress reporting", "account", account, "error", err)
	}
	conn.result(rec.RequestID, task)
}

func (s *Server) handleSubscribe(conn *Conn, rec wire.Record) {
	var req wire.SubscribeRequest
	if err := decode(rec.Raw, &req); err != nil {
		conn.errorReply(rec.RequestID, "malformed subscribe record", nil)
		return
	}

	conn.mu.Lock()
	sub := conn.sub
	conn.mu.Unlock()

	if sub == nil {
		sub = s.deps.Bus.Subscribe(conn, req.Patterns)
		conn.mu.Lock()
		conn.sub = sub
		conn.mu.Unlock()
	} else {
		sub.AddPatterns(req.Patterns)
	}
	conn.result(rec.RequestID, map[string]any{"subscribed": true, "patterns": sub.Patterns()})
}

func (s *Server) handleUnsubscribe(conn *Conn, rec wire.Record) {
	var req wire.SubscribeRequest
	if err := decode(rec.Raw, &req); err != nil {
		conn.errorReply(rec.RequestID, "malformed unsubscribe record", nil)
		return
	}

	conn.mu.Lock()
	sub := conn.sub
	conn.mu.Unlock()

	patterns := []string{}
	if sub != nil {
		sub.RemovePatterns(req.Patterns)
		patterns = sub.Patterns()
	}
	conn.result(rec.RequestID, map[string]any{"subscribed": true, "patterns": patterns})
}

func (s *Server) handleCouncilAnalyze(conn *Conn, rec wire.Record) {
	var req wire.CouncilRequest
	if err := decode(rec.Raw, &req); err != nil {
		conn.errorReply(rec.RequestID, "malformed council_analyze record", nil)
		return
	}

	go func() {
		defer s.recoverRequest(conn, rec.RequestID)
		ctx, cancel := context.WithTimeout(conn.ctx, councilTimeout)
		defer cancel()

		result, err := s.deps.Council.Analyze(ctx, req.Goal, req.Members, req.Chairman)
		if err != nil {
			conn.errorReply(rec.RequestID, err.Error(), nil)
			return
		}
		if req.TaskID != "" && result.Consensus != nil {
			s.setEstimate(req.TaskID, float64(result.Consensus.ConsensusDurationMinutes))
		}
		conn.result(rec.RequestID, result)
	}()
}

func (s *Server) handleCouncilDiscuss(conn *Conn, rec wire.Record) {
	var req wire.CouncilRequest
	if err := decode(rec.Raw, &req); err != nil {
		conn.errorReply(rec.RequestID, "malformed council_discussion record", nil)
		return
	}

	go func() {
		defer s.recoverRequest(conn, rec.RequestID)
		ctx, cancel := context.WithTimeout(conn.ctx, councilTimeout)
		defer cancel()

		result, err := s.deps.Council.Discuss(ctx, req.Goal, req.Members, req.Chairman, req.Rounds)
		if err != nil {
			conn.errorReply(rec.RequestID, err.Error(), nil)
			return
		}
		conn.result(rec.RequestID, result)
	}()
}

func (s *Server) handleCouncilVerify(conn *Conn, rec wire.Record) {
	var req wire.CouncilVerifyRequest
	if err := decode(rec.Raw, &req); err != nil {
		conn.errorReply(rec.RequestID, "malformed council_verify record", nil)
		return
	}

	var bundle models.ReviewBundle
	if len(req.Bundle) > 0 {
		if err := json.Unmarshal(req.Bundle, &bundle); err != nil {
			conn.errorReply(rec.RequestID, "bundle is not a valid JSON object", nil)
			return
		}
	}
	var payload models.HandoffPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		conn.errorReply(rec.RequestID, "payload is not a valid JSON object", nil)
		return
	}

	go func() {
		defer s.recoverRequest(conn, rec.RequestID)
		ctx, cancel := context.WithTimeout(conn.ctx, councilTimeout)
		defer cancel()

		result, err := s.deps.Council.Verify(ctx, req.TaskID, &bundle, &payload, req.Members, req.Chairman)
		if err != nil {
			conn.errorReply(rec.RequestID, err.Error(), nil)
			return
		}
		conn.result(rec.RequestID, result)
	}()
}

func (s *Server) handleSession(conn *Conn, account string, rec wire.Record) {
	var req wire.SessionRequest
	if err := decode(rec.Raw, &req); err != nil {
		conn.errorReply(rec.RequestID, "malformed session record", nil)
		return
	}

	sessions := s.deps.Sessions
	switch rec.Type {
	case wire.TypeShareSession:
		sess, err := sessions.CreateSession(account, req.Participant, req.Workspace)
		if err != nil {
			conn.errorReply(rec.RequestID, err.Error(), nil)
			return
		}
		conn.result(rec.RequestID, sess)
	case wire.TypeJoinSession:
		sess, err := sessions.JoinSession(req.SessionID, account)
		if err != nil {
			conn.errorReply(rec.RequestID, err.Error(), nil)
			return
		}
		conn.result(rec.RequestID, sess)
	case wire.TypeSessionBroadcast:
		if err := sessions.AddUpdate(req.SessionID, account, req.Data); err != nil {
			conn.errorReply(rec.RequestID, err.Error(), nil)
			return
		}
		conn.result(rec.RequestID, map[string]any{"ok": true})
	case wire.TypeSessionPing:
		updates, err := sessions.GetUpdates(req.SessionID, account)
		if err != nil {
			conn.errorReply(rec.RequestID, err.Error(), nil)
			return
		}
		conn.result(rec.RequestID, map[string]any{"updates": updates})
	case wire.TypeSessionStatus:
		sess, err := sessions.Get(req.SessionID)
		if err != nil {
			conn.errorReply(rec.RequestID, err.Error(), nil)
			return
		}
		conn.result(rec.RequestID, sess)
	case wire.TypeSessionHistory:
		updates, err := sessions.History(req.SessionID, account)
		if err != nil {
			conn.errorReply(rec.RequestID, err.Error(), nil)
			return
		}
		conn.result(rec.RequestID, map[string]any{"updates": updates})
	case wire.TypeLeaveSession:
		if err := sessions.End(req.SessionID, account); err != nil {
			conn.errorReply(rec.RequestID, err.Error(), nil)
			return
		}
		conn.result(rec.RequestID, map[string]any{"ended": true})
	}
}

func (s *Server) handleListAccounts(conn *Conn, rec wire.Record) {
	names := s.deps.Registry.Names()
	sort.Strings(names)
	accounts := make([]map[string]any, 0, len(names))
	for _, name := range names {
		accounts = append(accounts, map[string]any{"name": name, "status": "active"})
	}
	conn.result(rec.RequestID, map[string]any{"accounts": accounts})
}

func (s *Server) handleArchiveMessages(conn *Conn, rec wire.Record) {
	var req wire.ArchiveMessagesRequest
	if err := decode(rec.Raw, &req); err != nil {
		conn.errorReply(rec.RequestID, "malformed archive_messages record", nil)
		return
	}
	// Requests may widen the window but never narrow it below the
	// retention floor.
	days := req.Days
	if days < s.cfg.Retention.ArchiveAfterDays {
		days = s.cfg.Retention.ArchiveAfterDays
	}

	ctx, cancel := s.requestCtx(conn)
	defer cancel()

	n, err := s.deps.Messages.ArchiveOld(ctx, days)
	if err != nil {
		s.replyServiceError(conn, rec.RequestID, err)
		return
	}
	conn.result(rec.RequestID, map[string]any{"archived": n})
}
