package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/hubd/pkg/config"
	"github.com/agenthub/hubd/pkg/database"
	"github.com/agenthub/hubd/pkg/models"
)

// MessageService persists inter-account messages and handoffs.
type MessageService struct {
	db     *database.Client
	logger *slog.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(db *database.Client, logger *slog.Logger) *MessageService {
	return &MessageService{
		db:     db,
		logger: logger.With("service", "message"),
	}
}

// Add validates and stores a new message, returning the stored record.
func (s *MessageService) Add(ctx context.Context, req models.CreateMessageRequest) (*models.Message, error) {
	if !config.ValidAccountName(req.From) {
		return nil, NewValidationError("from", "invalid account name")
	}
	if !config.ValidAccountName(req.To) {
		return nil, NewValidationError("to", "invalid account name")
	}
	if req.Content == "" {
		return nil, NewValidationError("content", "content is required")
	}
	kind := req.Kind
	if kind == "" {
		kind = models.KindMessage
	}
	if kind != models.KindMessage && kind != models.KindHandoff {
		return nil, NewValidationError("kind", fmt.Sprintf("unknown kind %q", kind))
	}

	msg := &models.Message{
		ID:        uuid.New().String(),
		From:      req.From,
		To:        req.To,
		Kind:      kind,
		Content:   req.Content,
		Timestamp: time.Now().UTC(),
		Context:   req.Context,
	}

	var contextJSON any
	if len(msg.Context) > 0 {
		data, err := json.Marshal(msg.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to encode message context: %w", err)
		}
		contextJSON = string(data)
	}

	_, err := s.db.DB().ExecContext(ctx,
		`INSERT INTO messages (id, from_account, to_account, kind, content, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.From, msg.To, string(msg.Kind), msg.Content, contextJSON,
		msg.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	s.logger.Debug("message stored", "id", msg.ID, "from", msg.From, "to", msg.To, "kind", msg.Kind)
	return msg, nil
}

// Unread returns unread, non-archived messages addressed to account, oldest
// first.
func (s *MessageService) Unread(ctx context.Context, account string) ([]models.Message, error) {
	return s.query(ctx,
		`SELECT id, from_account, to_account, kind, content, context, created_at, read, archived
		 FROM messages
		 WHERE to_account = ? AND read = 0 AND archived = 0
		 ORDER BY created_at`, account)
}

// Paged returns messages addressed to account, read included, newest first.
func (s *MessageService) Paged(ctx context.Context, account string, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.query(ctx,
		`SELECT id, from_account, to_account, kind, content, context, created_at, read, archived
		 FROM messages
		 WHERE to_account = ? AND archived = 0
		 ORDER BY created_at DESC
		 LIMIT ? OFFSET ?`, account, limit, offset)
}

// MarkAllRead sets read=true on every unread, non-archived message addressed
// to account. Idempotent.
func (s *MessageService) MarkAllRead(ctx context.Context, account string) (int64, error) {
	res, err := s.db.DB().ExecContext(ctx,
		`UPDATE messages SET read = 1 WHERE to_account = ? AND read = 0 AND archived = 0`, account)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ArchiveOld archives read messages older than the given number of days and
// returns how many rows changed. Unread messages are never archived.
func (s *MessageService) ArchiveOld(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, NewValidationError("days", "must be positive")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339Nano)
	res, err := s.db.DB().ExecContext(ctx,
		`UPDATE messages SET archived = 1 WHERE read = 1 AND archived = 0 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to archive messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("archived old messages", "count", n, "older_than_days", days)
	}
	return n, nil
}

// HandoffPayload returns the decoded handoff payload of a stored handoff
// message.
func (s *MessageService) HandoffPayload(ctx context.Context, id string) (*models.HandoffPayload, error) {
	var kind, content string
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT kind, content FROM messages WHERE id = ?`, id).Scan(&kind, &content)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	if kind != string(models.KindHandoff) {
		return nil, NewValidationError("id", "message is not a handoff")
	}
	var payload models.HandoffPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode handoff payload: %w", err)
	}
	return &payload, nil
}

func (s *MessageService) query(ctx context.Context, q string, args ...any) ([]models.Message, error) {
	rows, err := s.db.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			msg         models.Message
			kind        string
			contextJSON sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&msg.ID, &msg.From, &msg.To, &kind, &msg.Content,
			&contextJSON, &createdAt, &msg.Read, &msg.Archived); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Kind = models.MessageKind(kind)
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			msg.Timestamp = ts
		}
		if contextJSON.Valid && contextJSON.String != "" {
			_ = json.Unmarshal([]byte(contextJSON.String), &msg.Context)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return out, nil
}
