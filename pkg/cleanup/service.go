// Package cleanup provides data retention for messages and shared sessions.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/agenthub/hubd/pkg/config"
	"github.com/agenthub/hubd/pkg/services"
	"github.com/agenthub/hubd/pkg/session"
)

// Service periodically enforces retention policies:
//   - Archives read messages past the archival age
//   - Marks stale shared sessions inactive
//   - Purges inactive sessions past the session max age
//
// All operations are idempotent.
type Service struct {
	config   config.RetentionConfig
	messages *services.MessageService
	sessions *session.Manager
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg config.RetentionConfig, messages *services.MessageService,
	sessions *session.Manager, logger *slog.Logger) *Service {
	return &Service{
		config:   cfg,
		messages: messages,
		sessions: sessions,
		logger:   logger.With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("cleanup service started",
		"archive_after_days", s.config.ArchiveAfterDays,
		"session_max_age", s.config.SessionMaxAge,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll executes one full retention pass.
func (s *Service) RunAll(ctx context.Context) {
	s.archiveOldMessages(ctx)
	s.cleanupSessions()
}

func (s *Service) archiveOldMessages(ctx context.Context) {
	count, err := s.messages.ArchiveOld(ctx, s.config.ArchiveAfterDays)
	if err != nil {
		s.logger.Error("retention: message archival failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("retention: archived old messages", "count", count)
	}
}

func (s *Service) cleanupSessions() {
	if stale := s.sessions.CleanupStale(); stale > 0 {
		s.logger.Info("retention: marked stale sessions inactive", "count", stale)
	}
	if purged := s.sessions.PurgeInactive(s.config.SessionMaxAge); purged > 0 {
		s.logger.Info("retention: purged inactive sessions", "count", purged)
	}
}
