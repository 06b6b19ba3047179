// Package server implements the hub's UNIX-socket connection server: the
// NDJSON protocol endpoint that authenticates agent connections and
// dispatches their requests to the stores and engines.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/hubd/pkg/auth"
	"github.com/agenthub/hubd/pkg/config"
	"github.com/agenthub/hubd/pkg/council"
	"github.com/agenthub/hubd/pkg/events"
	"github.com/agenthub/hubd/pkg/health"
	"github.com/agenthub/hubd/pkg/services"
	"github.com/agenthub/hubd/pkg/session"
	"github.com/agenthub/hubd/pkg/wire"
)

// Deps bundles the stores and engines the server dispatches into.
type Deps struct {
	Tokens   *auth.TokenStore
	Bus      *events.Bus
	Messages *services.MessageService
	Tasks    *services.TaskService
	Trust    *services.TrustService
	Monitor  *health.Monitor
	Sessions *session.Manager
	Council  *council.Engine
	Registry *Registry
}

// Server accepts connections on the hub socket and runs one reader goroutine
// per connection.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	rejMu      sync.Mutex
	rejections map[string]int

	estMu     sync.Mutex
	estimates map[string]float64 // taskID → consensus duration minutes

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New creates a server over the given dependencies.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		deps:       deps,
		logger:     logger.With("component", "server"),
		rejections: make(map[string]int),
		estimates:  make(map[string]float64),
		conns:      make(map[*Conn]struct{}),
	}
}

// Start binds the socket and begins accepting connections. A stale socket
// file from a previous run is removed first.
func (s *Server) Start() error {
	path := s.cfg.SocketPath()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(listener)

	s.logger.Info("listening", "socket", path)
	return nil
}

// Stop stops accepting, closes every connection without a farewell record,
// and removes the socket file.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listener := s.listener
	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, conn := range conns {
		conn.close()
	}
	s.wg.Wait()

	if err := os.Remove(s.cfg.SocketPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove socket file", "error", err)
	}
	s.logger.Info("stopped")
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		conn := newConn(uuid.New().String(), netConn, s.cfg.Server.MaxChunkBytes, s.logger)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConn(conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// handleConn is the per-connection reader: it feeds the frame parser and
// dispatches each record, enforcing the idle timeout between reads.
func (s *Server) handleConn(conn *Conn) {
	defer s.wg.Done()
	defer s.teardown(conn)

	parser := wire.NewParser(s.cfg.Server.MaxRecordBytes, func(rec wire.Record) {
		s.dispatch(conn, rec)
	})

	buf := make([]byte, 64<<10)
	for {
		if err := conn.netConn.SetReadDeadline(time.Now().Add(s.cfg.Server.IdleTimeout)); err != nil {
			return
		}
		n, err := conn.netConn.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// teardown releases everything the connection held: registry slot,
// subscription, pending routed calls.
func (s *Server) teardown(conn *Conn) {
	conn.close()

	conn.mu.Lock()
	account := conn.account
	sub := conn.sub
	conn.sub = nil
	conn.mu.Unlock()

	if sub != nil {
		s.deps.Bus.Unsubscribe(sub)
	}
	if account != "" {
		s.deps.Registry.Remove(account, conn)
		connected := false
		s.deps.Monitor.Update(account, health.Update{Connected: &connected})
		s.logger.Info("disconnected", "account", account)
	}

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// authenticate handles the mandatory first record. Invalid credentials get
// an auth_fail reply and the connection is closed.
func (s *Server) authenticate(conn *Conn, rec wire.Record) {
	var req wire.AuthRequest
	if err := decode(rec.Raw, &req); err != nil {
		conn.errorReply(rec.RequestID, "malformed auth record", nil)
		return
	}

	if !s.deps.Tokens.Verify(req.Account, req.Token) {
		s.logger.Warn("auth failed", "account", req.Account)
		_ = conn.writeRecord(map[string]any{
			"type":      wire.ReplyAuthFail,
			"requestId": req.RequestID,
			"error":     "invalid account or token",
		})
		conn.close()
		return
	}

	conn.setAccount(req.Account)
	s.deps.Registry.Add(req.Account, conn)

	connected := true
	now := time.Now()
	s.deps.Monitor.Update(req.Account, health.Update{Connected: &connected, LastActivity: &now})

	_ = conn.writeRecord(map[string]any{
		"type":      wire.ReplyAuthOK,
		"requestId": req.RequestID,
		"account":   req.Account,
	})
	s.logger.Info("authenticated", "account", req.Account)
}

// Rejection tracking feeds the SLA coordinator's quarantine rule.

func (s *Server) noteRejection(account string) {
	if account == "" {
		return
	}
	s.rejMu.Lock()
	s.rejections[account]++
	s.rejMu.Unlock()
}

func (s *Server) clearRejections(account string) {
	if account == "" {
		return
	}
	s.rejMu.Lock()
	delete(s.rejections, account)
	s.rejMu.Unlock()
}

func (s *Server) rejectionSnapshot() map[string]int {
	s.rejMu.Lock()
	defer s.rejMu.Unlock()
	out := make(map[string]int, len(s.rejections))
	for account, n := range s.rejections {
		out[account] = n
	}
	return out
}

// Duration estimates recorded from council analysis consensus.

func (s *Server) setEstimate(taskID string, minutes float64) {
	if taskID == "" || minutes <= 0 {
		return
	}
	s.estMu.Lock()
	s.estimates[taskID] = minutes
	s.estMu.Unlock()
}

func (s *Server) estimateSnapshot() map[string]float64 {
	s.estMu.Lock()
	defer s.estMu.Unlock()
	out := make(map[string]float64, len(s.estimates))
	for taskID, minutes := range s.estimates {
		out[taskID] = minutes
	}
	return out
}
