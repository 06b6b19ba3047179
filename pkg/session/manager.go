// Package session manages ephemeral pairwise collaboration sessions and
// their in-memory update rings.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/hubd/pkg/models"
)

const (
	// UpdateRingSize bounds the per-session update history.
	UpdateRingSize = 500

	// DefaultStaleAfter marks a session inactive when every member's last
	// ping is older than this.
	DefaultStaleAfter = 90 * time.Second
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionInactive is returned when mutating an ended session.
	ErrSessionInactive = errors.New("session is not active")

	// ErrNotMember is returned when the caller is not part of the session.
	ErrNotMember = errors.New("account is not a session member")

	// ErrSelfPairing is returned when initiator and participant are the same.
	ErrSelfPairing = errors.New("cannot create a session with yourself")
)

type sessionState struct {
	session models.SharedSession
	updates []models.SessionUpdate

	// dropped counts ring evictions so cursors keep pointing at the right
	// absolute position.
	dropped int

	// cursors maps account to the absolute index of the next unseen update.
	cursors map[string]int
}

// Manager tracks shared sessions. All state is in memory; sessions do not
// survive a daemon restart.
type Manager struct {
	staleAfter time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState

	now func() time.Time
}

// NewManager creates a session manager. Zero staleAfter selects the default.
func NewManager(staleAfter time.Duration, logger *slog.Logger) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{
		staleAfter: staleAfter,
		logger:     logger.With("component", "session"),
		sessions:   make(map[string]*sessionState),
		now:        time.Now,
	}
}

// CreateSession opens a session between two distinct accounts.
func (m *Manager) CreateSession(initiator, participant, workspace string) (*models.SharedSession, error) {
	if initiator == participant {
		return nil, ErrSelfPairing
	}
	now := m.now()
	state := &sessionState{
		session: models.SharedSession{
			ID:          uuid.New().String(),
			Initiator:   initiator,
			Participant: participant,
			Workspace:   workspace,
			StartedAt:   now,
			Active:      true,
			LastPing:    map[string]int64{initiator: now.UnixMilli()},
		},
		cursors: make(map[string]int),
	}

	m.mu.Lock()
	m.sessions[state.session.ID] = state
	m.mu.Unlock()

	m.logger.Info("session created", "id", state.session.ID,
		"initiator", initiator, "participant", participant)
	session := state.session
	return &session, nil
}

// JoinSession marks the declared participant joined. Only the participant
// may join, and only while the session is active.
func (m *Manager) JoinSession(id, account string) (*models.SharedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if !state.session.Active {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionInactive)
	}
	if account != state.session.Participant {
		return nil, fmt.Errorf("account %s: %w", account, ErrNotMember)
	}

	state.session.Joined = true
	state.session.LastPing[account] = m.now().UnixMilli()
	session := cloneSession(&state.session)
	return &session, nil
}

// AddUpdate appends an update to the session ring. The caller must be a
// member and the session active.
func (m *Manager) AddUpdate(id, from, data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if !state.session.Active {
		return fmt.Errorf("session %s: %w", id, ErrSessionInactive)
	}
	if !isMember(&state.session, from) {
		return fmt.Errorf("account %s: %w", from, ErrNotMember)
	}

	state.updates = append(state.updates, models.SessionUpdate{
		From:      from,
		Data:      data,
		Timestamp: m.now(),
	})
	if len(state.updates) > UpdateRingSize {
		overflow := len(state.updates) - UpdateRingSize
		state.updates = state.updates[overflow:]
		state.dropped += overflow
	}
	state.session.LastPing[from] = m.now().UnixMilli()
	return nil
}

// GetUpdates returns entries strictly after the account's cursor and
// advances it. The call doubles as a liveness ping.
func (m *Manager) GetUpdates(id, forAccount string) ([]models.SessionUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if !isMember(&state.session, forAccount) {
		return nil, fmt.Errorf("account %s: %w", forAccount, ErrNotMember)
	}

	cursor := state.cursors[forAccount]
	// The ring may have evicted entries past the cursor already.
	start := cursor - state.dropped
	if start < 0 {
		start = 0
	}
	out := append([]models.SessionUpdate(nil), state.updates[start:]...)
	state.cursors[forAccount] = state.dropped + len(state.updates)
	state.session.LastPing[forAccount] = m.now().UnixMilli()
	return out, nil
}

// History returns every retained update without moving the account's cursor.
// Entries evicted from the ring are gone.
func (m *Manager) History(id, forAccount string) ([]models.SessionUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if !isMember(&state.session, forAccount) {
		return nil, fmt.Errorf("account %s: %w", forAccount, ErrNotMember)
	}
	return append([]models.SessionUpdate(nil), state.updates...), nil
}

// Get returns a copy of one session.
func (m *Manager) Get(id string) (*models.SharedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	session := cloneSession(&state.session)
	return &session, nil
}

// List returns a snapshot of all sessions.
func (m *Manager) List() []models.SharedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SharedSession, 0, len(m.sessions))
	for _, state := range m.sessions {
		out = append(out, cloneSession(&state.session))
	}
	return out
}

// End marks a session inactive. Only a member may end it.
func (m *Manager) End(id, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if !isMember(&state.session, account) {
		return fmt.Errorf("account %s: %w", account, ErrNotMember)
	}
	state.session.Active = false
	return nil
}

// CleanupStale marks active sessions inactive when every member's last ping
// is older than the staleness bound. Returns how many sessions changed.
func (m *Manager) CleanupStale() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.staleAfter).UnixMilli()
	n := 0
	for _, state := range m.sessions {
		if !state.session.Active {
			continue
		}
		fresh := false
		for _, ping := range state.session.LastPing {
			if ping >= cutoff {
				fresh = true
				break
			}
		}
		if !fresh {
			state.session.Active = false
			n++
			m.logger.Info("session marked stale", "id", state.session.ID)
		}
	}
	return n
}

// PurgeInactive drops inactive sessions started longer ago than maxAge.
// Returns how many were removed.
func (m *Manager) PurgeInactive(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	n := 0
	for id, state := range m.sessions {
		if !state.session.Active && state.session.StartedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	if n > 0 {
		m.logger.Info("purged inactive sessions", "count", n)
	}
	return n
}

func isMember(s *models.SharedSession, account string) bool {
	return account == s.Initiator || account == s.Participant
}

func cloneSession(s *models.SharedSession) models.SharedSession {
	cp := *s
	cp.LastPing = make(map[string]int64, len(s.LastPing))
	for k, v := range s.LastPing {
		cp.LastPing[k] = v
	}
	return cp
}
