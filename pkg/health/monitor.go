// Package health tracks per-account operational condition: a passive monitor
// fed by connection and error observations, and an active checker that probes
// accounts on a timer.
package health

import (
	"sync"
	"time"

	"github.com/agenthub/hubd/pkg/models"
)

// DefaultStaleness is how old lastActivity may be before an otherwise
// healthy account is considered degraded.
const DefaultStaleness = 10 * time.Minute

// Update carries the partial fields merged into an account's health record.
// Nil pointers leave the existing value untouched.
type Update struct {
	Connected     *bool
	LastActivity  *time.Time
	ErrorCount    *int
	ErrorDelta    int
	RateLimited   *bool
	SLAViolations *int
}

// Monitor holds the health records. Derivation is pure: status is recomputed
// from the record fields on every merge.
type Monitor struct {
	staleness time.Duration

	mu       sync.RWMutex
	accounts map[string]*models.AccountHealth

	// now is swappable for tests.
	now func() time.Time
}

// NewMonitor creates a monitor with the given staleness threshold; zero
// selects the default.
func NewMonitor(staleness time.Duration) *Monitor {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Monitor{
		staleness: staleness,
		accounts:  make(map[string]*models.AccountHealth),
		now:       time.Now,
	}
}

// Update merges partial fields into the account's record, seeding defaults
// for a first-seen account, and recomputes the status. Returns the updated
// record.
func (m *Monitor) Update(account string, update Update) models.AccountHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.accounts[account]
	if !ok {
		rec = &models.AccountHealth{Account: account}
		m.accounts[account] = rec
	}

	if update.Connected != nil {
		rec.Connected = *update.Connected
	}
	if update.LastActivity != nil {
		rec.LastActivity = update.LastActivity
	}
	if update.ErrorCount != nil {
		rec.ErrorCount = *update.ErrorCount
	}
	rec.ErrorCount += update.ErrorDelta
	if rec.ErrorCount < 0 {
		rec.ErrorCount = 0
	}
	if update.RateLimited != nil {
		rec.RateLimited = *update.RateLimited
	}
	if update.SLAViolations != nil {
		rec.SLAViolations = *update.SLAViolations
	}
	rec.UpdatedAt = m.now()
	rec.Status = m.derive(rec)

	return *rec
}

// Get returns a copy of the account's record.
func (m *Monitor) Get(account string) (models.AccountHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.accounts[account]
	if !ok {
		return models.AccountHealth{}, false
	}
	return *rec, true
}

// Aggregate summarizes all tracked accounts. Overall is critical if any
// account is critical, else degraded if any is degraded, else healthy.
func (m *Monitor) Aggregate() models.HealthAggregate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := models.HealthAggregate{
		Overall:  models.HealthHealthy,
		Accounts: make(map[string]models.AccountHealth, len(m.accounts)),
	}
	for name, rec := range m.accounts {
		// Staleness can flip a record between reads; re-derive on the way out.
		snapshot := *rec
		snapshot.Status = m.derive(rec)
		agg.Accounts[name] = snapshot
		agg.Total++
		switch snapshot.Status {
		case models.HealthCritical:
			agg.Critical++
			agg.Overall = models.HealthCritical
		case models.HealthDegraded:
			agg.Degraded++
			if agg.Overall != models.HealthCritical {
				agg.Overall = models.HealthDegraded
			}
		default:
			agg.Healthy++
		}
	}
	return agg
}

// derive applies the status rules in order. Caller holds the lock.
func (m *Monitor) derive(rec *models.AccountHealth) models.HealthStatus {
	switch {
	case !rec.Connected:
		return models.HealthCritical
	case rec.RateLimited:
		return models.HealthCritical
	case rec.ErrorCount >= 5:
		return models.HealthCritical
	case rec.ErrorCount > 0:
		return models.HealthDegraded
	case rec.SLAViolations > 0:
		return models.HealthDegraded
	case rec.LastActivity != nil && m.now().Sub(*rec.LastActivity) > m.staleness:
		return models.HealthDegraded
	default:
		return models.HealthHealthy
	}
}
