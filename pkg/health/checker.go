package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agenthub/hubd/pkg/events"
	"github.com/agenthub/hubd/pkg/models"
)

const (
	// DefaultCheckInterval is how often the checker probes all accounts.
	DefaultCheckInterval = 5 * time.Minute

	// DefaultProbeTimeout bounds a single account probe.
	DefaultProbeTimeout = 10 * time.Second
)

// ProbeResult is the outcome of one account probe.
type ProbeResult struct {
	OK        bool
	LatencyMs int64
}

// ProbeFunc checks one account's responsiveness.
type ProbeFunc func(ctx context.Context, account string) ProbeResult

// AccountLister supplies the set of accounts to probe on each tick.
type AccountLister func() []string

// Checker probes accounts on a timer and feeds results into the monitor.
// Probes for distinct accounts run in parallel; a tick that finds the
// previous sweep still running is skipped.
type Checker struct {
	monitor  *Monitor
	bus      *events.Bus
	probe    ProbeFunc
	accounts AccountLister
	logger   *slog.Logger

	interval     time.Duration
	probeTimeout time.Duration

	// onCritical is invoked for each account whose probe left it critical.
	onCritical func(account string)

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	sweeping sync.Mutex
}

// NewChecker creates a checker. Zero durations select the defaults.
func NewChecker(monitor *Monitor, bus *events.Bus, probe ProbeFunc, accounts AccountLister, interval, probeTimeout time.Duration, logger *slog.Logger) *Checker {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Checker{
		monitor:      monitor,
		bus:          bus,
		probe:        probe,
		accounts:     accounts,
		logger:       logger.With("component", "health_checker"),
		interval:     interval,
		probeTimeout: probeTimeout,
	}
}

// OnCritical registers a hook invoked when a probe leaves an account
// critical. Must be called before Start.
func (c *Checker) OnCritical(fn func(account string)) {
	c.onCritical = fn
}

// Start launches the periodic sweep loop.
func (c *Checker) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.done = make(chan struct{})

	c.wg.Add(1)
	go c.loop()
	c.logger.Info("health checker started", "interval", c.interval)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.done)
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("health checker stopped")
}

func (c *Checker) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep probes every account once. Exported for on-demand checks; no-op if
// another sweep is still in flight.
func (c *Checker) Sweep() {
	if !c.sweeping.TryLock() {
		c.logger.Warn("previous health sweep still running, skipping tick")
		return
	}
	defer c.sweeping.Unlock()

	accounts := c.accounts()
	var wg sync.WaitGroup
	for _, account := range accounts {
		wg.Add(1)
		go func(account string) {
			defer wg.Done()
			c.probeOne(account)
		}(account)
	}
	wg.Wait()
}

func (c *Checker) probeOne(account string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.probeTimeout)
	defer cancel()

	result := c.probe(ctx, account)
	now := time.Now().UTC()

	update := Update{Connected: &result.OK}
	if result.OK {
		update.LastActivity = &now
	}
	rec := c.monitor.Update(account, update)

	c.bus.Emit(events.TypeAccountHealth, map[string]any{
		"agent":     account,
		"status":    string(rec.Status),
		"latencyMs": result.LatencyMs,
	})

	if rec.Status == models.HealthCritical && c.onCritical != nil {
		c.onCritical(account)
	}
}
