// Package config resolves the hub directory layout and runtime settings.
//
// All filesystem paths derive from a single hub directory (CLAUDE_HUB_DIR,
// default ~/.claude-hub) resolved once at startup. No other component reads
// the environment after Load returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the umbrella configuration object passed to all components.
type Config struct {
	hubDir string

	// Connection server
	Server ServerConfig

	// Background loops
	Health    HealthConfig
	SLA       SLAConfig
	Retention RetentionConfig

	// Council deliberation
	Council CouncilConfig

	// Ops HTTP API. Empty port disables the listener.
	HTTPPort string
}

// ServerConfig bounds the socket protocol.
type ServerConfig struct {
	MaxRecordBytes int
	MaxChunkBytes  int
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// HealthConfig controls the periodic health checker.
type HealthConfig struct {
	CheckInterval      time.Duration
	ProbeTimeout       time.Duration
	StalenessThreshold time.Duration
}

// SLAConfig holds the escalation ladder thresholds.
type SLAConfig struct {
	EvalInterval          time.Duration
	PingAfter             time.Duration
	ReassignAfter         time.Duration
	MaxReassignments      int
	ReassignCooldown      time.Duration
	ProgressSilenceLimit  time.Duration
	RejectionQuarantine   int
	ProgressLagPercentage float64
}

// RetentionConfig controls the cleanup loop.
type RetentionConfig struct {
	ArchiveAfterDays int
	RetentionDays    int
	SessionMaxAge    time.Duration
	CleanupInterval  time.Duration
}

// CouncilConfig bounds council phase execution.
type CouncilConfig struct {
	ResearchTimeout   time.Duration
	DiscussionTimeout time.Duration
	DecisionTimeout   time.Duration
	MaxRounds         int
	CompactionBytes   int
	MemberOutputLimit int
}

// Load resolves the hub directory and returns the default configuration.
// The hub directory is created if it does not exist.
func Load() (*Config, error) {
	hubDir := os.Getenv("CLAUDE_HUB_DIR")
	if hubDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		hubDir = filepath.Join(home, ".claude-hub")
	}

	if err := os.MkdirAll(hubDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create hub directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(hubDir, "tokens"), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create tokens directory: %w", err)
	}

	return &Config{
		hubDir: hubDir,
		Server: ServerConfig{
			MaxRecordBytes: 1 << 20,  // 1 MiB per record
			MaxChunkBytes:  256 << 10, // 256 KiB per stream chunk
			IdleTimeout:    30 * time.Minute,
			RequestTimeout: 2 * time.Second,
		},
		Health: HealthConfig{
			CheckInterval:      5 * time.Minute,
			ProbeTimeout:       10 * time.Second,
			StalenessThreshold: 10 * time.Minute,
		},
		SLA: SLAConfig{
			EvalInterval:          time.Minute,
			PingAfter:             30 * time.Minute,
			ReassignAfter:         60 * time.Minute,
			MaxReassignments:      3,
			ReassignCooldown:      10 * time.Minute,
			ProgressSilenceLimit:  10 * time.Minute,
			RejectionQuarantine:   2,
			ProgressLagPercentage: 20,
		},
		Retention: RetentionConfig{
			ArchiveAfterDays: 14,
			RetentionDays:    14,
			SessionMaxAge:    24 * time.Hour,
			CleanupInterval:  time.Hour,
		},
		Council: CouncilConfig{
			ResearchTimeout:   180 * time.Second,
			DiscussionTimeout: 90 * time.Second,
			DecisionTimeout:   180 * time.Second,
			MaxRounds:         2,
			CompactionBytes:   20 * 1024,
			MemberOutputLimit: 4000,
		},
		HTTPPort: os.Getenv("HUB_HTTP_PORT"),
	}, nil
}

// HubDir returns the resolved hub directory path.
func (c *Config) HubDir() string { return c.hubDir }

// SocketPath returns the UNIX domain socket path.
func (c *Config) SocketPath() string { return filepath.Join(c.hubDir, "hub.sock") }

// PIDFilePath returns the daemon PID file path.
func (c *Config) PIDFilePath() string { return filepath.Join(c.hubDir, "daemon.pid") }

// TokensDir returns the per-account token directory.
func (c *Config) TokensDir() string { return filepath.Join(c.hubDir, "tokens") }

// DatabasePath returns the single-file SQLite database path.
func (c *Config) DatabasePath() string { return filepath.Join(c.hubDir, "hub.db") }

// CouncilCachePath returns the council result cache file.
func (c *Config) CouncilCachePath() string {
	return filepath.Join(c.hubDir, "council-cache.json")
}

// VerificationCachePath returns the verification receipt cache file.
func (c *Config) VerificationCachePath() string {
	return filepath.Join(c.hubDir, "council-verifications.json")
}
