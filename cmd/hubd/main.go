// hubd — the agent hub daemon. Serves the NDJSON socket protocol for a
// fleet of coding agents, tracks tasks and trust, runs health and SLA
// loops, and hosts council deliberations.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agenthub/hubd/pkg/api"
	"github.com/agenthub/hubd/pkg/auth"
	"github.com/agenthub/hubd/pkg/cleanup"
	"github.com/agenthub/hubd/pkg/config"
	"github.com/agenthub/hubd/pkg/council"
	"github.com/agenthub/hubd/pkg/database"
	"github.com/agenthub/hubd/pkg/events"
	"github.com/agenthub/hubd/pkg/health"
	"github.com/agenthub/hubd/pkg/server"
	"github.com/agenthub/hubd/pkg/services"
	"github.com/agenthub/hubd/pkg/session"
	"github.com/agenthub/hubd/pkg/sla"
	"github.com/agenthub/hubd/pkg/supervisor"
	"github.com/agenthub/hubd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(getEnv("HUB_LOG_LEVEL", "info")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// tokenAccounts lists accounts provisioned in the tokens directory.
func tokenAccounts(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var accounts []string
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".token")
		if !ok || entry.IsDir() {
			continue
		}
		if config.ValidAccountName(name) {
			accounts = append(accounts, name)
		}
	}
	return accounts
}

func main() {
	supervise := flag.Bool("supervise", false,
		"run the daemon as a supervised child and restart it on crashes")
	provision := flag.String("provision", "",
		"register the named account, mint its token, print it, and exit")
	label := flag.String("label", "", "display label for --provision")
	color := flag.String("color", "", "display color (#rrggbb) for --provision")
	provider := flag.String("provider", "", "launch provider for --provision")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		slog.Info("loaded environment from .env")
	}

	logger := newLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if *provision != "" {
		os.Exit(runProvision(cfg, logger, config.Account{
			Name:     *provision,
			Label:    *label,
			Color:    *color,
			Provider: *provider,
		}))
	}
	if *supervise {
		os.Exit(runSupervised(cfg, logger))
	}
	os.Exit(runDaemon(cfg, logger))
}

// runProvision registers an account in config.json and writes a fresh token
// for it. The token is printed to stdout for the operator to hand to the
// agent; the daemon picks both up without a restart.
func runProvision(cfg *config.Config, logger *slog.Logger, account config.Account) int {
	if err := config.ValidateAccount(account); err != nil {
		logger.Error("invalid account", "error", err)
		return 1
	}

	file, err := cfg.LoadFile()
	if err != nil {
		logger.Error("failed to load account config", "error", err)
		return 1
	}
	replaced := false
	for i, existing := range file.Accounts {
		if existing.Name == account.Name {
			file.Accounts[i] = account
			replaced = true
			break
		}
	}
	if !replaced {
		file.Accounts = append(file.Accounts, account)
	}
	if err := cfg.SaveFile(file); err != nil {
		logger.Error("failed to save account config", "error", err)
		return 1
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		logger.Error("failed to generate token", "error", err)
		return 1
	}
	token := hex.EncodeToString(raw)
	if err := auth.NewTokenStore(cfg.TokensDir()).WriteToken(account.Name, token); err != nil {
		logger.Error("failed to write token file", "error", err)
		return 1
	}

	fmt.Println(token)
	logger.Info("account provisioned", "account", account.Name, "replaced", replaced)
	return 0
}

// runSupervised re-executes this binary without --supervise as a child and
// restarts it on crashes.
func runSupervised(cfg *config.Config, logger *slog.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	var args []string
	for _, arg := range os.Args[1:] {
		if arg == "--supervise" || arg == "-supervise" {
			continue
		}
		args = append(args, arg)
	}

	sup := supervisor.New(self, args, cfg.PIDFilePath(), logger)
	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("supervision ended", "error", err)
		return 1
	}
	return 0
}

func runDaemon(cfg *config.Config, logger *slog.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting hubd", "version", version.Full(),
		"hub_dir", cfg.HubDir(), "socket", cfg.SocketPath())

	// PID file: refuse to start over a live daemon, clear a stale one.
	if err := supervisor.WritePIDFile(cfg.PIDFilePath(), os.Getpid()); err != nil {
		logger.Error("failed to claim pid file", "error", err)
		return 1
	}
	defer supervisor.RemovePIDFile(cfg.PIDFilePath())

	// 1. Database and migrations.
	db, err := database.NewClient(ctx, cfg.DatabasePath())
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("error closing database", "error", err)
		}
	}()
	logger.Info("database ready", "path", cfg.DatabasePath())

	// 2. Stores and managers.
	bus := events.NewBus(0, 0)
	tokens := auth.NewTokenStore(cfg.TokensDir())
	messages := services.NewMessageService(db, logger)
	tasks, err := services.NewTaskService(ctx, db, logger)
	if err != nil {
		logger.Error("failed to load task board", "error", err)
		return 1
	}
	trust := services.NewTrustService(db, logger)
	monitor := health.NewMonitor(cfg.Health.StalenessThreshold)
	sessions := session.NewManager(0, logger)
	registry := server.NewRegistry()

	// 3. Council engine, calling members over their own connections.
	cache := council.NewCache(cfg.CouncilCachePath(), cfg.VerificationCachePath())
	engine := council.NewEngine(server.NewCaller(registry), bus, cfg.Council, cache, logger)

	// 4. Connection server.
	srv := server.New(cfg, server.Deps{
		Tokens:   tokens,
		Bus:      bus,
		Messages: messages,
		Tasks:    tasks,
		Trust:    trust,
		Monitor:  monitor,
		Sessions: sessions,
		Council:  engine,
		Registry: registry,
	}, logger)
	if err := srv.Start(); err != nil {
		logger.Error("failed to start connection server", "error", err)
		return 1
	}
	defer srv.Stop()

	// 5. Health checker: liveness is a registry probe over every account
	// declared in config.json, provisioned with a token, or connected.
	declared, err := cfg.LoadFile()
	if err != nil {
		logger.Warn("failed to read account config", "error", err)
		declared = &config.File{}
	}
	probe := func(ctx context.Context, account string) health.ProbeResult {
		start := time.Now()
		ok := registry.IsConnected(account)
		return health.ProbeResult{OK: ok, LatencyMs: time.Since(start).Milliseconds()}
	}
	lister := func() []string {
		seen := make(map[string]bool)
		var accounts []string
		add := func(names []string) {
			for _, account := range names {
				if !seen[account] {
					seen[account] = true
					accounts = append(accounts, account)
				}
			}
		}
		var declaredNames []string
		for _, a := range declared.Accounts {
			declaredNames = append(declaredNames, a.Name)
		}
		add(declaredNames)
		add(tokenAccounts(cfg.TokensDir()))
		add(registry.Names())
		return accounts
	}
	checker := health.NewChecker(monitor, bus, probe, lister,
		cfg.Health.CheckInterval, cfg.Health.ProbeTimeout, logger)
	checker.OnCritical(func(account string) {
		logger.Warn("account is critical", "account", account)
	})
	checker.Start()
	defer checker.Stop()

	// 6. SLA loop.
	slaRunner := server.NewSLARunner(srv, sla.NewCoordinator(cfg.SLA, logger), logger)
	slaRunner.Start()
	defer slaRunner.Stop()

	// 7. Retention loop.
	retention := cleanup.NewService(cfg.Retention, messages, sessions, logger)
	retention.Start(ctx)
	defer retention.Stop()

	// 8. Ops HTTP API, if enabled.
	if cfg.HTTPPort != "" {
		ops := api.NewServer(bus, monitor, trust, tasks, sessions, registry, logger)
		if err := ops.Start(cfg.HTTPPort); err != nil {
			logger.Error("failed to start ops api", "error", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ops.Stop(shutdownCtx); err != nil {
				logger.Error("ops api shutdown failed", "error", err)
			}
		}()
	}

	logger.Info("hubd started", "pid", os.Getpid(),
		"tokens_dir", filepath.Base(cfg.TokensDir()))

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return 0
}
