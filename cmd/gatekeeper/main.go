package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hazardsafe/gatekeeper/internal/engine"
	"github.com/hazardsafe/gatekeeper/internal/logging"
	"github.com/hazardsafe/gatekeeper/internal/pipeline"
	"github.com/hazardsafe/gatekeeper/internal/sandbox"
	"github.com/hazardsafe/gatekeeper/internal/scheduler"
	"github.com/hazardsafe/gatekeeper/internal/store"
	"github.com/hazardsafe/gatekeeper/internal/validation"
	"github.com/hazardsafe/gatekeeper/pkg/mcp"
)

func main() {
	once := flag.Bool("once", false, "run a single timeout scan and exit")
	flag.Parse()

	cfg := loadConfig()
	logger := newLogger(cfg)

	if err := run(cfg, logger, *once); err != nil {
		logger.Error("gatekeeper failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger, once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	machine := engine.New(st, logger)

	sched, err := scheduler.New(machine, scheduler.Config{
		TimeoutHours: cfg.TimeoutHours,
		AutoExpire:   cfg.AutoExpire,
		ScanSchedule: cfg.ScanSchedule,
	}, logger)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	if once {
		expired := sched.RunOnce(ctx)
		logger.Info("timeout scan complete", slog.Int("expired", expired))
		return nil
	}

	validator, err := validation.NewScenarioValidator()
	if err != nil {
		return fmt.Errorf("create scenario validator: %w", err)
	}
	projector, err := pipeline.NewContextProjector(cfg.Projection)
	if err != nil {
		return fmt.Errorf("create context projector: %w", err)
	}
	guard, err := pipeline.NewReviewGuard(cfg.GuardExpr)
	if err != nil {
		return fmt.Errorf("create review guard: %w", err)
	}

	sb := sandbox.New(sandbox.WithEvalTimeout(cfg.sandboxTimeout()))

	pipe := pipeline.New(machine, sb, policyProducer(), validator, projector, guard, logger)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() { _ = sched.Stop() }()

	srv := mcp.NewGateServer(mcp.GateServerDeps{
		Pipeline: pipe,
		Store:    st,
		Logger:   logger,
	})

	logger.Info("gatekeeper ready",
		slog.String("db_path", cfg.DBPath),
		slog.Float64("timeout_hours", cfg.TimeoutHours),
		slog.Bool("auto_expire", cfg.AutoExpire))

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve mcp: %w", err)
	}
	return nil
}

// policyProducer bridges to the external policy-code generator. Out of the
// box there is none wired; submissions without a generator land in review as
// undecidable, which is the safe default.
func policyProducer() pipeline.PolicyProducer {
	return pipeline.PolicyProducerFunc(func(context.Context, map[string]any) (string, error) {
		return "", fmt.Errorf("no policy generator configured")
	})
}

func newLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}

	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
