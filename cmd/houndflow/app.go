package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/internal/expressions"
	"github.com/rendis/houndflow/internal/host"
	"github.com/rendis/houndflow/internal/logging"
	"github.com/rendis/houndflow/internal/manager"
	"github.com/rendis/houndflow/internal/runner"
	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/internal/streaming"
	"github.com/rendis/houndflow/internal/validation"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	validator *validation.WorkflowValidator
	manager   *manager.Manager
	executor  *engine.Executor
	runner    *runner.Runner
	events    *streaming.MemoryHub
	host      *host.LazyHost
	breaker   *host.Breaker
	out       io.Writer
}

// setup loads the layered config for cmd and wires the app.
func setup(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := loadConfig(cmd.String("config"), os.Getenv)
	if err != nil {
		return nil, err
	}
	applyFlags(&cfg, cmd)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := logging.New(errWriter(cmd), cfg.LogLevel, cfg.LogFormat)
	if changed := diffConfigs(defaultConfig(), cfg); len(changed) > 0 {
		logger.Debug("config overrides", "fields", changed)
	}
	return newApp(ctx, cfg, logger, outWriter(cmd))
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger, out io.Writer) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	v, err := validation.NewWorkflowValidator()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load workflow schema: %w", err)
	}
	cond, err := expressions.NewConditionEvaluator()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init condition engines: %w", err)
	}

	lazy := host.NewLazyHost(cfg.HostURL, host.WebSocketOptions{
		CommandTimeout: time.Duration(cfg.HostTimeout),
		Logger:         logger,
	})
	var h host.Host = lazy
	var breaker *host.Breaker
	if cfg.BreakerThreshold > 0 {
		breaker = host.NewBreaker(lazy, host.BreakerConfig{FailureThreshold: cfg.BreakerThreshold})
		h = breaker
	}

	ex := engine.NewExecutor(
		engine.NewStepExecutor(h, time.Duration(cfg.StepTimeout), logger),
		cond, st, cfg.engineConfig(), logger,
	)
	m := manager.New(st, manager.WithValidator(v), manager.WithLogger(logger))
	hub := streaming.NewMemoryHub(0)
	r := runner.New(m, ex, st,
		runner.WithPoolSize(cfg.PoolSize),
		runner.WithRetention(0, time.Duration(cfg.ResultRetention)),
		runner.WithEventHub(hub),
		runner.WithLogger(logger),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		validator: v,
		manager:   m,
		executor:  ex,
		runner:    r,
		events:    hub,
		host:      lazy,
		breaker:   breaker,
		out:       out,
	}, nil
}

// Close stops background runs and releases the host and store.
func (a *app) Close() error {
	if ids := a.runner.Background(); len(ids) > 0 {
		a.logger.Info("cancelling background runs", "execution_ids", ids)
	}
	a.runner.Shutdown()
	m := a.runner.Metrics()
	a.logger.Debug("runner stopped", "completed", m.Completed, "failed", m.Failed, "panics", m.Panics)
	if a.breaker != nil {
		if stats := a.breaker.Stats(); len(stats) > 0 {
			a.logger.Debug("host circuits", "stats", stats)
		}
	}
	if err := a.host.Close(); err != nil {
		a.logger.Debug("closing automation host", "error", err)
	}
	return a.store.Close()
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.Store {
	case "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		s, err := store.NewRedisStore(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			StateTTL: time.Duration(cfg.RedisTTL),
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		if dir := filepath.Dir(cfg.DBPath); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create %s: %w", dir, err)
			}
		}
		s, err := store.NewLibSQLStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}
}

func outWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func errWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}
