package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/model"
	"github.com/michaelbrown/runbox/internal/policy"
	"github.com/michaelbrown/runbox/internal/ratelimit"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
	"github.com/michaelbrown/runbox/internal/validate"
)

// newExecutor connects to Docker and builds the executor from config. The
// returned close func releases the Docker client.
func newExecutor(cfg *config.Config, log *zap.Logger) (*sandbox.Executor, func() error, error) {
	rt, err := sandbox.NewDockerRuntime(cfg.Sandbox.DockerHost, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to docker: %w", err)
	}

	strategies := make(map[model.Language]sandbox.Strategy, len(model.Languages))
	for _, lang := range model.Languages {
		r := cfg.Runner(lang)
		s, err := sandbox.NewStrategy(lang, sandbox.Commands{Image: r.Image, Build: r.Build, Run: r.Run})
		if err != nil {
			rt.Close()
			return nil, nil, fmt.Errorf("runner %s: %w", lang, err)
		}
		strategies[lang] = s
	}

	exec := sandbox.NewExecutor(sandbox.Options{
		Runtime:    rt,
		Strategies: strategies,
		Limits:     cfg.LimitsTable(),
		Ceiling:    cfg.Limits.Max,
		Rules: validate.Rules{
			MaxCodeChars:  cfg.Validate.MaxCodeChars,
			MaxFiles:      cfg.Validate.MaxFiles,
			MaxTotalBytes: cfg.Validate.MaxTotalBytes,
		},
		WorkspaceDir:  cfg.Sandbox.WorkspaceDir,
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		Logger:        log,
	})
	return exec, rt.Close, nil
}

// newCounters selects the rate-limit and quota backend. The sqlite backend
// shares the submission database.
func newCounters(ctx context.Context, cfg *config.Config, store *sqlite.SQLiteStore, log *zap.Logger) (ratelimit.CounterStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.RateLimit.Backend {
	case "memory":
		log.Warn("rate-limit counters are in memory and reset on restart")
		return ratelimit.NewMemoryCounters(), noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return ratelimit.NewRedisCounters(client), client.Close, nil
	default:
		return ratelimit.NewSQLiteCounters(store.DB()), noop, nil
	}
}

func newClock(cfg *config.Config) (*policy.Clock, error) {
	clock, err := policy.NewClock(cfg.Quota.Timezone)
	if err != nil {
		return nil, fmt.Errorf("quota.timezone: %w", err)
	}
	return clock, nil
}
