// Command threadboxd runs the threadbox daemon: it polls Telegram, admits
// messages into the ledger, and answers each conversation thread from its
// own sandboxed agent session.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/nevindra/threadbox"
	"github.com/nevindra/threadbox/client"
	"github.com/nevindra/threadbox/frontend/telegram"
	"github.com/nevindra/threadbox/internal/bot"
	"github.com/nevindra/threadbox/internal/config"
	"github.com/nevindra/threadbox/observer"
	"github.com/nevindra/threadbox/pool"
	"github.com/nevindra/threadbox/provisioner"
	"github.com/nevindra/threadbox/provisioner/docker"
	"github.com/nevindra/threadbox/store/postgres"
	"github.com/nevindra/threadbox/store/sqlite"
)

// store is what the daemon needs from a backend: both the ledger and the
// session store live in the same database.
type store interface {
	threadbox.Ledger
	threadbox.SessionStore
}

func main() {
	cfg, err := config.Load(os.Getenv("THREADBOX_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("threadboxd: exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.Telegram.Token == "" {
		return errors.New("telegram token is required (THREADBOX_TELEGRAM_TOKEN)")
	}

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	backend, err := docker.NewFromEnv(docker.Config{
		Image: cfg.Sandbox.Image,
		Port:  cfg.Sandbox.Port,
		Env:   cfg.Sandbox.Env,
		Host:  cfg.Sandbox.Host,
	}, docker.WithLogger(logger))
	if err != nil {
		return err
	}

	var exec threadbox.ExecutionClient = client.New(
		client.WithLogger(logger),
		client.WithPromptTimeout(cfg.Sandbox.PromptTimeout.Duration),
	)
	var ledger threadbox.Ledger = st
	var prov threadbox.SandboxProvisioner = provisioner.New(backend, exec,
		provisioner.WithLogger(logger),
		provisioner.WithProvisionTimeout(cfg.Sandbox.ProvisionTimeout.Duration),
		provisioner.WithHealthTimeout(cfg.Sandbox.HealthTimeout.Duration),
		provisioner.WithMaxResumeFailures(cfg.Sandbox.MaxResumeFailures),
	)

	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("observer: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("observer: shutdown", "error", err)
			}
		}()
		exec = observer.WrapClient(exec, inst)
		prov = observer.WrapProvisioner(prov, inst)
		ledger = observer.WrapLedger(ledger, inst)
		logger.Info("observer: enabled")
	}

	agents := pool.New(st, prov, exec,
		pool.WithLogger(logger),
		pool.WithIdleTimeout(cfg.Sandbox.IdleTimeout.Duration),
		pool.WithIdleGrace(cfg.Sandbox.IdleGrace.Duration),
		pool.WithPausedTTL(cfg.Sandbox.PausedTTL.Duration),
	)
	defer agents.Close()

	tgOpts := []telegram.Option{
		telegram.WithLogger(logger),
		telegram.WithPollTimeout(cfg.Telegram.PollTimeout.Duration),
	}
	if cfg.Telegram.APIURL != "" {
		tgOpts = append(tgOpts, telegram.WithBaseURL(cfg.Telegram.APIURL))
	}
	frontend := threadbox.WithRateLimit(
		threadbox.WithRetry(telegram.New(cfg.Telegram.Token, ledger, tgOpts...),
			threadbox.RetryMaxAttempts(cfg.Telegram.SendRetries),
			threadbox.RetryLogger(logger)),
		threadbox.RPM(cfg.Telegram.SendsPerMinute))

	pipeline := bot.New(ledger, frontend, bot.PoolAgents(agents),
		bot.WithLogger(logger),
		bot.WithMaxAttempts(cfg.Ledger.MaxAttempts),
		bot.WithRetryDelay(cfg.Ledger.RetryDelay.Duration),
	)

	sched := threadbox.NewScheduler([]threadbox.Job{
		{
			Name:     "ledger.prune",
			Interval: cfg.Ledger.PruneInterval.Duration,
			Run: func(ctx context.Context) error {
				n, err := ledger.Prune(ctx)
				if n > 0 {
					logger.Debug("ledger: pruned", "rows", n)
				}
				return err
			},
		},
		agents.SweepJob(cfg.Sandbox.CleanupInterval.Duration),
	}, threadbox.WithSchedulerLogger(logger))

	logger.Info("threadboxd: started",
		"database", cfg.Database.Driver,
		"image", cfg.Sandbox.Image,
		"idle_timeout", cfg.Sandbox.IdleTimeout.Duration,
		"paused_ttl", cfg.Sandbox.PausedTTL.Duration)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipeline.Run(gctx) })
	g.Go(func() error { return sched.Start(gctx) })
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("threadboxd: stopped")
	return err
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store, func(), error) {
	var s store
	closeFn := func() {}

	switch cfg.Database.Driver {
	case "postgres":
		pgPool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		s = postgres.New(pgPool,
			postgres.WithLogger(logger),
			postgres.WithRetention(cfg.Ledger.Retention.Duration),
			postgres.WithPruneBatch(cfg.Ledger.PruneBatch))
		closeFn = pgPool.Close
	default:
		sq := sqlite.New(cfg.Database.Path,
			sqlite.WithLogger(logger),
			sqlite.WithRetention(cfg.Ledger.Retention.Duration),
			sqlite.WithPruneBatch(cfg.Ledger.PruneBatch))
		s = sq
		closeFn = func() {
			if err := sq.Close(); err != nil {
				logger.Warn("sqlite: close", "error", err)
			}
		}
	}

	if err := s.Init(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return s, closeFn, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}
