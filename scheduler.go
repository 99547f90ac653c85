package threadbox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobFunc is one run of a periodic job.
type JobFunc func(ctx context.Context) error

// Job is a named unit of periodic background work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      JobFunc
	// Immediate runs the job once at start instead of waiting one interval.
	Immediate bool
}

// RunHook is called after each job run, success or failure.
type RunHook func(job string, duration time.Duration, err error)

type schedulerConfig struct {
	logger *slog.Logger
	onRun  RunHook
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*schedulerConfig)

// WithSchedulerLogger sets the structured logger. Failed runs log at WARN.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(c *schedulerConfig) { c.logger = l }
}

// WithOnRun registers a hook called after each job run.
func WithOnRun(hook RunHook) SchedulerOption {
	return func(c *schedulerConfig) { c.onRun = hook }
}

// Scheduler runs periodic jobs, each on its own ticker. A failing run is
// logged and the job keeps its schedule.
//
// Usage:
//
//	sched := threadbox.NewScheduler([]threadbox.Job{
//	    {Name: "ledger.prune", Interval: time.Minute, Run: pruneFn},
//	    {Name: "pool.sweep", Interval: time.Minute, Run: pool.Sweep},
//	}, threadbox.WithSchedulerLogger(logger))
//	g.Go(func() error { return sched.Start(ctx) })
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger
	onRun  RunHook
}

// NewScheduler creates a Scheduler. Jobs with a non-positive interval are ignored.
func NewScheduler(jobs []Job, opts ...SchedulerOption) *Scheduler {
	var cfg schedulerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = NopLogger
	}
	var valid []Job
	for _, j := range jobs {
		if j.Interval > 0 && j.Run != nil {
			valid = append(valid, j)
		}
	}
	return &Scheduler{jobs: valid, logger: cfg.logger, onRun: cfg.onRun}
}

// Start runs every job until ctx is cancelled. Returns nil on clean shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	if job.Immediate {
		s.tick(ctx, job)
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, job)
		}
	}
}

// tick performs one run and reports it.
func (s *Scheduler) tick(ctx context.Context, job Job) {
	start := time.Now()
	err := job.Run(ctx)
	d := time.Since(start)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("scheduled job failed", "job", job.Name, "duration", d, "error", err)
	}
	if s.onRun != nil {
		s.onRun(job.Name, d, err)
	}
}
