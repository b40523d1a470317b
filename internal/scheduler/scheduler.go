// Package scheduler runs fixpland's periodic maintenance on cron schedules:
// outbox flushing, lease expiry, distillation retries, stale review sweeps
// and audit chain verification.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/config"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/metrics"
	"github.com/fyrsmithlabs/fixplan/internal/telemetry"
)

// Parser accepts five or six field cron expressions and descriptors such
// as "@every 30s" and "@hourly".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is one named periodic task. It reports how many items it handled.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

// Scheduler runs jobs on their schedules. A job still running when its
// next tick fires is skipped for that tick.
type Scheduler struct {
	cron   *cron.Cron
	logger *logging.Logger

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]Job
}

func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    context.Background(),
		jobs:   make(map[string]Job),
	}
}

// Add registers j. An empty spec disables the job.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return errors.New("scheduler: job needs a name and a func")
	}
	if j.Spec == "" {
		s.logger.Info(context.Background(), "job disabled", zap.String("job", j.Name))
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("scheduler: duplicate job %q", j.Name)
	}
	if _, err := s.cron.AddFunc(j.Spec, func() { s.runJob(j) }); err != nil {
		return fmt.Errorf("scheduler: job %s: bad schedule %q: %w", j.Name, j.Spec, err)
	}
	s.jobs[j.Name] = j
	return nil
}

// Trigger runs the named job once, right now, on the caller's goroutine.
func (s *Scheduler) Trigger(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("scheduler: unknown job %q", name)
	}
	return s.execute(ctx, j)
}

// Run starts the schedules and blocks until ctx is done, then waits for
// running jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info(ctx, "scheduler started", zap.Int("jobs", n))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info(context.Background(), "scheduler stopped")
	return nil
}

func (s *Scheduler) runJob(j Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	_, _ = s.execute(ctx, j)
}

func (s *Scheduler) execute(ctx context.Context, j Job) (n int, err error) {
	ctx, span := telemetry.Start(ctx, "scheduler", j.Name, attribute.String("job.spec", j.Spec))
	defer func() { telemetry.End(span, err) }()

	start := time.Now()
	n, err = j.Run(ctx)
	metrics.Get().JobRuns.WithLabelValues(j.Name, metrics.Outcome(err)).Inc()
	fields := []zap.Field{zap.String("job", j.Name), zap.Int("handled", n), zap.Duration("took", time.Since(start))}
	switch {
	case err != nil && ctx.Err() == nil:
		s.logger.Warn(ctx, "job failed", append(fields, zap.Error(err))...)
	case n > 0:
		s.logger.Info(ctx, "job ran", fields...)
	default:
		s.logger.Debug(ctx, "job ran", fields...)
	}
	return n, err
}

// cronLogger routes robfig/cron's own messages into zap.
type cronLogger struct{ l *logging.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug(context.Background(), msg, kvFields(kv)...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(context.Background(), msg, append(kvFields(kv), zap.Error(err))...)
}

func kvFields(kv []any) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}

// Sweeper is the engine side of the maintenance jobs.
type Sweeper interface {
	SweepLeases(ctx context.Context) (int, error)
	RetryDistillations(ctx context.Context) (int, error)
	SweepStaleAnalysis(ctx context.Context) (int, error)
	SweepApproved(ctx context.Context) (int, error)
	VerifyChains(ctx context.Context) ([]string, error)
}

// Flusher publishes pending outbox rows.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// Job names.
const (
	JobOutbox        = "outbox"
	JobLeases        = "leases"
	JobDistillation  = "distillation"
	JobStaleAnalysis = "stale_analysis"
	JobChainCheck    = "chain_check"
)

// Jobs builds fixpland's maintenance jobs from cfg.
func Jobs(cfg config.SchedulerConfig, sw Sweeper, outbox Flusher) []Job {
	return []Job{
		{Name: JobOutbox, Spec: cfg.Outbox, Run: outbox.Flush},
		{Name: JobLeases, Spec: cfg.Leases, Run: sw.SweepLeases},
		{Name: JobDistillation, Spec: cfg.Distillation, Run: sw.RetryDistillations},
		{Name: JobStaleAnalysis, Spec: cfg.StaleAnalysis, Run: func(ctx context.Context) (int, error) {
			a, errA := sw.SweepStaleAnalysis(ctx)
			b, errB := sw.SweepApproved(ctx)
			return a + b, errors.Join(errA, errB)
		}},
		{Name: JobChainCheck, Spec: cfg.ChainCheck, Run: func(ctx context.Context) (int, error) {
			broken, err := sw.VerifyChains(ctx)
			if err != nil {
				return 0, err
			}
			if len(broken) > 0 {
				return len(broken), fmt.Errorf("audit chain broken for %d plans: %v", len(broken), broken)
			}
			return 0, nil
		}},
	}
}

// Register adds every job in jobs.
func (s *Scheduler) Register(jobs ...Job) error {
	var errs []error
	for _, j := range jobs {
		errs = append(errs, s.Add(j))
	}
	return errors.Join(errs...)
}
