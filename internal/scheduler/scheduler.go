// Package scheduler runs recurring jobs, such as repeated still snaps, on cron
// schedules with an optional seconds field.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/loopcam/internal/observability"
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("scheduler already running")

// JobFunc is the work run on each tick. The context is cancelled when the
// scheduler stops.
type JobFunc func(ctx context.Context) error

// JobStats describes the runs of one job.
type JobStats struct {
	Name      string
	Schedule  string
	Runs      int
	Failures  int
	Skipped   int
	LastRun   time.Time
	LastError error
	Next      time.Time
}

type job struct {
	name     string
	schedule string
	fn       JobFunc
	id       cron.EntryID
	running  bool

	runs      int
	failures  int
	skipped   int
	lastRun   time.Time
	lastError error
}

// Scheduler runs jobs on cron schedules. Expressions take six fields
// (seconds first), five fields, or descriptors such as "@every 10m".
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	parser cron.Parser
	logger *slog.Logger
	jobs   []*job

	ctx     context.Context
	running bool
}

// New creates a scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{logger: logger})),
		parser: parser,
		logger: logger,
	}
}

// ValidateCron validates a cron expression.
func (s *Scheduler) ValidateCron(expr string) error {
	if _, err := s.parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextRun returns the first activation of expr after from.
func (s *Scheduler) NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}

// Add registers fn under name. A tick that arrives while the previous run of
// the same job is still going is skipped.
func (s *Scheduler) Add(name, expr string, fn JobFunc) error {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	j := &job{name: name, schedule: expr, fn: fn}
	j.id = s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(j) }))

	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()

	s.logger.Debug("job scheduled",
		slog.String("job", name),
		slog.String("cron", expr),
		slog.Time("next", schedule.Next(time.Now())))
	return nil
}

// Run starts the scheduler and blocks until ctx is done. It returns after
// in-flight jobs have finished.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Stats())))

	<-ctx.Done()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) run(j *job) {
	s.mu.Lock()
	ctx := s.ctx
	if j.running || ctx == nil || ctx.Err() != nil {
		j.skipped++
		s.mu.Unlock()
		s.logger.Debug("job skipped", slog.String("job", j.name))
		return
	}
	j.running = true
	s.mu.Unlock()

	start := time.Now()
	err := j.fn(ctx)

	s.mu.Lock()
	j.running = false
	j.runs++
	j.lastRun = start
	j.lastError = err
	if err != nil {
		j.failures++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed",
			slog.String("job", j.name),
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err))
		return
	}
	s.logger.Debug("job completed",
		slog.String("job", j.name),
		slog.Duration("duration", time.Since(start)))
}

// Stats returns per-job run statistics in registration order.
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStats, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStats{
			Name:      j.name,
			Schedule:  j.schedule,
			Runs:      j.runs,
			Failures:  j.failures,
			Skipped:   j.skipped,
			LastRun:   j.lastRun,
			LastError: j.lastError,
			Next:      s.cron.Entry(j.id).Next,
		})
	}
	return out
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Log(context.Background(), observability.LevelTrace, "cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.Any("error", err))...)
}
