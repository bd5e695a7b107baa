package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Job is the unit of work run on every tick.
type Job func(ctx context.Context) error

// Scheduler periodically runs a single job. A run that is still in progress
// when the next tick fires is not overlapped.
type Scheduler struct {
	scheduler *gocron.Scheduler
	job       Job
	name      string
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Scheduler. timeout bounds each run; zero means unbounded.
func New(name string, interval, timeout time.Duration, job Job, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		job:       job,
		name:      name,
		interval:  interval,
		timeout:   timeout,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules the job, runs it once immediately, and starts the
// underlying scheduler.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		return errors.New("scheduler: interval must be positive")
	}

	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(s.run)
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", zap.String("job", s.name), zap.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) run() {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.logger.Info("scheduler: running job", zap.String("job", s.name))
	start := time.Now()
	if err := s.job(ctx); err != nil {
		s.logger.Error("scheduler: job failed", zap.String("job", s.name), zap.Error(err))
		return
	}
	s.logger.Info("scheduler: job completed", zap.String("job", s.name), zap.Duration("duration", time.Since(start)))
}

// Stop cancels any running job and stops future runs.
func (s *Scheduler) Stop() {
	s.cancel()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
