package subscription

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"profitpilot/internal/logging"
)

// Expirer marks lapsed subscriptions expired
type Expirer interface {
	ExpireLapsed(ctx context.Context) (int, error)
}

// Scheduler runs the expiry sweep on a cron spec
type Scheduler struct {
	cron    *cron.Cron
	expirer Expirer
	spec    string
	logger  *logging.Logger
}

// cronLogger adapts the structured logger to cron's logger interface
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.WithError(err).Error(msg, keysAndValues...)
}

// NewScheduler creates a scheduler. Panics inside jobs are recovered and logged.
func NewScheduler(expirer Expirer, spec string) *Scheduler {
	logger := logging.WithComponent("scheduler")
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{l: logger})))
	return &Scheduler{
		cron:    c,
		expirer: expirer,
		spec:    spec,
		logger:  logger,
	}
}

// Start registers the expiry job and starts the cron scheduler
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.Sweep); err != nil {
		s.logger.Error("Failed to schedule expiry sweep", "spec", s.spec, "error", err)
		return err
	}
	s.logger.Info("Scheduled expiry sweep", "spec", s.spec)
	s.cron.Start()
	return nil
}

// Sweep expires lapsed subscriptions once
func (s *Scheduler) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	ctx, logger := logging.WithTraceContext(ctx)
	logger = logger.WithComponent("scheduler")

	n, err := s.expirer.ExpireLapsed(ctx)
	if err != nil {
		logger.Error("Expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("Expired lapsed subscriptions", "count", n)
	}
}

// Stop stops the scheduler and returns a context done when running jobs finish
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
