package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Job is a unit of periodic work. It receives the context Start was called with.
type Job func(ctx context.Context)

type Service struct {
	cron     *cron.Cron
	stop     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	jobs     map[string]cron.EntryID
}

func NewService() *Service {
	logger := cronLogger{}
	return &Service{
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		)),
		stop: make(chan struct{}),
		ctx:  context.Background(),
		jobs: make(map[string]cron.EntryID),
	}
}

// Register adds a named job on a standard five-field cron expression.
// Runs of the same job never overlap.
func (s *Service) Register(name, expr string, job Job) error {
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	if err := ValidateCronExpression(expr); err != nil {
		return fmt.Errorf("job %q: invalid cron expression %q: %w", name, expr, err)
	}
	id, err := s.cron.AddFunc(expr, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("job %q: %w", name, err)
	}
	s.jobs[name] = id

	next, _ := NextRunTime(expr, time.Now())
	log.Info().Str("job", name).Str("cron_expr", expr).Time("next_run", next).Msg("scheduled job registered")
	return nil
}

// Start runs registered jobs until ctx is done or Stop is called, then waits
// for in-flight runs to finish.
func (s *Service) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	log.Info().Int("jobs", len(s.jobs)).Msg("schedule service started")

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	<-s.cron.Stop().Done()
	log.Info().Msg("schedule service stopped")
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Service) run(name string, job Job) {
	started := time.Now()
	log.Debug().Str("job", name).Msg("scheduled job starting")
	job(s.ctx)
	log.Debug().Str("job", name).Dur("took", time.Since(started)).Msg("scheduled job finished")
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}

// cronLogger routes robfig/cron's internal logging to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
