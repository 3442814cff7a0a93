// Package scheduler wraps a pipeline run behind an interval cron schedule.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// RunFunc executes one orchestrator run, returning a run identifier for
// logging.
type RunFunc func(ctx context.Context) (string, error)

// IntervalScheduler drives RunFunc on a cron expression.
type IntervalScheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
	run  RunFunc
}

// New builds an IntervalScheduler. spec is a standard 5-field cron
// expression (minute hour day-of-month month day-of-week).
func New(spec string, run RunFunc, log zerolog.Logger) (*IntervalScheduler, error) {
	c := cron.New()
	s := &IntervalScheduler{cron: c, log: log, run: run}

	_, err := c.AddFunc(spec, func() {
		runID, err := run(context.Background())
		if err != nil {
			log.Error().Err(err).Str("runId", runID).Msg("scheduled run failed")
			return
		}
		log.Info().Str("runId", runID).Msg("scheduled run completed")
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the scheduler loop in the background.
func (s *IntervalScheduler) Start() { s.cron.Start() }

// Stop blocks until any in-flight run completes, then halts the scheduler.
func (s *IntervalScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
