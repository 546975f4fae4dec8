package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/wnsm/wnsm-sync/internal/apierr"
	"github.com/wnsm/wnsm-sync/internal/pipeline"
)

const defaultRunTimeout = 30 * time.Minute

// Runner performs one sync pass
type Runner interface {
	Run(ctx context.Context) (*pipeline.Result, error)
}

type Options struct {
	Interval   time.Duration
	RunOnStart bool
	// RunTimeout bounds a single run, retries included.
	RunTimeout time.Duration
}

type Scheduler struct {
	ctx    context.Context
	runner Runner
	opts   Options
	logger logrus.FieldLogger
	cron   *cron.Cron
}

func NewScheduler(ctx context.Context, runner Runner, opts Options, logger logrus.FieldLogger) *Scheduler {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}
	logger = logger.WithField("component", "scheduler")
	cronLogger := cron.PrintfLogger(logger)
	return &Scheduler{
		ctx:    ctx,
		runner: runner,
		opts:   opts,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
	}
}

// Start the scheduler. With RunOnStart the first run is triggered right away
// instead of one interval later.
func (s *Scheduler) Start() error {
	if s.opts.Interval < time.Second {
		return fmt.Errorf("update interval must be at least 1s, got %s", s.opts.Interval)
	}

	spec := "@every " + s.opts.Interval.String()
	id, err := s.cron.AddFunc(spec, s.collectData)
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"interval":     s.opts.Interval.String(),
		"run_on_start": s.opts.RunOnStart,
	}).Info("Scheduler started")

	s.cron.Start()
	if s.opts.RunOnStart {
		// goes through the same chain so it cannot overlap the first tick
		go s.cron.Entry(id).WrappedJob.Run()
	}
	return nil
}

// collectData runs the pipeline once and logs the outcome. Failures never
// stop the schedule.
func (s *Scheduler) collectData() {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.RunTimeout)
	defer cancel()

	result, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.WithError(err).WithField("error_kind", apierr.Kind(err)).
			Warn("Scheduled run failed, retrying at the next interval")
		return
	}
	s.logger.WithField("run_id", result.RunID).Debug("Scheduled run finished")
}

// Stop the scheduler and wait for a running job to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
