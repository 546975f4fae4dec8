// Package pipeline runs one sync pass: restore the session, log in, save the
// session, fetch readings, normalize them and publish the statistics.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wnsm/wnsm-sync/internal/apierr"
	"github.com/wnsm/wnsm-sync/internal/metrics"
	"github.com/wnsm/wnsm-sync/internal/models"
	"github.com/wnsm/wnsm-sync/internal/normalizer"
	"github.com/wnsm/wnsm-sync/internal/retry"
	"github.com/wnsm/wnsm-sync/internal/session"
	"github.com/wnsm/wnsm-sync/internal/smartmeter"
)

const (
	SourceBewegungsdaten = "bewegungsdaten"
	SourceMesswerte      = "messwerte"
)

// API is the part of smartmeter.Client a run needs.
type API interface {
	Login(ctx context.Context) error
	LoggedIn() bool
	ExportSession() *session.Session
	RestoreSession(s *session.Session)
	Bewegungsdaten(ctx context.Context, id string, window models.DateWindow, vt smartmeter.ValueType, aggregation string) (*smartmeter.Bewegungsdaten, error)
	HistoricalData(ctx context.Context, id string, window models.DateWindow, vt smartmeter.ValueType) (*smartmeter.Zaehlwerk, error)
}

// SessionStore persists the session between runs.
type SessionStore interface {
	Restore() (*session.Session, bool)
	Save(s *session.Session) error
}

// StatisticsPublisher sends the discovery message and the normalized series.
type StatisticsPublisher interface {
	PublishDiscovery(ctx context.Context, zaehlpunkt string) error
	PublishPoints(ctx context.Context, points []models.StatisticPoint) (int, error)
}

// Options selects what a run fetches.
type Options struct {
	Zaehlpunkt  string
	HistoryDays int
	Source      string
	ValueType   smartmeter.ValueType
	// Bulk fetches the last three years instead of the incremental window.
	Bulk bool
}

// Result describes a finished run.
type Result struct {
	RunID     string
	Window    models.DateWindow
	Points    int
	Published int
}

// Pipeline is not safe for concurrent use; the scheduler never overlaps runs.
type Pipeline struct {
	api        API
	store      SessionStore
	publisher  StatisticsPublisher
	retry      *retry.Executor
	normalizer *normalizer.Normalizer
	opts       Options
	logger     logrus.FieldLogger

	metrics *metrics.Metrics
	health  *metrics.HealthChecker
	now     func() time.Time
}

func New(
	api API,
	store SessionStore,
	publisher StatisticsPublisher,
	exec *retry.Executor,
	opts Options,
	logger logrus.FieldLogger,
) *Pipeline {
	if opts.Source == "" {
		opts.Source = SourceBewegungsdaten
	}
	if opts.HistoryDays < 1 {
		opts.HistoryDays = 1
	}
	return &Pipeline{
		api:        api,
		store:      store,
		publisher:  publisher,
		retry:      exec,
		normalizer: normalizer.New(logger),
		opts:       opts,
		logger:     logger.WithField("component", "pipeline"),
		now:        time.Now,
	}
}

// WithMetrics attaches collectors and a health checker. Either may be nil.
func (p *Pipeline) WithMetrics(m *metrics.Metrics, health *metrics.HealthChecker) *Pipeline {
	p.metrics = m
	p.health = health
	return p
}

// Run performs one pass. Errors keep their apierr classification. A
// QueryError aborts before anything is published.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	started := p.now()
	result := &Result{RunID: uuid.NewString()}
	logger := p.logger.WithFields(logrus.Fields{
		"run_id":     result.RunID,
		"zaehlpunkt": p.opts.Zaehlpunkt,
	})

	err := p.run(ctx, logger, result)

	kind := "ok"
	status := metrics.StatusServing
	if err != nil {
		kind = apierr.Kind(err)
		status = metrics.StatusNotServing
		p.logFailure(logger, err)
	} else {
		logger.WithFields(logrus.Fields{
			"points":    result.Points,
			"published": result.Published,
			"duration":  p.now().Sub(started).String(),
		}).Info("Sync run completed")
	}
	p.metrics.ObserveRun(kind, p.now().Sub(started), p.now())
	p.health.SetServingStatus("sync", status)

	return result, err
}

func (p *Pipeline) run(ctx context.Context, logger logrus.FieldLogger, result *Result) error {
	if err := p.login(ctx, logger); err != nil {
		return err
	}

	if p.opts.Bulk {
		result.Window = models.BulkWindow(p.now())
	} else {
		result.Window = models.IncrementalWindow(p.now(), p.opts.HistoryDays)
	}
	logger = logger.WithField("window", result.Window.String())
	logger.WithFields(logrus.Fields{
		"source": p.opts.Source,
		"days":   result.Window.Days(),
	}).Info("Fetching readings")

	records, err := p.fetch(ctx, logger, result.Window)
	if err != nil {
		return err
	}

	points := p.normalizer.Normalize(records)
	result.Points = len(points)
	p.metrics.ObservePoints(len(points))
	logger.WithFields(logrus.Fields{
		"records": len(records),
		"points":  len(points),
	}).Info("Readings normalized")

	if err := p.publisher.PublishDiscovery(ctx, p.opts.Zaehlpunkt); err != nil {
		return err
	}

	delivered, err := p.publisher.PublishPoints(ctx, points)
	result.Published = delivered
	failed := 0
	if err != nil {
		// the latest value goes to the state topic as well
		failed = len(points) + 1 - delivered
	}
	p.metrics.ObservePublished(delivered, failed)
	return err
}

// login restores the saved session and logs in only when it is not usable.
// A fresh session is written back to the store.
func (p *Pipeline) login(ctx context.Context, logger logrus.FieldLogger) error {
	if s, ok := p.store.Restore(); ok {
		p.api.RestoreSession(s)
	}
	if p.api.LoggedIn() {
		logger.Info("Using existing session")
		return nil
	}

	logger.Info("Logging in to Wiener Netze")
	return p.retry.Do(ctx, func(ctx context.Context) error {
		return p.relogin(ctx, logger)
	})
}

// ensureSession runs at the start of every fetch attempt. The access token
// can expire between login and fetch, or between two attempts.
func (p *Pipeline) ensureSession(ctx context.Context, logger logrus.FieldLogger) error {
	if p.api.LoggedIn() {
		return nil
	}
	logger.Info("Session expired, logging in again")
	return p.relogin(ctx, logger)
}

func (p *Pipeline) relogin(ctx context.Context, logger logrus.FieldLogger) error {
	err := p.api.Login(ctx)
	p.metrics.ObserveLogin(err)
	if err != nil {
		return err
	}
	if err := p.store.Save(p.api.ExportSession()); err != nil {
		logger.WithError(err).Warn("Failed to save session")
	}
	return nil
}

func (p *Pipeline) fetch(ctx context.Context, logger logrus.FieldLogger, window models.DateWindow) ([]models.RawReading, error) {
	switch p.opts.Source {
	case SourceBewegungsdaten:
		data, err := retry.Run(ctx, p.retry, func(ctx context.Context) (*smartmeter.Bewegungsdaten, error) {
			if err := p.ensureSession(ctx, logger); err != nil {
				return nil, err
			}
			return p.api.Bewegungsdaten(ctx, p.opts.Zaehlpunkt, window, p.opts.ValueType, "NONE")
		})
		if err != nil {
			return nil, err
		}
		return normalizer.FromBewegungsdaten(data), nil

	case SourceMesswerte:
		vt := p.opts.ValueType
		if vt == "" {
			vt = smartmeter.MeterRead
		}
		zw, err := retry.Run(ctx, p.retry, func(ctx context.Context) (*smartmeter.Zaehlwerk, error) {
			if err := p.ensureSession(ctx, logger); err != nil {
				return nil, err
			}
			return p.api.HistoricalData(ctx, p.opts.Zaehlpunkt, window, vt)
		})
		if err != nil {
			return nil, err
		}
		// meter reads are absolute counter values, not consumption
		if vt == smartmeter.MeterRead {
			return normalizer.FromMeterReads(zw), nil
		}
		return normalizer.FromMesswerte(zw), nil

	default:
		return nil, fmt.Errorf("unknown source %q", p.opts.Source)
	}
}

func (p *Pipeline) logFailure(logger logrus.FieldLogger, err error) {
	entry := logger.WithError(err).WithField("error_kind", apierr.Kind(err))

	var (
		loginErr *apierr.LoginError
		queryErr *apierr.QueryError
	)
	switch {
	case errors.Is(err, context.Canceled):
		entry.Warn("Sync run cancelled")
	case errors.As(err, &loginErr):
		entry.Error("Login failed, check username and password")
	case errors.As(err, &queryErr):
		entry.Error("Query failed, nothing was published")
	default:
		entry.Error("Sync run failed")
	}
}
