package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wnsm/wnsm-sync/internal/apierr"
	"github.com/wnsm/wnsm-sync/internal/metrics"
	"github.com/wnsm/wnsm-sync/internal/models"
	"github.com/wnsm/wnsm-sync/internal/retry"
	"github.com/wnsm/wnsm-sync/internal/session"
	"github.com/wnsm/wnsm-sync/internal/smartmeter"
)

const zp = "AT0010000000000000001000000000001"

var testNow = time.Date(2025, 5, 29, 6, 0, 0, 0, time.UTC)

type mockAPI struct{ mock.Mock }

func (m *mockAPI) Login(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockAPI) LoggedIn() bool {
	return m.Called().Bool(0)
}

func (m *mockAPI) ExportSession() *session.Session {
	return m.Called().Get(0).(*session.Session)
}

func (m *mockAPI) RestoreSession(s *session.Session) {
	m.Called(s)
}

func (m *mockAPI) Bewegungsdaten(ctx context.Context, id string, window models.DateWindow, vt smartmeter.ValueType, aggregation string) (*smartmeter.Bewegungsdaten, error) {
	args := m.Called(ctx, id, window, vt, aggregation)
	data, _ := args.Get(0).(*smartmeter.Bewegungsdaten)
	return data, args.Error(1)
}

func (m *mockAPI) HistoricalData(ctx context.Context, id string, window models.DateWindow, vt smartmeter.ValueType) (*smartmeter.Zaehlwerk, error) {
	args := m.Called(ctx, id, window, vt)
	zw, _ := args.Get(0).(*smartmeter.Zaehlwerk)
	return zw, args.Error(1)
}

type mockStore struct{ mock.Mock }

func (m *mockStore) Restore() (*session.Session, bool) {
	args := m.Called()
	s, _ := args.Get(0).(*session.Session)
	return s, args.Bool(1)
}

func (m *mockStore) Save(s *session.Session) error {
	return m.Called(s).Error(0)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) PublishDiscovery(ctx context.Context, zaehlpunkt string) error {
	return m.Called(ctx, zaehlpunkt).Error(0)
}

func (m *mockPublisher) PublishPoints(ctx context.Context, points []models.StatisticPoint) (int, error) {
	args := m.Called(ctx, points)
	return args.Int(0), args.Error(1)
}

type fixture struct {
	api    *mockAPI
	store  *mockStore
	pub    *mockPublisher
	hook   *test.Hook
	health *metrics.HealthChecker
	sleeps []time.Duration
}

func newPipeline(t *testing.T, opts Options) (*Pipeline, *fixture) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{
		api:    &mockAPI{},
		store:  &mockStore{},
		pub:    &mockPublisher{},
		hook:   hook,
		health: metrics.NewHealthChecker(),
	}
	exec := retry.New(3, time.Second, logger)
	exec.Sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}

	if opts.Zaehlpunkt == "" {
		opts.Zaehlpunkt = zp
	}
	p := New(f.api, f.store, f.pub, exec, opts, logger).WithMetrics(metrics.New(), f.health)
	p.now = func() time.Time { return testNow }

	t.Cleanup(func() {
		f.api.AssertExpectations(t)
		f.store.AssertExpectations(t)
		f.pub.AssertExpectations(t)
	})
	return p, f
}

func bewegungsdaten() *smartmeter.Bewegungsdaten {
	return &smartmeter.Bewegungsdaten{
		Descriptor: smartmeter.Descriptor{Zaehlpunktnummer: zp, Rolle: "V002"},
		Values: []models.RawReading{
			{Start: "2025-05-28T00:15:00Z", Quantity: json.RawMessage(`0.123`)},
			{Start: "2025-05-28T00:30:00Z", Quantity: json.RawMessage(`0.234`)},
		},
	}
}

func seriesOf(n int, lastSum string) interface{} {
	return mock.MatchedBy(func(points []models.StatisticPoint) bool {
		return len(points) == n && (n == 0 || points[n-1].SumDecimal == lastSum)
	})
}

func expectFreshLogin(f *fixture) *session.Session {
	fresh := &session.Session{AccessToken: "token", Cookies: map[string]string{}}
	f.store.On("Restore").Return(nil, false).Once()
	f.api.On("LoggedIn").Return(false).Once()
	f.api.On("Login", mock.Anything).Return(nil).Once()
	f.api.On("ExportSession").Return(fresh).Once()
	f.store.On("Save", fresh).Return(nil).Once()
	// checked again before every fetch attempt
	f.api.On("LoggedIn").Return(true).Maybe()
	return fresh
}

func TestRunPublishesCumulativeSeries(t *testing.T) {
	p, f := newPipeline(t, Options{HistoryDays: 1, ValueType: smartmeter.QuarterHour})
	expectFreshLogin(f)

	window := models.IncrementalWindow(testNow, 1)
	f.api.On("Bewegungsdaten", mock.Anything, zp, window, smartmeter.QuarterHour, "NONE").
		Return(bewegungsdaten(), nil).Once()
	f.pub.On("PublishDiscovery", mock.Anything, zp).Return(nil).Once()
	f.pub.On("PublishPoints", mock.Anything, seriesOf(2, "0.357")).Return(3, nil).Once()

	result, err := p.Run(context.Background())

	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, "2025-05-28..2025-05-28", result.Window.String())
	assert.Equal(t, 2, result.Points)
	assert.Equal(t, 3, result.Published)
	assert.Equal(t, metrics.StatusServing, f.health.Check("sync"))
	assert.Equal(t, "Sync run completed", f.hook.LastEntry().Message)
	assert.Equal(t, result.RunID, f.hook.LastEntry().Data["run_id"])
}

func TestRunReusesRestoredSession(t *testing.T) {
	p, f := newPipeline(t, Options{HistoryDays: 3})
	saved := &session.Session{AccessToken: "saved"}

	f.store.On("Restore").Return(saved, true).Once()
	f.api.On("RestoreSession", saved).Once()
	f.api.On("LoggedIn").Return(true)
	f.api.On("Bewegungsdaten", mock.Anything, zp, models.IncrementalWindow(testNow, 3), smartmeter.ValueType(""), "NONE").
		Return(bewegungsdaten(), nil).Once()
	f.pub.On("PublishDiscovery", mock.Anything, zp).Return(nil).Once()
	f.pub.On("PublishPoints", mock.Anything, seriesOf(2, "0.357")).Return(3, nil).Once()

	_, err := p.Run(context.Background())

	require.NoError(t, err)
	f.api.AssertNotCalled(t, "Login", mock.Anything)
	f.store.AssertNotCalled(t, "Save", mock.Anything)
}

func TestRunRetriesConnectionErrors(t *testing.T) {
	p, f := newPipeline(t, Options{})
	fresh := &session.Session{AccessToken: "token"}
	connErr := apierr.NewConnectionError("load login page", errors.New("connection reset"))

	f.store.On("Restore").Return(nil, false).Once()
	f.api.On("LoggedIn").Return(false).Once()
	f.api.On("Login", mock.Anything).Return(connErr).Once()
	f.api.On("Login", mock.Anything).Return(nil).Once()
	f.api.On("ExportSession").Return(fresh).Once()
	f.store.On("Save", fresh).Return(nil).Once()
	f.api.On("LoggedIn").Return(true)

	f.api.On("Bewegungsdaten", mock.Anything, zp, mock.Anything, mock.Anything, "NONE").
		Return(nil, connErr).Twice()
	f.api.On("Bewegungsdaten", mock.Anything, zp, mock.Anything, mock.Anything, "NONE").
		Return(bewegungsdaten(), nil).Once()
	f.pub.On("PublishDiscovery", mock.Anything, zp).Return(nil).Once()
	f.pub.On("PublishPoints", mock.Anything, seriesOf(2, "0.357")).Return(3, nil).Once()

	_, err := p.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, time.Second, 2 * time.Second}, f.sleeps)
}

func TestRunStopsOnLoginError(t *testing.T) {
	p, f := newPipeline(t, Options{})
	loginErr := apierr.NewLoginError("login failed, check username/password", nil)

	f.store.On("Restore").Return(nil, false).Once()
	f.api.On("LoggedIn").Return(false).Once()
	f.api.On("Login", mock.Anything).Return(loginErr).Once()

	_, err := p.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, "login", apierr.Kind(err))
	assert.Empty(t, f.sleeps, "login errors are not retried")
	f.api.AssertNotCalled(t, "Bewegungsdaten", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.pub.AssertNotCalled(t, "PublishDiscovery", mock.Anything, mock.Anything)
	assert.Equal(t, "Login failed, check username and password", f.hook.LastEntry().Message)
	assert.Equal(t, metrics.StatusNotServing, f.health.Check("sync"))
}

func TestRunDoesNotPublishOnQueryError(t *testing.T) {
	p, f := newPipeline(t, Options{})
	expectFreshLogin(f)

	queryErr := apierr.NewQueryError("bewegungsdaten", "", apierr.ErrMeteringPointMismatch)
	f.api.On("Bewegungsdaten", mock.Anything, zp, mock.Anything, mock.Anything, "NONE").
		Return(nil, queryErr).Once()

	_, err := p.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrMeteringPointMismatch)
	assert.Empty(t, f.sleeps)
	f.pub.AssertNotCalled(t, "PublishDiscovery", mock.Anything, mock.Anything)
	f.pub.AssertNotCalled(t, "PublishPoints", mock.Anything, mock.Anything)
	assert.Equal(t, "Query failed, nothing was published", f.hook.LastEntry().Message)
}

func TestRunMesswerteSource(t *testing.T) {
	p, f := newPipeline(t, Options{Source: SourceMesswerte, ValueType: smartmeter.QuarterHour})
	expectFreshLogin(f)

	zw := &smartmeter.Zaehlwerk{
		ObisCode: "1-1:1.8.0",
		Einheit:  "WH",
		Messwerte: []smartmeter.Messwert{
			{Messwert: json.RawMessage(`1234`), ZeitVon: "2025-05-28T00:00:00.000Z", Qualitaet: "VAL"},
			{Messwert: json.RawMessage(`567`), ZeitVon: "2025-05-28T00:15:00.000Z", Qualitaet: "VAL"},
		},
	}
	f.api.On("HistoricalData", mock.Anything, zp, models.IncrementalWindow(testNow, 1), smartmeter.QuarterHour).
		Return(zw, nil).Once()
	f.pub.On("PublishDiscovery", mock.Anything, zp).Return(nil).Once()
	f.pub.On("PublishPoints", mock.Anything, seriesOf(2, "1.801")).Return(3, nil).Once()

	result, err := p.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, result.Points)
}

func TestRunMesswerteMeterReadsBecomeConsumption(t *testing.T) {
	// no value type defaults to meter reads
	p, f := newPipeline(t, Options{Source: SourceMesswerte})
	expectFreshLogin(f)

	zw := &smartmeter.Zaehlwerk{
		ObisCode: "1-1:1.8.0",
		Einheit:  "WH",
		Messwerte: []smartmeter.Messwert{
			{Messwert: json.RawMessage(`12345000`), ZeitVon: "2025-05-26T22:00:00.000Z", Qualitaet: "VAL"},
			{Messwert: json.RawMessage(`12350000`), ZeitVon: "2025-05-27T22:00:00.000Z", Qualitaet: "VAL"},
			{Messwert: json.RawMessage(`12355000`), ZeitVon: "2025-05-28T22:00:00.000Z", Qualitaet: "VAL"},
		},
	}
	f.api.On("HistoricalData", mock.Anything, zp, models.IncrementalWindow(testNow, 1), smartmeter.MeterRead).
		Return(zw, nil).Once()
	f.pub.On("PublishDiscovery", mock.Anything, zp).Return(nil).Once()
	f.pub.On("PublishPoints", mock.Anything, seriesOf(2, "10")).Return(3, nil).Once()

	result, err := p.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, result.Points)
}

func TestRunLogsInAgainWhenSessionExpiresDuringFetch(t *testing.T) {
	p, f := newPipeline(t, Options{})
	saved := &session.Session{AccessToken: "saved"}
	fresh := &session.Session{AccessToken: "fresh"}

	f.store.On("Restore").Return(saved, true).Once()
	f.api.On("RestoreSession", saved).Once()
	// valid at login and at the first attempt, expired before the second
	f.api.On("LoggedIn").Return(true).Twice()
	f.api.On("LoggedIn").Return(false).Once()
	f.api.On("Bewegungsdaten", mock.Anything, zp, mock.Anything, mock.Anything, "NONE").
		Return(nil, apierr.NewConnectionError("call zaehlpunkte", apierr.ErrSessionInvalid)).Once()
	f.api.On("Login", mock.Anything).Return(nil).Once()
	f.api.On("ExportSession").Return(fresh).Once()
	f.store.On("Save", fresh).Return(nil).Once()
	f.api.On("Bewegungsdaten", mock.Anything, zp, mock.Anything, mock.Anything, "NONE").
		Return(bewegungsdaten(), nil).Once()
	f.pub.On("PublishDiscovery", mock.Anything, zp).Return(nil).Once()
	f.pub.On("PublishPoints", mock.Anything, seriesOf(2, "0.357")).Return(3, nil).Once()

	_, err := p.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second}, f.sleeps)
	var relogged bool
	for _, e := range f.hook.AllEntries() {
		if e.Message == "Session expired, logging in again" {
			relogged = true
		}
	}
	assert.True(t, relogged)
}

func TestRunStopsWhenLoginAgainFails(t *testing.T) {
	p, f := newPipeline(t, Options{})
	saved := &session.Session{AccessToken: "saved"}
	loginErr := apierr.NewLoginError("login failed, check username/password", nil)

	f.store.On("Restore").Return(saved, true).Once()
	f.api.On("RestoreSession", saved).Once()
	f.api.On("LoggedIn").Return(true).Once()
	f.api.On("LoggedIn").Return(false).Once()
	f.api.On("Login", mock.Anything).Return(loginErr).Once()

	_, err := p.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, "login", apierr.Kind(err))
	assert.Empty(t, f.sleeps)
	f.api.AssertNotCalled(t, "Bewegungsdaten", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "Save", mock.Anything)
}

func TestRunBulkWindow(t *testing.T) {
	p, f := newPipeline(t, Options{Bulk: true, HistoryDays: 7})
	expectFreshLogin(f)

	f.api.On("Bewegungsdaten", mock.Anything, zp, models.BulkWindow(testNow), mock.Anything, "NONE").
		Return(bewegungsdaten(), nil).Once()
	f.pub.On("PublishDiscovery", mock.Anything, zp).Return(nil).Once()
	f.pub.On("PublishPoints", mock.Anything, mock.Anything).Return(3, nil).Once()

	result, err := p.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "2022-05-29..2025-05-29", result.Window.String())
}

func TestRunReportsPublishFailures(t *testing.T) {
	p, f := newPipeline(t, Options{})
	expectFreshLogin(f)

	f.api.On("Bewegungsdaten", mock.Anything, zp, mock.Anything, mock.Anything, "NONE").
		Return(bewegungsdaten(), nil).Once()
	f.pub.On("PublishDiscovery", mock.Anything, zp).Return(nil).Once()
	f.pub.On("PublishPoints", mock.Anything, mock.Anything).
		Return(2, errors.New("1 of 3 messages failed: broker unavailable")).Once()

	result, err := p.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, 2, result.Published)
	assert.Equal(t, "Sync run failed", f.hook.LastEntry().Message)
}

func TestRunContinuesWhenSessionCannotBeSaved(t *testing.T) {
	p, f := newPipeline(t, Options{})
	fresh := &session.Session{AccessToken: "token"}

	f.store.On("Restore").Return(nil, false).Once()
	f.api.On("LoggedIn").Return(false).Once()
	f.api.On("Login", mock.Anything).Return(nil).Once()
	f.api.On("ExportSession").Return(fresh).Once()
	f.store.On("Save", fresh).Return(errors.New("read-only file system")).Once()
	f.api.On("LoggedIn").Return(true)
	f.api.On("Bewegungsdaten", mock.Anything, zp, mock.Anything, mock.Anything, "NONE").
		Return(bewegungsdaten(), nil).Once()
	f.pub.On("PublishDiscovery", mock.Anything, zp).Return(nil).Once()
	f.pub.On("PublishPoints", mock.Anything, mock.Anything).Return(3, nil).Once()

	_, err := p.Run(context.Background())

	require.NoError(t, err)
	var warned bool
	for _, e := range f.hook.AllEntries() {
		if e.Message == "Failed to save session" && e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestRunUnknownSource(t *testing.T) {
	p, f := newPipeline(t, Options{Source: "csv"})
	expectFreshLogin(f)

	_, err := p.Run(context.Background())

	assert.EqualError(t, err, `unknown source "csv"`)
}
