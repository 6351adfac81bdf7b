package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	models "SignalDesk/internal/domain/models"
	"SignalDesk/internal/service/ratelimit"
	"SignalDesk/internal/usecase"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	stats models.RunStats
	err   error
	last  *models.RunStats
}

func (f *fakeRunner) RunOnce(context.Context) (models.RunStats, error) { return f.stats, f.err }

func (f *fakeRunner) LastRun(context.Context) (models.RunStats, bool) {
	if f.last == nil {
		return models.RunStats{}, false
	}
	return *f.last, true
}

type fakeCloser struct {
	got usecase.CloseCommand
	err error
}

func (f *fakeCloser) Close(_ context.Context, cmd usecase.CloseCommand) (models.Signal, error) {
	f.got = cmd
	if f.err != nil {
		return models.Signal{}, f.err
	}
	return models.Signal{ID: cmd.ID, Status: models.StatusProfit}, nil
}

type fakeQuotes struct {
	maxAge time.Duration
	err    error
}

func (f *fakeQuotes) Get(_ context.Context, symbol, exchange string, maxAge time.Duration) (models.PriceQuote, error) {
	f.maxAge = maxAge
	if f.err != nil {
		return models.PriceQuote{}, f.err
	}
	return models.PriceQuote{Symbol: symbol, Exchange: exchange, LastPrice: decimal.NewFromInt(189)}, nil
}

func (f *fakeQuotes) Stats() models.CacheStats { return models.CacheStats{Hits: 7} }

type fakeSubs struct {
	added   []string
	removed []string
}

func (f *fakeSubs) EnsureSubscribed(_ context.Context, consumer, symbol, exchange string) error {
	f.added = append(f.added, consumer+"/"+models.NewKey(symbol, exchange).String())
	return nil
}

func (f *fakeSubs) Unsubscribe(_ context.Context, consumer, symbol, exchange string) error {
	f.removed = append(f.removed, consumer+"/"+models.NewKey(symbol, exchange).String())
	return nil
}

func (f *fakeSubs) Stats() models.FeedStats { return models.FeedStats{Subscriptions: 2} }

type fixture struct {
	e      *echo.Echo
	runner *fakeRunner
	closer *fakeCloser
	quotes *fakeQuotes
	subs   *fakeSubs
}

func newFixture(opts ...HandlerOption) *fixture {
	f := &fixture{runner: &fakeRunner{}, closer: &fakeCloser{}, quotes: &fakeQuotes{}, subs: &fakeSubs{}}
	f.e = echo.New()
	NewAutomationEchoHandler(nil, f.runner, f.closer, f.quotes, f.subs, opts...).RegisterRoutes(f.e)
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestRunReturnsStats(t *testing.T) {
	f := newFixture()
	f.runner.stats = models.RunStats{RunID: "r1", Scanned: 3, Closed: 1}

	rec := f.do(http.MethodPost, "/api/automation/run", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data models.RunStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "r1", body.Data.RunID)
	assert.Equal(t, 1, body.Data.Closed)
}

func TestRunMapsErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{models.ErrRunInProgress, http.StatusConflict},
		{fmt.Errorf("%w: list open signals: db down", models.ErrBatchAbort), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		f := newFixture()
		f.runner.err = tc.err
		rec := f.do(http.MethodPost, "/api/automation/run", "")
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}

func TestRunIsRateLimited(t *testing.T) {
	f := newFixture(WithRunRateLimit(1, 0.001))
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/automation/run", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodPost, "/api/automation/run", "").Code)
}

func TestRunRateLimitRefills(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := ratelimit.NewWithClock(func() time.Time { return now })
	f := newFixture(WithLimiter(rl), WithRunRateLimit(1, 0.5))

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/automation/run", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodPost, "/api/automation/run", "").Code)

	now = now.Add(2 * time.Second)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/automation/run", "").Code)
}

func TestMetricsIncludesLastRun(t *testing.T) {
	f := newFixture()
	f.runner.last = &models.RunStats{RunID: "prev"}

	rec := f.do(http.MethodGet, "/api/automation/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data metricsResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Data.LastRun)
	assert.Equal(t, "prev", body.Data.LastRun.RunID)
	assert.Equal(t, int64(7), body.Data.Cache.Hits)
	assert.Equal(t, 2, body.Data.Feed.Subscriptions)
}

func TestCloseSignal(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/api/signals/s1/close", `{"exit_price":"111.5","note":"manual"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s1", f.closer.got.ID)
	require.NotNil(t, f.closer.got.ExitPrice)
	assert.True(t, f.closer.got.ExitPrice.Equal(decimal.RequireFromString("111.5")))
	assert.Equal(t, usecase.ReasonManualClose, f.closer.got.Reason)

	rec = f.do(http.MethodPost, "/api/signals/s2/close", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, f.closer.got.ExitPrice, "absent exit price is left to the closer")
}

func TestCloseSignalMapsErrors(t *testing.T) {
	f := newFixture()
	f.closer.err = fmt.Errorf("signal x: %w", models.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/signals/x/close", "").Code)

	f.closer.err = fmt.Errorf("close: %w", models.ErrInvalidTransition)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/signals/x/close", "").Code)
}

func TestQuote(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodGet, "/api/quotes?symbol=AAPL&exchange=NASDAQ&max_age_ms=1500", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1500*time.Millisecond, f.quotes.maxAge)

	rec = f.do(http.MethodGet, "/api/quotes?symbol=AAPL", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5*time.Minute, f.quotes.maxAge)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/quotes", "").Code)

	f.quotes.err = &models.StaleError{Quote: models.PriceQuote{Symbol: "AAPL"}, Age: time.Hour}
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/quotes?symbol=AAPL", "").Code)
}

func TestSubscriptions(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/api/subscriptions", `{"symbol":"aapl","exchange":"nasdaq"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"api/NASDAQ:AAPL"}, f.subs.added)

	rec = f.do(http.MethodDelete, "/api/subscriptions", `{"symbol":"AAPL","exchange":"NASDAQ"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"api/NASDAQ:AAPL"}, f.subs.removed)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/subscriptions", `{}`).Code)
}
