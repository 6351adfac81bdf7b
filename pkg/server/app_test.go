package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"SignalDesk/internal/domain/models"
	"SignalDesk/internal/repository"
	"SignalDesk/internal/service/feed"
	"SignalDesk/internal/service/pricecache"
	"SignalDesk/internal/usecase"
	"SignalDesk/pkg/cache"
	"SignalDesk/pkg/config"
	applogger "SignalDesk/pkg/logger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPoll struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	calls  int
}

func (p *stubPoll) Name() string { return "stub" }

func (p *stubPoll) FetchOnce(_ context.Context, key models.Key) (models.PriceQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	price, ok := p.prices[key.Symbol]
	if !ok {
		return models.PriceQuote{}, models.ErrPriceUnavailable
	}
	return models.PriceQuote{Symbol: key.Symbol, LastPrice: price}, nil
}

func signal(id, symbol, entry, target, stop string) models.Signal {
	return models.Signal{
		ID: id, Symbol: symbol, Type: models.SignalBuy,
		Entry:    decimal.RequireFromString(entry),
		Target:   decimal.RequireFromString(target),
		StopLoss: decimal.RequireFromString(stop),
		Status:   models.StatusInProgress,
		EntryAt:  time.Now().Add(-90 * time.Minute),
	}
}

type rig struct {
	app        *App
	store      *repository.MemorySignalStore
	feed       *feed.Manager
	automation *usecase.Automation
}

func newTestApp(t *testing.T, poll *stubPoll, signals ...models.Signal) *rig {
	t.Helper()
	l := applogger.NewNop()

	store := repository.NewMemorySignalStore()
	require.NoError(t, store.Seed(context.Background(), signals...))

	locks := cache.NewMemoryCache()
	prices := pricecache.New(nil, pricecache.WithLogger(l))
	mgr := feed.NewManager(nil, poll, prices, feed.Config{}, l, nil)
	prices.SetFetcher(mgr)

	subs := usecase.NewSubscriptionSync(mgr, nil, l)
	closer := usecase.NewSignalCloser(store, repository.NoopEventPublisher{}, locks, nil, l)
	automation := usecase.NewAutomation(usecase.AutomationConfig{Workers: 2}, store, prices, mgr, subs, closer, locks, nil, l)

	app := New(&config.Config{}, Deps{
		Logger:     l,
		Store:      store,
		Publisher:  repository.NoopEventPublisher{},
		Cache:      locks,
		Feed:       mgr,
		Automation: automation,
		Closer:     closer,
	})
	return &rig{app: app, store: store, feed: mgr, automation: automation}
}

func TestRunBatchClosesCrossedSignals(t *testing.T) {
	poll := &stubPoll{prices: map[string]decimal.Decimal{
		"AAPL": decimal.RequireFromString("112"),
		"MSFT": decimal.RequireFromString("300"),
	}}
	r := newTestApp(t, poll,
		signal("s1", "AAPL", "100", "110", "95"),
		signal("s2", "MSFT", "300", "320", "290"),
	)
	store := r.store

	stats, err := r.app.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Closed)
	assert.Zero(t, stats.PriceFetchFailed)
	assert.False(t, stats.Skipped)

	closed, err := store.GetSignal(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProfit, closed.Status)
	require.NotNil(t, closed.ExitPrice)
	assert.Equal(t, "112", closed.ExitPrice.String())

	open, err := store.ListOpenSignals(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "s2", open[0].ID)
}

func TestRunBatchCountsMissingPrices(t *testing.T) {
	r := newTestApp(t, &stubPoll{prices: map[string]decimal.Decimal{}},
		signal("s1", "TSLA", "200", "220", "190"),
	)

	stats, err := r.app.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scanned)
	assert.Zero(t, stats.Closed)
	assert.Equal(t, 1, stats.PriceFetchFailed)
}

func TestCloseSignalDefaultsToTarget(t *testing.T) {
	r := newTestApp(t, &stubPoll{}, signal("s1", "AAPL", "100", "110", "95"))

	sig, err := r.app.CloseSignal(context.Background(), usecase.CloseCommand{
		ID:     "s1",
		Note:   "flattened",
		Reason: usecase.ReasonManualClose,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProfit, sig.Status)
	require.NotNil(t, sig.ExitPrice)
	assert.Equal(t, "110", sig.ExitPrice.String())
}

func TestCloseSignalUnknownID(t *testing.T) {
	r := newTestApp(t, &stubPoll{})

	_, err := r.app.CloseSignal(context.Background(), usecase.CloseCommand{ID: "missing", Reason: usecase.ReasonManualClose})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestShutdownIsIdempotent(t *testing.T) {
	r := newTestApp(t, &stubPoll{})

	require.NoError(t, r.app.Shutdown(context.Background()))
	require.NoError(t, r.app.Shutdown(context.Background()))

	_, err := r.app.RunBatch(context.Background())
	assert.ErrorIs(t, err, usecase.ErrStopped)
}

func TestBuyStaysOpenThenClosesOnLaterTick(t *testing.T) {
	r := newTestApp(t, &stubPoll{}, signal("s1", "AAPL", "100", "110", "95"))
	ctx := context.Background()
	key := models.NewKey("AAPL", "")

	r.feed.OnTick(key, models.RawTick{Price: 108, Time: time.Now()})
	stats, err := r.automation.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scanned)
	assert.Zero(t, stats.Closed)
	assert.Zero(t, stats.PriceFetchFailed)

	sig, err := r.store.GetSignal(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, sig.Status)
	assert.Nil(t, sig.ExitPrice)

	r.feed.OnTick(key, models.RawTick{Price: 111, Time: time.Now()})
	stats, err = r.automation.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Closed)

	sig, err = r.store.GetSignal(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProfit, sig.Status)
	require.NotNil(t, sig.ExitPrice)
	assert.True(t, sig.ExitPrice.Equal(decimal.NewFromInt(111)), "exit %s", sig.ExitPrice)
	require.NotNil(t, sig.ProfitLoss)
	assert.True(t, sig.ProfitLoss.Equal(decimal.NewFromInt(11)), "p/l %s", sig.ProfitLoss)
	require.NotNil(t, sig.Duration)
	assert.Equal(t, 1, sig.Duration.Hours)
	assert.Equal(t, 30, sig.Duration.Minutes)

	require.NoError(t, r.app.Shutdown(ctx))
}
