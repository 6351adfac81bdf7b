package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"SignalDesk/internal/domain/models"
	drepo "SignalDesk/internal/domain/repository"
	mid "SignalDesk/internal/middleware"
	"SignalDesk/internal/service/pricecache"
	applogger "SignalDesk/pkg/logger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePush struct {
	mu        sync.Mutex
	connected bool
	startErr  error
	handlers  map[models.Key]drepo.TickHandler
	subCalls  map[models.Key]int
	unsubbed  []models.Key
	denied    drepo.DenialHandler
	// tickOnSubscribe, when set, is delivered right after Subscribe.
	tickOnSubscribe *models.RawTick
}

func newFakePush(connected bool) *fakePush {
	return &fakePush{connected: connected, handlers: map[models.Key]drepo.TickHandler{}, subCalls: map[models.Key]int{}}
}

func (f *fakePush) Name() string { return "fake-push" }
func (f *fakePush) Start(context.Context) error { return f.startErr }
func (f *fakePush) OnDenied(h drepo.DenialHandler) { f.denied = h }
func (f *fakePush) Close() error { return nil }

func (f *fakePush) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePush) Subscribe(_ context.Context, key models.Key, h drepo.TickHandler) error {
	f.mu.Lock()
	f.handlers[key] = h
	f.subCalls[key]++
	tick := f.tickOnSubscribe
	f.mu.Unlock()
	if tick != nil {
		go h(key, *tick)
	}
	return nil
}

func (f *fakePush) Unsubscribe(_ context.Context, key models.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, key)
	f.unsubbed = append(f.unsubbed, key)
	return nil
}

func (f *fakePush) calls(key models.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subCalls[key]
}

func (f *fakePush) emit(key models.Key, tick models.RawTick) {
	f.mu.Lock()
	h := f.handlers[key]
	f.mu.Unlock()
	if h != nil {
		h(key, tick)
	}
}

type fakePoll struct {
	price float64
	err   error
	calls atomic.Int32
}

func (f *fakePoll) Name() string { return "fake-poll" }

func (f *fakePoll) FetchOnce(_ context.Context, key models.Key) (models.PriceQuote, error) {
	f.calls.Add(1)
	if f.err != nil {
		return models.PriceQuote{}, f.err
	}
	return models.PriceQuote{Symbol: key.Symbol, Exchange: key.Exchange, LastPrice: decimal.NewFromFloat(f.price), Source: "fake-poll"}, nil
}

func newManager(push drepo.PushAdapter, poll drepo.PollAdapter) (*Manager, *pricecache.Cache) {
	cache := pricecache.New(nil)
	m := NewManager(push, poll, cache, Config{PrimaryWait: 100 * time.Millisecond}, applogger.NewNop(), nil)
	cache.SetFetcher(m)
	return m, cache
}

func TestSubscribeIsIdempotentPerConsumer(t *testing.T) {
	push := newFakePush(true)
	m, _ := newManager(push, &fakePoll{price: 1})
	require.NoError(t, m.Start(context.Background()))
	ctx := context.Background()

	require.NoError(t, m.EnsureSubscribed(ctx, "a", "aapl", "nasdaq"))
	require.NoError(t, m.EnsureSubscribed(ctx, "a", "AAPL", "NASDAQ"))
	require.NoError(t, m.EnsureSubscribed(ctx, "b", "AAPL", "NASDAQ"))

	key := models.NewKey("AAPL", "NASDAQ")
	assert.Equal(t, 1, push.calls(key))
	assert.Equal(t, 1, m.Stats().Subscriptions)

	require.NoError(t, m.Unsubscribe(ctx, "a", "AAPL", "NASDAQ"))
	assert.Empty(t, push.unsubbed, "upstream kept while b is subscribed")
	require.NoError(t, m.Unsubscribe(ctx, "b", "AAPL", "NASDAQ"))
	assert.Equal(t, []models.Key{key}, push.unsubbed)
	assert.Equal(t, 0, m.Stats().Subscriptions)
}

func TestConcurrentSubscribeSingleUpstream(t *testing.T) {
	push := newFakePush(true)
	m, _ := newManager(push, &fakePoll{price: 1})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.EnsureSubscribed(context.Background(), "c", "TSLA", "")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, push.calls(models.NewKey("TSLA", "")))
}

func TestTickIsNormalizedIntoCache(t *testing.T) {
	push := newFakePush(true)
	m, cache := newManager(push, &fakePoll{price: 1})
	require.NoError(t, m.EnsureSubscribed(context.Background(), "c", "BTC", "BINANCE"))

	key := models.NewKey("BTC", "BINANCE")
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	push.emit(key, models.RawTick{Price: 64000.5, Time: at, Source: "fake-push"})

	q, ok := cache.Peek(key)
	require.True(t, ok)
	assert.Equal(t, "64000.5", q.LastPrice.String())
	assert.Equal(t, at, q.CapturedAt)

	push.emit(key, models.RawTick{Price: -1, Time: at.Add(time.Second)})
	q, _ = cache.Peek(key)
	assert.Equal(t, "64000.5", q.LastPrice.String(), "invalid ticks are dropped")
}

func TestFetchUsesPushWhenTickArrives(t *testing.T) {
	push := newFakePush(true)
	push.tickOnSubscribe = &models.RawTick{Price: 12.5}
	poll := &fakePoll{price: 99}
	m, cache := newManager(push, poll)

	q, err := cache.Get(context.Background(), "ETH", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "12.5", q.LastPrice.String())
	assert.Equal(t, int32(0), poll.calls.Load())
	assert.Equal(t, int64(0), m.Stats().Fallbacks)
}

func TestFetchFallsBackToPollWhenDisconnected(t *testing.T) {
	push := newFakePush(false)
	poll := &fakePoll{price: 42}
	m, cache := newManager(push, poll)

	q, err := cache.Get(context.Background(), "IBM", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "42", q.LastPrice.String())
	assert.Equal(t, int32(1), poll.calls.Load())
	assert.Equal(t, int64(1), m.Stats().Fallbacks)
}

func TestFetchFallsBackWhenPushSilent(t *testing.T) {
	push := newFakePush(true)
	poll := &fakePoll{price: 7}
	m, _ := newManager(push, poll)

	start := time.Now()
	q, err := m.Fetch(context.Background(), models.NewKey("QUIET", ""))
	require.NoError(t, err)
	assert.Equal(t, "7", q.LastPrice.String())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, int64(1), m.Stats().Fallbacks)
	assert.Zero(t, m.Pending(), "timed out wait is forgotten")
}

func TestOutOfOrderTickDoesNotRefreshCachedQuote(t *testing.T) {
	now := time.Now()
	push := newFakePush(true)
	push.tickOnSubscribe = &models.RawTick{Price: 11, Time: now.Add(-20 * time.Minute)}
	poll := &fakePoll{price: 12}
	_, cache := newManager(push, poll)
	require.True(t, cache.Put(models.PriceQuote{Symbol: "AAPL", LastPrice: decimal.NewFromInt(10), CapturedAt: now.Add(-10 * time.Minute)}))

	q, err := cache.Get(context.Background(), "AAPL", "", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "12", q.LastPrice.String())
	assert.Equal(t, int32(1), poll.calls.Load())
	assert.WithinDuration(t, time.Now(), q.CapturedAt, time.Minute)
}

func TestOldPushTickIsReportedStale(t *testing.T) {
	push := newFakePush(true)
	push.tickOnSubscribe = &models.RawTick{Price: 11, Time: time.Now().Add(-20 * time.Minute)}
	poll := &fakePoll{price: 12}
	_, cache := newManager(push, poll)

	_, err := cache.Get(context.Background(), "MSFT", "", 5*time.Minute)
	assert.ErrorIs(t, err, models.ErrStale)
	assert.Equal(t, int32(0), poll.calls.Load())
}

func TestStopForgetsPendingWaits(t *testing.T) {
	m, _ := newManager(newFakePush(true), &fakePoll{price: 1})
	m.waitFor(models.NewKey("AAPL", ""))
	require.Equal(t, 1, m.Pending())

	require.NoError(t, m.Stop())
	assert.Zero(t, m.Pending())
}

func TestPollOnceWithoutAdapter(t *testing.T) {
	m, _ := newManager(nil, nil)
	_, err := m.PollOnce(context.Background(), models.NewKey("X", ""))
	assert.ErrorIs(t, err, models.ErrPriceUnavailable)
}

func TestPollOncePropagatesError(t *testing.T) {
	boom := errors.New("rest down")
	m, _ := newManager(nil, &fakePoll{err: boom})
	_, err := m.PollOnce(context.Background(), models.NewKey("X", ""))
	assert.ErrorIs(t, err, boom)
}

func TestDenialRetriesAlternateOnce(t *testing.T) {
	push := newFakePush(true)
	m, cache := newManager(push, &fakePoll{price: 1})
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.EnsureSubscribed(context.Background(), "c", "RELIANCE", "NSE"))

	orig := models.NewKey("RELIANCE", "NSE")
	alt := models.NewKey("RELIANCE", "BSE")

	push.denied(orig, "BSE")
	assert.Equal(t, 1, push.calls(alt))

	push.emit(alt, models.RawTick{Price: 2900})
	q, ok := cache.Peek(orig)
	require.True(t, ok, "alternate ticks are filed under the requested key")
	assert.Equal(t, "2900", q.LastPrice.String())

	push.denied(alt, "NSE")
	push.denied(alt, "BSE")
	assert.Equal(t, 1, push.calls(alt), "no resubscribe loop")
	assert.Equal(t, 1, push.calls(orig))
}

func TestKeysPerConsumer(t *testing.T) {
	m, _ := newManager(nil, &fakePoll{price: 1})
	ctx := context.Background()
	require.NoError(t, m.EnsureSubscribed(ctx, "auto", "MSFT", ""))
	require.NoError(t, m.EnsureSubscribed(ctx, "auto", "AAPL", "NASDAQ"))
	require.NoError(t, m.EnsureSubscribed(ctx, "other", "GOOG", ""))

	assert.Equal(t, []models.Key{models.NewKey("MSFT", ""), models.NewKey("AAPL", "NASDAQ")}, m.Keys("auto"))
}

func TestPushTicksPassThroughIngress(t *testing.T) {
	push := newFakePush(true)
	m, cache := newManager(push, &fakePoll{price: 1})
	filter := mid.NewTickFilter(m, nil, mid.WithMaxRPS(1))
	m.SetIngress(filter.Handler())
	require.NoError(t, m.EnsureSubscribed(context.Background(), "c", "SOL", ""))

	key := models.NewKey("SOL", "")
	at := time.Now()
	push.emit(key, models.RawTick{Price: 150, Time: at})
	push.emit(key, models.RawTick{Price: 151, Time: at.Add(time.Millisecond)})

	q, ok := cache.Peek(key)
	require.True(t, ok)
	assert.Equal(t, "150", q.LastPrice.String(), "second tick within the same second is throttled")
}
