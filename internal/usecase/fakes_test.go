package usecase

import (
	"context"
	"sync"
	"time"

	"SignalDesk/internal/domain/models"
	"SignalDesk/internal/repository"
	"SignalDesk/pkg/cache"
	applogger "SignalDesk/pkg/logger"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func buy(id, symbol, entry, target, stop string) models.Signal {
	return models.Signal{
		ID: id, Symbol: symbol, Type: models.SignalBuy,
		Entry: d(entry), Target: d(target), StopLoss: d(stop),
		Status: models.StatusInProgress, EntryAt: t0,
	}
}

func sell(id, symbol, entry, target, stop string) models.Signal {
	s := buy(id, symbol, entry, target, stop)
	s.Type = models.SignalSell
	return s
}

type fakePrices struct {
	mu     sync.Mutex
	quotes map[string]decimal.Decimal
	errs   map[string]error
	panics map[string]bool
}

func newFakePrices() *fakePrices {
	return &fakePrices{quotes: map[string]decimal.Decimal{}, errs: map[string]error{}, panics: map[string]bool{}}
}

func (p *fakePrices) set(symbol, price string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = d(price)
}

func (p *fakePrices) Get(_ context.Context, symbol, exchange string, _ time.Duration) (models.PriceQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panics[symbol] {
		panic("boom " + symbol)
	}
	if err, ok := p.errs[symbol]; ok {
		return models.PriceQuote{}, err
	}
	price, ok := p.quotes[symbol]
	if !ok {
		return models.PriceQuote{}, models.ErrPriceUnavailable
	}
	return models.PriceQuote{Symbol: symbol, Exchange: exchange, LastPrice: price, CapturedAt: t0}, nil
}

func (p *fakePrices) Stats() models.CacheStats { return models.CacheStats{} }

type fakePoller struct {
	mu     sync.Mutex
	quotes map[string]decimal.Decimal
	calls  int
}

func (p *fakePoller) PollOnce(_ context.Context, key models.Key) (models.PriceQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	price, ok := p.quotes[key.Symbol]
	if !ok {
		return models.PriceQuote{}, models.ErrPriceUnavailable
	}
	return models.PriceQuote{Symbol: key.Symbol, LastPrice: price}, nil
}

func (p *fakePoller) Stats() models.FeedStats { return models.FeedStats{} }

type fakePublisher struct {
	mu     sync.Mutex
	events []models.SignalClosedEvent
	err    error
}

func (p *fakePublisher) PublishClosed(_ context.Context, ev models.SignalClosedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) all() []models.SignalClosedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.SignalClosedEvent(nil), p.events...)
}

// gatedStore blocks ListOpenSignals until release is closed.
type gatedStore struct {
	*repository.MemorySignalStore
	entered chan struct{}
	release chan struct{}
	listErr error
}

func (s *gatedStore) ListOpenSignals(ctx context.Context) ([]models.Signal, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.MemorySignalStore.ListOpenSignals(ctx)
}

type harness struct {
	store  *repository.MemorySignalStore
	prices *fakePrices
	poller *fakePoller
	pub    *fakePublisher
	locks  *cache.MemoryCache
	closer *SignalCloser
}

func newHarness(signals ...models.Signal) *harness {
	h := &harness{
		store:  repository.NewMemorySignalStore(),
		prices: newFakePrices(),
		poller: &fakePoller{quotes: map[string]decimal.Decimal{}},
		pub:    &fakePublisher{},
		locks:  cache.NewMemoryCache(),
	}
	_ = h.store.Seed(context.Background(), signals...)
	h.closer = NewSignalCloser(h.store, h.pub, h.locks, nil, applogger.NewNop(),
		WithCloserClock(func() time.Time { return t0.Add(150 * time.Minute) }))
	return h
}

func (h *harness) automation(cfg AutomationConfig) *Automation {
	return NewAutomation(cfg, h.store, h.prices, h.poller, nil, h.closer, h.locks, nil, applogger.NewNop())
}
