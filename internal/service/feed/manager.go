package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"SignalDesk/internal/domain/models"
	drepo "SignalDesk/internal/domain/repository"
	applogger "SignalDesk/pkg/logger"

	"golang.org/x/sync/singleflight"
)

// OnDemandConsumer owns subscriptions opened by cache misses.
const OnDemandConsumer = "on-demand"

// QuoteSink receives normalized quotes. pricecache.Cache implements it.
type QuoteSink interface {
	Put(q models.PriceQuote) bool
	Peek(key models.Key) (models.PriceQuote, bool)
}

// Config tunes the manager.
type Config struct {
	// PrimaryWait bounds how long Fetch waits for a push tick before polling.
	PrimaryWait time.Duration
}

type subState struct {
	consumers map[string]struct{}
	upstream  models.Key
	tried     map[string]bool
	pushed    bool
	denied    bool
}

// Manager owns the subscription table and routes ticks into the cache.
// The push adapter is primary; the poll adapter is the fallback.
type Manager struct {
	push    drepo.PushAdapter
	poll    drepo.PollAdapter
	sink    QuoteSink
	cfg     Config
	l       *applogger.Logger
	metrics drepo.Metrics
	now     func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	ingress drepo.TickHandler
	subs    map[models.Key]*subState
	alias   map[models.Key]models.Key // upstream key -> logical key
	arrived map[models.Key]chan struct{}

	fallbacks atomic.Int64
}

// NewManager wires the adapters. push may be nil (poll only).
func NewManager(push drepo.PushAdapter, poll drepo.PollAdapter, sink QuoteSink, cfg Config, l *applogger.Logger, metrics drepo.Metrics) *Manager {
	if cfg.PrimaryWait <= 0 {
		cfg.PrimaryWait = 1500 * time.Millisecond
	}
	return &Manager{
		push:    push,
		poll:    poll,
		sink:    sink,
		cfg:     cfg,
		l:       l,
		metrics: metrics,
		now:     time.Now,
		subs:    make(map[models.Key]*subState),
		alias:   make(map[models.Key]models.Key),
		arrived: make(map[models.Key]chan struct{}),
	}
}

// Start connects the push adapter. A connect failure is logged and the manager
// serves from the poll adapter until the push side recovers.
func (m *Manager) Start(ctx context.Context) error {
	if m.push == nil {
		m.l.Info("feed: no push adapter configured, polling only")
		return nil
	}
	m.push.OnDenied(m.onDenied)
	if err := m.push.Start(ctx); err != nil {
		m.l.Warn("feed: push adapter unavailable, polling until it reconnects",
			applogger.String("adapter", m.push.Name()), applogger.Error(err))
		if m.metrics != nil {
			m.metrics.RecordError("push_connect")
		}
	}
	return nil
}

// Stop tears down every subscription and the push connection.
func (m *Manager) Stop() error {
	m.mu.Lock()
	m.subs = make(map[models.Key]*subState)
	m.alias = make(map[models.Key]models.Key)
	m.arrived = make(map[models.Key]chan struct{})
	m.mu.Unlock()
	if m.push == nil {
		return nil
	}
	return m.push.Close()
}

// EnsureSubscribed registers consumer interest in (symbol, exchange). Repeated calls
// by the same consumer are idempotent.
func (m *Manager) EnsureSubscribed(ctx context.Context, consumer, symbol, exchange string) error {
	key := models.NewKey(symbol, exchange)
	if !key.Valid() {
		return fmt.Errorf("subscribe: empty symbol")
	}

	m.mu.Lock()
	st, ok := m.subs[key]
	if !ok {
		st = &subState{consumers: make(map[string]struct{}), upstream: key, tried: map[string]bool{key.Exchange: true}}
		m.subs[key] = st
	}
	st.consumers[consumer] = struct{}{}
	needPush := m.push != nil && !st.pushed && !st.denied
	m.mu.Unlock()

	if !needPush {
		return nil
	}
	_, err, _ := m.group.Do(key.String(), func() (interface{}, error) {
		m.mu.Lock()
		cur, ok := m.subs[key]
		if !ok || cur.pushed || cur.denied {
			m.mu.Unlock()
			return nil, nil
		}
		upstream := cur.upstream
		m.mu.Unlock()
		return nil, m.subscribeUpstream(ctx, key, upstream)
	})
	return err
}

// Unsubscribe removes consumer interest; the upstream subscription is dropped
// with the last consumer.
func (m *Manager) Unsubscribe(ctx context.Context, consumer, symbol, exchange string) error {
	key := models.NewKey(symbol, exchange)

	m.mu.Lock()
	st, ok := m.subs[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(st.consumers, consumer)
	if len(st.consumers) > 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.subs, key)
	upstream, pushed := st.upstream, st.pushed
	for a, logical := range m.alias {
		if logical == key {
			delete(m.alias, a)
		}
	}
	m.mu.Unlock()

	if m.push == nil || !pushed {
		return nil
	}
	if err := m.push.Unsubscribe(ctx, upstream); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", upstream, err)
	}
	return nil
}

// Keys lists the keys consumer is subscribed to, sorted.
func (m *Manager) Keys(consumer string) []models.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Key, 0, len(m.subs))
	for k, st := range m.subs {
		if _, ok := st.consumers[consumer]; ok {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// OnTick normalizes an upstream tick and stores it. Ticks for venues reached
// through a denial fallback are filed under the originally requested key.
func (m *Manager) OnTick(key models.Key, raw models.RawTick) {
	m.mu.Lock()
	logical, ok := m.alias[key]
	if !ok {
		logical = key
	}
	m.mu.Unlock()

	q, err := models.NormalizeTick(logical, raw, m.now())
	if err != nil {
		m.l.Debug("feed: dropping tick", applogger.String("key", key.String()), applogger.Error(err))
		return
	}
	if !m.sink.Put(q) {
		m.l.Debug("feed: tick older than cached quote", applogger.String("key", key.String()))
		return
	}

	m.mu.Lock()
	if ch, ok := m.arrived[logical]; ok {
		close(ch)
		delete(m.arrived, logical)
	}
	m.mu.Unlock()
}

// Fetch is the live path used on a cache miss: it waits briefly for a push
// tick when the stream is connected, then falls back to a poll.
func (m *Manager) Fetch(ctx context.Context, key models.Key) (models.PriceQuote, error) {
	if m.push != nil && m.push.IsConnected() && !m.isDenied(key) {
		wait := m.waitFor(key)
		if err := m.EnsureSubscribed(ctx, OnDemandConsumer, key.Symbol, key.Exchange); err != nil {
			m.l.Warn("feed: on-demand subscribe failed", applogger.String("key", key.String()), applogger.Error(err))
		} else {
			timer := time.NewTimer(m.cfg.PrimaryWait)
			select {
			case <-wait:
				timer.Stop()
				if q, ok := m.sink.Peek(key); ok {
					return q, nil
				}
			case <-timer.C:
				m.dropWait(key, wait)
			case <-ctx.Done():
				timer.Stop()
				m.dropWait(key, wait)
				return models.PriceQuote{}, fmt.Errorf("fetch %s: %w: %v", key, models.ErrTimeout, ctx.Err())
			}
		}
	}

	m.fallbacks.Add(1)
	if m.metrics != nil && m.poll != nil {
		m.metrics.RecordFallback(m.poll.Name())
	}
	m.l.Info("feed: falling back to poll adapter", applogger.String("key", key.String()))
	return m.PollOnce(ctx, key)
}

// PollOnce fetches directly from the poll adapter and stores the result.
func (m *Manager) PollOnce(ctx context.Context, key models.Key) (models.PriceQuote, error) {
	if m.poll == nil {
		return models.PriceQuote{}, fmt.Errorf("poll %s: no poll adapter: %w", key, models.ErrPriceUnavailable)
	}
	q, err := m.poll.FetchOnce(ctx, key)
	if err != nil {
		return models.PriceQuote{}, err
	}
	q.Symbol, q.Exchange = key.Symbol, key.Exchange
	q.CapturedAt = m.now()
	m.sink.Put(q)
	return q, nil
}

// Stats returns a snapshot for run summaries.
func (m *Manager) Stats() models.FeedStats {
	m.mu.Lock()
	n := len(m.subs)
	m.mu.Unlock()
	return models.FeedStats{
		Fallbacks:     m.fallbacks.Load(),
		Subscriptions: n,
		PushConnected: m.push != nil && m.push.IsConnected(),
	}
}

func (m *Manager) isDenied(key models.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.subs[key]
	return ok && st.denied
}

func (m *Manager) waitFor(key models.Key) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.arrived[key]
	if !ok {
		ch = make(chan struct{})
		m.arrived[key] = ch
	}
	return ch
}

// dropWait forgets the wait channel for key unless a later waiter replaced it.
func (m *Manager) dropWait(key models.Key, ch <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.arrived[key]; ok && (<-chan struct{})(cur) == ch {
		delete(m.arrived, key)
	}
}

// Pending returns the number of keys with a live fetch waiting on a push tick.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.arrived)
}

// SetIngress routes push ticks through h, which must forward accepted ticks to
// OnTick. Subscriptions opened earlier keep their handler.
func (m *Manager) SetIngress(h drepo.TickHandler) {
	m.mu.Lock()
	m.ingress = h
	m.mu.Unlock()
}

func (m *Manager) subscribeUpstream(ctx context.Context, logical, upstream models.Key) error {
	m.mu.Lock()
	h := m.ingress
	m.mu.Unlock()
	if h == nil {
		h = m.OnTick
	}
	if err := m.push.Subscribe(ctx, upstream, h); err != nil {
		return fmt.Errorf("push subscribe %s: %w", upstream, err)
	}
	m.mu.Lock()
	if st, ok := m.subs[logical]; ok && st.upstream == upstream {
		st.pushed = true
	}
	m.mu.Unlock()
	return nil
}

// onDenied retries a refused key once per alternate venue; with no untried
// alternate the key is served by polling.
func (m *Manager) onDenied(key models.Key, alternate string) {
	m.mu.Lock()
	logical, ok := m.alias[key]
	if !ok {
		logical = key
	}
	st, ok := m.subs[logical]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.pushed = false
	alternate = models.NewKey("", alternate).Exchange
	if alternate == "" || st.tried[alternate] {
		st.denied = true
		m.mu.Unlock()
		m.l.Warn("feed: subscription denied, serving by poll",
			applogger.String("key", logical.String()), applogger.String("denied", key.String()))
		if m.metrics != nil {
			m.metrics.RecordError("subscription_denied")
		}
		return
	}
	st.tried[alternate] = true
	next := models.NewKey(logical.Symbol, alternate)
	st.upstream = next
	m.alias[next] = logical
	m.mu.Unlock()

	m.l.Info("feed: subscription denied, trying alternate venue",
		applogger.String("key", logical.String()), applogger.String("alternate", next.String()))
	if err := m.subscribeUpstream(context.Background(), logical, next); err != nil {
		m.l.Warn("feed: alternate subscribe failed", applogger.String("key", next.String()), applogger.Error(err))
	}
}
