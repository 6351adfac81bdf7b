package pricecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"SignalDesk/internal/domain/models"
	drepo "SignalDesk/internal/domain/repository"
	applogger "SignalDesk/pkg/logger"

	"golang.org/x/sync/singleflight"
)

// Fetcher performs a live price fetch on a cache miss.
type Fetcher interface {
	Fetch(ctx context.Context, key models.Key) (models.PriceQuote, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, key models.Key) (models.PriceQuote, error)

func (f FetcherFunc) Fetch(ctx context.Context, key models.Key) (models.PriceQuote, error) {
	return f(ctx, key)
}

// Option configures Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithFetchTimeout bounds each live fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m drepo.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger attaches a logger.
func WithLogger(l *applogger.Logger) Option {
	return func(c *Cache) { c.l = l }
}

// Cache maps (symbol, exchange) to the last known quote. Entries are never
// evicted; freshness is judged on read.
type Cache struct {
	mu sync.RWMutex
	m  map[models.Key]models.PriceQuote

	fetcher      Fetcher
	group        singleflight.Group
	fetchTimeout time.Duration
	now          func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	stale  atomic.Int64

	metrics drepo.Metrics
	l       *applogger.Logger
}

// New creates a cache. fetcher may be set later with SetFetcher.
func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		m:            make(map[models.Key]models.PriceQuote),
		fetcher:      fetcher,
		fetchTimeout: 3 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetFetcher wires the live-fetch path. The manager and the cache reference each
// other, so one side is attached after construction.
func (c *Cache) SetFetcher(f Fetcher) {
	c.mu.Lock()
	c.fetcher = f
	c.mu.Unlock()
}

// Get returns a quote no older than maxAge, fetching live on a miss.
// It fails with models.ErrStale (as *models.StaleError) when only an old value is
// available and with models.ErrPriceUnavailable when nothing is.
func (c *Cache) Get(ctx context.Context, symbol, exchange string, maxAge time.Duration) (models.PriceQuote, error) {
	key := models.NewKey(symbol, exchange)
	if !key.Valid() {
		return models.PriceQuote{}, fmt.Errorf("get price: empty symbol: %w", models.ErrPriceUnavailable)
	}

	cached, ok := c.Peek(key)
	if ok && c.now().Sub(cached.CapturedAt) <= maxAge {
		c.hits.Add(1)
		c.record("hit")
		return cached, nil
	}
	c.misses.Add(1)
	c.record("miss")

	q, err := c.fetch(ctx, key)
	if err == nil {
		if age := c.now().Sub(q.CapturedAt); age > maxAge {
			c.stale.Add(1)
			c.record("stale")
			return models.PriceQuote{}, &models.StaleError{Quote: q, Age: age, Err: errors.New("live fetch returned an old quote")}
		}
		return q, nil
	}

	if ok {
		c.stale.Add(1)
		c.record("stale")
		return models.PriceQuote{}, &models.StaleError{Quote: cached, Age: c.now().Sub(cached.CapturedAt), Err: err}
	}
	return models.PriceQuote{}, fmt.Errorf("get price %s: %w: %w", key, models.ErrPriceUnavailable, err)
}

// Put stores q unless it is older than the stored quote or has no positive price.
func (c *Cache) Put(q models.PriceQuote) bool {
	if !q.LastPrice.IsPositive() {
		return false
	}
	key := models.NewKey(q.Symbol, q.Exchange)
	if !key.Valid() {
		return false
	}
	q.Symbol, q.Exchange = key.Symbol, key.Exchange

	c.mu.Lock()
	if cur, exists := c.m[key]; exists && q.CapturedAt.Before(cur.CapturedAt) {
		c.mu.Unlock()
		return false
	}
	c.m[key] = q
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordLastPrice(key.String(), q.LastPrice.InexactFloat64())
	}
	return true
}

// Peek returns the stored quote without freshness checks or I/O.
func (c *Cache) Peek(key models.Key) (models.PriceQuote, bool) {
	c.mu.RLock()
	q, ok := c.m[key]
	c.mu.RUnlock()
	return q, ok
}

// Stats returns counter snapshots.
func (c *Cache) Stats() models.CacheStats {
	c.mu.RLock()
	n := len(c.m)
	c.mu.RUnlock()
	return models.CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Stale:   c.stale.Load(),
		Entries: n,
	}
}

func (c *Cache) fetch(ctx context.Context, key models.Key) (models.PriceQuote, error) {
	c.mu.RLock()
	f := c.fetcher
	c.mu.RUnlock()
	if f == nil {
		return models.PriceQuote{}, errors.New("no live fetcher configured")
	}

	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()

		q, err := f.Fetch(fctx, key)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %w", models.ErrTimeout, err)
			}
			if c.l != nil {
				c.l.Debug("price cache live fetch failed", applogger.String("key", key.String()), applogger.Error(err))
			}
			return nil, err
		}
		q.Symbol, q.Exchange = key.Symbol, key.Exchange
		if q.CapturedAt.IsZero() {
			q.CapturedAt = c.now()
		}
		c.Put(q)
		if stored, ok := c.Peek(key); ok {
			return stored, nil
		}
		return q, nil
	})
	if err != nil {
		return models.PriceQuote{}, err
	}
	return v.(models.PriceQuote), nil
}

func (c *Cache) record(result string) {
	if c.metrics != nil {
		c.metrics.RecordCacheResult(result)
	}
}
