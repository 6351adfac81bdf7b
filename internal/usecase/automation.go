package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"SignalDesk/internal/domain/models"
	drepo "SignalDesk/internal/domain/repository"
	"SignalDesk/internal/service/evaluator"
	applogger "SignalDesk/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrStopped is returned by RunOnce after Stop.
var ErrStopped = errors.New("automation stopped")

const lastRunKey = "automation:last-run"

// PriceSource resolves cached prices.
type PriceSource interface {
	Get(ctx context.Context, symbol, exchange string, maxAge time.Duration) (models.PriceQuote, error)
	Stats() models.CacheStats
}

// Poller fetches a fresh quote bypassing the cache freshness check.
type Poller interface {
	PollOnce(ctx context.Context, key models.Key) (models.PriceQuote, error)
	Stats() models.FeedStats
}

type AutomationConfig struct {
	Interval     time.Duration
	StaleAfter   time.Duration
	PriceTimeout time.Duration
	StoreTimeout time.Duration
	Workers      int
}

func (c *AutomationConfig) setDefaults() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.PriceTimeout <= 0 {
		c.PriceTimeout = 3 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
}

// Automation scans open signals, resolves prices and closes signals whose
// target or stop has been crossed.
type Automation struct {
	cfg     AutomationConfig
	store   drepo.SignalStore
	prices  PriceSource
	poller  Poller
	sync    *SubscriptionSync
	closer  *SignalCloser
	snap    drepo.Snapshotter
	metrics drepo.Metrics
	l       *applogger.Logger
	now     func() time.Time

	running atomic.Bool
	stopped atomic.Bool
	runMu   sync.Mutex // held for the body of a run

	mu   sync.RWMutex
	last *models.RunStats

	stopOnce sync.Once
	stopCh   chan struct{}
	loopWG   sync.WaitGroup
}

// NewAutomation creates the loop. subs, snap and metrics may be nil.
func NewAutomation(cfg AutomationConfig, store drepo.SignalStore, prices PriceSource, poller Poller, subs *SubscriptionSync, closer *SignalCloser, snap drepo.Snapshotter, metrics drepo.Metrics, l *applogger.Logger) *Automation {
	cfg.setDefaults()
	if l == nil {
		l = applogger.NewNop()
	}
	return &Automation{
		cfg:     cfg,
		store:   store,
		prices:  prices,
		poller:  poller,
		sync:    subs,
		closer:  closer,
		snap:    snap,
		metrics: metrics,
		l:       l,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Interval returns the configured interval; zero means batch mode.
func (a *Automation) Interval() time.Duration { return a.cfg.Interval }

type runCounters struct {
	closed           atomic.Int64
	priceFetchFailed atomic.Int64
	closeFailed      atomic.Int64
}

// RunOnce performs a single pass. A pass that starts while another is in
// flight is dropped with ErrRunInProgress.
func (a *Automation) RunOnce(ctx context.Context) (models.RunStats, error) {
	stats := models.RunStats{RunID: uuid.NewString(), StartedAt: a.now()}
	if a.stopped.Load() {
		stats.Skipped = true
		stats.FinishedAt = stats.StartedAt
		return stats, ErrStopped
	}
	if !a.running.CompareAndSwap(false, true) {
		stats.Skipped = true
		stats.FinishedAt = stats.StartedAt
		a.l.Info("automation run skipped, previous run in progress", applogger.String("run_id", stats.RunID))
		return stats, models.ErrRunInProgress
	}
	defer a.running.Store(false)
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.stopped.Load() {
		stats.Skipped = true
		stats.FinishedAt = stats.StartedAt
		return stats, ErrStopped
	}

	l := a.l.With(applogger.String("run_id", stats.RunID))

	lctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	signals, err := a.store.ListOpenSignals(lctx)
	cancel()
	if err != nil {
		stats.Aborted = true
		stats.Error = err.Error()
		l.Error("automation run aborted, cannot list open signals", applogger.Error(err))
		a.recordError("batch_abort")
		a.finish(ctx, &stats)
		return stats, fmt.Errorf("%w: list open signals: %w", models.ErrBatchAbort, err)
	}
	stats.Scanned = len(signals)
	if a.metrics != nil {
		a.metrics.RecordSignalsScanned(len(signals))
	}

	if a.sync != nil {
		if err := a.sync.Sync(ctx, uniqueKeys(signals)); err != nil {
			l.Warn("automation subscription sync incomplete", applogger.Error(err))
		}
	}

	var counters runCounters
	a.evaluateAll(ctx, l, signals, &counters)

	stats.Closed = int(counters.closed.Load())
	stats.PriceFetchFailed = int(counters.priceFetchFailed.Load())
	stats.CloseFailed = int(counters.closeFailed.Load())
	a.finish(ctx, &stats)

	l.Info("automation run complete",
		applogger.Int("scanned", stats.Scanned),
		applogger.Int("closed", stats.Closed),
		applogger.Int("price_fetch_failed", stats.PriceFetchFailed),
		applogger.Int("close_failed", stats.CloseFailed),
		applogger.Int64("cache_hits", stats.Cache.Hits),
		applogger.Int64("cache_misses", stats.Cache.Misses),
		applogger.Int64("fallbacks", stats.Feed.Fallbacks),
		applogger.Duration("elapsed", stats.Elapsed()),
	)
	return stats, nil
}

func (a *Automation) evaluateAll(ctx context.Context, l *applogger.Logger, signals []models.Signal, counters *runCounters) {
	workers := a.cfg.Workers
	if workers > len(signals) {
		workers = len(signals)
	}
	jobs := make(chan models.Signal)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sig := range jobs {
				a.evaluateSafe(ctx, l, sig, counters)
			}
		}()
	}
	for _, sig := range signals {
		jobs <- sig
	}
	close(jobs)
	wg.Wait()
}

// evaluateSafe isolates one signal: errors and panics are logged and counted.
func (a *Automation) evaluateSafe(ctx context.Context, l *applogger.Logger, sig models.Signal, counters *runCounters) {
	defer func() {
		if r := recover(); r != nil {
			counters.closeFailed.Add(1)
			a.recordError("signal_panic")
			l.Error("automation signal evaluation panicked",
				applogger.String("id", sig.ID), applogger.Any("panic", fmt.Sprint(r)))
		}
	}()

	price, err := a.resolvePrice(ctx, sig.Key())
	if err != nil {
		counters.priceFetchFailed.Add(1)
		if a.metrics != nil {
			a.metrics.RecordPriceFetchFailed(sig.Symbol)
		}
		l.Warn("automation price fetch failed",
			applogger.String("id", sig.ID), applogger.String("key", sig.Key().String()), applogger.Error(err))
		return
	}

	hit := evaluator.ShouldClose(sig, price)
	if a.l.DebugEnabled() {
		l.Debug("automation evaluated signal",
			applogger.String("id", sig.ID),
			applogger.String("type", string(sig.Type)),
			applogger.String("price", price.String()),
			applogger.String("target", sig.Target.String()),
			applogger.String("stop_loss", sig.StopLoss.String()),
			applogger.Bool("close", hit),
		)
	}
	if !hit {
		return
	}
	if _, err := a.closer.CloseWithPrice(ctx, sig, price, ReasonAutoClose); err != nil {
		counters.closeFailed.Add(1)
		return
	}
	counters.closed.Add(1)
}

// resolvePrice reads the cache and, when the entry is stale or missing, polls once.
func (a *Automation) resolvePrice(ctx context.Context, key models.Key) (decimal.Decimal, error) {
	pctx, cancel := context.WithTimeout(ctx, a.cfg.PriceTimeout)
	q, err := a.prices.Get(pctx, key.Symbol, key.Exchange, a.cfg.StaleAfter)
	cancel()
	if err == nil {
		return q.LastPrice, nil
	}
	if !errors.Is(err, models.ErrStale) && !errors.Is(err, models.ErrPriceUnavailable) && !errors.Is(err, models.ErrTimeout) {
		return decimal.Decimal{}, err
	}
	if a.poller == nil {
		return decimal.Decimal{}, err
	}

	pctx, cancel = context.WithTimeout(ctx, a.cfg.PriceTimeout)
	defer cancel()
	q, perr := a.poller.PollOnce(pctx, key)
	if perr != nil {
		return decimal.Decimal{}, fmt.Errorf("%w; poll fallback: %w", err, perr)
	}
	return q.LastPrice, nil
}

func (a *Automation) finish(ctx context.Context, stats *models.RunStats) {
	stats.FinishedAt = a.now()
	if a.prices != nil {
		stats.Cache = a.prices.Stats()
	}
	if a.poller != nil {
		stats.Feed = a.poller.Stats()
	}
	if a.metrics != nil {
		a.metrics.RecordLatency("automation_run", stats.Elapsed().Seconds())
	}

	snapshot := *stats
	a.mu.Lock()
	a.last = &snapshot
	a.mu.Unlock()

	if a.snap != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.StoreTimeout)
		defer cancel()
		if err := a.snap.Set(sctx, lastRunKey, snapshot, 0); err != nil {
			a.l.Warn("automation last run snapshot failed", applogger.Error(err))
		}
	}
}

// LastRun returns the most recent run stats, falling back to the persisted
// snapshot from a previous process.
func (a *Automation) LastRun(ctx context.Context) (models.RunStats, bool) {
	a.mu.RLock()
	last := a.last
	a.mu.RUnlock()
	if last != nil {
		return *last, true
	}
	if a.snap == nil {
		return models.RunStats{}, false
	}
	var stats models.RunStats
	if err := a.snap.Get(ctx, lastRunKey, &stats); err != nil {
		return models.RunStats{}, false
	}
	return stats, true
}

// Start runs a pass immediately and then on every interval tick until Stop
// or ctx is done.
func (a *Automation) Start(ctx context.Context) error {
	if a.cfg.Interval <= 0 {
		return fmt.Errorf("automation interval must be positive, got %s", a.cfg.Interval)
	}
	a.loopWG.Add(1)
	go func() {
		defer a.loopWG.Done()
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()

		a.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case <-ticker.C:
				a.tick(ctx)
			}
		}
	}()
	a.l.Info("automation loop started", applogger.Duration("interval", a.cfg.Interval))
	return nil
}

func (a *Automation) tick(ctx context.Context) {
	if _, err := a.RunOnce(ctx); err != nil && !errors.Is(err, models.ErrRunInProgress) && !errors.Is(err, ErrStopped) {
		a.l.Error("automation run failed", applogger.Error(err))
	}
}

// Stop prevents further runs and waits for an in-flight run to finish.
func (a *Automation) Stop() {
	a.stopOnce.Do(func() {
		a.stopped.Store(true)
		close(a.stopCh)
	})
	a.loopWG.Wait()
	a.runMu.Lock()
	a.runMu.Unlock()
	a.l.Info("automation loop stopped")
}

func (a *Automation) recordError(kind string) {
	if a.metrics != nil {
		a.metrics.RecordError(kind)
	}
}

func uniqueKeys(signals []models.Signal) []models.Key {
	seen := make(map[models.Key]struct{}, len(signals))
	out := make([]models.Key, 0, len(signals))
	for _, s := range signals {
		k := s.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
