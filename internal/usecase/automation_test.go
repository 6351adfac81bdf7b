package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"SignalDesk/internal/domain/models"
	applogger "SignalDesk/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOnceClosesBuyAtTargetAsProfit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(buy("s1", "AAPL", "100", "110", "95"))
	h.prices.set("AAPL", "111")

	stats, err := h.automation(AutomationConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scanned)
	assert.Equal(t, 1, stats.Closed)

	got, err := h.store.GetSignal(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProfit, got.Status)
	assert.True(t, got.ExitPrice.Equal(d("111")))
	assert.True(t, got.ProfitLoss.Equal(d("11")))
	require.NotNil(t, got.Duration)
	assert.Equal(t, "2h 30m", got.Duration.String())

	events := h.pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, ReasonAutoClose, events[0].Reason)
	assert.Equal(t, models.StatusProfit, events[0].Status)
}

func TestRunOnceClosesSellAtStopAsLoss(t *testing.T) {
	ctx := context.Background()
	h := newHarness(sell("s2", "TSLA", "50", "45", "55"))
	h.prices.set("TSLA", "56")

	stats, err := h.automation(AutomationConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Closed)

	got, err := h.store.GetSignal(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusLoss, got.Status)
	assert.True(t, got.ProfitLoss.Equal(d("-6")))
}

func TestRunOnceLeavesSignalsInsideBand(t *testing.T) {
	ctx := context.Background()
	h := newHarness(buy("s1", "AAPL", "100", "110", "95"))
	h.prices.set("AAPL", "105")

	stats, err := h.automation(AutomationConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Closed)

	got, err := h.store.GetSignal(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Empty(t, h.pub.all())
}

func TestRunOnceFallsBackToPollWhenStale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(buy("s1", "AAPL", "100", "110", "95"), buy("s2", "MSFT", "300", "330", "290"))
	h.prices.errs["AAPL"] = &models.StaleError{Quote: models.PriceQuote{Symbol: "AAPL", LastPrice: d("200")}, Age: time.Hour}
	h.prices.errs["MSFT"] = &models.StaleError{Quote: models.PriceQuote{Symbol: "MSFT", LastPrice: d("400")}, Age: time.Hour}
	h.poller.quotes["AAPL"] = d("94")

	stats, err := h.automation(AutomationConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.poller.calls)
	assert.Equal(t, 1, stats.Closed)
	assert.Equal(t, 1, stats.PriceFetchFailed)

	got, err := h.store.GetSignal(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusLoss, got.Status, "closed at the polled price, not the stale one")
	assert.True(t, got.ExitPrice.Equal(d("94")))

	msft, err := h.store.GetSignal(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, msft.Status)
}

func TestRunOnceDoesNotPollOnUnrelatedErrors(t *testing.T) {
	h := newHarness(buy("s1", "AAPL", "100", "110", "95"))
	h.prices.errs["AAPL"] = errors.New("decoder exploded")

	stats, err := h.automation(AutomationConfig{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, h.poller.calls)
	assert.Equal(t, 1, stats.PriceFetchFailed)
}

func TestRunOnceAbortsWhenStoreFails(t *testing.T) {
	h := newHarness(buy("s1", "AAPL", "100", "110", "95"))
	h.prices.set("AAPL", "120")
	store := &gatedStore{MemorySignalStore: h.store, listErr: errors.New("connection refused")}
	a := NewAutomation(AutomationConfig{}, store, h.prices, h.poller, nil, h.closer, nil, nil, applogger.NewNop())

	stats, err := a.RunOnce(context.Background())
	assert.ErrorIs(t, err, models.ErrBatchAbort)
	assert.True(t, stats.Aborted)
	assert.Equal(t, 0, stats.Closed)
	assert.Empty(t, h.pub.all())

	last, ok := a.LastRun(context.Background())
	require.True(t, ok)
	assert.True(t, last.Aborted)
}

func TestRunOnceSkipsOverlappingRun(t *testing.T) {
	h := newHarness(buy("s1", "AAPL", "100", "110", "95"))
	h.prices.set("AAPL", "111")
	store := &gatedStore{MemorySignalStore: h.store, entered: make(chan struct{}, 1), release: make(chan struct{})}
	a := NewAutomation(AutomationConfig{}, store, h.prices, h.poller, nil, h.closer, nil, nil, applogger.NewNop())

	done := make(chan models.RunStats)
	go func() {
		stats, _ := a.RunOnce(context.Background())
		done <- stats
	}()
	<-store.entered

	stats, err := a.RunOnce(context.Background())
	assert.ErrorIs(t, err, models.ErrRunInProgress)
	assert.True(t, stats.Skipped)

	close(store.release)
	first := <-done
	assert.Equal(t, 1, first.Closed)
}

func TestRunOnceIsolatesPanickingSignal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(buy("s1", "BOOM", "100", "110", "95"), buy("s2", "AAPL", "100", "110", "95"))
	h.prices.panics["BOOM"] = true
	h.prices.set("AAPL", "111")

	stats, err := h.automation(AutomationConfig{Workers: 2}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Closed)
	assert.Equal(t, 1, stats.CloseFailed)
}

func TestRunOnceWithManyWorkersClosesEachSignalOnce(t *testing.T) {
	ctx := context.Background()
	var signals []models.Signal
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		signals = append(signals, buy(id, "AAPL", "100", "110", "95"))
	}
	h := newHarness(signals...)
	h.prices.set("AAPL", "110")

	stats, err := h.automation(AutomationConfig{Workers: 4}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, stats.Closed)
	assert.Len(t, h.pub.all(), 8)

	stats, err = h.automation(AutomationConfig{Workers: 4}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Scanned)
}

func TestLastRunRestoresFromSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(buy("s1", "AAPL", "100", "110", "95"))
	h.prices.set("AAPL", "111")

	first, err := h.automation(AutomationConfig{}).RunOnce(ctx)
	require.NoError(t, err)

	restarted := h.automation(AutomationConfig{})
	last, ok := restarted.LastRun(ctx)
	require.True(t, ok)
	assert.Equal(t, first.RunID, last.RunID)
	assert.Equal(t, 1, last.Closed)
}

func TestStartRunsOnIntervalAndStopWaits(t *testing.T) {
	h := newHarness(buy("s1", "AAPL", "100", "110", "95"))
	h.prices.set("AAPL", "105")
	a := h.automation(AutomationConfig{Interval: 10 * time.Millisecond})

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, ok := a.LastRun(context.Background())
		return ok
	}, time.Second, 5*time.Millisecond)
	a.Stop()

	_, err := a.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStartRequiresInterval(t *testing.T) {
	h := newHarness()
	a := NewAutomation(AutomationConfig{}, h.store, h.prices, h.poller, nil, h.closer, nil, nil, nil)
	assert.Error(t, a.Start(context.Background()))
}
