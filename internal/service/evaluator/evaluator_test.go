package evaluator

import (
	"math/rand"
	"testing"
	"time"

	"SignalDesk/internal/domain/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func buy(entry, target, stop string) models.Signal {
	return models.Signal{ID: "b", Symbol: "AAPL", Type: models.SignalBuy, Entry: d(entry), Target: d(target), StopLoss: d(stop), Status: models.StatusInProgress}
}

func sell(entry, target, stop string) models.Signal {
	return models.Signal{ID: "s", Symbol: "EURUSD", Type: models.SignalSell, Entry: d(entry), Target: d(target), StopLoss: d(stop), Status: models.StatusInProgress}
}

func TestShouldCloseBuyThresholds(t *testing.T) {
	s := buy("100", "110", "95")

	assert.False(t, ShouldClose(s, d("108")))
	assert.False(t, ShouldClose(s, d("95.01")))
	assert.True(t, ShouldClose(s, d("110")))
	assert.True(t, ShouldClose(s, d("111")))
	assert.True(t, ShouldClose(s, d("95")))
	assert.True(t, ShouldClose(s, d("90")))
}

func TestShouldCloseSellThresholds(t *testing.T) {
	s := sell("50", "45", "55")

	assert.False(t, ShouldClose(s, d("50")))
	assert.True(t, ShouldClose(s, d("45")))
	assert.True(t, ShouldClose(s, d("44")))
	assert.True(t, ShouldClose(s, d("55")))
	assert.True(t, ShouldClose(s, d("56")))
}

func TestShouldCloseRejectsNonPositive(t *testing.T) {
	assert.False(t, ShouldClose(buy("100", "110", "95"), decimal.Zero))
	assert.False(t, ShouldClose(buy("100", "110", "95"), d("-1")))
	assert.False(t, ShouldClose(buy("100", "0", "95"), d("200")))
	assert.False(t, ShouldClose(sell("50", "45", "0"), d("1")))
	assert.False(t, ShouldClose(buy("0", "110", "95"), d("111")))
	assert.False(t, ShouldClose(buy("-5", "110", "95"), d("111")))
	assert.False(t, ShouldClose(sell("0", "45", "55"), d("44")))
}

func TestShouldCloseMatchesDefinition(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		target := decimal.NewFromInt(int64(r.Intn(200) + 1))
		stop := decimal.NewFromInt(int64(r.Intn(200) + 1))
		price := decimal.NewFromInt(int64(r.Intn(200) + 1))
		entry := decimal.NewFromInt(int64(r.Intn(200) + 1))

		b := models.Signal{Type: models.SignalBuy, Entry: entry, Target: target, StopLoss: stop}
		wantBuy := price.Cmp(target) >= 0 || price.Cmp(stop) <= 0
		require.Equal(t, wantBuy, ShouldClose(b, price), "buy target=%s stop=%s price=%s", target, stop, price)

		s := models.Signal{Type: models.SignalSell, Entry: entry, Target: target, StopLoss: stop}
		wantSell := price.Cmp(target) <= 0 || price.Cmp(stop) >= 0
		require.Equal(t, wantSell, ShouldClose(s, price), "sell target=%s stop=%s price=%s", target, stop, price)
	}
}

func TestComputeCloseBuyProfit(t *testing.T) {
	s := buy("100", "110", "95")
	out := ComputeClose(s, d("111"), time.Time{})

	assert.Equal(t, models.StatusProfit, out.Status)
	assert.True(t, out.ProfitLoss.Equal(d("11")), "got %s", out.ProfitLoss)
	assert.Nil(t, out.Duration)
}

func TestComputeCloseSellLoss(t *testing.T) {
	s := sell("50", "45", "55")
	out := ComputeClose(s, d("56"), time.Time{})

	assert.Equal(t, models.StatusLoss, out.Status)
	assert.True(t, out.ProfitLoss.Equal(d("-6")), "got %s", out.ProfitLoss)
}

func TestComputeCloseBreakevenIsLoss(t *testing.T) {
	out := ComputeClose(buy("100", "110", "95"), d("100"), time.Time{})
	assert.Equal(t, models.StatusLoss, out.Status)
	assert.True(t, out.ProfitLoss.IsZero())

	out = ComputeClose(sell("50", "45", "55"), d("50"), time.Time{})
	assert.Equal(t, models.StatusLoss, out.Status)
	assert.True(t, out.ProfitLoss.IsZero())
}

func TestComputeCloseKeepsDecimalPrecision(t *testing.T) {
	out := ComputeClose(buy("1.1", "1.3", "1.0"), d("1.3"), time.Time{})
	assert.Equal(t, "0.2", out.ProfitLoss.String())
}

func TestComputeCloseDuration(t *testing.T) {
	entry := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := buy("100", "110", "95")
	s.EntryAt = entry

	out := ComputeClose(s, d("111"), entry.Add(2*time.Hour+30*time.Minute+59*time.Second))
	require.NotNil(t, out.Duration)
	assert.Equal(t, models.Duration{Hours: 2, Minutes: 30}, *out.Duration)
	assert.Equal(t, "2h 30m", out.Duration.String())

	out = ComputeClose(s, d("111"), entry.Add(-time.Minute))
	assert.Nil(t, out.Duration, "exit before entry has no duration")
}

func TestDefaultExitPriceIsTarget(t *testing.T) {
	s := buy("100", "110", "95")
	assert.True(t, DefaultExitPrice(s).Equal(d("110")))
}
