package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"SignalDesk/internal/domain/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signal(id string, entryAt time.Time) models.Signal {
	return models.Signal{
		ID:       id,
		Symbol:   "AAPL",
		Type:     models.SignalBuy,
		Entry:    decimal.NewFromInt(100),
		Target:   decimal.NewFromInt(110),
		StopLoss: decimal.NewFromInt(95),
		Status:   models.StatusInProgress,
		EntryAt:  entryAt,
	}
}

func TestMemoryStoreListsOpenOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySignalStore()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	closed := signal("c", t0)
	closed.Status = models.StatusLoss
	require.NoError(t, s.Seed(ctx, signal("b", t0.Add(time.Hour)), signal("a", t0.Add(2*time.Hour)), closed, signal("z", t0)))

	open, err := s.ListOpenSignals(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(open))
	for _, sig := range open {
		ids = append(ids, sig.ID)
	}
	assert.Equal(t, []string{"z", "b", "a"}, ids)
}

func TestMemoryStoreCloseTransitionsOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySignalStore()
	require.NoError(t, s.Seed(ctx, signal("1", time.Now().Add(-time.Hour))))

	c := models.Closure{
		ID:         "1",
		Status:     models.StatusProfit,
		ExitPrice:  decimal.NewFromInt(111),
		ProfitLoss: decimal.NewFromInt(11),
		ExitAt:     time.Now(),
		Note:       "target hit",
	}
	got, err := s.CloseSignal(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProfit, got.Status)
	assert.True(t, got.ExitPrice.Equal(decimal.NewFromInt(111)))
	assert.Equal(t, "target hit", got.Note)

	_, err = s.CloseSignal(ctx, c)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = s.CloseSignal(ctx, models.Closure{ID: "nope", Status: models.StatusLoss})
	assert.ErrorIs(t, err, models.ErrNotFound)

	open, err := s.ListOpenSignals(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestMemoryStoreRejectsNonTerminalClose(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySignalStore()
	require.NoError(t, s.Seed(ctx, signal("1", time.Now())))
	_, err := s.CloseSignal(ctx, models.Closure{ID: "1", Status: models.StatusInProgress})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id":"s1","symbol":"AAPL","exchange":"NASDAQ","signal_type":"BUY","entry":"100","target":"110","stop_loss":"95","status":"IN_PROGRESS","entry_at":"2024-01-01T00:00:00Z"}
	]`), 0o600))

	got, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.SignalBuy, got[0].Type)
	assert.True(t, got[0].Target.Equal(decimal.NewFromInt(110)))
}
