package evaluator

import (
	"time"

	"SignalDesk/internal/domain/models"

	"github.com/shopspring/decimal"
)

// Outcome is the result of closing a signal at an exit price.
type Outcome struct {
	Status     models.SignalStatus
	ProfitLoss decimal.Decimal
	Duration   *models.Duration
}

// ShouldClose reports whether price crosses the target or stop of s.
// BUY closes at or above target and at or below stop; SELL mirrors that.
// Non-positive inputs never close.
func ShouldClose(s models.Signal, price decimal.Decimal) bool {
	if !price.IsPositive() || !s.Entry.IsPositive() || !s.Target.IsPositive() || !s.StopLoss.IsPositive() {
		return false
	}
	switch s.Type {
	case models.SignalBuy:
		return price.GreaterThanOrEqual(s.Target) || price.LessThanOrEqual(s.StopLoss)
	case models.SignalSell:
		return price.LessThanOrEqual(s.Target) || price.GreaterThanOrEqual(s.StopLoss)
	default:
		return false
	}
}

// ProfitLoss is exit minus entry for BUY and entry minus exit for SELL.
func ProfitLoss(t models.SignalType, entry, exit decimal.Decimal) decimal.Decimal {
	if t == models.SignalSell {
		return entry.Sub(exit)
	}
	return exit.Sub(entry)
}

// ComputeClose derives status, P/L and duration. A zero P/L is a LOSS.
// Duration is nil unless both times are known and exitAt is not before entryAt.
func ComputeClose(s models.Signal, exit decimal.Decimal, exitAt time.Time) Outcome {
	pl := ProfitLoss(s.Type, s.Entry, exit)
	status := models.StatusLoss
	if pl.IsPositive() {
		status = models.StatusProfit
	}
	var dur *models.Duration
	if !s.EntryAt.IsZero() && !exitAt.IsZero() {
		dur = models.NewDuration(exitAt.Sub(s.EntryAt))
	}
	return Outcome{Status: status, ProfitLoss: pl, Duration: dur}
}

// DefaultExitPrice is the exit used for a manual close without an explicit price.
func DefaultExitPrice(s models.Signal) decimal.Decimal {
	return s.Target
}
