package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
)

type SignalStatus string

const (
	StatusInProgress SignalStatus = "IN_PROGRESS"
	StatusProfit     SignalStatus = "PROFIT"
	StatusLoss       SignalStatus = "LOSS"
)

// Terminal reports whether no further transition is allowed.
func (s SignalStatus) Terminal() bool { return s == StatusProfit || s == StatusLoss }

// Signal is a recorded BUY/SELL call tracked to a PROFIT/LOSS outcome.
type Signal struct {
	ID         string           `json:"id"`
	Symbol     string           `json:"symbol"`
	Exchange   string           `json:"exchange"`
	Type       SignalType       `json:"signal_type"`
	Entry      decimal.Decimal  `json:"entry"`
	Target     decimal.Decimal  `json:"target"`
	StopLoss   decimal.Decimal  `json:"stop_loss"`
	Status     SignalStatus     `json:"status"`
	ExitPrice  *decimal.Decimal `json:"exit_price,omitempty"`
	ProfitLoss *decimal.Decimal `json:"profit_loss,omitempty"`
	EntryAt    time.Time        `json:"entry_at"`
	ExitAt     *time.Time       `json:"exit_at,omitempty"`
	Duration   *Duration        `json:"duration,omitempty"`
	Note       string           `json:"note,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Key returns the instrument key of the signal.
func (s Signal) Key() Key { return NewKey(s.Symbol, s.Exchange) }

// Duration is an elapsed time expressed as whole hours and remaining whole minutes.
type Duration struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

// NewDuration floors d to whole minutes. Negative input yields nil.
func NewDuration(d time.Duration) *Duration {
	if d < 0 {
		return nil
	}
	total := int(d / time.Minute)
	return &Duration{Hours: total / 60, Minutes: total % 60}
}

func (d Duration) String() string { return fmt.Sprintf("%dh %dm", d.Hours, d.Minutes) }

// Closure is the terminal transition handed to the signal store.
type Closure struct {
	ID         string
	Status     SignalStatus
	ExitPrice  decimal.Decimal
	ProfitLoss decimal.Decimal
	ExitAt     time.Time
	Duration   *Duration
	Note       string
	Reason     string
}

// SignalClosedEvent is published after a successful close.
type SignalClosedEvent struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Exchange   string          `json:"exchange"`
	Type       SignalType      `json:"signal_type"`
	Status     SignalStatus    `json:"status"`
	Entry      decimal.Decimal `json:"entry"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	ProfitLoss decimal.Decimal `json:"profit_loss"`
	Duration   string          `json:"duration,omitempty"`
	Reason     string          `json:"reason"`
	ClosedAt   time.Time       `json:"closed_at"`
}
