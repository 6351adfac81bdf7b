package models

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Key identifies an instrument on a venue.
type Key struct {
	Symbol   string
	Exchange string
}

// NewKey normalizes symbol and exchange (trimmed, upper-case).
func NewKey(symbol, exchange string) Key {
	return Key{
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		Exchange: strings.ToUpper(strings.TrimSpace(exchange)),
	}
}

// ParseKey parses "EXCHANGE:SYMBOL" or a bare "SYMBOL".
func ParseKey(s string) Key {
	if ex, sym, ok := strings.Cut(s, ":"); ok {
		return NewKey(sym, ex)
	}
	return NewKey(s, "")
}

// String returns the wire form used by upstream feeds.
func (k Key) String() string {
	if k.Exchange == "" {
		return k.Symbol
	}
	return k.Exchange + ":" + k.Symbol
}

// Valid reports whether the key carries a symbol.
func (k Key) Valid() bool { return k.Symbol != "" }

// PriceQuote is the last known price for a key.
type PriceQuote struct {
	Symbol        string           `json:"symbol"`
	Exchange      string           `json:"exchange"`
	LastPrice     decimal.Decimal  `json:"last_price"`
	Bid           *decimal.Decimal `json:"bid,omitempty"`
	Ask           *decimal.Decimal `json:"ask,omitempty"`
	Change        *decimal.Decimal `json:"change,omitempty"`
	ChangePercent *decimal.Decimal `json:"change_percent,omitempty"`
	CapturedAt    time.Time        `json:"captured_at"`
	ProviderTime  time.Time        `json:"provider_time,omitempty"`
	Source        string           `json:"source"`
}

// Key returns the cache key of the quote.
func (q PriceQuote) Key() Key { return Key{Symbol: q.Symbol, Exchange: q.Exchange} }

// RawTick is a provider payload before normalization. Zero optional fields are omitted.
type RawTick struct {
	Price         float64
	Bid           float64
	Ask           float64
	Change        float64
	ChangePercent float64
	HasChange     bool
	Time          time.Time
	Source        string
}

// NormalizeTick converts a raw provider tick into a PriceQuote.
// CapturedAt is the provider time when known, otherwise receivedAt.
func NormalizeTick(key Key, raw RawTick, receivedAt time.Time) (PriceQuote, error) {
	if !key.Valid() {
		return PriceQuote{}, fmt.Errorf("normalize tick: empty symbol")
	}
	if !finite(raw.Price) || raw.Price <= 0 {
		return PriceQuote{}, fmt.Errorf("normalize tick %s: invalid price %v", key, raw.Price)
	}
	q := PriceQuote{
		Symbol:       key.Symbol,
		Exchange:     key.Exchange,
		LastPrice:    decimal.NewFromFloat(raw.Price),
		CapturedAt:   receivedAt,
		ProviderTime: raw.Time,
		Source:       raw.Source,
	}
	if !raw.Time.IsZero() {
		q.CapturedAt = raw.Time
	}
	q.Bid = optionalPositive(raw.Bid)
	q.Ask = optionalPositive(raw.Ask)
	if raw.HasChange {
		q.Change = optional(raw.Change)
		q.ChangePercent = optional(raw.ChangePercent)
	}
	return q, nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func optional(f float64) *decimal.Decimal {
	if !finite(f) {
		return nil
	}
	d := decimal.NewFromFloat(f)
	return &d
}

func optionalPositive(f float64) *decimal.Decimal {
	if !finite(f) || f <= 0 {
		return nil
	}
	d := decimal.NewFromFloat(f)
	return &d
}
