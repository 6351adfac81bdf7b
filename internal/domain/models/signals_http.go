package models

import "github.com/shopspring/decimal"

// Requests for control-surface HTTP endpoints. Defined in domain for consistency and reuse.

type CloseSignalRequest struct {
	ID        string           `param:"id" validate:"required"`
	ExitPrice *decimal.Decimal `json:"exit_price" validate:"omitempty,gt=0"`
	Note      string           `json:"note" validate:"max=500"`
}

type QuoteRequest struct {
	Symbol   string `query:"symbol" json:"symbol" validate:"required"`
	Exchange string `query:"exchange" json:"exchange"`
	MaxAgeMs int64  `query:"max_age_ms" json:"max_age_ms" default:"300000" validate:"gte=0,lte=86400000"`
}

type SubscriptionRequest struct {
	Symbol   string `json:"symbol" validate:"required"`
	Exchange string `json:"exchange"`
}
