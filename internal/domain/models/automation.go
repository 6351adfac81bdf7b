package models

import "time"

// CacheStats is a snapshot of price cache counters.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Stale   int64 `json:"stale"`
	Entries int   `json:"entries"`
}

// FeedStats is a snapshot of the subscription manager.
type FeedStats struct {
	Fallbacks     int64 `json:"fallbacks"`
	Subscriptions int   `json:"subscriptions"`
	PushConnected bool  `json:"push_connected"`
}

// RunStats summarizes one automation pass.
type RunStats struct {
	RunID            string     `json:"run_id"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       time.Time  `json:"finished_at"`
	Scanned          int        `json:"scanned"`
	Closed           int        `json:"closed"`
	PriceFetchFailed int        `json:"price_fetch_failed"`
	CloseFailed      int        `json:"close_failed"`
	Skipped          bool       `json:"skipped"`
	Aborted          bool       `json:"aborted"`
	Error            string     `json:"error,omitempty"`
	Cache            CacheStats `json:"cache"`
	Feed             FeedStats  `json:"feed"`
}

// Elapsed returns the run duration.
func (s RunStats) Elapsed() time.Duration { return s.FinishedAt.Sub(s.StartedAt) }
