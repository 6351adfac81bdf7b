package middleware

import (
	"fmt"
	"math"
	"sync"
	"time"

	"SignalDesk/internal/domain/models"
	drepo "SignalDesk/internal/domain/repository"
)

// TickSink receives ticks that passed the filter.
type TickSink interface {
	OnTick(key models.Key, raw models.RawTick)
}

// TickFilter sits between an ingest source (Kafka replay, push adapter) and
// the subscription manager. It validates ticks and throttles each key to at
// most maxRPS ticks per second.
type TickFilter struct {
	sink    TickSink
	metrics drepo.Metrics
	maxRPS  int
	now     func() time.Time

	mu       sync.Mutex
	lastSeen map[models.Key]time.Time
}

type FilterOption func(*TickFilter)

// WithMaxRPS sets the max ticks per second per key. Zero disables throttling.
func WithMaxRPS(n int) FilterOption {
	return func(f *TickFilter) {
		if n >= 0 {
			f.maxRPS = n
		}
	}
}

func WithFilterClock(now func() time.Time) FilterOption {
	return func(f *TickFilter) { f.now = now }
}

// NewTickFilter creates a filter forwarding to sink.
func NewTickFilter(sink TickSink, metrics drepo.Metrics, opts ...FilterOption) *TickFilter {
	f := &TickFilter{
		sink:     sink,
		metrics:  metrics,
		maxRPS:   20,
		now:      time.Now,
		lastSeen: make(map[models.Key]time.Time),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Process validates and throttles a tick. Throttled ticks are dropped without error.
func (f *TickFilter) Process(key models.Key, raw models.RawTick) error {
	start := f.now()
	if err := validateTick(key, raw); err != nil {
		f.recordError("tick_validate")
		return err
	}
	if !f.allow(key, start) {
		f.recordError("tick_throttle")
		return nil
	}
	f.sink.OnTick(key, raw)
	if f.metrics != nil {
		f.metrics.RecordLatency("tick_filter", f.now().Sub(start).Seconds())
	}
	return nil
}

// Handler adapts the filter to the push adapter callback shape.
func (f *TickFilter) Handler() drepo.TickHandler {
	return func(key models.Key, raw models.RawTick) { _ = f.Process(key, raw) }
}

func (f *TickFilter) recordError(kind string) {
	if f.metrics != nil {
		f.metrics.RecordError(kind)
	}
}

func validateTick(key models.Key, raw models.RawTick) error {
	if !key.Valid() {
		return fmt.Errorf("symbol empty")
	}
	if math.IsNaN(raw.Price) || math.IsInf(raw.Price, 0) || raw.Price <= 0 {
		return fmt.Errorf("tick %s: invalid price %v", key, raw.Price)
	}
	if raw.Bid < 0 || raw.Ask < 0 {
		return fmt.Errorf("tick %s: negative bid/ask", key)
	}
	return nil
}

func (f *TickFilter) allow(key models.Key, now time.Time) bool {
	if f.maxRPS <= 0 {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	last, ok := f.lastSeen[key]
	if ok && now.Sub(last) < time.Second/time.Duration(f.maxRPS) {
		return false
	}
	f.lastSeen[key] = now
	return true
}
