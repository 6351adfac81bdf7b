package repository

import (
	"context"
	"time"

	"SignalDesk/internal/domain/models"
)

// TickHandler receives raw ticks for a subscribed key.
type TickHandler func(key models.Key, tick models.RawTick)

// DenialHandler is told when upstream refuses a key. alternate is the venue the
// provider suggests, or "" when none.
type DenialHandler func(key models.Key, alternate string)

// PushAdapter is a streaming market-data source.
type PushAdapter interface {
	Name() string
	Start(ctx context.Context) error
	Subscribe(ctx context.Context, key models.Key, onTick TickHandler) error
	Unsubscribe(ctx context.Context, key models.Key) error
	OnDenied(h DenialHandler)
	IsConnected() bool
	Close() error
}

// PollAdapter fetches one quote on demand.
type PollAdapter interface {
	Name() string
	FetchOnce(ctx context.Context, key models.Key) (models.PriceQuote, error)
}

// SignalStore is the persistence collaborator for signals.
type SignalStore interface {
	ListOpenSignals(ctx context.Context) ([]models.Signal, error)
	GetSignal(ctx context.Context, id string) (models.Signal, error)
	// CloseSignal fails with models.ErrInvalidTransition unless the signal is IN_PROGRESS.
	CloseSignal(ctx context.Context, c models.Closure) (models.Signal, error)
	Health(ctx context.Context) error
	Close() error
}

// EventPublisher announces signal transitions.
type EventPublisher interface {
	PublishClosed(ctx context.Context, ev models.SignalClosedEvent) error
	Close() error
}

// Locker serializes per-signal close writes.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// Snapshotter persists small values (last run stats).
type Snapshotter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
}

type Metrics interface {
	RecordCacheResult(result string)
	RecordFallback(adapter string)
	RecordSignalsScanned(n int)
	RecordSignalClosed(status, reason string)
	RecordPriceFetchFailed(symbol string)
	RecordError(kind string)
	RecordLastPrice(symbol string, price float64)
	RecordLatency(op string, seconds float64)
}
