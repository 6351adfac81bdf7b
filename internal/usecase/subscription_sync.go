package usecase

import (
	"context"
	"errors"
	"fmt"

	"SignalDesk/internal/domain/models"
	applogger "SignalDesk/pkg/logger"
)

// AutomationConsumer owns the subscriptions the automation loop needs.
const AutomationConsumer = "automation"

// Subscriber is the part of the subscription manager the sync needs.
type Subscriber interface {
	EnsureSubscribed(ctx context.Context, consumer, symbol, exchange string) error
	Unsubscribe(ctx context.Context, consumer, symbol, exchange string) error
	Keys(consumer string) []models.Key
}

// SubscriptionSync keeps one consumer's subscriptions equal to the open
// signal keys plus a fixed watchlist.
type SubscriptionSync struct {
	subs      Subscriber
	consumer  string
	watchlist []models.Key
	l         *applogger.Logger
}

// NewSubscriptionSync parses watchlist entries of the form "EXCHANGE:SYMBOL" or "SYMBOL".
func NewSubscriptionSync(subs Subscriber, watchlist []string, l *applogger.Logger) *SubscriptionSync {
	keys := make([]models.Key, 0, len(watchlist))
	for _, w := range watchlist {
		if k := models.ParseKey(w); k.Valid() {
			keys = append(keys, k)
		}
	}
	if l == nil {
		l = applogger.NewNop()
	}
	return &SubscriptionSync{subs: subs, consumer: AutomationConsumer, watchlist: keys, l: l}
}

// Sync subscribes missing keys and drops keys no longer wanted. Individual
// failures are collected and do not stop the sync.
func (s *SubscriptionSync) Sync(ctx context.Context, keys []models.Key) error {
	want := make(map[models.Key]struct{}, len(keys)+len(s.watchlist))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	for _, k := range s.watchlist {
		want[k] = struct{}{}
	}

	var errs []error
	added, removed := 0, 0
	for k := range want {
		if err := s.subs.EnsureSubscribed(ctx, s.consumer, k.Symbol, k.Exchange); err != nil {
			errs = append(errs, fmt.Errorf("subscribe %s: %w", k, err))
			continue
		}
		added++
	}
	for _, k := range s.subs.Keys(s.consumer) {
		if _, ok := want[k]; ok {
			continue
		}
		if err := s.subs.Unsubscribe(ctx, s.consumer, k.Symbol, k.Exchange); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", k, err))
			continue
		}
		removed++
	}
	s.l.Debug("subscriptions synced",
		applogger.Int("wanted", len(want)), applogger.Int("ensured", added), applogger.Int("removed", removed))
	return errors.Join(errs...)
}
