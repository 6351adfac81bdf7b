package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"SignalDesk/internal/domain/models"
	drepo "SignalDesk/internal/domain/repository"
	"SignalDesk/internal/service/evaluator"
	"SignalDesk/pkg/cache"
	applogger "SignalDesk/pkg/logger"

	"github.com/shopspring/decimal"
)

// ErrInvalidExitPrice rejects a manual close with a non-positive exit price.
var ErrInvalidExitPrice = errors.New("exit price must be positive")

const (
	ReasonAutoClose   = "auto-close"
	ReasonManualClose = "manual"
)

// CloseCommand is a manual close request. A nil ExitPrice closes at the target.
type CloseCommand struct {
	ID        string
	ExitPrice *decimal.Decimal
	Note      string
	Reason    string
}

// SignalCloser applies terminal transitions for both the automation loop and
// manual closes.
type SignalCloser struct {
	store        drepo.SignalStore
	publisher    drepo.EventPublisher
	locker       drepo.Locker
	metrics      drepo.Metrics
	l            *applogger.Logger
	lockTTL      time.Duration
	storeTimeout time.Duration
	now          func() time.Time
}

type CloserOption func(*SignalCloser)

func WithLockTTL(d time.Duration) CloserOption {
	return func(c *SignalCloser) {
		if d > 0 {
			c.lockTTL = d
		}
	}
}

func WithStoreTimeout(d time.Duration) CloserOption {
	return func(c *SignalCloser) {
		if d > 0 {
			c.storeTimeout = d
		}
	}
}

func WithCloserClock(now func() time.Time) CloserOption {
	return func(c *SignalCloser) { c.now = now }
}

// NewSignalCloser creates a closer. publisher, locker and metrics may be nil.
func NewSignalCloser(store drepo.SignalStore, publisher drepo.EventPublisher, locker drepo.Locker, metrics drepo.Metrics, l *applogger.Logger, opts ...CloserOption) *SignalCloser {
	c := &SignalCloser{
		store:        store,
		publisher:    publisher,
		locker:       locker,
		metrics:      metrics,
		l:            l,
		lockTTL:      30 * time.Second,
		storeTimeout: 10 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.l == nil {
		c.l = applogger.NewNop()
	}
	return c
}

// Close loads the signal and closes it at the requested or default exit price.
func (c *SignalCloser) Close(ctx context.Context, cmd CloseCommand) (models.Signal, error) {
	sctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	sig, err := c.store.GetSignal(sctx, cmd.ID)
	cancel()
	if err != nil {
		return models.Signal{}, err
	}
	if sig.Status != models.StatusInProgress {
		return models.Signal{}, fmt.Errorf("close signal %s from %s: %w", sig.ID, sig.Status, models.ErrInvalidTransition)
	}

	exit := evaluator.DefaultExitPrice(sig)
	if cmd.ExitPrice != nil {
		if !cmd.ExitPrice.IsPositive() {
			return models.Signal{}, fmt.Errorf("close signal %s at %s: %w", sig.ID, cmd.ExitPrice, ErrInvalidExitPrice)
		}
		exit = *cmd.ExitPrice
	}
	reason := cmd.Reason
	if reason == "" {
		reason = ReasonManualClose
	}
	return c.close(ctx, sig, exit, cmd.Note, reason)
}

// CloseWithPrice closes an already loaded signal at price.
func (c *SignalCloser) CloseWithPrice(ctx context.Context, sig models.Signal, price decimal.Decimal, reason string) (models.Signal, error) {
	return c.close(ctx, sig, price, "", reason)
}

func (c *SignalCloser) close(ctx context.Context, sig models.Signal, exit decimal.Decimal, note, reason string) (models.Signal, error) {
	if c.locker != nil {
		lockKey := cache.GenerateKey("signal-close", sig.ID)
		ok, err := c.locker.TryLock(ctx, lockKey, c.lockTTL)
		if err != nil {
			return models.Signal{}, fmt.Errorf("lock signal %s: %w", sig.ID, err)
		}
		if !ok {
			c.l.Warn("signal close skipped, lock held", applogger.String("id", sig.ID))
			return models.Signal{}, fmt.Errorf("close signal %s: %w", sig.ID, models.ErrLockHeld)
		}
		defer func() {
			if err := c.locker.Unlock(context.WithoutCancel(ctx), lockKey); err != nil {
				c.l.Warn("signal unlock failed", applogger.String("id", sig.ID), applogger.Error(err))
			}
		}()
	}

	exitAt := c.now()
	out := evaluator.ComputeClose(sig, exit, exitAt)

	sctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	closed, err := c.store.CloseSignal(sctx, models.Closure{
		ID:         sig.ID,
		Status:     out.Status,
		ExitPrice:  exit,
		ProfitLoss: out.ProfitLoss,
		ExitAt:     exitAt,
		Duration:   out.Duration,
		Note:       note,
		Reason:     reason,
	})
	cancel()
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotFound) {
			c.l.Warn("signal close rejected", applogger.String("id", sig.ID), applogger.Error(err))
		} else {
			c.l.Error("signal close failed", applogger.String("id", sig.ID), applogger.Error(err))
			c.recordError("signal_close")
		}
		return models.Signal{}, err
	}

	if c.metrics != nil {
		c.metrics.RecordSignalClosed(string(out.Status), reason)
	}
	fields := []applogger.Field{
		applogger.String("id", sig.ID),
		applogger.String("key", sig.Key().String()),
		applogger.String("status", string(out.Status)),
		applogger.String("exit_price", exit.String()),
		applogger.String("profit_loss", out.ProfitLoss.String()),
		applogger.String("reason", reason),
	}
	if out.Duration != nil {
		fields = append(fields, applogger.String("duration", out.Duration.String()))
	}
	c.l.Info("signal closed", fields...)

	c.publish(ctx, closed, reason)
	return closed, nil
}

func (c *SignalCloser) publish(ctx context.Context, sig models.Signal, reason string) {
	if c.publisher == nil {
		return
	}
	ev := models.SignalClosedEvent{
		ID:       sig.ID,
		Symbol:   sig.Symbol,
		Exchange: sig.Exchange,
		Type:     sig.Type,
		Status:   sig.Status,
		Entry:    sig.Entry,
		Reason:   reason,
		ClosedAt: c.now(),
	}
	if sig.ExitPrice != nil {
		ev.ExitPrice = *sig.ExitPrice
	}
	if sig.ProfitLoss != nil {
		ev.ProfitLoss = *sig.ProfitLoss
	}
	if sig.ExitAt != nil {
		ev.ClosedAt = *sig.ExitAt
	}
	if sig.Duration != nil {
		ev.Duration = sig.Duration.String()
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
	defer cancel()
	if err := c.publisher.PublishClosed(pctx, ev); err != nil {
		c.l.Warn("signal.closed publish failed", applogger.String("id", sig.ID), applogger.Error(err))
		c.recordError("publish_closed")
	}
}

func (c *SignalCloser) recordError(kind string) {
	if c.metrics != nil {
		c.metrics.RecordError(kind)
	}
}
