package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"SignalDesk/internal/domain/models"
	drepo "SignalDesk/internal/domain/repository"
	pkgch "SignalDesk/pkg/clickhouse"
	applogger "SignalDesk/pkg/logger"

	"github.com/shopspring/decimal"
)

const signalsTable = "signals"

// SignalSchema is the DDL for the signals table. Every write inserts a new row
// version; reads use FINAL to see the latest one.
var SignalSchema = []string{
	`CREATE TABLE IF NOT EXISTS ` + signalsTable + ` (
		id               String,
		symbol           LowCardinality(String),
		exchange         LowCardinality(String),
		signal_type      LowCardinality(String),
		entry            Decimal64(6),
		target           Decimal64(6),
		stop_loss        Decimal64(6),
		status           LowCardinality(String),
		exit_price       Nullable(Decimal64(6)),
		profit_loss      Nullable(Decimal64(6)),
		entry_at         DateTime64(3, 'UTC'),
		exit_at          Nullable(DateTime64(3, 'UTC')),
		duration_minutes Nullable(UInt32),
		note             String,
		created_at       DateTime64(3, 'UTC'),
		version          UInt64
	) ENGINE = ReplacingMergeTree(version)
	ORDER BY id`,
}

const selectSignal = `
	SELECT id, symbol, exchange, signal_type,
		toString(entry), toString(target), toString(stop_loss), status,
		toString(exit_price), toString(profit_loss),
		entry_at, exit_at, duration_minutes, note, created_at, version
	FROM ` + signalsTable + ` FINAL`

const insertSignal = `
	INSERT INTO ` + signalsTable + ` (id, symbol, exchange, signal_type, entry, target, stop_loss, status,
		exit_price, profit_loss, entry_at, exit_at, duration_minutes, note, created_at, version)
	VALUES (?, ?, ?, ?, toDecimal64(?, 6), toDecimal64(?, 6), toDecimal64(?, 6), ?,
		toDecimal64OrNull(?, 6), toDecimal64OrNull(?, 6), ?, ?, ?, ?, ?, ?)`

// ClickHouseSignalStore implements SignalStore on a versioned ClickHouse table.
// Transition checks are read-then-insert, so concurrent closers must hold the
// per-signal lock.
type ClickHouseSignalStore struct {
	db  *sql.DB
	l   *applogger.Logger
	now func() time.Time
}

func NewClickHouseSignalStore(ch *pkgch.Client, l *applogger.Logger) *ClickHouseSignalStore {
	if l == nil {
		l = applogger.NewNop()
	}
	return &ClickHouseSignalStore{db: ch.DB(), l: l, now: time.Now}
}

// Seed inserts signals as new versions.
func (s *ClickHouseSignalStore) Seed(ctx context.Context, signals ...models.Signal) error {
	for _, sig := range signals {
		if sig.Status == "" {
			sig.Status = models.StatusInProgress
		}
		if err := s.insert(ctx, sig, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *ClickHouseSignalStore) ListOpenSignals(ctx context.Context) ([]models.Signal, error) {
	rows, err := s.db.QueryContext(ctx, selectSignal+` WHERE status = ? ORDER BY entry_at ASC, id ASC`, string(models.StatusInProgress))
	if err != nil {
		s.l.Error("clickhouse list_open_signals query error", applogger.Error(err))
		return nil, fmt.Errorf("list open signals: %w", err)
	}
	defer rows.Close()

	out := make([]models.Signal, 0, 64)
	for rows.Next() {
		sig, _, err := scanSignal(rows)
		if err != nil {
			s.l.Error("clickhouse list_open_signals scan error", applogger.Error(err))
			return nil, err
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *ClickHouseSignalStore) GetSignal(ctx context.Context, id string) (models.Signal, error) {
	sig, _, err := s.get(ctx, id)
	return sig, err
}

func (s *ClickHouseSignalStore) CloseSignal(ctx context.Context, c models.Closure) (models.Signal, error) {
	sig, version, err := s.get(ctx, c.ID)
	if err != nil {
		return models.Signal{}, err
	}
	if sig.Status != models.StatusInProgress || !c.Status.Terminal() {
		return models.Signal{}, fmt.Errorf("close signal %s from %s to %s: %w", c.ID, sig.Status, c.Status, models.ErrInvalidTransition)
	}
	applyClosure(&sig, c)
	if err := s.insert(ctx, sig, version); err != nil {
		s.l.Error("clickhouse close_signal insert error", applogger.String("id", c.ID), applogger.Error(err))
		return models.Signal{}, err
	}
	return sig, nil
}

func (s *ClickHouseSignalStore) Health(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close is a no-op; the connection pool belongs to the clickhouse client.
func (s *ClickHouseSignalStore) Close() error { return nil }

func (s *ClickHouseSignalStore) get(ctx context.Context, id string) (models.Signal, uint64, error) {
	row := s.db.QueryRowContext(ctx, selectSignal+` WHERE id = ? LIMIT 1`, id)
	sig, version, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Signal{}, 0, fmt.Errorf("signal %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Signal{}, 0, err
	}
	return sig, version, nil
}

func (s *ClickHouseSignalStore) insert(ctx context.Context, sig models.Signal, prev uint64) error {
	now := s.now().UTC()
	version := uint64(now.UnixNano())
	if version <= prev {
		version = prev + 1
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = now
	}

	var exitPrice, pl sql.NullString
	if sig.ExitPrice != nil {
		exitPrice = sql.NullString{String: sig.ExitPrice.String(), Valid: true}
	}
	if sig.ProfitLoss != nil {
		pl = sql.NullString{String: sig.ProfitLoss.String(), Valid: true}
	}
	var exitAt sql.NullTime
	if sig.ExitAt != nil {
		exitAt = sql.NullTime{Time: sig.ExitAt.UTC(), Valid: true}
	}
	var minutes sql.NullInt64
	if sig.Duration != nil {
		minutes = sql.NullInt64{Int64: int64(sig.Duration.Hours*60 + sig.Duration.Minutes), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, insertSignal,
		sig.ID, sig.Symbol, sig.Exchange, string(sig.Type),
		sig.Entry.String(), sig.Target.String(), sig.StopLoss.String(), string(sig.Status),
		exitPrice, pl,
		sig.EntryAt.UTC(), exitAt, minutes, sig.Note, sig.CreatedAt.UTC(), version,
	)
	if err != nil {
		return fmt.Errorf("insert signal %s: %w", sig.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSignal(r scanner) (models.Signal, uint64, error) {
	var (
		sig                 models.Signal
		typ, status         string
		entry, target, stop string
		exitPrice, pl       sql.NullString
		exitAt              sql.NullTime
		minutes             sql.NullInt64
		version             uint64
	)
	if err := r.Scan(&sig.ID, &sig.Symbol, &sig.Exchange, &typ,
		&entry, &target, &stop, &status,
		&exitPrice, &pl,
		&sig.EntryAt, &exitAt, &minutes, &sig.Note, &sig.CreatedAt, &version,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sig, 0, err
		}
		return sig, 0, fmt.Errorf("scan signal: %w", err)
	}
	sig.Type = models.SignalType(typ)
	sig.Status = models.SignalStatus(status)

	var err error
	if sig.Entry, err = decimal.NewFromString(entry); err != nil {
		return sig, 0, fmt.Errorf("signal %s entry: %w", sig.ID, err)
	}
	if sig.Target, err = decimal.NewFromString(target); err != nil {
		return sig, 0, fmt.Errorf("signal %s target: %w", sig.ID, err)
	}
	if sig.StopLoss, err = decimal.NewFromString(stop); err != nil {
		return sig, 0, fmt.Errorf("signal %s stop_loss: %w", sig.ID, err)
	}
	if sig.ExitPrice, err = nullDecimal(exitPrice); err != nil {
		return sig, 0, fmt.Errorf("signal %s exit_price: %w", sig.ID, err)
	}
	if sig.ProfitLoss, err = nullDecimal(pl); err != nil {
		return sig, 0, fmt.Errorf("signal %s profit_loss: %w", sig.ID, err)
	}
	if exitAt.Valid {
		t := exitAt.Time
		sig.ExitAt = &t
	}
	if minutes.Valid {
		sig.Duration = models.NewDuration(time.Duration(minutes.Int64) * time.Minute)
	}
	return sig, version, nil
}

func nullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

var _ drepo.SignalStore = (*ClickHouseSignalStore)(nil)
