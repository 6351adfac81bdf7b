package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"SignalDesk/internal/domain/models"
	drepo "SignalDesk/internal/domain/repository"
)

// MemorySignalStore keeps signals in process memory.
type MemorySignalStore struct {
	mu      sync.RWMutex
	signals map[string]models.Signal
}

func NewMemorySignalStore() *MemorySignalStore {
	return &MemorySignalStore{signals: make(map[string]models.Signal)}
}

// Seed inserts or replaces signals.
func (s *MemorySignalStore) Seed(_ context.Context, signals ...models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sig := range signals {
		if sig.ID == "" {
			return fmt.Errorf("seed signal: empty id")
		}
		if sig.Status == "" {
			sig.Status = models.StatusInProgress
		}
		s.signals[sig.ID] = sig
	}
	return nil
}

func (s *MemorySignalStore) ListOpenSignals(_ context.Context) ([]models.Signal, error) {
	s.mu.RLock()
	out := make([]models.Signal, 0, len(s.signals))
	for _, sig := range s.signals {
		if sig.Status == models.StatusInProgress {
			out = append(out, sig)
		}
	}
	s.mu.RUnlock()
	sortOldestFirst(out)
	return out, nil
}

func (s *MemorySignalStore) GetSignal(_ context.Context, id string) (models.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signals[id]
	if !ok {
		return models.Signal{}, fmt.Errorf("signal %s: %w", id, models.ErrNotFound)
	}
	return sig, nil
}

func (s *MemorySignalStore) CloseSignal(_ context.Context, c models.Closure) (models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[c.ID]
	if !ok {
		return models.Signal{}, fmt.Errorf("signal %s: %w", c.ID, models.ErrNotFound)
	}
	if sig.Status != models.StatusInProgress {
		return models.Signal{}, fmt.Errorf("close signal %s from %s: %w", c.ID, sig.Status, models.ErrInvalidTransition)
	}
	if !c.Status.Terminal() {
		return models.Signal{}, fmt.Errorf("close signal %s to %s: %w", c.ID, c.Status, models.ErrInvalidTransition)
	}
	applyClosure(&sig, c)
	s.signals[c.ID] = sig
	return sig, nil
}

func (s *MemorySignalStore) Health(context.Context) error { return nil }

func (s *MemorySignalStore) Close() error { return nil }

// LoadSeedFile reads a JSON array of signals.
func LoadSeedFile(path string) ([]models.Signal, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var out []models.Signal
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return out, nil
}

func applyClosure(sig *models.Signal, c models.Closure) {
	exit, pl, at := c.ExitPrice, c.ProfitLoss, c.ExitAt
	sig.Status = c.Status
	sig.ExitPrice = &exit
	sig.ProfitLoss = &pl
	sig.ExitAt = &at
	sig.Duration = c.Duration
	if c.Note != "" {
		sig.Note = c.Note
	}
}

func sortOldestFirst(signals []models.Signal) {
	sort.Slice(signals, func(i, j int) bool {
		a, b := signals[i], signals[j]
		if !a.EntryAt.Equal(b.EntryAt) {
			return a.EntryAt.Before(b.EntryAt)
		}
		return a.ID < b.ID
	})
}

var _ drepo.SignalStore = (*MemorySignalStore)(nil)
