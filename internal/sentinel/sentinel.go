// Package sentinel implements the Risk Sentinel: a day-scoped state
// machine that locks the engine after two consecutive stop-losses in
// distinct tide windows. Grounded on the reference stack's
// internal/circuit/breaker.go state-machine shape (closed/open
// tripped-by-reason) but driven by the spec's exact SL-streak rule
// rather than a rolling-loss-rate breaker.
package sentinel

import (
	"context"
	"fmt"
	"time"

	"tidepredator/internal/model"
	"tidepredator/internal/storage"
)

func dayKey(userID, date string) string {
	return fmt.Sprintf("sentinel:%s:%s", userID, date)
}

// Sentinel persists and evaluates RiskSentinelDay records.
type Sentinel struct {
	store storage.RecordStore
}

// New builds a Sentinel over the given record store.
func New(store storage.RecordStore) *Sentinel {
	return &Sentinel{store: store}
}

// Load fetches (or initializes) today's RiskSentinelDay for userID.
func (s *Sentinel) Load(ctx context.Context, userID, date string) (model.RiskSentinelDay, error) {
	var day model.RiskSentinelDay
	ok, err := s.store.GetJSON(ctx, dayKey(userID, date), &day)
	if err != nil {
		return model.RiskSentinelDay{}, fmt.Errorf("sentinel: load: %w", err)
	}
	if !ok || day.Date != date {
		day = model.RiskSentinelDay{Date: date}
	}
	return day, nil
}

func (s *Sentinel) save(ctx context.Context, userID string, day model.RiskSentinelDay) error {
	if err := s.store.PutJSON(ctx, dayKey(userID, day.Date), day); err != nil {
		return fmt.Errorf("sentinel: save: %w", err)
	}
	return nil
}

// IsLocked reports whether today's record already blocks new entries.
func (s *Sentinel) IsLocked(ctx context.Context, userID, date string) (bool, error) {
	day, err := s.Load(ctx, userID, date)
	if err != nil {
		return false, err
	}
	return day.Locked, nil
}

// RecordClose applies the spec's streak rule on every trade close:
// consecutive SLs in distinct windowKeys increment the streak; any
// other outcome (or a repeated windowKey) resets it; two in a row
// locks the day.
func (s *Sentinel) RecordClose(ctx context.Context, userID, date, windowKey string, result model.CloseResult, autoLock bool) (model.RiskSentinelDay, error) {
	day, err := s.Load(ctx, userID, date)
	if err != nil {
		return model.RiskSentinelDay{}, err
	}

	switch {
	case result == model.CloseSL && day.LastResult == model.CloseSL && windowKey != day.LastWindowKey:
		day.SLStreak++
	case result == model.CloseSL:
		day.SLStreak = 1
	default:
		day.SLStreak = 0
	}

	day.LastResult = result
	day.LastWindowKey = windowKey
	day.LastUpdate = time.Now()
	if autoLock && day.SLStreak >= 2 {
		day.Locked = true
	}

	if err := s.save(ctx, userID, day); err != nil {
		return model.RiskSentinelDay{}, err
	}
	return day, nil
}

// Clear manually unlocks today's record (admin override).
func (s *Sentinel) Clear(ctx context.Context, userID, date string) error {
	day, err := s.Load(ctx, userID, date)
	if err != nil {
		return err
	}
	day.Locked = false
	day.SLStreak = 0
	return s.save(ctx, userID, day)
}
