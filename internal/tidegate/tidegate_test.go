package tidegate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tidepredator/internal/model"
)

// fakeCounterStore is an in-memory CounterStore for tests.
type fakeCounterStore struct {
	mu     sync.Mutex
	values map[string]int64
}

func newFakeStore() *fakeCounterStore {
	return &fakeCounterStore{values: map[string]int64{}}
}

func (f *fakeCounterStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] += delta
	return f.values[key], nil
}

func (f *fakeCounterStore) Get(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key], nil
}

func testConfig() Config {
	loc, _ := time.LoadLocation("Asia/Ho_Chi_Minh")
	return Config{
		TideWindowHours:  2.5,
		EntryLateOnly:    false,
		EntryLateFromHrs: 1.0,
		EntryLateToHrs:   2.5,
		MaxOrdersPerDay:  8,
		MaxOrdersPerTW:   2,
		CounterScope:     "per_user",
		LocalZone:        loc,
	}
}

func TestQuotaDenialPerTideWindow(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	gate := New(cfg, store)

	center := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	events := []model.TideEvent{{Type: model.TideHigh, CenterTS: center}}
	now := center.Add(30 * time.Minute) // tau = 0.5h

	wid := WindowID(center, cfg.LocalZone, model.TideHigh)
	scope := "user1"
	store.values[twCounterKey(scope, wid)] = 2 // two prior opens already recorded

	_, err := gate.Check(context.Background(), now, events, scope)
	var gb *model.GateBlocked
	if !errors.As(err, &gb) {
		t.Fatalf("expected GateBlocked, got %v", err)
	}
	if gb.Reason != model.ReasonMaxOrdersPerTW {
		t.Fatalf("expected MAX_ORDERS_PER_TW_REACHED, got %v", gb.Reason)
	}
}

func TestTideWindowBoundaryInclusive(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	gate := New(cfg, store)

	center := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	events := []model.TideEvent{{Type: model.TideHigh, CenterTS: center}}
	now := center.Add(time.Duration(cfg.TideWindowHours * float64(time.Hour)))

	res, err := gate.Check(context.Background(), now, events, "user1")
	if err != nil {
		t.Fatalf("expected pass at exact boundary, got %v", err)
	}
	if res.TauHours > cfg.TideWindowHours+1e-9 {
		t.Fatalf("tau %.4f should not exceed window hours %.4f", res.TauHours, cfg.TideWindowHours)
	}
}

func TestOutsideTideWindowBlocked(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	gate := New(cfg, store)

	center := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	events := []model.TideEvent{{Type: model.TideHigh, CenterTS: center}}
	now := center.Add(time.Duration(cfg.TideWindowHours*float64(time.Hour)) + time.Minute)

	_, err := gate.Check(context.Background(), now, events, "user1")
	var gb *model.GateBlocked
	if !errors.As(err, &gb) || gb.Reason != model.ReasonOutOfTideWindow {
		t.Fatalf("expected OUT_OF_TIDE_WINDOW, got %v", err)
	}
}

func TestBumpCountersThenQuotaReached(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	gate := New(cfg, store)

	center := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	events := []model.TideEvent{{Type: model.TideHigh, CenterTS: center}}
	now := center.Add(15 * time.Minute)

	res, err := gate.Check(context.Background(), now, events, "user1")
	if err != nil {
		t.Fatalf("first check should pass: %v", err)
	}
	if err := gate.BumpCountersAfterExecute(context.Background(), now, res.WindowID, "user1"); err != nil {
		t.Fatalf("bump 1: %v", err)
	}
	if err := gate.BumpCountersAfterExecute(context.Background(), now, res.WindowID, "user1"); err != nil {
		t.Fatalf("bump 2: %v", err)
	}

	_, err = gate.Check(context.Background(), now, events, "user1")
	var gb *model.GateBlocked
	if !errors.As(err, &gb) || gb.Reason != model.ReasonMaxOrdersPerTW {
		t.Fatalf("expected quota reached after two bumps, got %v", err)
	}
}
