package sentinel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"tidepredator/internal/model"
)

type fakeRecordStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{values: map[string][]byte{}}
}

func (f *fakeRecordStore) PutJSON(ctx context.Context, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.values[key] = b
	return nil
}

func (f *fakeRecordStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dest)
}

func (f *fakeRecordStore) SetString(ctx context.Context, key, value string) error {
	return f.PutJSON(ctx, key, value)
}

func (f *fakeRecordStore) GetString(ctx context.Context, key string) (string, bool, error) {
	var v string
	ok, err := f.GetJSON(ctx, key, &v)
	return v, ok, err
}

func (f *fakeRecordStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return nil
}

func TestSentinelLocksAfterTwoDistinctWindowSLs(t *testing.T) {
	store := newFakeRecordStore()
	s := New(store)
	ctx := context.Background()

	day, err := s.RecordClose(ctx, "u1", "2025-01-01", "w1", model.CloseSL, true)
	if err != nil {
		t.Fatalf("first close: %v", err)
	}
	if day.Locked {
		t.Fatalf("should not be locked after a single SL")
	}

	day, err = s.RecordClose(ctx, "u1", "2025-01-01", "w2", model.CloseSL, true)
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !day.Locked {
		t.Fatalf("expected lock after two SLs in distinct windows")
	}

	locked, err := s.IsLocked(ctx, "u1", "2025-01-01")
	if err != nil || !locked {
		t.Fatalf("IsLocked should report true, got %v err=%v", locked, err)
	}
}

func TestSentinelSameWindowDoesNotStreak(t *testing.T) {
	store := newFakeRecordStore()
	s := New(store)
	ctx := context.Background()

	s.RecordClose(ctx, "u1", "2025-01-01", "w1", model.CloseSL, true)
	day, _ := s.RecordClose(ctx, "u1", "2025-01-01", "w1", model.CloseSL, true)
	if day.Locked {
		t.Fatalf("two SLs in the SAME window must not lock")
	}
	if day.SLStreak != 1 {
		t.Fatalf("same-window SL should reset streak to 1, got %d", day.SLStreak)
	}
}

func TestSentinelTPResetsStreak(t *testing.T) {
	store := newFakeRecordStore()
	s := New(store)
	ctx := context.Background()

	s.RecordClose(ctx, "u1", "2025-01-01", "w1", model.CloseSL, true)
	day, _ := s.RecordClose(ctx, "u1", "2025-01-01", "w2", model.CloseTP, true)
	if day.SLStreak != 0 {
		t.Fatalf("TP close should reset streak, got %d", day.SLStreak)
	}
}
