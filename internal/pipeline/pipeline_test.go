package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"tidepredator/internal/config"
	"tidepredator/internal/model"
	"tidepredator/internal/tidegate"
)

type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (m *memStore) PutJSON(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[key] = b
	return nil
}

func (m *memStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	b, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dest)
}

func (m *memStore) SetString(ctx context.Context, key, value string) error {
	m.data[key] = []byte(value)
	return nil
}

func (m *memStore) GetString(ctx context.Context, key string) (string, bool, error) {
	b, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	return string(b), true, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func baseCfg() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{M5MaxDelaySec: 20, M30SlotGraceSec: 60},
		Tide:      config.TideConfig{LocalZone: "UTC"},
		FlipGuard: config.FlipGuardConfig{Enabled: true, StableMinSec: 1800, NeedConsecN: 2, EnforceM5MatchM30: false},
		Spacing:   config.SpacingConfig{MinGapMin: 10, GapScopedToWindow: true, AllowSecondEntry: true, SecondEntryMinRetracePct: 0.3},
		Scoring:   config.ScoringConfig{},
	}
}

func TestM5SlotDedupSkipsRepeatedTick(t *testing.T) {
	p := New(nil, nil, nil, nil, newMemStore(), baseCfg())
	now := time.Date(2026, 1, 1, 12, 0, 5, 0, time.UTC)

	state := &model.UserState{}
	if err := p.saveState(context.Background(), "u1", state); err != nil {
		t.Fatalf("save: %v", err)
	}
	state.LastM5Slot = M5Slot(now)
	if err := p.saveState(context.Background(), "u1", state); err != nil {
		t.Fatalf("save: %v", err)
	}

	settings := model.UserSettings{UserID: "u1", Mode: model.ModeAuto, Pair: "BTCUSDT"}
	_, skip, err := p.Evaluate(context.Background(), settings, now, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if skip == nil || skip.Tag != model.SkipNotM5Close {
		t.Fatalf("expected not_m5_close skip on repeated slot, got %v", skip)
	}
}

func TestFlipGuardBlocksUntilStableWindow(t *testing.T) {
	p := New(nil, nil, nil, nil, newMemStore(), baseCfg())
	center := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := center.Add(5 * time.Minute) // post-center, not yet stable

	skip := p.checkFlipGuard("u1", model.SideLong, now, center)
	if skip == nil || skip.Tag != model.SkipM30NeedStableSec {
		t.Fatalf("expected m30_need_stable_sec skip right after center, got %v", skip)
	}
}

func TestFlipGuardPassesAfterStableWindow(t *testing.T) {
	p := New(nil, nil, nil, nil, newMemStore(), baseCfg())
	center := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// First observation seeds the state pre-center.
	skip := p.checkFlipGuard("u1", model.SideLong, center.Add(-10*time.Minute), center)
	if skip != nil {
		t.Fatalf("pre-center should never block, got %v", skip)
	}
	// Still long, well past center and past the stability window.
	now := center.Add(40 * time.Minute)
	skip = p.checkFlipGuard("u1", model.SideLong, now, center)
	if skip != nil {
		t.Fatalf("expected flip-guard to pass once stable, got %v", skip)
	}
}

func TestSecondEntryRetraceBoundary(t *testing.T) {
	cfg := baseCfg()
	p := New(nil, nil, nil, nil, newMemStore(), cfg)

	center := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	windowKey := "20260101T1200-HIGH"
	now := center.Add(20 * time.Minute)

	state := &model.UserState{
		LastEntry: &model.LastEntryMeta{WindowKey: windowKey, Price: 30000, Side: model.SideLong, At: center.Add(-5 * time.Minute)},
	}

	// 0.167% retrace: below the 0.3% minimum, should be blocked.
	candlesShallow := []model.Candle{{Close: 30000 * 1.00167}}
	skip := p.checkSpacingAndSecondEntry(state, model.SideLong, now, model.TideHigh, center, candlesShallow)
	if skip == nil || skip.Tag != model.SkipSecondEntryNeedRetrace {
		t.Fatalf("expected second_entry_need_retrace for shallow retrace, got %v", skip)
	}

	// 0.4% retrace: above the 0.3% minimum, should pass.
	candlesDeep := []model.Candle{{Close: 30000 * 1.004}}
	skip = p.checkSpacingAndSecondEntry(state, model.SideLong, now, model.TideHigh, center, candlesDeep)
	if skip != nil {
		t.Fatalf("expected deep retrace to pass second-entry check, got %v", skip)
	}
}

func TestSpacingGapGuardBlocksTooSoonSameWindow(t *testing.T) {
	cfg := baseCfg()
	p := New(nil, nil, nil, nil, newMemStore(), cfg)

	center := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	windowKey := "20260101T1200-HIGH"
	state := &model.UserState{
		LastEntry: &model.LastEntryMeta{WindowKey: windowKey, Price: 30000, Side: model.SideLong, At: center},
	}
	now := center.Add(3 * time.Minute) // well under MinGapMin=10

	skip := p.checkSpacingAndSecondEntry(state, model.SideLong, now, model.TideHigh, center, nil)
	if skip == nil || skip.Tag != model.SkipM5GapGuard {
		t.Fatalf("expected m5_gap_guard, got %v", skip)
	}
}

func TestSecondEntryDisabledSkipsOutright(t *testing.T) {
	cfg := baseCfg()
	cfg.Spacing.AllowSecondEntry = false
	p := New(nil, nil, nil, nil, newMemStore(), cfg)

	center := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	windowKey := "20260101T1200-HIGH"
	state := &model.UserState{
		LastEntry: &model.LastEntryMeta{WindowKey: windowKey, Price: 30000, Side: model.SideLong, At: center.Add(-15 * time.Minute)},
	}
	now := center.Add(20 * time.Minute)

	skip := p.checkSpacingAndSecondEntry(state, model.SideLong, now, model.TideHigh, center, nil)
	if skip == nil || skip.Tag != model.SkipSecondEntryDisabled {
		t.Fatalf("expected second_entry_disabled, got %v", skip)
	}
}

func TestAutoOffSkipsBeforeAnyDataFetch(t *testing.T) {
	p := New(nil, nil, nil, nil, newMemStore(), baseCfg())
	settings := model.UserSettings{UserID: "u1", Mode: model.ModeManual, AutoEnabled: false, Pair: "BTCUSDT"}
	now := time.Date(2026, 1, 1, 12, 0, 5, 0, time.UTC)

	_, skip, err := p.Evaluate(context.Background(), settings, now, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if skip == nil || skip.Tag != model.SkipAutoOff {
		t.Fatalf("expected auto_off skip, got %v", skip)
	}
}

func TestNearestEventUsedForWindowKeyFormat(t *testing.T) {
	center := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	events := []model.TideEvent{{Type: model.TideHigh, CenterTS: center}}
	got, ok := tidegate.NearestEvent(center.Add(10*time.Minute), events)
	if !ok || got.Type != model.TideHigh {
		t.Fatalf("expected to resolve nearest HIGH tide event")
	}
	if id := tidegate.WindowID(got.CenterTS, time.UTC, got.Type); id != "20260101T1200-HIGH" {
		t.Fatalf("expected window key 20260101T1200-HIGH, got %s", id)
	}
}
