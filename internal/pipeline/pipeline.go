// Package pipeline implements the Decision Pipeline (A): the per-user,
// per-5-minute-close evaluation that chains the Risk Sentinel lock
// check, the Scorer, the M30 flip-guard, the M5 gate and the
// spacing/second-entry rule into either a skip reason or a GateBundle
// for the Tide Gate and Execute Hub. It is the orchestration layer the
// teacher's main.go Analyzer/PredatorEngine loops modeled loosely;
// here the nine numbered steps of the spec are explicit and testable
// in isolation from any network call.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"tidepredator/internal/config"
	"tidepredator/internal/indicators"
	"tidepredator/internal/marketdata"
	"tidepredator/internal/model"
	"tidepredator/internal/scoring"
	"tidepredator/internal/sentinel"
	"tidepredator/internal/storage"
	"tidepredator/internal/tidegate"
	"tidepredator/internal/tidemoon"
)

func userStateKey(userID string) string { return fmt.Sprintf("userstate:%s", userID) }

// m30FlipState is the EngineState's per-user flip-guard bookkeeping
// (spec §9: "wrap global mutable maps in a single EngineState owner").
// It is volatile, in-memory, process-lifetime state — losing it across
// a restart only costs one extra flip-guard wait, never an invariant.
type m30FlipState struct {
	side       model.Side
	since      time.Time
	consecRuns int
}

// Pipeline wires together the Scorer, Tide Gate and user-state store
// to evaluate one user per scheduler tick.
type Pipeline struct {
	Market       *marketdata.Adapter
	TideProvider tidemoon.Provider
	Gate         *tidegate.Gate
	Sentinel     *sentinel.Sentinel
	Store        storage.RecordStore
	Cfg          *config.Config

	mu         sync.Mutex
	flipStates map[string]m30FlipState
}

// New builds a Pipeline from its collaborators.
func New(market *marketdata.Adapter, tideProvider tidemoon.Provider, gate *tidegate.Gate, s *sentinel.Sentinel, store storage.RecordStore, cfg *config.Config) *Pipeline {
	return &Pipeline{
		Market: market, TideProvider: tideProvider, Gate: gate, Sentinel: s, Store: store, Cfg: cfg,
		flipStates: map[string]m30FlipState{},
	}
}

func (p *Pipeline) loadState(ctx context.Context, userID string) (*model.UserState, error) {
	var state model.UserState
	ok, err := p.Store.GetJSON(ctx, userStateKey(userID), &state)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load user state: %w", err)
	}
	if !ok {
		state = model.UserState{TideWindowTrades: map[string]int{}}
	}
	if state.TideWindowTrades == nil {
		state.TideWindowTrades = map[string]int{}
	}
	return &state, nil
}

func (p *Pipeline) saveState(ctx context.Context, userID string, state *model.UserState) error {
	return p.Store.PutJSON(ctx, userStateKey(userID), state)
}

// M5Slot computes floor(epochSeconds/300), the spec's "M5 slot".
func M5Slot(now time.Time) int64 {
	return now.Unix() / 300
}

// M5DelaySec computes how many seconds past the 5-minute boundary now is.
func M5DelaySec(now time.Time) int64 {
	return now.Unix() - M5Slot(now)*300
}

// Evaluate runs the full nine-step decision for one user at `now`,
// returning either a GateBundle for downstream T/B/C, or a
// DecisionSkip with a stable tag.
func (p *Pipeline) Evaluate(ctx context.Context, settings model.UserSettings, now time.Time, events []model.TideEvent) (*model.GateBundle, *model.DecisionSkip, error) {
	state, err := p.loadState(ctx, settings.UserID)
	if err != nil {
		return nil, nil, err
	}

	// Step 1: mode / auto-enabled.
	if settings.Mode != model.ModeAuto && !settings.AutoEnabled {
		return nil, &model.DecisionSkip{Tag: model.SkipAutoOff}, nil
	}

	// Step 2: Risk Sentinel lock.
	dateKey := now.In(p.localZone()).Format("2006-01-02")
	if p.Sentinel != nil {
		locked, err := p.Sentinel.IsLocked(ctx, settings.UserID, dateKey)
		if err != nil {
			return nil, nil, err
		}
		if locked {
			return nil, &model.DecisionSkip{Tag: model.SkipLockedToday}, nil
		}
	}

	// Step 3: M5 close window + de-dup. MUST be set before any long
	// awaitable below, to prevent re-entry on overlapping ticks.
	slot := M5Slot(now)
	delay := M5DelaySec(now)
	if delay < 0 || delay > int64(p.Cfg.Scheduler.M5MaxDelaySec) {
		return nil, &model.DecisionSkip{Tag: model.SkipNotM5Close, Detail: fmt.Sprintf("delay=%ds", delay)}, nil
	}
	if state.LastM5Slot == slot {
		return nil, &model.DecisionSkip{Tag: model.SkipNotM5Close, Detail: "slot already processed"}, nil
	}
	state.LastM5Slot = slot
	if err := p.saveState(ctx, settings.UserID, state); err != nil {
		return nil, nil, err
	}

	// Step 4: run Scorer.
	eval, skip, err := p.runScorer(ctx, settings)
	if err != nil {
		return nil, nil, err
	}
	if skip != nil {
		return nil, skip, nil
	}

	// Step 5: nearest tide center, tau, late-band (display only here;
	// blocking belongs to the Tide Gate).
	center, ok := tidegate.NearestEvent(now, events)
	if !ok {
		return nil, &model.DecisionSkip{Tag: model.SkipBadReport, Detail: "no tide events"}, nil
	}
	tau := math.Abs(now.Sub(center.CenterTS).Hours())

	// Step 6: M30 flip-guard.
	if skip := p.checkFlipGuard(settings.UserID, eval.FrameM30.Side, now, center.CenterTS); skip != nil {
		return nil, skip, nil
	}

	// Step 7: enforce desired == side(M30).
	if p.Cfg.FlipGuard.EnforceM5MatchM30 && eval.Signal != eval.FrameM30.Side {
		return nil, &model.DecisionSkip{Tag: model.SkipDesiredVsM30Mismatch,
			Detail: fmt.Sprintf("desired=%s m30=%s", eval.Signal, eval.FrameM30.Side)}, nil
	}

	// Step 8: M5 gate final check (relaxed by default).
	m5Candles, err := p.Market.Klines(ctx, settings.Pair, "5m", 60)
	if err != nil {
		return nil, &model.DecisionSkip{Tag: model.SkipBadReport, Detail: err.Error()}, nil
	}
	if !scoring.M5Gate(m5Candles, eval.FrameM5, p.Cfg.M5Gate, p.Cfg.Scoring, false) {
		return nil, &model.DecisionSkip{Tag: model.SkipM5GateFail}, nil
	}

	// Step 9: M5 spacing & second entry.
	if skip := p.checkSpacingAndSecondEntry(state, eval.Signal, now, center.Type, center.CenterTS, m5Candles); skip != nil {
		return nil, skip, nil
	}

	_ = tau // retained for the display-only EvalResult.Text consumer (C)

	// Final gate: window membership, late-band and day/TW quotas. This
	// is the Tide Gate (T) itself, run here so its WindowID becomes the
	// single source of truth for both BumpCountersAfterExecute and the
	// next tick's spacing/second-entry windowKey.
	twResult, err := p.Gate.Check(ctx, now, events, settings.UserID)
	if err != nil {
		if blocked, ok := err.(*model.GateBlocked); ok {
			return nil, gateSkipFromBlocked(blocked), nil
		}
		return nil, nil, err
	}

	return &model.GateBundle{
		UserID:   settings.UserID,
		Symbol:   settings.Pair,
		Side:     eval.Signal,
		Eval:     *eval,
		Now:      now,
		Slot:     slot,
		WindowID: twResult.WindowID,
	}, nil, nil
}

// gateSkipFromBlocked carries the Tide Gate's own reason through as the
// skip detail, tagged uniformly so callers can branch on b.Reason via
// the detail string if they need the specific GateReason.
func gateSkipFromBlocked(b *model.GateBlocked) *model.DecisionSkip {
	return &model.DecisionSkip{Tag: model.SkipTideGateBlocked, Detail: fmt.Sprintf("%s: %s", b.Reason, b.Detail)}
}

func (p *Pipeline) localZone() *time.Location {
	if p.Cfg.Tide.LocalZone != "" {
		if loc, err := time.LoadLocation(p.Cfg.Tide.LocalZone); err == nil {
			return loc
		}
	}
	return time.UTC
}

func (p *Pipeline) runScorer(ctx context.Context, settings model.UserSettings) (*model.EvalResult, *model.DecisionSkip, error) {
	h4Candles, err := p.Market.Klines(ctx, settings.Pair, "4h", 120)
	if err != nil {
		return nil, &model.DecisionSkip{Tag: model.SkipBadReport, Detail: err.Error()}, nil
	}
	m30Candles, err := p.Market.Klines(ctx, settings.Pair, "30m", 120)
	if err != nil {
		return nil, &model.DecisionSkip{Tag: model.SkipBadReport, Detail: err.Error()}, nil
	}
	m5Candles, err := p.Market.Klines(ctx, settings.Pair, "5m", 60)
	if err != nil {
		return nil, &model.DecisionSkip{Tag: model.SkipBadReport, Detail: err.Error()}, nil
	}

	h4 := scoring.ComputeFrame(h4Candles, p.Cfg.Scoring, scoring.H4Magnitude)
	m30 := scoring.ComputeFrame(m30Candles, p.Cfg.Scoring, scoring.M30Magnitude)
	m5 := scoring.ComputeFrame(m5Candles, p.Cfg.Scoring, scoring.M5Magnitude)

	moon := tidemoon.MoonPhase{}
	if p.TideProvider != nil {
		if m, err := p.TideProvider.MoonPhaseFor(ctx, time.Now()); err == nil {
			moon = m
		}
	}
	moonBonus := scoring.MoonBonus(moon)
	synergy := scoring.Synergy(h4, m30, p.Cfg.Scoring)

	desired, total, skip := scoring.Aggregate(h4, m30, moonBonus, synergy, p.Cfg.Scoring)
	if skip {
		return nil, &model.DecisionSkip{Tag: model.SkipNoSignal}, nil
	}

	if scoring.ExtremeBlocked(desired, h4, m30, p.Cfg.Scoring) {
		return nil, &model.DecisionSkip{Tag: model.SkipNoSignal, Detail: "extreme_block"}, nil
	}

	eval := &model.EvalResult{
		OK: true, Signal: desired, Confidence: int(math.Round(total)),
		FrameH4: h4, FrameM30: m30, FrameM5: m5,
		Text: fmt.Sprintf("signal=%s confidence=%.1f", desired, total),
	}
	return eval, nil, nil
}

func (p *Pipeline) checkFlipGuard(userID string, m30Side model.Side, now, center time.Time) *model.DecisionSkip {
	if !p.Cfg.FlipGuard.Enabled {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.flipStates[userID]
	if !ok || st.side != m30Side {
		st = m30FlipState{side: m30Side, since: now, consecRuns: 1}
		p.flipStates[userID] = st
	} else {
		st.consecRuns++
		p.flipStates[userID] = st
	}

	if now.Before(center) {
		return nil // pre-center: no stability requirement yet
	}

	stableFor := now.Sub(st.since).Seconds()
	if stableFor < float64(p.Cfg.FlipGuard.StableMinSec) {
		return &model.DecisionSkip{
			Tag:    model.SkipM30NeedStableSec,
			Detail: fmt.Sprintf("%.0f/%ds", stableFor, p.Cfg.FlipGuard.StableMinSec),
		}
	}
	if p.Cfg.FlipGuard.NeedConsecN > 0 && st.consecRuns < p.Cfg.FlipGuard.NeedConsecN {
		return &model.DecisionSkip{
			Tag:    model.SkipM30NeedConsecN,
			Detail: fmt.Sprintf("%d/%d", st.consecRuns, p.Cfg.FlipGuard.NeedConsecN),
		}
	}
	return nil
}

func (p *Pipeline) checkSpacingAndSecondEntry(state *model.UserState, side model.Side, now time.Time, tideType model.TideType, center time.Time, m5Candles []model.Candle) *model.DecisionSkip {
	if state.LastEntry == nil {
		return nil
	}

	windowKey := tidegate.WindowID(center, p.localZone(), tideType)
	elapsedMin := now.Sub(state.LastEntry.At).Minutes()

	scoped := !p.Cfg.Spacing.GapScopedToWindow || state.LastEntry.WindowKey == windowKey
	if scoped && elapsedMin < float64(p.Cfg.Spacing.MinGapMin) {
		return &model.DecisionSkip{Tag: model.SkipM5GapGuard, Detail: fmt.Sprintf("%.1f/%dmin", elapsedMin, p.Cfg.Spacing.MinGapMin)}
	}

	if state.LastEntry.WindowKey != windowKey {
		return nil // different window: not a "second entry" in this window
	}

	if !p.Cfg.Spacing.AllowSecondEntry {
		return &model.DecisionSkip{Tag: model.SkipSecondEntryDisabled}
	}

	if len(m5Candles) == 0 {
		return &model.DecisionSkip{Tag: model.SkipSecondEntryNeedRetrace, Detail: "no m5 data"}
	}
	closes := indicators.Closes(m5Candles)
	currentClose := closes[len(closes)-1]
	retracePct := math.Abs(currentClose-state.LastEntry.Price) / state.LastEntry.Price * 100

	if retracePct < p.Cfg.Spacing.SecondEntryMinRetracePct {
		return &model.DecisionSkip{
			Tag:    model.SkipSecondEntryNeedRetrace,
			Detail: fmt.Sprintf("%.3f%%/%.3f%%", retracePct, p.Cfg.Spacing.SecondEntryMinRetracePct),
		}
	}

	_ = side
	return nil
}

// RecordEntry updates UserState.LastEntry after a successful B, for
// the next tick's spacing/second-entry checks.
func (p *Pipeline) RecordEntry(ctx context.Context, userID string, windowKey string, side model.Side, price float64, at time.Time) error {
	state, err := p.loadState(ctx, userID)
	if err != nil {
		return err
	}
	state.LastEntry = &model.LastEntryMeta{WindowKey: windowKey, Price: price, Side: side, At: at}
	return p.saveState(ctx, userID, state)
}
