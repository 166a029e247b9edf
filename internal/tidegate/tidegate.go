// Package tidegate implements the Tide Gate (T): window membership,
// late-band filtering and day/window order quotas keyed off a nearest
// astronomical tide center. It is grounded directly on the original
// core/tide_gate.py: the tau/window-half-width math, the windowId
// format, and the DAY/TW counter keys are ported unchanged in meaning.
package tidegate

import (
	"context"
	"fmt"
	"math"
	"time"

	"tidepredator/internal/model"
	"tidepredator/internal/storage"
)

// Config mirrors the original TideGateConfig dataclass.
type Config struct {
	TideWindowHours  float64
	EntryLateOnly    bool
	EntryLateFromHrs float64
	EntryLateToHrs   float64
	MaxOrdersPerDay  int
	MaxOrdersPerTW   int
	CounterScope     string // per_user | global
	LocalZone        *time.Location
}

// Gate evaluates tide-window membership and quota against a counter store.
type Gate struct {
	cfg   Config
	store storage.CounterStore
}

// New builds a Gate over the given counter store.
func New(cfg Config, store storage.CounterStore) *Gate {
	if cfg.LocalZone == nil {
		cfg.LocalZone = time.UTC
	}
	return &Gate{cfg: cfg, store: store}
}

func localDateKey(t time.Time, zone *time.Location) string {
	return t.In(zone).Format("2006-01-02")
}

// WindowID formats the tide-window identifier shared by the Tide Gate's
// own counters, the Decision Pipeline's spacing/second-entry windowKey,
// and every downstream bookkeeping call — all three must agree on one
// format or the per-window quota and the second-entry retrace check
// silently stop referring to the same window.
func WindowID(center time.Time, zone *time.Location, tideType model.TideType) string {
	return fmt.Sprintf("%sT%s-%s", center.In(zone).Format("20060102"), center.In(zone).Format("1504"), tideType)
}

func dayCounterKey(scope, dateKey string) string {
	return fmt.Sprintf("DAY:%s:%s", scope, dateKey)
}

func twCounterKey(scope, windowID string) string {
	return fmt.Sprintf("TW:%s:%s", scope, windowID)
}

func (g *Gate) scope(userID string) string {
	if g.cfg.CounterScope == "global" {
		return "GLOBAL"
	}
	return userID
}

// NearestEvent picks the tide event whose center is closest to now.
func NearestEvent(now time.Time, events []model.TideEvent) (model.TideEvent, bool) {
	if len(events) == 0 {
		return model.TideEvent{}, false
	}
	best := events[0]
	bestDelta := math.Abs(now.Sub(best.CenterTS).Hours())
	for _, e := range events[1:] {
		d := math.Abs(now.Sub(e.CenterTS).Hours())
		if d < bestDelta {
			best, bestDelta = e, d
		}
	}
	return best, true
}

// Check runs the full tide-gate evaluation for now against the
// nearest of events, scoped to userID (or "GLOBAL" under global scope).
func (g *Gate) Check(ctx context.Context, now time.Time, events []model.TideEvent, userID string) (model.TideWindowResult, error) {
	event, ok := NearestEvent(now, events)
	if !ok {
		return model.TideWindowResult{}, &model.GateBlocked{Reason: model.ReasonNoTideData, Detail: "no tide events for date"}
	}

	tau := math.Abs(now.Sub(event.CenterTS).Hours())
	if tau > g.cfg.TideWindowHours {
		return model.TideWindowResult{}, &model.GateBlocked{
			Reason: model.ReasonOutOfTideWindow,
			Detail: fmt.Sprintf("%s tau=%.2fh > %.2fh", event.Type, tau, g.cfg.TideWindowHours),
		}
	}

	inLate := g.cfg.EntryLateFromHrs <= tau && tau <= g.cfg.EntryLateToHrs
	if g.cfg.EntryLateOnly && !inLate {
		return model.TideWindowResult{}, &model.GateBlocked{
			Reason: model.ReasonOutOfLateBand,
			Detail: fmt.Sprintf("tau=%.2fh not in [%.2f,%.2f]", tau, g.cfg.EntryLateFromHrs, g.cfg.EntryLateToHrs),
		}
	}

	wid := WindowID(event.CenterTS, g.cfg.LocalZone, event.Type)
	dateKey := localDateKey(now, g.cfg.LocalZone)
	scope := g.scope(userID)

	usedDay, err := g.store.Get(ctx, dayCounterKey(scope, dateKey))
	if err != nil {
		return model.TideWindowResult{}, fmt.Errorf("tidegate: read day counter: %w", err)
	}
	if usedDay >= int64(g.cfg.MaxOrdersPerDay) {
		return model.TideWindowResult{}, &model.GateBlocked{
			Reason: model.ReasonMaxOrdersPerDay,
			Detail: fmt.Sprintf("%d/%d", usedDay, g.cfg.MaxOrdersPerDay),
		}
	}

	usedTW, err := g.store.Get(ctx, twCounterKey(scope, wid))
	if err != nil {
		return model.TideWindowResult{}, fmt.Errorf("tidegate: read window counter: %w", err)
	}
	if usedTW >= int64(g.cfg.MaxOrdersPerTW) {
		return model.TideWindowResult{}, &model.GateBlocked{
			Reason: model.ReasonMaxOrdersPerTW,
			Detail: fmt.Sprintf("%d/%d", usedTW, g.cfg.MaxOrdersPerTW),
		}
	}

	return model.TideWindowResult{
		WindowID: wid,
		TauHours: tau,
		InLate:   inLate,
		UsedDay:  usedDay,
		UsedTW:   usedTW,
	}, nil
}

// BumpCountersAfterExecute increments TW then DAY, matching the
// original's bump_counters_after_execute ordering. Called only after
// the Execute Hub reports at least one opened account.
func (g *Gate) BumpCountersAfterExecute(ctx context.Context, now time.Time, windowID, userID string) error {
	scope := g.scope(userID)
	if _, err := g.store.Incr(ctx, twCounterKey(scope, windowID), 1); err != nil {
		return fmt.Errorf("tidegate: bump tw counter: %w", err)
	}
	dateKey := localDateKey(now, g.cfg.LocalZone)
	if _, err := g.store.Incr(ctx, dayCounterKey(scope, dateKey), 1); err != nil {
		return fmt.Errorf("tidegate: bump day counter: %w", err)
	}
	return nil
}
