// Package scoring is the multi-timeframe Scorer: it turns H4/M30/M5
// candle series into a directional EvalResult via the RSI/Stochastic
// zone-and-cross rules, moon bonus, synergy and extreme guard
// documented in strategy/signal_generator.py and strategy/indicators.py,
// generalizing the teacher's trend_analyzer.go EMA-cross trend call
// into the full dual-cross/dual-align scoring the spec requires.
package scoring

import (
	"time"

	"tidepredator/internal/config"
	"tidepredator/internal/indicators"
	"tidepredator/internal/model"
	"tidepredator/internal/tidemoon"
)

// TFMagnitude scales a timeframe's base points, matching the spec's
// "H4 and M30 use different magnitudes" rule.
type TFMagnitude struct {
	zoneBase       float64
	transitionBase float64
}

// H4Magnitude, M30Magnitude and M5Magnitude are the per-timeframe
// scaling presets ComputeFrame expects.
var (
	H4Magnitude  = TFMagnitude{zoneBase: 2.0, transitionBase: 1.5}
	M30Magnitude = TFMagnitude{zoneBase: 1.2, transitionBase: 1.0}
	M5Magnitude  = TFMagnitude{zoneBase: 1.0, transitionBase: 0.8}
)

// sonicTrend classifies EMA34 vs EMA89 plus close position.
type sonicTrend string

const (
	sonicUp   sonicTrend = "up"
	sonicDown sonicTrend = "down"
	sonicSide sonicTrend = "side"
)

func computeSonic(closes []float64) sonicTrend {
	ema34 := indicators.EMA(closes, 34)
	ema89 := indicators.EMA(closes, 89)
	if ema34 == 0 || ema89 == 0 {
		return sonicSide
	}
	close := closes[len(closes)-1]
	switch {
	case ema34 > ema89 && close > ema34:
		return sonicUp
	case ema34 < ema89 && close < ema34:
		return sonicDown
	default:
		return sonicSide
	}
}

// zoneRank maps Z1..Z5 to 1..5 for transition comparisons.
func zoneRank(z model.Zone) int {
	switch z {
	case model.Z1:
		return 1
	case model.Z2:
		return 2
	case model.Z3:
		return 3
	case model.Z4:
		return 4
	case model.Z5:
		return 5
	default:
		return 0
	}
}

// rsiGapSeries evaluates rsiGap (RSI − EMA(RSI)) at each of the last
// n+1 closed bars, oldest first, by re-running the indicators over a
// progressively shorter close series — the same truncate-and-recompute
// approach the single-bar rsiPrev/emaRSIPrev comparison used before it
// was generalized to an N-bar lookback.
func rsiGapSeries(closes []float64, n int) []float64 {
	out := make([]float64, 0, n+1)
	for back := n; back >= 0; back-- {
		upto := len(closes) - back
		if upto < 40 {
			continue
		}
		sub := closes[:upto]
		series := indicators.RSISeries(sub, 14)
		if series == nil {
			continue
		}
		rsi := series[len(series)-1]
		ema := indicators.EMAOfRSI(sub, 14, 12)
		out = append(out, rsi-ema)
	}
	return out
}

// stochGapSeries evaluates stochGap (%D − SlowD) at each of the last
// n+1 closed bars, oldest first.
func stochGapSeries(candles []model.Candle, n int) []float64 {
	out := make([]float64, 0, n+1)
	for back := n; back >= 0; back-- {
		upto := len(candles) - back
		if upto < 40 {
			continue
		}
		sub := candles[:upto]
		_, d := indicators.Stochastic(sub, 14, 3)
		slow := indicators.SlowD(sub, 14, 3)
		out = append(out, d-slow)
	}
	return out
}

// crossedUpWithin reports whether gaps (oldest first) crossed from
// non-positive to positive anywhere between two consecutive entries.
func crossedUpWithin(gaps []float64) bool {
	for i := 1; i < len(gaps); i++ {
		if gaps[i-1] <= 0 && gaps[i] > 0 {
			return true
		}
	}
	return false
}

// crossedDownWithin is crossedUpWithin's mirror for the downward cross.
func crossedDownWithin(gaps []float64) bool {
	for i := 1; i < len(gaps); i++ {
		if gaps[i-1] >= 0 && gaps[i] < 0 {
			return true
		}
	}
	return false
}

// ComputeFrame computes a single-timeframe ScoringFrame from closed
// candles, using mag to scale H4 vs M30 vs M5 base points.
func ComputeFrame(candles []model.Candle, cfg config.ScoringConfig, mag TFMagnitude) model.ScoringFrame {
	closes := indicators.Closes(candles)
	rsiSeries := indicators.RSISeries(closes, 14)
	if rsiSeries == nil || len(candles) < 40 {
		return model.ScoringFrame{Side: model.SideNone, DebugBag: map[string]any{"reason": "insufficient_data"}}
	}

	rsi := rsiSeries[len(rsiSeries)-1]
	rsiPrev := rsiSeries[len(rsiSeries)-2]
	emaRSI := indicators.EMAOfRSI(closes, 14, 12)

	_, stochD := indicators.Stochastic(candles, 14, 3)
	_, stochDPrev := indicators.Stochastic(candles[:len(candles)-1], 14, 3)
	slowD := indicators.SlowD(candles, 14, 3)

	zoneRSI := indicators.Zone(rsi)
	zoneRSIPrev := indicators.Zone(rsiPrev)
	zoneStoch := indicators.StochZone(stochD)
	zoneStochPrev := indicators.StochZone(stochDPrev)

	rsiGap := rsi - emaRSI
	stochGap := stochD - slowD

	// Dual-cross override looks back CROSS_RECENT_N bars, not just the
	// immediately-previous one: "both crossed in the same direction
	// within CROSS_RECENT_N bars" (spec's recent-cross rule).
	crossWindow := cfg.CrossRecentN
	if crossWindow < 1 {
		crossWindow = 1
	}
	rsiCrossGaps := rsiGapSeries(closes, crossWindow)
	stochCrossGaps := stochGapSeries(candles, crossWindow)
	rsiCrossUp := crossedUpWithin(rsiCrossGaps)
	rsiCrossDown := crossedDownWithin(rsiCrossGaps)
	stochCrossUp := crossedUpWithin(stochCrossGaps)
	stochCrossDown := crossedDownWithin(stochCrossGaps)

	// Stochastic position & cross also recognizes a recent cross (within
	// STCH_RECENT_N bars) as an alternative to the instantaneous slope
	// condition, per the spec's "recent cross in N bars" tunable.
	stochWindow := cfg.StochRecentN
	if stochWindow < 1 {
		stochWindow = 1
	}
	stochRecentGaps := stochGapSeries(candles, stochWindow)
	stochRecentCrossUp := crossedUpWithin(stochRecentGaps)
	stochRecentCrossDown := crossedDownWithin(stochRecentGaps)

	frame := model.ScoringFrame{
		ZoneRSI:   zoneRSI,
		ZoneStoch: zoneStoch,
		MoveRSI:   rsi - rsiPrev,
		MoveStoch: stochD - stochDPrev,
		DebugBag:  map[string]any{"rsi": rsi, "stochD": stochD, "slowD": slowD},
	}

	side := model.SideNone
	score := 0.0

	// RSI position & movement.
	if rsiGap >= cfg.RSIGapMin {
		score += mag.zoneBase * zoneWeight(zoneRSI, model.SideLong)
	} else if rsiGap <= -cfg.RSIGapMin {
		score -= mag.zoneBase * zoneWeight(zoneRSI, model.SideShort)
	} else if zoneRSI == model.Z3 {
		score -= 1 // Z3 barrier: unclear alignment
	}

	// Stochastic position & cross.
	if stochGap >= cfg.StochGapMin && (frame.MoveStoch >= cfg.StochSlopeMin || stochRecentCrossUp) {
		score += mag.zoneBase * zoneWeight(zoneStoch, model.SideLong)
	} else if stochGap <= -cfg.StochGapMin && (frame.MoveStoch <= -cfg.StochSlopeMin || stochRecentCrossDown) {
		score -= mag.zoneBase * zoneWeight(zoneStoch, model.SideShort)
	}

	// Dual-cross override.
	if rsiCrossUp && stochCrossUp {
		side = model.SideLong
		score += cfg.TFCrossBonus
		frame.CrossRSI, frame.CrossStoch = true, true
	} else if rsiCrossDown && stochCrossDown {
		side = model.SideShort
		score -= cfg.TFCrossBonus
		frame.CrossRSI, frame.CrossStoch = true, true
	}

	// Dual-align override.
	dualAlignLong := rsiGap >= cfg.RSIGapMin && stochGap >= cfg.StochGapMin
	dualAlignShort := rsiGap <= -cfg.RSIGapMin && stochGap <= -cfg.StochGapMin
	if side == model.SideNone {
		if dualAlignLong {
			side = model.SideLong
			score += cfg.TFAlignBonus
			frame.Align = true
		} else if dualAlignShort {
			side = model.SideShort
			score -= cfg.TFAlignBonus
			frame.Align = true
		}
	}

	// Zone-transition bonuses (RSI and Stoch).
	score += transitionBonus(zoneRSIPrev, zoneRSI, mag.transitionBase)
	score += transitionBonus(zoneStochPrev, zoneStoch, mag.transitionBase)

	// Extreme penalty.
	if score > 0 && (zoneRSI == model.Z5 || zoneStoch == model.Z5) {
		score -= cfg.ExtremePenalty
	}
	if score < 0 && (zoneRSI == model.Z1 || zoneStoch == model.Z1) {
		score += cfg.ExtremePenalty
	}

	// Sonic weight.
	sonic := computeSonic(closes)
	if cfg.SonicMode != "off" {
		sonicSideMatch := (sonic == sonicUp && score > 0) || (sonic == sonicDown && score < 0)
		if sonicSideMatch {
			if score > 0 {
				score += cfg.SonicWeight
			} else {
				score -= cfg.SonicWeight
			}
		} else if cfg.SonicMode == "veto" && sonic != sonicSide {
			score = 0
		}
	}

	if side == model.SideNone {
		switch {
		case score > 0:
			side = model.SideLong
		case score < 0:
			side = model.SideShort
		}
	}

	frame.Side = side
	frame.Score = score
	frame.Slope = frame.MoveRSI
	return frame
}

// zoneWeight gives more points the closer a zone is to the edge in the
// signal's favor (e.g. Z2 on LONG is a stronger "safe retrace zone"
// than Z4), mirroring the original's zone-specific base points.
func zoneWeight(z model.Zone, side model.Side) float64 {
	rank := zoneRank(z)
	if side == model.SideLong {
		// Z1/Z2 favor long entries (oversold / just leaving oversold).
		switch rank {
		case 1:
			return 1.5
		case 2:
			return 2.0
		case 3:
			return 0.5
		default:
			return 0.2
		}
	}
	// SideShort favors Z4/Z5.
	switch rank {
	case 5:
		return 1.5
	case 4:
		return 2.0
	case 3:
		return 0.5
	default:
		return 0.2
	}
}

// transitionBonus scores safe-retrace, pivot-break and thrust-extreme
// zone transitions as documented in signal_generator.py's header.
func transitionBonus(prev, cur model.Zone, base float64) float64 {
	pr, cr := zoneRank(prev), zoneRank(cur)
	switch {
	case pr == 1 && cr == 2: // safe retrace LONG
		return base
	case pr == 5 && cr == 4: // safe retrace SHORT
		return -base
	case pr == 3 && cr == 4: // pivot break LONG
		return base * 0.75
	case pr == 3 && cr == 2: // pivot break SHORT
		return -base * 0.75
	case pr == 4 && cr == 5: // thrust extreme LONG
		return base * 0.5
	case pr == 2 && cr == 1: // thrust extreme SHORT
		return -base * 0.5
	default:
		return 0
	}
}

// MoonBonus converts a tidemoon.MoonPhase into the spec's [0,1.5]
// unsigned bonus; Aggregate adds it to the total as is, and it never
// sets direction.
func MoonBonus(phase tidemoon.MoonPhase) float64 {
	switch phase.Preset {
	case "P3":
		return 1.5
	case "P2", "P4":
		return 1.0
	default:
		return 0.3
	}
}

// Synergy adds a small bonus when H4 and M30 sides agree, representing
// the documented "synergy" term in the aggregation total.
func Synergy(h4, m30 model.ScoringFrame, cfg config.ScoringConfig) float64 {
	if !cfg.SynergyOn {
		return 0
	}
	if h4.Side != model.SideNone && h4.Side == m30.Side {
		return 1.0
	}
	return 0
}

// Aggregate applies the spec's four-step desired-side selection over
// H4/M30 frames plus moon bonus and synergy.
func Aggregate(h4, m30 model.ScoringFrame, moonBonus, synergy float64, cfg config.ScoringConfig) (desired model.Side, total float64, skip bool) {
	total = h4.Score + m30.Score + moonBonus + synergy

	// Step 1: H4 directional, M30 same or NONE.
	if h4.Side != model.SideNone && (m30.Side == h4.Side || m30.Side == model.SideNone) {
		return h4.Side, total, false
	}

	// Step 2: near-align.
	if cfg.HTFNearAlign {
		gap := h4.Score - m30.Score
		if gap < 0 {
			gap = -gap
		}
		mutuallyStrongOpposite := h4.Side != model.SideNone && m30.Side != model.SideNone && h4.Side != m30.Side &&
			abs(h4.Score) >= cfg.HTFMinAlignScore && abs(m30.Score) >= cfg.HTFMinAlignScore
		if total >= cfg.HTFMinAlignScore && gap <= cfg.HTFNearAlignGap && !mutuallyStrongOpposite {
			if abs(h4.Score) >= abs(m30.Score) {
				return h4.Side, total, false
			}
			return m30.Side, total, false
		}
	}

	// Step 3: M30 takeover.
	if m30.Side != model.SideNone && m30.Score >= cfg.M30TakeoverMin {
		return m30.Side, total, false
	}
	if m30.Side != model.SideNone && -m30.Score >= cfg.M30TakeoverMin {
		return m30.Side, total, false
	}

	// Step 4: no signal.
	return model.SideNone, total, true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// ExtremeBlocked applies the spec's extreme-block rule over H4/M30.
func ExtremeBlocked(signal model.Side, h4, m30 model.ScoringFrame, cfg config.ScoringConfig) bool {
	if !cfg.ExtremeBlockOn {
		return false
	}
	rsi := []float64{h4.DebugBag["rsi"].(float64), m30.DebugBag["rsi"].(float64)}
	stoch := []float64{h4.DebugBag["stochD"].(float64), m30.DebugBag["stochD"].(float64)}
	if signal == model.SideLong {
		for i := range rsi {
			if rsi[i] >= cfg.ExtremeRSIOB || stoch[i] >= cfg.ExtremeStochOB {
				return true
			}
		}
	}
	if signal == model.SideShort {
		for i := range rsi {
			if rsi[i] <= cfg.ExtremeRSIOS || stoch[i] <= cfg.ExtremeStochOS {
				return true
			}
		}
	}
	return false
}

// M5ClusterA checks the candle+volume+zone-extreme cluster over the
// last `lookback` closed M5 candles (M5_LOOKBACK_RELAX/STRICT), not
// just the single latest one, and reports the close time of the most
// recent bar that satisfied it so M5Gate's strict mode can measure the
// gap to cluster B's match time.
func M5ClusterA(candles []model.Candle, cfg config.M5GateConfig, relax bool) (bool, time.Time) {
	if len(candles) == 0 {
		return false, time.Time{}
	}
	lookback := cfg.LookbackStrict
	volMult := cfg.VolMultStrict
	if relax {
		lookback = cfg.LookbackRelax
		volMult = cfg.VolMultRelax
	}
	if lookback < 1 {
		lookback = 1
	}

	closes := indicators.Closes(candles)
	rsiSeries := indicators.RSISeries(closes, 14)
	volMA := indicators.VolumeMA(candles, 20)

	start := len(candles) - lookback
	if start < 0 {
		start = 0
	}
	for i := len(candles) - 1; i >= start; i-- {
		c := candles[i]
		upper, lower := indicators.WickRatios(c)
		wickOK := upper >= cfg.WickPct || lower >= cfg.WickPct
		volOK := volMA > 0 && c.Volume >= volMult*volMA
		zoneOK := false
		if rsiSeries != nil && i >= 14 {
			z := indicators.Zone(rsiSeries[i])
			zoneOK = z == model.Z1 || z == model.Z5
		}
		if wickOK && volOK && zoneOK {
			return true, c.CloseTime
		}
	}
	return false, time.Time{}
}

// M5ClusterB checks the dual RSI/Stoch cross-or-align cluster over the
// same lookback window as cluster A, without requiring a specific
// zone. frame is the already-computed latest-bar frame, reused to
// avoid recomputing it for the common case where the latest bar
// itself satisfies the cluster.
func M5ClusterB(candles []model.Candle, frame model.ScoringFrame, cfg config.ScoringConfig, mag TFMagnitude, lookback int) (bool, time.Time) {
	if len(candles) == 0 {
		return false, time.Time{}
	}
	if frame.Align || (frame.CrossRSI && frame.CrossStoch) {
		return true, candles[len(candles)-1].CloseTime
	}
	if lookback < 1 {
		lookback = 1
	}
	start := len(candles) - lookback
	if start < 0 {
		start = 0
	}
	for i := len(candles) - 2; i >= start; i-- {
		sub := candles[:i+1]
		if len(sub) < 40 {
			continue
		}
		f := ComputeFrame(sub, cfg, mag)
		if f.Align || (f.CrossRSI && f.CrossStoch) {
			return true, sub[len(sub)-1].CloseTime
		}
	}
	return false, time.Time{}
}

// M5Gate evaluates the M5 entry gate per the spec's relax/strict
// modes. Strict mode requires both clusters to have matched within
// ENTRY_SEQ_WINDOW_MIN minutes of each other, not merely both being
// true at some unrelated point in time.
func M5Gate(candles []model.Candle, frame model.ScoringFrame, gateCfg config.M5GateConfig, scoringCfg config.ScoringConfig, strict bool) bool {
	relax := !strict
	lookback := gateCfg.LookbackStrict
	if relax {
		lookback = gateCfg.LookbackRelax
	}

	clusterAOk, aTime := M5ClusterA(candles, gateCfg, relax)
	clusterBOk, bTime := M5ClusterB(candles, frame, scoringCfg, M5Magnitude, lookback)

	if strict {
		if !clusterAOk || !clusterBOk {
			return false
		}
		return withinSeqWindow(aTime, bTime, gateCfg.EntrySeqWindowMin)
	}

	switch gateCfg.RelaxKind {
	case "rsi_only":
		return clusterBOk
	case "candle_only":
		return clusterAOk
	default: // either
		return clusterAOk || clusterBOk
	}
}

// withinSeqWindow reports whether a and b fall within windowMin
// minutes of each other, regardless of order.
func withinSeqWindow(a, b time.Time, windowMin int) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(windowMin)*time.Minute
}
