package scoring

import (
	"testing"
	"time"

	"tidepredator/internal/config"
	"tidepredator/internal/model"
	"tidepredator/internal/tidemoon"
)

func syntheticCandles(n int, start, step float64) []model.Candle {
	candles := make([]model.Candle, n)
	now := time.Now()
	price := start
	for i := 0; i < n; i++ {
		price += step
		candles[i] = model.Candle{
			OpenTime:  now.Add(time.Duration(i) * time.Minute),
			CloseTime: now.Add(time.Duration(i+1) * time.Minute),
			Open:      price, Close: price + step/2,
			High: price + step, Low: price - step,
			Volume: 100, Closed: true,
		}
	}
	return candles
}

func defaultScoringCfg() config.ScoringConfig {
	return config.ScoringConfig{
		StochGapMin: 5, StochSlopeMin: 1, RSIGapMin: 2,
		StochRecentN: 3, CrossRecentN: 3,
		HTFNearAlign: true, HTFMinAlignScore: 3, HTFNearAlignGap: 1.5,
		SynergyOn: true, M30TakeoverMin: 4,
		ExtremeBlockOn: true, ExtremeRSIOB: 70, ExtremeRSIOS: 30,
		ExtremeStochOB: 80, ExtremeStochOS: 20,
		SonicMode: "weight", SonicWeight: 1,
		TFCrossBonus: 2, TFAlignBonus: 1, ExtremePenalty: 1.5,
	}
}

func TestComputeFrameInsufficientData(t *testing.T) {
	frame := ComputeFrame(syntheticCandles(5, 100, 1), defaultScoringCfg(), H4Magnitude)
	if frame.Side != model.SideNone {
		t.Fatalf("expected NONE side on insufficient data, got %v", frame.Side)
	}
}

func TestComputeFrameUptrendLeansLong(t *testing.T) {
	frame := ComputeFrame(syntheticCandles(120, 100, 0.5), defaultScoringCfg(), H4Magnitude)
	if frame.Score <= 0 {
		t.Errorf("sustained uptrend should score positive, got %v", frame.Score)
	}
}

func TestComputeFrameDowntrendLeansShort(t *testing.T) {
	frame := ComputeFrame(syntheticCandles(120, 200, -0.5), defaultScoringCfg(), H4Magnitude)
	if frame.Score >= 0 {
		t.Errorf("sustained downtrend should score negative, got %v", frame.Score)
	}
}

func TestAggregateH4DirectionalM30NoneTakesH4(t *testing.T) {
	h4 := model.ScoringFrame{Side: model.SideLong, Score: 3}
	m30 := model.ScoringFrame{Side: model.SideNone, Score: 0}
	desired, _, skip := Aggregate(h4, m30, 0, 0, defaultScoringCfg())
	if skip || desired != model.SideLong {
		t.Fatalf("expected LONG from H4, got %v skip=%v", desired, skip)
	}
}

func TestAggregateOppositesBelowThresholdSkips(t *testing.T) {
	h4 := model.ScoringFrame{Side: model.SideLong, Score: 1}
	m30 := model.ScoringFrame{Side: model.SideShort, Score: -1}
	_, _, skip := Aggregate(h4, m30, 0, 0, defaultScoringCfg())
	if !skip {
		t.Fatalf("expected skip when neither HTF rule nor takeover applies")
	}
}

func TestAggregateM30TakeoverWhenH4Flat(t *testing.T) {
	cfg := defaultScoringCfg()
	h4 := model.ScoringFrame{Side: model.SideNone, Score: 0}
	m30 := model.ScoringFrame{Side: model.SideShort, Score: -5}
	desired, _, skip := Aggregate(h4, m30, 0, 0, cfg)
	if skip || desired != model.SideShort {
		t.Fatalf("expected SHORT takeover, got %v skip=%v", desired, skip)
	}
}

func TestExtremeBlockLongAtRSIBoundary(t *testing.T) {
	cfg := defaultScoringCfg()
	h4 := model.ScoringFrame{DebugBag: map[string]any{"rsi": 70.0, "stochD": 50.0}}
	m30 := model.ScoringFrame{DebugBag: map[string]any{"rsi": 50.0, "stochD": 50.0}}
	if !ExtremeBlocked(model.SideLong, h4, m30, cfg) {
		t.Fatalf("RSI == EXTREME_RSI_OB should block LONG")
	}
}

func TestCrossRecentNWidensCrossDetectionWindow(t *testing.T) {
	// Gap sequence (oldest first): crossed upward between the 2nd and
	// 3rd points, then stayed positive without crossing again — a
	// CROSS_RECENT_N=1 window (the last two points only) must miss it,
	// while a wider window that reaches back to the crossing point
	// must catch it.
	gaps := []float64{-2, -1, 0.5, 0.3, 0.2}

	narrow := gaps[len(gaps)-2:]
	if crossedUpWithin(narrow) {
		t.Fatalf("CrossRecentN=1 should not see a cross that happened earlier in the window")
	}

	wide := gaps
	if !crossedUpWithin(wide) {
		t.Fatalf("a wider CrossRecentN should detect the cross within its lookback")
	}
}

func TestWithinSeqWindowRespectsEntrySeqWindowMin(t *testing.T) {
	base := time.Now()
	a := base
	b := base.Add(10 * time.Minute)

	if !withinSeqWindow(a, b, 15) {
		t.Fatalf("10 minutes apart should satisfy a 15-minute ENTRY_SEQ_WINDOW_MIN")
	}
	if withinSeqWindow(a, b, 5) {
		t.Fatalf("10 minutes apart should violate a 5-minute ENTRY_SEQ_WINDOW_MIN")
	}
	// order must not matter
	if !withinSeqWindow(b, a, 15) {
		t.Fatalf("withinSeqWindow should be symmetric in argument order")
	}
}

func TestM5GateStrictRejectsClustersOutsideSeqWindow(t *testing.T) {
	gateCfg := config.M5GateConfig{
		WickPct: 0.1, VolMultRelax: 1.0, VolMultStrict: 1.0,
		LookbackRelax: 1, LookbackStrict: 1,
		RelaxKind: "either", EntrySeqWindowMin: 1,
	}
	scoringCfg := defaultScoringCfg()

	candles := syntheticCandles(50, 100, 1)
	frame := ComputeFrame(candles, scoringCfg, M5Magnitude)

	// LookbackStrict=1 means cluster A and cluster B each only look at
	// the single latest candle, so both necessarily share its close
	// time: the window check can't fail here, only the cluster
	// conditions themselves can. This exercises the strict path
	// end-to-end without asserting a specific true/false beyond "it
	// doesn't panic and agrees with the unwindowed clusterA/B booleans".
	clusterAOk, aTime := M5ClusterA(candles, gateCfg, false)
	clusterBOk, bTime := M5ClusterB(candles, frame, scoringCfg, M5Magnitude, 1)
	got := M5Gate(candles, frame, gateCfg, scoringCfg, true)
	want := clusterAOk && clusterBOk && withinSeqWindow(aTime, bTime, gateCfg.EntrySeqWindowMin)
	if got != want {
		t.Fatalf("M5Gate strict = %v, want %v (clusterA=%v clusterB=%v)", got, want, clusterAOk, clusterBOk)
	}
}

func TestMoonBonusRange(t *testing.T) {
	for _, preset := range []string{"P1", "P2", "P3", "P4", "unknown"} {
		b := MoonBonus(tidemoon.MoonPhase{Preset: preset})
		if b < 0 || b > 1.5 {
			t.Errorf("moon bonus for preset %s out of [0,1.5]: %v", preset, b)
		}
	}
}
