// Package tpmonitor implements the TP-by-time Monitor: per-tick, it
// recomputes each open position's deadline and closes or classifies it
// when the position goes flat externally or the deadline is reached.
// Grounded on co_pilot_service.go's advisorLoop/evaluateSession ticker
// pattern, redirected from PnL advisory text to the spec's exact
// SL/MANUAL/TP classification and Risk Sentinel feed.
package tpmonitor

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"tidepredator/internal/execute"
	"tidepredator/internal/model"
	"tidepredator/internal/sentinel"
)

// Monitor polls one user's OpenPosition against the exchange.
type Monitor struct {
	client   execute.ExchangeClient
	sentinel *sentinel.Sentinel
	logger   zerolog.Logger
	// autoLock mirrors config.RiskConfig.AutoLockOn2SL: when false, a
	// close that completes a 2-consecutive-SL streak is still recorded
	// but does not lock the Risk Sentinel for the day.
	autoLock bool
}

// New builds a Monitor for a given exchange client. autoLock is
// config.RiskConfig.AutoLockOn2SL, passed through rather than
// hardcoded so AUTO_LOCK_ON_2_SL=false genuinely disables the lock.
func New(client execute.ExchangeClient, s *sentinel.Sentinel, logger zerolog.Logger, autoLock bool) *Monitor {
	return &Monitor{client: client, sentinel: s, logger: logger, autoLock: autoLock}
}

// Deadline computes the TP-time deadline for a position: base (tide
// center or entry time) plus TP_TIME_HOURS.
func Deadline(pos model.OpenPosition, tpTimeHours float64) time.Time {
	base := pos.TideCenter
	if base.IsZero() {
		base = pos.EntryTime
	}
	return base.Add(time.Duration(tpTimeHours * float64(time.Hour)))
}

const slProximityPct = 0.001 // within 0.1% of SL counts as an SL close

// Tick evaluates one user's open position, returning the updated
// position (nil if it closed) and the close classification if any.
func (m *Monitor) Tick(ctx context.Context, userID, date string, pos *model.OpenPosition, tpTimeHours float64) (*model.OpenPosition, *model.CloseResult, error) {
	if pos == nil {
		return nil, nil, nil
	}

	deadline := Deadline(*pos, tpTimeHours)
	snap, err := m.client.FetchPosition(ctx, pos.Pair)
	if err != nil {
		m.logger.Error().Err(err).Str("user", userID).Str("pair", pos.Pair).Msg("tpmonitor: fetch position failed")
		return pos, nil, nil
	}

	flat := snap.Qty == 0

	if !flat && time.Now().Before(deadline) {
		return pos, nil, nil // still open, deadline not reached
	}

	if !flat && !time.Now().Before(deadline) {
		// Deadline reached while still open: force a close classified TP.
		if err := m.client.ClosePosition(ctx, pos.Pair, 100, &pos.Side); err != nil {
			m.logger.Error().Err(err).Str("user", userID).Str("pair", pos.Pair).Msg("tpmonitor: deadline close failed")
			return pos, nil, err
		}
		result := model.CloseTP
		if _, serr := m.sentinel.RecordClose(ctx, userID, date, pos.TideWindowKey, result, m.autoLock); serr != nil {
			m.logger.Error().Err(serr).Msg("tpmonitor: record close failed")
		}
		m.logger.Info().Str("user", userID).Str("pair", pos.Pair).Str("result", string(result)).Msg("tpmonitor: deadline close")
		return nil, &result, nil
	}

	// Flat before deadline: classify SL vs MANUAL/TP by proximity to SL price.
	ticker, tErr := m.client.FetchTicker(ctx, pos.Pair)
	result := model.CloseManual
	if tErr == nil && pos.SLPrice > 0 {
		diff := math.Abs(ticker.LastPrice-pos.SLPrice) / pos.SLPrice
		if diff <= slProximityPct {
			result = model.CloseSL
		}
	}

	if _, serr := m.sentinel.RecordClose(ctx, userID, date, pos.TideWindowKey, result, m.autoLock); serr != nil {
		m.logger.Error().Err(serr).Msg("tpmonitor: record close failed")
	}
	m.logger.Info().Str("user", userID).Str("pair", pos.Pair).Str("result", string(result)).Msg("tpmonitor: closed externally")
	return nil, &result, nil
}
