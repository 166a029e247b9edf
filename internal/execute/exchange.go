// Package execute implements the Execute Hub (B): multi-account order
// placement with SL/TP derivation, grounded on execution_service.go's
// isolated-margin/leverage/precision-rounding flow, generalized from a
// single ENV-configured account to the spec's ordered multi-account
// fallback (MULTI-then-SINGLE).
package execute

import (
	"context"

	"tidepredator/internal/model"
)

// PositionSnapshot is what FetchPosition returns for one account+pair.
type PositionSnapshot struct {
	Qty        float64 // signed: positive long, negative short, zero flat
	EntryPrice float64
}

// TickerSnapshot is the last traded price for a pair.
type TickerSnapshot struct {
	LastPrice float64
}

// ExchangeClient is the side-agnostic adapter boundary the hub drives;
// LONG/SHORT are normalized to buy/sell here, matching the spec's
// "side-agnostic" requirement.
type ExchangeClient interface {
	OpenMarket(ctx context.Context, pair string, side model.Side, qty, sl, tp float64) (entryID string, err error)
	ClosePosition(ctx context.Context, pair string, pct float64, sideFilter *model.Side) error
	FetchPosition(ctx context.Context, pair string) (PositionSnapshot, error)
	FetchTicker(ctx context.Context, pair string) (TickerSnapshot, error)
	LeverageTable(ctx context.Context, pair string) (maxLeverage int, tickSize float64, err error)
}
