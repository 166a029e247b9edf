package execute

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"tidepredator/internal/model"
)

// BinanceClient wraps github.com/adshao/go-binance/v2/futures,
// grounded on execution_service.go's RoundToPrecision and force-isolated
// margin flow, reused verbatim in spirit per account. It does not change
// the account's leverage or position mode before an order.
type BinanceClient struct {
	client  *futures.Client
	testnet bool
}

// NewBinanceClient builds a per-account futures client.
func NewBinanceClient(apiKey, apiSecret string, testnet bool) *BinanceClient {
	c := futures.NewClient(apiKey, apiSecret)
	if testnet {
		futures.UseTestnet = true
	}
	return &BinanceClient{client: c, testnet: testnet}
}

// RoundToPrecision snaps value down to the nearest tickSize multiple.
func RoundToPrecision(value, tickSize float64) float64 {
	if tickSize <= 0 {
		return value
	}
	return math.Floor(value/tickSize) * tickSize
}

func sideToBinance(side model.Side) futures.SideType {
	if side == model.SideLong {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func oppositeSide(side model.Side) futures.SideType {
	if side == model.SideLong {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func (b *BinanceClient) OpenMarket(ctx context.Context, pair string, side model.Side, qty, sl, tp float64) (string, error) {
	if _, err := b.client.NewChangeMarginTypeService().Symbol(pair).MarginType(futures.MarginTypeIsolated).Do(ctx); err != nil {
		// Already isolated is not fatal; the teacher treats this as a warning, not an abort.
	}

	order, err := b.client.NewCreateOrderService().
		Symbol(pair).
		Side(sideToBinance(side)).
		Type(futures.OrderTypeMarket).
		Quantity(formatQty(qty)).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("execute: open market order: %w", err)
	}

	if sl > 0 {
		if _, err := b.client.NewCreateOrderService().
			Symbol(pair).
			Side(oppositeSide(side)).
			Type(futures.OrderTypeStopMarket).
			StopPrice(formatQty(sl)).
			ClosePosition(true).
			Do(ctx); err != nil {
			return fmt.Sprintf("%d", order.OrderID), fmt.Errorf("execute: place SL: %w", err)
		}
	}
	if tp > 0 {
		if _, err := b.client.NewCreateOrderService().
			Symbol(pair).
			Side(oppositeSide(side)).
			Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(formatQty(tp)).
			ClosePosition(true).
			Do(ctx); err != nil {
			return fmt.Sprintf("%d", order.OrderID), fmt.Errorf("execute: place TP: %w", err)
		}
	}

	return fmt.Sprintf("%d", order.OrderID), nil
}

func (b *BinanceClient) ClosePosition(ctx context.Context, pair string, pct float64, sideFilter *model.Side) error {
	pos, err := b.FetchPosition(ctx, pair)
	if err != nil {
		return err
	}
	if pos.Qty == 0 {
		return nil
	}
	closeSide := futures.SideTypeSell
	qty := pos.Qty
	if pos.Qty < 0 {
		closeSide = futures.SideTypeBuy
		qty = -qty
	}
	if sideFilter != nil {
		wantLong := *sideFilter == model.SideLong
		isLong := pos.Qty > 0
		if wantLong != isLong {
			return nil // hedge-aware: not this side's position
		}
	}
	qty = qty * (pct / 100.0)
	_, err = b.client.NewCreateOrderService().
		Symbol(pair).
		Side(closeSide).
		Type(futures.OrderTypeMarket).
		Quantity(formatQty(qty)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("execute: close position: %w", err)
	}
	return nil
}

func (b *BinanceClient) FetchPosition(ctx context.Context, pair string) (PositionSnapshot, error) {
	positions, err := b.client.NewGetPositionRiskService().Symbol(pair).Do(ctx)
	if err != nil {
		return PositionSnapshot{}, fmt.Errorf("execute: fetch position: %w", err)
	}
	for _, p := range positions {
		qty, _ := strconv.ParseFloat(p.PositionAmt, 64)
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		if qty != 0 {
			return PositionSnapshot{Qty: qty, EntryPrice: entry}, nil
		}
	}
	return PositionSnapshot{}, nil
}

func (b *BinanceClient) FetchTicker(ctx context.Context, pair string) (TickerSnapshot, error) {
	prices, err := b.client.NewListPricesService().Symbol(pair).Do(ctx)
	if err != nil || len(prices) == 0 {
		return TickerSnapshot{}, fmt.Errorf("execute: fetch ticker: %w", err)
	}
	price, _ := strconv.ParseFloat(prices[0].Price, 64)
	return TickerSnapshot{LastPrice: price}, nil
}

func (b *BinanceClient) LeverageTable(ctx context.Context, pair string) (int, float64, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("execute: exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != pair {
			continue
		}
		for _, f := range s.Filters {
			if f["filterType"] == "PRICE_FILTER" {
				tick, _ := strconv.ParseFloat(f["tickSize"].(string), 64)
				return 20, tick, nil
			}
		}
	}
	return 20, 0.01, nil
}

// formatQty renders a quantity/price through decimal.Decimal rather than
// strconv.FormatFloat: repeated RoundToPrecision arithmetic on a float64
// can leave trailing artifacts (e.g. 0.1+0.2) that Binance's LOT_SIZE
// filter rejects outright.
func formatQty(v float64) string {
	return decimal.NewFromFloat(v).String()
}
