package execute

import (
	"context"
	"fmt"
	"testing"

	"tidepredator/internal/model"
)

type fakeExchange struct {
	name       string
	failOpen   bool
	lastPrice  float64
}

func (f *fakeExchange) OpenMarket(ctx context.Context, pair string, side model.Side, qty, sl, tp float64) (string, error) {
	if f.failOpen {
		return "", fmt.Errorf("simulated failure")
	}
	return f.name + "-entry", nil
}

func (f *fakeExchange) ClosePosition(ctx context.Context, pair string, pct float64, sideFilter *model.Side) error {
	return nil
}

func (f *fakeExchange) FetchPosition(ctx context.Context, pair string) (PositionSnapshot, error) {
	return PositionSnapshot{}, nil
}

func (f *fakeExchange) FetchTicker(ctx context.Context, pair string) (TickerSnapshot, error) {
	return TickerSnapshot{LastPrice: f.lastPrice}, nil
}

func (f *fakeExchange) LeverageTable(ctx context.Context, pair string) (int, float64, error) {
	return 20, 0.1, nil
}

func factoryFor(clients map[string]*fakeExchange) ClientFactory {
	return func(ctx context.Context, account model.AccountConfig) (ExchangeClient, error) {
		c, ok := clients[account.Name]
		if !ok {
			return nil, fmt.Errorf("no fake client for %s", account.Name)
		}
		return c, nil
	}
}

func TestMultiOpenSkipsSingleFallback(t *testing.T) {
	clients := map[string]*fakeExchange{
		"acct-a": {name: "acct-a", lastPrice: 30000},
		"single": {name: "single", lastPrice: 30000},
	}
	hub := New(factoryFor(clients))

	multi := []model.AccountConfig{{Name: "acct-a"}}
	single := []model.AccountConfig{{Name: "single"}}

	result := hub.Execute(context.Background(), multi, single, "BTCUSDT", model.SideLong, 1000, 0.02, 10, 2)

	if !result.OpenedReal {
		t.Fatalf("expected OpenedReal true")
	}
	if !result.SingleIgnoredBecauseMultiOpened {
		t.Fatalf("expected single to be skipped when multi opened")
	}
	if len(result.PerAccount) != 1 {
		t.Fatalf("expected only the multi account attempted, got %d", len(result.PerAccount))
	}
}

func TestAllMultiFailFallsBackToSingle(t *testing.T) {
	clients := map[string]*fakeExchange{
		"acct-a": {name: "acct-a", failOpen: true, lastPrice: 30000},
		"single": {name: "single", lastPrice: 30000},
	}
	hub := New(factoryFor(clients))

	multi := []model.AccountConfig{{Name: "acct-a"}}
	single := []model.AccountConfig{{Name: "single"}}

	result := hub.Execute(context.Background(), multi, single, "BTCUSDT", model.SideLong, 1000, 0.02, 10, 2)

	if !result.OpenedReal {
		t.Fatalf("expected single fallback to open")
	}
	if result.SingleIgnoredBecauseMultiOpened {
		t.Fatalf("single should not be marked ignored when multi failed")
	}
	if len(result.PerAccount) != 2 {
		t.Fatalf("expected both multi and single attempts recorded, got %d", len(result.PerAccount))
	}
}

func TestDeriveSLTPLongVsShort(t *testing.T) {
	sl, tp := DeriveSLTP(model.SideLong, 100, 0.5, 10, 2)
	if sl >= 100 || tp <= 100 {
		t.Fatalf("LONG should have SL below and TP above entry, got sl=%v tp=%v", sl, tp)
	}
	sl, tp = DeriveSLTP(model.SideShort, 100, 0.5, 10, 2)
	if sl <= 100 || tp >= 100 {
		t.Fatalf("SHORT should have SL above and TP below entry, got sl=%v tp=%v", sl, tp)
	}
}
