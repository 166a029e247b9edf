package execute

import (
	"context"
	"fmt"

	"tidepredator/internal/model"
	"tidepredator/internal/secrets"
)

// ClientFactory resolves an AccountConfig to a live ExchangeClient.
// In production this wraps secrets.Client.Resolve + NewBinanceClient;
// tests supply a fake.
type ClientFactory func(ctx context.Context, account model.AccountConfig) (ExchangeClient, error)

// Hub fans out order placement across multi/single accounts.
type Hub struct {
	factory ClientFactory
}

// New builds a Hub from a client factory.
func New(factory ClientFactory) *Hub {
	return &Hub{factory: factory}
}

// DefaultFactory resolves credentials via secrets.Client and builds a
// BinanceClient, matching the reference exchange adapter.
func DefaultFactory(secretsClient *secrets.Client) ClientFactory {
	return func(ctx context.Context, account model.AccountConfig) (ExchangeClient, error) {
		creds, err := secretsClient.Resolve(ctx, account.SecretRef)
		if err != nil {
			return nil, err
		}
		return NewBinanceClient(creds.APIKey, creds.APISecret, account.Testnet), nil
	}
}

// DeriveSLTP computes stop-loss and take-profit prices from a
// reference entry price, risk percent and leverage, matching the
// spec's "SL/TP derived from reference price x leverage table" rule.
// riskPercent is the fraction of margin risked (e.g. 0.02 = 2%).
func DeriveSLTP(side model.Side, entryPrice, riskPercent float64, leverage int, rewardRiskRatio float64) (sl, tp float64) {
	moveFrac := riskPercent / float64(leverage)
	if side == model.SideLong {
		sl = entryPrice * (1 - moveFrac)
		tp = entryPrice * (1 + moveFrac*rewardRiskRatio)
	} else {
		sl = entryPrice * (1 + moveFrac)
		tp = entryPrice * (1 - moveFrac*rewardRiskRatio)
	}
	return sl, tp
}

func qtyFromRisk(balance, riskPercent float64, leverage int, price float64) float64 {
	if price <= 0 {
		return 0
	}
	notional := balance * riskPercent * float64(leverage)
	return notional / price
}

// Execute runs the MULTI-then-SINGLE fallback described in the spec:
// try every multi account in declared order; if any opened, skip the
// single fallback (flagging SingleIgnoredBecauseMultiOpened); else try
// the single account. Accounts are provided pre-split by the caller
// (internal/scheduler's splitAccounts treats every UserSettings.Accounts
// entry but the last as MULTI and the last as SINGLE).
func (h *Hub) Execute(ctx context.Context, multi, single []model.AccountConfig, symbol string, side model.Side, balance, riskPercent float64, leverage int, rewardRiskRatio float64) model.ExecuteResult {
	result := model.ExecuteResult{PerAccount: make([]model.AccountResult, 0, len(multi)+len(single))}

	anyMultiOpened := false
	for _, acct := range multi {
		ar := h.attempt(ctx, acct, symbol, side, balance, riskPercent, leverage, rewardRiskRatio)
		result.PerAccount = append(result.PerAccount, ar)
		if ar.Opened {
			anyMultiOpened = true
			result.OpenedReal = true
			result.EntryIDs = append(result.EntryIDs, ar.EntryID)
		}
	}

	if anyMultiOpened {
		result.SingleIgnoredBecauseMultiOpened = true
		return result
	}

	for _, acct := range single {
		ar := h.attempt(ctx, acct, symbol, side, balance, riskPercent, leverage, rewardRiskRatio)
		result.PerAccount = append(result.PerAccount, ar)
		if ar.Opened {
			result.OpenedReal = true
			result.EntryIDs = append(result.EntryIDs, ar.EntryID)
		}
	}

	return result
}

// CloseAll drives a manual/admin close across every given account,
// reusing AccountResult's Opened field to mean "closed successfully"
// in this context (a close has no entry id, SL or TP to report).
func (h *Hub) CloseAll(ctx context.Context, accounts []model.AccountConfig, symbol string, pct float64, sideFilter *model.Side) []model.AccountResult {
	results := make([]model.AccountResult, 0, len(accounts))
	for _, acct := range accounts {
		client, err := h.factory(ctx, acct)
		if err != nil {
			results = append(results, model.AccountResult{Account: acct.Name, Error: err.Error()})
			continue
		}
		if err := client.ClosePosition(ctx, symbol, pct, sideFilter); err != nil {
			results = append(results, model.AccountResult{Account: acct.Name, Error: err.Error()})
			continue
		}
		results = append(results, model.AccountResult{Account: acct.Name, Opened: true})
	}
	return results
}

func (h *Hub) attempt(ctx context.Context, acct model.AccountConfig, symbol string, side model.Side, balance, riskPercent float64, leverage int, rewardRiskRatio float64) model.AccountResult {
	client, err := h.factory(ctx, acct)
	if err != nil {
		return model.AccountResult{Account: acct.Name, Opened: false, Error: err.Error()}
	}

	ticker, err := client.FetchTicker(ctx, symbol)
	if err != nil {
		return model.AccountResult{Account: acct.Name, Opened: false, Error: err.Error()}
	}

	maxLev, tick, err := client.LeverageTable(ctx, symbol)
	if err != nil {
		return model.AccountResult{Account: acct.Name, Opened: false, Error: err.Error()}
	}
	if leverage > maxLev {
		leverage = maxLev
	}

	sl, tp := DeriveSLTP(side, ticker.LastPrice, riskPercent, leverage, rewardRiskRatio)
	sl = RoundToPrecision(sl, tick)
	tp = RoundToPrecision(tp, tick)

	qty := qtyFromRisk(balance, riskPercent, leverage, ticker.LastPrice)

	entryID, err := client.OpenMarket(ctx, symbol, side, qty, sl, tp)
	if err != nil {
		return model.AccountResult{Account: acct.Name, Opened: false, Error: fmt.Sprintf("open_market: %v", err)}
	}

	return model.AccountResult{Account: acct.Name, Opened: true, EntryID: entryID, Qty: qty, SL: sl, TP: tp}
}
