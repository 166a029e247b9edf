// Package scheduler runs the main tick loop and the independent M30/H4
// report loop. Grounded on the teacher's ticker-driven goroutines
// (predator_engine.go's monitorPositions select-loop over two
// *time.Ticker, PriceThrottler.Start's single-ticker loop) generalized
// to per-user dispatch. Concurrency is capped with a buffered-channel
// token pool rather than an external semaphore package, matching the
// corpus's preference for raw channels over extra concurrency
// libraries.
package scheduler

import (
	"context"
	"time"

	"tidepredator/internal/approval"
	"tidepredator/internal/broadcast"
	"tidepredator/internal/config"
	"tidepredator/internal/execute"
	"tidepredator/internal/logging"
	"tidepredator/internal/model"
	"tidepredator/internal/pipeline"
	"tidepredator/internal/sentinel"
	"tidepredator/internal/storage"
	"tidepredator/internal/tidemoon"
	"tidepredator/internal/tpmonitor"
)

// UserDirectory lists the users the scheduler should evaluate each tick.
type UserDirectory interface {
	ActiveUsers(ctx context.Context) ([]model.UserSettings, error)
}

// PositionStore loads and persists a user's OpenPosition.
type PositionStore interface {
	LoadOpenPosition(ctx context.Context, userID string) (*model.OpenPosition, error)
	SaveOpenPosition(ctx context.Context, userID string, pos *model.OpenPosition) error
}

// Scheduler owns the main tick loop, the TP-by-time monitor sweep and
// the independent tide-report loop.
type Scheduler struct {
	Cfg          *config.Config
	Users        UserDirectory
	Positions    PositionStore
	Pipeline     *pipeline.Pipeline
	Hub          *execute.Hub
	TPMonitors   func(userID string) *tpmonitor.Monitor
	Sentinel     *sentinel.Sentinel
	Approval     *approval.Flow
	Bookkeeper   *broadcast.Bookkeeper
	TideProvider tidemoon.Provider
	Logger       *logging.Logger

	maxConcurrent int
}

// New builds a Scheduler. maxConcurrent bounds how many users are
// evaluated at once per tick via a buffered token channel.
func New(cfg *config.Config, users UserDirectory, positions PositionStore, pl *pipeline.Pipeline, hub *execute.Hub,
	tpMonitors func(string) *tpmonitor.Monitor, s *sentinel.Sentinel, appr *approval.Flow, bk *broadcast.Bookkeeper,
	tideProvider tidemoon.Provider, logger *logging.Logger, maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Scheduler{
		Cfg: cfg, Users: users, Positions: positions, Pipeline: pl, Hub: hub,
		TPMonitors: tpMonitors, Sentinel: s, Approval: appr, Bookkeeper: bk,
		TideProvider: tideProvider, Logger: logger, maxConcurrent: maxConcurrent,
	}
}

// Run blocks, driving the main tick loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.Cfg.Scheduler.TickSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick evaluates every active user, bounded to maxConcurrent in
// flight at once via a token pool.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	users, err := s.Users.ActiveUsers(ctx)
	if err != nil {
		s.Logger.Error(err, "scheduler: failed to list active users", nil)
		return
	}

	tokens := make(chan struct{}, s.maxConcurrent)
	done := make(chan struct{})
	remaining := len(users)
	if remaining == 0 {
		return
	}

	for _, u := range users {
		u := u
		tokens <- struct{}{}
		go func() {
			defer func() { <-tokens; done <- struct{}{} }()
			s.evaluateUser(ctx, u, now)
		}()
	}

	for i := 0; i < remaining; i++ {
		<-done
	}
}

func (s *Scheduler) evaluateUser(ctx context.Context, settings model.UserSettings, now time.Time) {
	loc := time.UTC
	if s.Cfg.Tide.LocalZone != "" {
		if l, err := time.LoadLocation(s.Cfg.Tide.LocalZone); err == nil {
			loc = l
		}
	}
	dateKey := now.In(loc).Format("2006-01-02")

	if expired, err := s.Approval.ExpireIfStale(ctx, settings.UserID, now); err != nil {
		s.Logger.Error(err, "scheduler: approval TTL check failed", map[string]any{"user": settings.UserID})
	} else if expired {
		s.Logger.Info("scheduler: pending approval auto-rejected (TTL)", map[string]any{"user": settings.UserID})
	}

	if pos, err := s.Positions.LoadOpenPosition(ctx, settings.UserID); err != nil {
		s.Logger.Error(err, "scheduler: load open position failed", map[string]any{"user": settings.UserID})
	} else if pos != nil {
		mon := s.TPMonitors(settings.UserID)
		updated, result, err := mon.Tick(ctx, settings.UserID, dateKey, pos, s.Cfg.Risk.TPTimeHours)
		if err != nil {
			s.Logger.Error(err, "scheduler: tp monitor tick failed", map[string]any{"user": settings.UserID})
		} else if err := s.Positions.SaveOpenPosition(ctx, settings.UserID, updated); err != nil {
			s.Logger.Error(err, "scheduler: save position failed", map[string]any{"user": settings.UserID})
		} else if result != nil {
			s.Bookkeeper.PublishClose(settings.UserID, settings.Pair, *result, now)
		}
		return // one open position at a time; skip new entries this tick
	}

	events, err := s.fetchTideEvents(ctx, settings, now)
	if err != nil {
		s.Logger.Warn("scheduler: tide events unavailable", map[string]any{"user": settings.UserID, "error": err.Error()})
		return
	}

	bundle, skip, err := s.Pipeline.Evaluate(ctx, settings, now, events)
	if err != nil {
		s.Logger.Error(err, "scheduler: pipeline evaluation failed", map[string]any{"user": settings.UserID})
		return
	}
	if skip != nil {
		s.Bookkeeper.PublishSkip(settings.UserID, settings.Pair, skip, now)
		return
	}

	s.dispatchDecision(ctx, settings, *bundle)
}

func (s *Scheduler) fetchTideEvents(ctx context.Context, settings model.UserSettings, now time.Time) ([]model.TideEvent, error) {
	if s.TideProvider == nil {
		return nil, nil
	}
	return s.TideProvider.TideExtremes(ctx, now, settings.Lat, settings.Lon)
}

// dispatchDecision executes immediately in auto mode, or creates a
// ManualPending record for the human to approve/reject in manual mode.
func (s *Scheduler) dispatchDecision(ctx context.Context, settings model.UserSettings, bundle model.GateBundle) {
	if settings.Mode != model.ModeAuto {
		payload := model.PendingPayload{
			Symbol: bundle.Symbol, SuggestedSide: bundle.Side, Frames: bundle.Eval,
			RiskPercent: settings.RiskPercent, Leverage: settings.Leverage,
		}
		if _, err := s.Approval.CreatePending(ctx, settings.UserID, payload); err != nil {
			s.Logger.Error(err, "scheduler: create pending failed", map[string]any{"user": settings.UserID})
		}
		return
	}

	multi, single := splitAccounts(settings.Accounts)
	result := s.Hub.Execute(ctx, multi, single, bundle.Symbol, bundle.Side, settings.Balance, settings.RiskPercent, settings.Leverage, 2.0)

	if err := s.Bookkeeper.PublishExecution(ctx, settings.UserID, bundle.WindowID, bundle, result); err != nil {
		s.Logger.Error(err, "scheduler: publish execution failed", map[string]any{"user": settings.UserID})
	}

	if result.OpenedReal {
		if err := s.Pipeline.RecordEntry(ctx, settings.UserID, bundle.WindowID, bundle.Side, 0, bundle.Now); err != nil {
			s.Logger.Error(err, "scheduler: record entry failed", map[string]any{"user": settings.UserID})
		}
	}
}

// ApprovePending executes a user's pending manual signal: it re-checks
// the Tide Gate at approval time (a stale approval past the window or
// quota is marked EXPIRED_TIDE rather than executed), then drives the
// same Execute/Bookkeep/RecordEntry sequence dispatchDecision's auto
// branch uses. Both the Telegram APPROVE_ callback and the admin API's
// approve endpoint call this one path.
func (s *Scheduler) ApprovePending(ctx context.Context, settings model.UserSettings, now time.Time) error {
	pending, err := s.Approval.Get(ctx, settings.UserID)
	if err != nil {
		return err
	}
	if pending == nil || pending.Status != model.PendingPending {
		return &model.InvariantViolation{What: "approve: no pending signal for " + settings.UserID}
	}

	events, err := s.fetchTideEvents(ctx, settings, now)
	if err != nil {
		return err
	}
	twResult, err := s.Pipeline.Gate.Check(ctx, now, events, settings.UserID)
	if err != nil {
		if _, ok := err.(*model.GateBlocked); ok {
			if merr := s.Approval.MarkExpiredTide(ctx, settings.UserID, pending.PID); merr != nil {
				s.Logger.Error(merr, "scheduler: mark expired tide failed", map[string]any{"user": settings.UserID})
			}
		}
		return err
	}

	payload := pending.Payload
	multi, single := splitAccounts(settings.Accounts)
	result := s.Hub.Execute(ctx, multi, single, payload.Symbol, payload.SuggestedSide, settings.Balance, payload.RiskPercent, payload.Leverage, 2.0)

	bundle := model.GateBundle{
		UserID: settings.UserID, Symbol: payload.Symbol, Side: payload.SuggestedSide,
		Eval: payload.Frames, Now: now, WindowID: twResult.WindowID,
	}
	if err := s.Bookkeeper.PublishExecution(ctx, settings.UserID, twResult.WindowID, bundle, result); err != nil {
		s.Logger.Error(err, "scheduler: publish execution failed (approve)", map[string]any{"user": settings.UserID})
	}
	if result.OpenedReal {
		if err := s.Pipeline.RecordEntry(ctx, settings.UserID, twResult.WindowID, payload.SuggestedSide, 0, now); err != nil {
			s.Logger.Error(err, "scheduler: record entry failed (approve)", map[string]any{"user": settings.UserID})
		}
	}
	if err := s.Approval.MarkApproved(ctx, settings.UserID, pending.PID); err != nil {
		s.Logger.Error(err, "scheduler: mark approved failed", map[string]any{"user": settings.UserID})
	}
	return s.Approval.Clear(ctx, settings.UserID)
}

// RejectPending marks a user's pending signal REJECTED and clears it.
func (s *Scheduler) RejectPending(ctx context.Context, userID, pid string) error {
	if err := s.Approval.Reject(ctx, userID, pid); err != nil {
		return err
	}
	return s.Approval.Clear(ctx, userID)
}

// ManualOrder places an admin/CLI-triggered order bypassing the Decision
// Pipeline and Tide Gate entirely, per spec.md §6's "manual order"
// command. riskPercent/leverage of zero fall back to the user's
// configured defaults.
func (s *Scheduler) ManualOrder(ctx context.Context, settings model.UserSettings, symbol string, side model.Side, riskPercent float64, leverage int, now time.Time) model.ExecuteResult {
	if riskPercent <= 0 {
		riskPercent = settings.RiskPercent
	}
	if leverage <= 0 {
		leverage = settings.Leverage
	}

	multi, single := splitAccounts(settings.Accounts)
	result := s.Hub.Execute(ctx, multi, single, symbol, side, settings.Balance, riskPercent, leverage, 2.0)
	s.Bookkeeper.PublishManual(settings.UserID, symbol, side, result, now)
	return result
}

// ManualClose closes pct of a user's position on every configured
// account, optionally restricted to one side; it takes no account
// filter, so every account in settings.Accounts is always included.
func (s *Scheduler) ManualClose(ctx context.Context, settings model.UserSettings, symbol string, pct float64, sideFilter *model.Side) []model.AccountResult {
	return s.Hub.CloseAll(ctx, settings.Accounts, symbol, pct, sideFilter)
}

// splitAccounts separates MULTI accounts (all but the last) from the
// SINGLE fallback (the last declared account), matching the spec's
// "try every multi account, else fall back to single" ordering.
func splitAccounts(accounts []model.AccountConfig) (multi, single []model.AccountConfig) {
	if len(accounts) == 0 {
		return nil, nil
	}
	if len(accounts) == 1 {
		return nil, accounts
	}
	return accounts[:len(accounts)-1], accounts[len(accounts)-1:]
}

// ReportLoop runs the independent M30/H4 tide-report broadcast: nine
// anchors at center + k*30min for k in [-4,4], tolerant of
// M30SlotGraceSec drift, pushing a summary through the Bookkeeper
// regardless of any user's auto/manual mode.
func (s *Scheduler) ReportLoop(ctx context.Context, settings model.UserSettings) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	var lastAnchor time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !settings.M5ReportEnabled {
				continue
			}
			events, err := s.fetchTideEvents(ctx, settings, now)
			if err != nil || len(events) == 0 {
				continue
			}
			anchor, ok := nearestReportAnchor(now, events, s.Cfg.Scheduler.M30SlotGraceSec)
			if !ok || anchor.Equal(lastAnchor) {
				continue
			}
			lastAnchor = anchor
			s.Bookkeeper.PublishSkip(settings.UserID, settings.Pair, &model.DecisionSkip{Tag: model.SkipReportSkip, Detail: "tide report anchor"}, now)
		}
	}
}

// nearestReportAnchor finds the closest of the nine center+k*30min
// anchors (k in [-4,4]) to now, within graceSec tolerance.
func nearestReportAnchor(now time.Time, events []model.TideEvent, graceSec int) (time.Time, bool) {
	var best time.Time
	bestDelta := time.Duration(1<<62 - 1)
	found := false
	for _, e := range events {
		for k := -4; k <= 4; k++ {
			anchor := e.CenterTS.Add(time.Duration(k) * 30 * time.Minute)
			delta := now.Sub(anchor)
			if delta < 0 {
				delta = -delta
			}
			if delta <= time.Duration(graceSec)*time.Second && delta < bestDelta {
				best, bestDelta, found = anchor, delta, true
			}
		}
	}
	return best, found
}
