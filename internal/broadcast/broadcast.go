// Package broadcast implements Broadcast/Bookkeeping (C): once the
// Execute Hub reports an outcome, it bumps the Tide Gate's counters,
// pushes a DecisionEvent to connected dashboards over internal/wshub,
// and sends a Telegram confirmation over internal/notify — the same
// three side effects app_signal_distributor.go fans a signal out to
// (push service, websocket hub, Telegram), reduced to the spec's
// execute-then-bookkeep ordering.
package broadcast

import (
	"context"
	"fmt"
	"time"

	"tidepredator/internal/model"
	"tidepredator/internal/notify"
	"tidepredator/internal/tidegate"
	"tidepredator/internal/wshub"
)

// Bookkeeper wires the Tide Gate counters, websocket hub and Telegram
// notifier into a single post-decision side-effect call.
type Bookkeeper struct {
	Gate   *tidegate.Gate
	Hub    *wshub.Hub
	Notify *notify.Service
}

// New builds a Bookkeeper from its collaborators; Hub and Notify may
// be nil (no dashboard clients / no Telegram configured).
func New(gate *tidegate.Gate, hub *wshub.Hub, notifier *notify.Service) *Bookkeeper {
	return &Bookkeeper{Gate: gate, Hub: hub, Notify: notifier}
}

// PublishSkip broadcasts a DecisionSkip for observability; it never
// touches counters, since a skip has no order to account for.
func (b *Bookkeeper) PublishSkip(userID, symbol string, skip *model.DecisionSkip, now time.Time) {
	if b.Hub == nil {
		return
	}
	b.Hub.Broadcast(wshub.DecisionEvent{
		Type: "skip", UserID: userID, Symbol: symbol,
		SkipTag: string(skip.Tag), Detail: skip.Detail, Timestamp: now.UnixMilli(),
	})
}

// PublishExecution bumps the tide-gate counters (only if at least one
// account opened), pushes a websocket event, and sends a Telegram
// confirmation summarizing per-account results.
func (b *Bookkeeper) PublishExecution(ctx context.Context, userID, windowID string, bundle model.GateBundle, result model.ExecuteResult) error {
	if result.OpenedReal {
		if err := b.Gate.BumpCountersAfterExecute(ctx, bundle.Now, windowID, userID); err != nil {
			return fmt.Errorf("broadcast: bump counters: %w", err)
		}
	}

	if b.Hub != nil {
		b.Hub.Broadcast(wshub.DecisionEvent{
			Type: "execute", UserID: userID, Symbol: bundle.Symbol,
			Side: string(bundle.Side), Timestamp: bundle.Now.UnixMilli(),
		})
	}

	if b.Notify != nil {
		b.Notify.Notify(summarize(bundle, result))
	}
	return nil
}

func summarize(bundle model.GateBundle, result model.ExecuteResult) string {
	status := "❌ No account opened"
	if result.OpenedReal {
		status = fmt.Sprintf("✅ Opened on %d account(s)", len(result.EntryIDs))
	}
	msg := fmt.Sprintf("*%s %s*\n%s\n_confidence %d_", bundle.Symbol, bundle.Side, status, bundle.Eval.Confidence)
	if result.SingleIgnoredBecauseMultiOpened {
		msg += "\n_single account skipped: multi already opened_"
	}
	return msg
}

// PublishManual broadcasts a CLI/admin-triggered manual order: unlike
// PublishExecution it never touches the Tide Gate's day/TW counters,
// since a manual override bypasses the Tide Gate entirely.
func (b *Bookkeeper) PublishManual(userID, symbol string, side model.Side, result model.ExecuteResult, now time.Time) {
	if b.Hub != nil {
		b.Hub.Broadcast(wshub.DecisionEvent{
			Type: "manual_execute", UserID: userID, Symbol: symbol,
			Side: string(side), Timestamp: now.UnixMilli(),
		})
	}
	if b.Notify != nil {
		status := "❌ No account opened"
		if result.OpenedReal {
			status = fmt.Sprintf("✅ Opened on %d account(s)", len(result.EntryIDs))
		}
		b.Notify.Notify(fmt.Sprintf("🛠️ *Manual order: %s %s*\n%s", symbol, side, status))
	}
}

// PublishClose pushes a websocket event and Telegram notice for a
// position close classification (SL/TP/MANUAL) from the TP monitor.
func (b *Bookkeeper) PublishClose(userID, symbol string, result model.CloseResult, now time.Time) {
	if b.Hub != nil {
		b.Hub.Broadcast(wshub.DecisionEvent{
			Type: "close", UserID: userID, Symbol: symbol,
			Detail: string(result), Timestamp: now.UnixMilli(),
		})
	}
	if b.Notify != nil {
		b.Notify.Notify(fmt.Sprintf("📉 *%s closed* — %s", symbol, result))
	}
}
