// Package approval implements the Manual Approval Flow: pending-signal
// lifecycle (PENDING/APPROVED/REJECTED/EXPIRED_TIDE) with TTL-based
// auto-rejection, grounded on core/approval_flow.py (uuid4()[:8] pids)
// and notification_service.go's pending-signal callback plumbing.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tidepredator/internal/model"
	"tidepredator/internal/storage"
)

func pendingKey(userID string) string {
	return fmt.Sprintf("pending:%s", userID)
}

// Flow persists and transitions ManualPending records.
type Flow struct {
	store             storage.RecordStore
	maxPendingMinutes int
}

// New builds a Flow over store with the given pending TTL.
func New(store storage.RecordStore, maxPendingMinutes int) *Flow {
	return &Flow{store: store, maxPendingMinutes: maxPendingMinutes}
}

// CreatePending stores a new PENDING record for userID and returns it.
// The short id matches the original's str(uuid.uuid4())[:8].
func (f *Flow) CreatePending(ctx context.Context, userID string, payload model.PendingPayload) (*model.ManualPending, error) {
	pid := uuid.New().String()[:8]
	pending := &model.ManualPending{
		PID:       pid,
		Status:    model.PendingPending,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := f.store.PutJSON(ctx, pendingKey(userID), pending); err != nil {
		return nil, fmt.Errorf("approval: create pending: %w", err)
	}
	return pending, nil
}

// Get loads the current pending record for userID, if any.
func (f *Flow) Get(ctx context.Context, userID string) (*model.ManualPending, error) {
	var pending model.ManualPending
	ok, err := f.store.GetJSON(ctx, pendingKey(userID), &pending)
	if err != nil {
		return nil, fmt.Errorf("approval: get pending: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &pending, nil
}

// Clear removes the pending record for userID after execute or rejection.
func (f *Flow) Clear(ctx context.Context, userID string) error {
	return f.store.Delete(ctx, pendingKey(userID))
}

func (f *Flow) set(ctx context.Context, userID string, pending *model.ManualPending) error {
	return f.store.PutJSON(ctx, pendingKey(userID), pending)
}

// Reject marks the pending record REJECTED. Re-rejecting an unknown or
// already-resolved pid is an InvariantViolation, not fatal.
func (f *Flow) Reject(ctx context.Context, userID, pid string) error {
	pending, err := f.Get(ctx, userID)
	if err != nil {
		return err
	}
	if pending == nil || pending.PID != pid || pending.Status != model.PendingPending {
		return &model.InvariantViolation{What: fmt.Sprintf("reject: unknown or resolved pid %s for user %s", pid, userID)}
	}
	pending.Status = model.PendingRejected
	return f.set(ctx, userID, pending)
}

// ExpireIfStale auto-rejects a pending record older than
// maxPendingMinutes, matching the spec's MAX_PENDING_MINUTES TTL.
// Returns true if it expired this record.
func (f *Flow) ExpireIfStale(ctx context.Context, userID string, now time.Time) (bool, error) {
	pending, err := f.Get(ctx, userID)
	if err != nil || pending == nil {
		return false, err
	}
	if pending.Status != model.PendingPending {
		return false, nil
	}
	if now.Sub(pending.CreatedAt) > time.Duration(f.maxPendingMinutes)*time.Minute {
		pending.Status = model.PendingRejected
		return true, f.set(ctx, userID, pending)
	}
	return false, nil
}

// MarkExpiredTide transitions a pending record to EXPIRED_TIDE because
// a re-run of the Tide Gate at approval time failed.
func (f *Flow) MarkExpiredTide(ctx context.Context, userID, pid string) error {
	pending, err := f.Get(ctx, userID)
	if err != nil {
		return err
	}
	if pending == nil || pending.PID != pid {
		return &model.InvariantViolation{What: fmt.Sprintf("expire: unknown pid %s for user %s", pid, userID)}
	}
	pending.Status = model.PendingExpiredTide
	return f.set(ctx, userID, pending)
}

// MarkApproved transitions a pending record to APPROVED after B and C
// have both run successfully.
func (f *Flow) MarkApproved(ctx context.Context, userID, pid string) error {
	pending, err := f.Get(ctx, userID)
	if err != nil {
		return err
	}
	if pending == nil || pending.PID != pid {
		return &model.InvariantViolation{What: fmt.Sprintf("approve: unknown pid %s for user %s", pid, userID)}
	}
	pending.Status = model.PendingApproved
	return f.set(ctx, userID, pending)
}
