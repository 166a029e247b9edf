// Package userdir is the Ambient user directory: it persists
// UserSettings records behind internal/storage (the same RecordStore
// the Risk Sentinel and Approval Store use for their own per-user
// records) and verifies Firebase ID tokens for dashboard login, the
// way push_service.go loads its serviceAccountKey.json and disables
// itself gracefully when Firebase isn't configured rather than
// failing engine startup over an optional integration.
package userdir

import (
	"context"
	"fmt"
	"sync"

	"tidepredator/internal/logging"
	"tidepredator/internal/model"
	"tidepredator/internal/storage"
)

const indexKey = "userdir:index"

func settingsKey(userID string) string {
	return fmt.Sprintf("userdir:settings:%s", userID)
}

// Directory persists UserSettings records and satisfies
// scheduler.UserDirectory (ActiveUsers). It is the single place
// internal/adminapi reads and writes settings, mode changes and
// preset applications from, so every surface (scheduler tick,
// Telegram command, HTTP admin call) sees the same record.
type Directory struct {
	store  storage.Store
	logger *logging.Logger
	mu     sync.Mutex
}

// New builds a Directory over the given RecordStore-backed Store.
func New(store storage.Store, logger *logging.Logger) *Directory {
	return &Directory{store: store, logger: logger}
}

// ActiveUsers implements scheduler.UserDirectory: it loads the user-id
// index and reads each settings record, skipping (with a warning, not
// a hard failure) any record that fails to decode rather than letting
// one corrupt entry take down the whole tick.
func (d *Directory) ActiveUsers(ctx context.Context) ([]model.UserSettings, error) {
	ids, err := d.index(ctx)
	if err != nil {
		return nil, fmt.Errorf("userdir: load index: %w", err)
	}

	out := make([]model.UserSettings, 0, len(ids))
	for _, id := range ids {
		settings, ok, err := d.Get(ctx, id)
		if err != nil {
			d.logger.Error(err, "userdir: skipping unreadable settings record", map[string]any{"user_id": id})
			continue
		}
		if !ok {
			continue
		}
		out = append(out, settings)
	}
	return out, nil
}

// Get loads a single user's settings record.
func (d *Directory) Get(ctx context.Context, userID string) (model.UserSettings, bool, error) {
	var settings model.UserSettings
	ok, err := d.store.GetJSON(ctx, settingsKey(userID), &settings)
	if err != nil {
		return model.UserSettings{}, false, err
	}
	return settings, ok, nil
}

// Put creates or replaces a user's settings record and registers the
// user id in the index if it isn't already present.
func (d *Directory) Put(ctx context.Context, settings model.UserSettings) error {
	if settings.UserID == "" {
		return fmt.Errorf("userdir: settings.UserID is required")
	}
	if err := d.store.PutJSON(ctx, settingsKey(settings.UserID), settings); err != nil {
		return fmt.Errorf("userdir: put settings: %w", err)
	}
	return d.addToIndex(ctx, settings.UserID)
}

// UpdateMode applies a mode change (auto/manual) to an existing user,
// the handler for the CLI surface's "mode change" command.
func (d *Directory) UpdateMode(ctx context.Context, userID string, mode model.Mode) (model.UserSettings, error) {
	return d.mutate(ctx, userID, func(s *model.UserSettings) { s.Mode = mode })
}

// UpdateTrading applies the CLI surface's "settings update" command:
// pair, risk% and leverage. A zero value leaves the existing field
// untouched, so a partial update (e.g. risk% only) is a single call.
func (d *Directory) UpdateTrading(ctx context.Context, userID, pair string, riskPercent float64, leverage int) (model.UserSettings, error) {
	return d.mutate(ctx, userID, func(s *model.UserSettings) {
		if pair != "" {
			s.Pair = pair
		}
		if riskPercent > 0 {
			s.RiskPercent = riskPercent
		}
		if leverage > 0 {
			s.Leverage = leverage
		}
	})
}

// ApplyPreset nudges risk% and leverage to the operational values the
// spec's P1..P4 moon-illumination regimes recommend, the CLI surface's
// "preset application" command. Callers (internal/adminapi) resolve
// the preset code to concrete values and pass them straight through.
func (d *Directory) ApplyPreset(ctx context.Context, userID string, riskPercent float64, leverage int) (model.UserSettings, error) {
	return d.mutate(ctx, userID, func(s *model.UserSettings) {
		s.RiskPercent = riskPercent
		s.Leverage = leverage
	})
}

func (d *Directory) mutate(ctx context.Context, userID string, fn func(*model.UserSettings)) (model.UserSettings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	settings, ok, err := d.Get(ctx, userID)
	if err != nil {
		return model.UserSettings{}, err
	}
	if !ok {
		return model.UserSettings{}, fmt.Errorf("userdir: no settings record for user %q", userID)
	}
	fn(&settings)
	if err := d.store.PutJSON(ctx, settingsKey(userID), settings); err != nil {
		return model.UserSettings{}, fmt.Errorf("userdir: save settings: %w", err)
	}
	return settings, nil
}

func (d *Directory) index(ctx context.Context) ([]string, error) {
	var ids []string
	_, err := d.store.GetJSON(ctx, indexKey, &ids)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (d *Directory) addToIndex(ctx context.Context, userID string) error {
	ids, err := d.index(ctx)
	if err != nil {
		return fmt.Errorf("userdir: load index: %w", err)
	}
	for _, id := range ids {
		if id == userID {
			return nil
		}
	}
	ids = append(ids, userID)
	return d.store.PutJSON(ctx, indexKey, ids)
}
