package userdir

import (
	"context"
	"encoding/json"
	"testing"

	"tidepredator/internal/logging"
	"tidepredator/internal/model"
)

type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (m *memStore) PutJSON(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[key] = b
	return nil
}

func (m *memStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	b, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dest)
}

func (m *memStore) SetString(ctx context.Context, key, value string) error {
	m.data[key] = []byte(value)
	return nil
}

func (m *memStore) GetString(ctx context.Context, key string) (string, bool, error) {
	b, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	return string(b), true, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func (m *memStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	var n int64
	if b, ok := m.data[key]; ok {
		json.Unmarshal(b, &n)
	}
	n += delta
	b, _ := json.Marshal(n)
	m.data[key] = b
	return n, nil
}

func (m *memStore) Get(ctx context.Context, key string) (int64, error) {
	var n int64
	if b, ok := m.data[key]; ok {
		json.Unmarshal(b, &n)
	}
	return n, nil
}

func newTestDirectory() *Directory {
	return New(newMemStore(), logging.New(logging.INFO, false))
}

func TestPutThenActiveUsersReturnsSavedSettings(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory()

	if err := d.Put(ctx, model.UserSettings{UserID: "u1", Pair: "BTCUSDT", RiskPercent: 0.02, Leverage: 10}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := d.Put(ctx, model.UserSettings{UserID: "u2", Pair: "ETHUSDT", RiskPercent: 0.01, Leverage: 5}); err != nil {
		t.Fatalf("put: %v", err)
	}

	users, err := d.ActiveUsers(ctx)
	if err != nil {
		t.Fatalf("active users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 active users, got %d", len(users))
	}
}

func TestPutTwiceDoesNotDuplicateIndexEntry(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory()

	settings := model.UserSettings{UserID: "u1", Pair: "BTCUSDT", RiskPercent: 0.02, Leverage: 10}
	if err := d.Put(ctx, settings); err != nil {
		t.Fatalf("put: %v", err)
	}
	settings.RiskPercent = 0.03
	if err := d.Put(ctx, settings); err != nil {
		t.Fatalf("put: %v", err)
	}

	users, err := d.ActiveUsers(ctx)
	if err != nil {
		t.Fatalf("active users: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 active user after re-put, got %d", len(users))
	}
	if users[0].RiskPercent != 0.03 {
		t.Fatalf("expected updated risk percent 0.03, got %v", users[0].RiskPercent)
	}
}

func TestUpdateTradingLeavesZeroFieldsUntouched(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory()

	if err := d.Put(ctx, model.UserSettings{UserID: "u1", Pair: "BTCUSDT", RiskPercent: 0.02, Leverage: 10}); err != nil {
		t.Fatalf("put: %v", err)
	}

	updated, err := d.UpdateTrading(ctx, "u1", "", 0.05, 0)
	if err != nil {
		t.Fatalf("update trading: %v", err)
	}
	if updated.Pair != "BTCUSDT" {
		t.Fatalf("expected pair untouched, got %q", updated.Pair)
	}
	if updated.RiskPercent != 0.05 {
		t.Fatalf("expected risk percent updated to 0.05, got %v", updated.RiskPercent)
	}
	if updated.Leverage != 10 {
		t.Fatalf("expected leverage untouched, got %d", updated.Leverage)
	}
}

func TestUpdateModeUnknownUserReturnsError(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory()

	if _, err := d.UpdateMode(ctx, "ghost", model.ModeManual); err == nil {
		t.Fatalf("expected error updating mode for unknown user")
	}
}

func TestApplyPresetOverridesRiskAndLeverage(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory()

	if err := d.Put(ctx, model.UserSettings{UserID: "u1", Pair: "BTCUSDT", RiskPercent: 0.02, Leverage: 10}); err != nil {
		t.Fatalf("put: %v", err)
	}

	updated, err := d.ApplyPreset(ctx, "u1", 0.01, 3)
	if err != nil {
		t.Fatalf("apply preset: %v", err)
	}
	if updated.RiskPercent != 0.01 || updated.Leverage != 3 {
		t.Fatalf("expected preset values applied, got %+v", updated)
	}
}

func TestNewAuthClientReturnsNilWhenCredentialsFileMissing(t *testing.T) {
	client, err := NewAuthClient(context.Background(), "/nonexistent/serviceAccountKey.json", logging.New(logging.INFO, false))
	if err != nil {
		t.Fatalf("expected no error for missing credentials, got %v", err)
	}
	if client != nil {
		t.Fatalf("expected nil client when credentials file is missing")
	}
}

func TestVerifyIDTokenOnNilClientReturnsError(t *testing.T) {
	var client *AuthClient
	if _, _, err := client.VerifyIDToken(context.Background(), "token"); err == nil {
		t.Fatalf("expected error verifying token on nil client")
	}
}
