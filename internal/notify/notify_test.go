package notify

import (
	"os"
	"path/filepath"
	"testing"

	"tidepredator/internal/logging"
	"tidepredator/internal/model"
)

func TestNewReturnsNilWhenTokenEmpty(t *testing.T) {
	logger := logging.New(logging.INFO, false)
	svc := New("", 0, "", logger)
	if svc != nil {
		t.Fatalf("expected nil Service when token is empty, got %v", svc)
	}
}

func TestNotifyIsNoopOnNilService(t *testing.T) {
	var svc *Service
	// Must not panic when called on a nil receiver (the "disabled"
	// sentinel every Telegram-optional call site returns from New).
	svc.Notify("hello")
}

func TestSendApprovalCardIsNoopOnNilService(t *testing.T) {
	var svc *Service
	svc.SendApprovalCard(model.ManualPending{PID: "abc123"})
}

func TestLoadAndSaveChatIDRoundTrip(t *testing.T) {
	dir := t.TempDir()
	chatFile := filepath.Join(dir, "chat_id.txt")
	logger := logging.New(logging.INFO, false)
	svc := &Service{chatFile: chatFile, logger: logger}

	svc.saveChatID(12345)
	data, err := os.ReadFile(chatFile)
	if err != nil {
		t.Fatalf("expected chat id file to be written: %v", err)
	}
	if string(data) != "12345" {
		t.Fatalf("expected chat id file to contain 12345, got %q", data)
	}

	got := svc.loadChatID()
	if got != 12345 {
		t.Fatalf("expected loadChatID to round-trip 12345, got %d", got)
	}
}

func TestLoadChatIDMissingFileReturnsZero(t *testing.T) {
	logger := logging.New(logging.INFO, false)
	svc := &Service{chatFile: filepath.Join(t.TempDir(), "missing.txt"), logger: logger}
	if got := svc.loadChatID(); got != 0 {
		t.Fatalf("expected 0 for missing chat id file, got %d", got)
	}
}
