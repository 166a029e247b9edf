// Package notify sends Telegram alerts and services the
// approve/reject callback flow, grounded directly on
// notification_service.go: the same persistent-chat-id-file pattern,
// the same inline-keyboard approval card, the same GetUpdatesChan
// command loop — redirected from the teacher's EXECUTE_/DISCARD_
// one-shot signal map to the spec's PENDING/APPROVED/REJECTED
// ManualPending lifecycle keyed by short pid.
package notify

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tidepredator/internal/logging"
	"tidepredator/internal/model"
)

// Service wraps a Telegram bot for alerts and approval callbacks.
type Service struct {
	bot       *tgbotapi.BotAPI
	chatID    int64
	chatFile  string
	logger    *logging.Logger
}

// New builds a Service from a bot token and optional pre-set chat id.
// Returns nil (not an error) when token is empty, matching the
// reference's "notifications disabled" fallback rather than failing
// engine startup over an optional integration.
func New(token string, chatID int64, chatFile string, logger *logging.Logger) *Service {
	if token == "" {
		logger.Warn("notify: TELEGRAM_BOT_TOKEN not set, notifications disabled", nil)
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		logger.Error(err, "notify: failed to init telegram bot", nil)
		return nil
	}

	svc := &Service{bot: bot, chatID: chatID, chatFile: chatFile, logger: logger}
	if svc.chatID == 0 && chatFile != "" {
		svc.chatID = svc.loadChatID()
	}
	return svc
}

func (s *Service) loadChatID() int64 {
	data, err := os.ReadFile(s.chatFile)
	if err != nil {
		return 0
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (s *Service) saveChatID(id int64) {
	if s.chatFile == "" {
		return
	}
	if err := os.WriteFile(s.chatFile, []byte(fmt.Sprintf("%d", id)), 0o644); err != nil {
		s.logger.Warn("notify: failed to persist chat id", map[string]any{"error": err.Error()})
	}
}

// Notify sends a plain Markdown message, fire-and-forget.
func (s *Service) Notify(msg string) {
	if s == nil || s.bot == nil || s.chatID == 0 {
		return
	}
	go func() {
		cfg := tgbotapi.NewMessage(s.chatID, msg)
		cfg.ParseMode = "Markdown"
		if _, err := s.bot.Send(cfg); err != nil {
			s.logger.Warn("notify: send failed", map[string]any{"error": err.Error()})
		}
	}()
}

// SendApprovalCard posts an interactive approval request for a pending
// signal, keyed by its short pid (see internal/approval).
func (s *Service) SendApprovalCard(pending model.ManualPending) {
	if s == nil || s.bot == nil || s.chatID == 0 {
		return
	}
	p := pending.Payload
	text := fmt.Sprintf(
		"🔔 *MANUAL APPROVAL REQUIRED*\n\n*Pair:* %s | *Side:* %s\n*Confidence:* %d\n*SL:* %.4f | *TP:* %.4f\n*Risk:* %.2f%% @ %dx\n*PID:* `%s`",
		p.Symbol, p.SuggestedSide, p.Frames.Confidence, p.SuggestedSL, p.SuggestedTP, p.RiskPercent*100, p.Leverage, pending.PID,
	)
	msg := tgbotapi.NewMessage(s.chatID, text)
	msg.ParseMode = "Markdown"
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ APPROVE", "APPROVE_"+pending.PID),
			tgbotapi.NewInlineKeyboardButtonData("❌ REJECT", "REJECT_"+pending.PID),
		),
	)
	if _, err := s.bot.Send(msg); err != nil {
		s.logger.Warn("notify: approval card send failed", map[string]any{"error": err.Error()})
	}
}

// Callbacks bundles the handlers StartEventListener dispatches to.
type Callbacks struct {
	Status   func() string
	Report   func() string
	Approve  func(pid string)
	Reject   func(pid string)
	Stop     func()
}

// StartEventListener polls Telegram updates for commands and
// approval-card button presses until the process exits; call it in
// its own goroutine.
func (s *Service) StartEventListener(cb Callbacks) {
	if s == nil || s.bot == nil {
		return
	}
	s.logger.Info("notify: listening for telegram events", nil)
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := s.bot.GetUpdatesChan(u)

	for update := range updates {
		if update.CallbackQuery != nil {
			data := update.CallbackQuery.Data
			switch {
			case strings.HasPrefix(data, "APPROVE_"):
				pid := strings.TrimPrefix(data, "APPROVE_")
				s.bot.Send(tgbotapi.NewCallback(update.CallbackQuery.ID, "🚀 Approved"))
				if cb.Approve != nil {
					cb.Approve(pid)
				}
			case strings.HasPrefix(data, "REJECT_"):
				pid := strings.TrimPrefix(data, "REJECT_")
				s.bot.Send(tgbotapi.NewCallback(update.CallbackQuery.ID, "🗑️ Rejected"))
				if cb.Reject != nil {
					cb.Reject(pid)
				}
				del := tgbotapi.NewDeleteMessage(update.CallbackQuery.Message.Chat.ID, update.CallbackQuery.Message.MessageID)
				s.bot.Send(del)
			}
			continue
		}

		if update.Message == nil {
			continue
		}

		if s.chatID == 0 {
			s.chatID = update.Message.Chat.ID
			s.Notify("🔔 Bot connected. Notifications enabled.")
		}

		if !update.Message.IsCommand() {
			continue
		}
		switch update.Message.Command() {
		case "status":
			if cb.Status != nil {
				s.Notify(cb.Status())
			}
		case "start":
			if s.chatID == 0 || s.chatID != update.Message.Chat.ID {
				s.chatID = update.Message.Chat.ID
				s.saveChatID(s.chatID)
			}
			s.Notify("🚀 Connection established. Monitoring tide windows.")
		case "stop":
			s.Notify("🛑 Stop requested. Halting auto-execution.")
			if cb.Stop != nil {
				cb.Stop()
			}
		case "report":
			if cb.Report != nil {
				s.Notify(cb.Report())
			}
		}
	}
}
