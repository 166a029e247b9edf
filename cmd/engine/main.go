// Command engine wires every package into the running trading
// controller, the way main.go wires CoinManager, ExecutionService,
// NotificationService and the signal hubs together — generalized from
// one hardcoded symbol/account to the per-user UserDirectory the
// scheduler drives, and from os.Getenv scattered through main() to a
// single config.Load() at startup.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tidepredator/internal/adminapi"
	"tidepredator/internal/approval"
	"tidepredator/internal/broadcast"
	"tidepredator/internal/config"
	"tidepredator/internal/execute"
	"tidepredator/internal/logging"
	"tidepredator/internal/marketdata"
	"tidepredator/internal/model"
	"tidepredator/internal/notify"
	"tidepredator/internal/pipeline"
	"tidepredator/internal/scheduler"
	"tidepredator/internal/secrets"
	"tidepredator/internal/sentinel"
	"tidepredator/internal/storage"
	"tidepredator/internal/storage/pgstore"
	"tidepredator/internal/storage/redisstore"
	"tidepredator/internal/tidegate"
	"tidepredator/internal/tidemoon"
	"tidepredator/internal/tpmonitor"
	"tidepredator/internal/userdir"
	"tidepredator/internal/wshub"

	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	logger := logging.New(logging.ParseLevel(os.Getenv("LOG_LEVEL")), cfg.Logging.JSONFormat)
	logger.Info("engine: starting", map[string]any{"tick_sec": cfg.Scheduler.TickSec})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persisted-state backends: Redis gives the Tide Gate's day/TW
	// quota counters atomic Incr, Postgres holds every structured
	// record (user settings, pending approvals, sentinel state).
	counterStore := redisstore.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	pgStore, err := pgstore.New(ctx, pgstore.Config{
		Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
		Password: cfg.Database.Password, Database: cfg.Database.Database, SSLMode: cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Fatal(err, "engine: failed to connect to postgres record store", nil)
	}
	defer pgStore.Close()

	var recordStore storage.RecordStore = pgStore
	var fullStore storage.Store = pgStore

	secretsClient, err := secrets.New(secrets.Config{
		Enabled: cfg.Vault.Enabled, Addr: cfg.Vault.Addr, Token: cfg.Vault.Token, Mount: "secret",
	})
	if err != nil {
		logger.Fatal(err, "engine: failed to init secrets client", nil)
	}

	market := marketdata.New(cfg.Providers.KlineBaseURL)
	tideProvider := tidemoon.NewHTTPProvider(cfg.Providers.TideBaseURL, cfg.Providers.MoonBaseURL,
		cfg.Providers.TideAPIKey, cfg.Providers.MoonAPIKey, cfg.Providers.CacheFile)

	localZone, err := time.LoadLocation(cfg.Tide.LocalZone)
	if err != nil {
		logger.Warn("engine: invalid LOCAL_TZ, defaulting to UTC", map[string]any{"zone": cfg.Tide.LocalZone})
		localZone = time.UTC
	}

	gate := tidegate.New(tidegate.Config{
		TideWindowHours:  cfg.Tide.WindowHours,
		EntryLateOnly:    cfg.Tide.EntryLateOnly,
		EntryLateFromHrs: cfg.Tide.EntryLateFromHrs,
		EntryLateToHrs:   cfg.Tide.EntryLateToHrs,
		MaxOrdersPerDay:  cfg.Tide.MaxOrdersPerDay,
		MaxOrdersPerTW:   cfg.Tide.MaxOrdersPerTW,
		CounterScope:     cfg.Tide.CounterScope,
		LocalZone:        localZone,
	}, counterStore)

	riskSentinel := sentinel.New(recordStore)
	pl := pipeline.New(market, tideProvider, gate, riskSentinel, recordStore, cfg)
	hub := execute.New(execute.DefaultFactory(secretsClient))
	approvalFlow := approval.New(recordStore, cfg.Approval.MaxPendingMinutes)

	wsHub := wshub.New(logger.With("wshub"))
	throttler := wshub.NewTickerThrottler(wsHub, 2*time.Second)
	throttlerDone := make(chan struct{})
	go throttler.Start(throttlerDone)
	defer close(throttlerDone)

	notifier := notify.New(cfg.Telegram.BotToken, cfg.Telegram.ChatID, "telegram_chat_id.txt", logger.With("notify"))
	if notifier != nil {
		notifier.Notify("🚀 *Engine restarted* — tide-window controller online")
	}

	bookkeeper := broadcast.New(gate, wsHub, notifier)
	directory := userdir.New(fullStore, logger.With("userdir"))

	// Per-user TP-monitor factory: resolves the user's primary account
	// (the last declared, the same SINGLE account Execute falls back to)
	// into a live exchange client on every call, matching the scheduler's
	// "build collaborators per tick" contract rather than caching a
	// stateful client across ticks.
	tpMonitorFor := func(userID string) *tpmonitor.Monitor {
		settings, ok, err := directory.Get(ctx, userID)
		if err != nil || !ok || len(settings.Accounts) == 0 {
			return tpmonitor.New(nil, riskSentinel, zerolog.Nop(), cfg.Risk.AutoLockOn2SL)
		}
		account := settings.Accounts[len(settings.Accounts)-1]
		client, err := execute.DefaultFactory(secretsClient)(ctx, account)
		if err != nil {
			logger.Error(err, "engine: resolving tp monitor client failed", map[string]any{"user": userID})
			return tpmonitor.New(nil, riskSentinel, zerolog.Nop(), cfg.Risk.AutoLockOn2SL)
		}
		return tpmonitor.New(client, riskSentinel, zerolog.New(os.Stdout).With().Timestamp().Logger(), cfg.Risk.AutoLockOn2SL)
	}

	sched := scheduler.New(cfg, directory, positionStoreAdapter{recordStore}, pl, hub, tpMonitorFor,
		riskSentinel, approvalFlow, bookkeeper, tideProvider, logger.With("scheduler"), 8)

	if notifier != nil {
		go notifier.StartEventListener(notify.Callbacks{
			Status: func() string { return "engine running" },
			Report: func() string { return "tide report requested" },
			Approve: func(pid string) {
				approveAllUsers(ctx, directory, sched, logger)
			},
			Reject: func(pid string) {
				rejectAllUsers(ctx, directory, pid, sched, logger)
			},
			Stop: cancel,
		})
	}

	go sched.Run(ctx)

	firebaseAuth, err := userdir.NewAuthClient(ctx, cfg.Firebase.CredentialsFile, logger.With("userdir"))
	if err != nil {
		logger.Error(err, "engine: firebase auth init failed, dashboard login falls back to password only", nil)
	}

	httpMux := newHTTPMux(wsHub)
	go func() {
		logger.Info("engine: websocket hub listening", map[string]any{"addr": cfg.Server.ListenAddr})
		if err := runHTTP(cfg.Server.ListenAddr, httpMux); err != nil {
			logger.Error(err, "engine: websocket server stopped", nil)
		}
	}()

	adminSrv := adminapi.New(adminapi.Config{
		ListenAddr:        cfg.Server.AdminListenAddr,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		JWTSecret:         cfg.Auth.JWTSecret,
		AccessTokenTTL:    time.Duration(cfg.Auth.AccessTokenMinutes) * time.Minute,
		AdminUsername:     cfg.Auth.AdminUsername,
		AdminPasswordHash: cfg.Auth.AdminPasswordHash,
		ProductionMode:    os.Getenv("ENV") == "production",
	}, firebaseAuth, directory, sched, logger.With("adminapi"))

	go func() {
		logger.Info("engine: admin api listening", map[string]any{"addr": cfg.Server.AdminListenAddr})
		if err := adminSrv.Run(); err != nil {
			logger.Error(err, "engine: admin api stopped", nil)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("engine: shutdown signal received", nil)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = adminSrv.Shutdown(shutdownCtx)
}

// positionStoreAdapter satisfies scheduler.PositionStore over the
// RecordStore's generic JSON get/put, keyed per user.
type positionStoreAdapter struct {
	store storage.RecordStore
}

func (a positionStoreAdapter) LoadOpenPosition(ctx context.Context, userID string) (*model.OpenPosition, error) {
	var pos model.OpenPosition
	ok, err := a.store.GetJSON(ctx, "openposition:"+userID, &pos)
	if err != nil || !ok {
		return nil, err
	}
	return &pos, nil
}

func (a positionStoreAdapter) SaveOpenPosition(ctx context.Context, userID string, pos *model.OpenPosition) error {
	if pos == nil {
		return a.store.Delete(ctx, "openposition:"+userID)
	}
	return a.store.PutJSON(ctx, "openposition:"+userID, pos)
}

// approveAllUsers resolves the Telegram bot's single chat to every
// active user with a pending signal and approves each — the bot has
// one chat id, but the directory may hold several trading accounts.
func approveAllUsers(ctx context.Context, directory *userdir.Directory, sched *scheduler.Scheduler, logger *logging.Logger) {
	users, err := directory.ActiveUsers(ctx)
	if err != nil {
		logger.Error(err, "engine: approve callback: list active users failed", nil)
		return
	}
	for _, settings := range users {
		if err := sched.ApprovePending(ctx, settings, timeNow()); err != nil {
			logger.Error(err, "engine: approve callback failed", map[string]any{"user": settings.UserID})
		}
	}
}

func rejectAllUsers(ctx context.Context, directory *userdir.Directory, pid string, sched *scheduler.Scheduler, logger *logging.Logger) {
	users, err := directory.ActiveUsers(ctx)
	if err != nil {
		logger.Error(err, "engine: reject callback: list active users failed", nil)
		return
	}
	for _, settings := range users {
		if err := sched.RejectPending(ctx, settings.UserID, pid); err != nil {
			logger.Error(err, "engine: reject callback failed", map[string]any{"user": settings.UserID})
		}
	}
}

func timeNow() time.Time { return time.Now() }
