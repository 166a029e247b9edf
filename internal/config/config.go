// Package config loads the engine's runtime configuration from the
// environment, the way the teacher's own config loader does (a .env
// file via godotenv, then os.Getenv with a parsed default for every
// knob), grown into a section-per-concern struct for the larger set
// of options this engine needs.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// SchedulerConfig governs the main tick loop.
type SchedulerConfig struct {
	TickSec       int
	M5MaxDelaySec int
	M30SlotGraceSec int
}

// TideConfig governs the Tide Gate.
type TideConfig struct {
	WindowHours       float64
	EntryLateOnly     bool
	EntryLateFromHrs  float64
	EntryLateToHrs    float64
	MaxOrdersPerDay   int
	MaxOrdersPerTW    int
	CounterScope      string // per_user | global
	Lat               float64
	Lon               float64
	LocalZone         string // IANA zone for local-date keys, e.g. Asia/Ho_Chi_Minh
	ProviderZone      string // IANA zone the tide provider's own timestamps are read in
}

// FlipGuardConfig governs the M30 flip-guard in the decision pipeline.
type FlipGuardConfig struct {
	Enabled         bool
	StableMinSec    int
	NeedConsecN     int
	EnforceM5MatchM30 bool
}

// SpacingConfig governs M5 re-entry spacing.
type SpacingConfig struct {
	MinGapMin               int
	GapScopedToWindow       bool
	AllowSecondEntry        bool
	SecondEntryMinRetracePct float64
}

// M5GateConfig governs the M5 entry gate.
type M5GateConfig struct {
	WickPct         float64
	VolMultRelax    float64
	VolMultStrict   float64
	LookbackRelax   int
	LookbackStrict  int
	RelaxKind       string // either | rsi_only | candle_only
	EntrySeqWindowMin int
}

// ScoringConfig governs the multi-timeframe scorer.
type ScoringConfig struct {
	StochGapMin       float64
	StochSlopeMin     float64
	RSIGapMin         float64
	StochRecentN      int
	CrossRecentN      int
	HTFNearAlign      bool
	HTFMinAlignScore  float64
	HTFNearAlignGap   float64
	SynergyOn         bool
	M30TakeoverMin    float64
	ExtremeBlockOn    bool
	ExtremeRSIOB      float64
	ExtremeRSIOS      float64
	ExtremeStochOB    float64
	ExtremeStochOS    float64
	SonicMode         string // off | weight | veto
	SonicWeight       float64
	TFCrossBonus      float64
	TFAlignBonus      float64
	ExtremePenalty    float64
}

// RiskConfig governs the TP-by-time monitor and risk sentinel.
type RiskConfig struct {
	TPTimeHours     float64
	AutoLockOn2SL   bool
}

// ApprovalConfig governs the manual approval flow.
type ApprovalConfig struct {
	MaxPendingMinutes int
}

// ProvidersConfig governs the external kline/tide/moon HTTP endpoints
// internal/marketdata and internal/tidemoon consume.
type ProvidersConfig struct {
	KlineBaseURL string
	TideBaseURL  string
	MoonBaseURL  string
	TideAPIKey   string
	MoonAPIKey   string
	CacheFile    string
}

// ServerConfig governs the websocket hub and the admin HTTP API.
type ServerConfig struct {
	ListenAddr      string
	AdminListenAddr string
	AllowedOrigins  []string
}

// AuthConfig governs the admin API's JWT issuance and the fallback
// username/password login used when Firebase Auth isn't configured.
type AuthConfig struct {
	JWTSecret          string
	AccessTokenMinutes int
	AdminUsername      string
	AdminPasswordHash  string
}

// VaultConfig governs the secrets backend.
type VaultConfig struct {
	Enabled bool
	Addr    string
	Token   string
}

// RedisConfig governs the counter store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DatabaseConfig governs the Postgres-backed record store.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// LoggingConfig governs internal/logging.
type LoggingConfig struct {
	Level      string
	JSONFormat bool
}

// TelegramConfig governs internal/notify.
type TelegramConfig struct {
	BotToken string
	ChatID   int64
}

// FirebaseConfig governs internal/userdir.
type FirebaseConfig struct {
	CredentialsFile string
}

// Config is the fully assembled runtime configuration.
type Config struct {
	Scheduler SchedulerConfig
	Tide      TideConfig
	FlipGuard FlipGuardConfig
	Spacing   SpacingConfig
	M5Gate    M5GateConfig
	Scoring   ScoringConfig
	Risk      RiskConfig
	Approval  ApprovalConfig
	Server    ServerConfig
	Auth      AuthConfig
	Vault     VaultConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	Telegram  TelegramConfig
	Firebase  FirebaseConfig
	Providers ProvidersConfig
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Printf("config: invalid float for %s=%q, using default %v", key, v, def)
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("config: invalid int for %s=%q, using default %v", key, v, def)
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Printf("config: invalid bool for %s=%q, using default %v", key, v, def)
	}
	return def
}

// Load reads .env (if present) then assembles the Config from the
// environment, falling back to defaults for anything unset. It never
// fails on a missing optional value — it logs and defaults, matching
// the teacher's own loader.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file found, relying on process environment")
	}

	cfg := &Config{
		Scheduler: SchedulerConfig{
			TickSec:         getInt("SCHEDULER_TICK_SEC", 15),
			M5MaxDelaySec:   getInt("M5_MAX_DELAY_SEC", 20),
			M30SlotGraceSec: getInt("M30_SLOT_GRACE_SEC", 60),
		},
		Tide: TideConfig{
			WindowHours:      getFloat("TIDE_WINDOW_HOURS", 2.5),
			EntryLateOnly:    getBool("ENTRY_LATE_ONLY", false),
			EntryLateFromHrs: getFloat("ENTRY_LATE_FROM_HRS", 1.0),
			EntryLateToHrs:   getFloat("ENTRY_LATE_TO_HRS", 2.5),
			MaxOrdersPerDay:  getInt("MAX_ORDERS_PER_DAY", 8),
			MaxOrdersPerTW:   getInt("MAX_ORDERS_PER_TIDE_WINDOW", 2),
			CounterScope:     getString("COUNTER_SCOPE", "per_user"),
			Lat:              getFloat("LAT", 32.7503),
			Lon:              getFloat("LON", 129.8777),
			LocalZone:        getString("LOCAL_TZ", "Asia/Ho_Chi_Minh"),
			ProviderZone:     getString("TIDE_PROVIDER_TZ", "Asia/Tokyo"),
		},
		FlipGuard: FlipGuardConfig{
			Enabled:           getBool("M30_FLIP_GUARD", true),
			StableMinSec:      getInt("M30_STABLE_MIN_SEC", 1800),
			NeedConsecN:       getInt("M30_NEED_CONSEC_N", 2),
			EnforceM5MatchM30: getBool("ENFORCE_M5_MATCH_M30", true),
		},
		Spacing: SpacingConfig{
			MinGapMin:                getInt("M5_MIN_GAP_MIN", 10),
			GapScopedToWindow:        getBool("M5_GAP_SCOPED_TO_WINDOW", true),
			AllowSecondEntry:         getBool("ALLOW_SECOND_ENTRY", true),
			SecondEntryMinRetracePct: getFloat("M5_SECOND_ENTRY_MIN_RETRACE_PCT", 0.3),
		},
		M5Gate: M5GateConfig{
			WickPct:           getFloat("M5_WICK_PCT", 0.25),
			VolMultRelax:      getFloat("M5_VOL_MULT_RELAX", 1.2),
			VolMultStrict:     getFloat("M5_VOL_MULT_STRICT", 1.8),
			LookbackRelax:     getInt("M5_LOOKBACK_RELAX", 3),
			LookbackStrict:    getInt("M5_LOOKBACK_STRICT", 2),
			RelaxKind:         getString("M5_RELAX_KIND", "either"),
			EntrySeqWindowMin: getInt("ENTRY_SEQ_WINDOW_MIN", 15),
		},
		Scoring: ScoringConfig{
			StochGapMin:      getFloat("STCH_GAP_MIN", 5.0),
			StochSlopeMin:    getFloat("STCH_SLOPE_MIN", 1.0),
			RSIGapMin:        getFloat("RSI_GAP_MIN", 2.0),
			StochRecentN:     getInt("STCH_RECENT_N", 3),
			CrossRecentN:     getInt("CROSS_RECENT_N", 3),
			HTFNearAlign:     getBool("HTF_NEAR_ALIGN", true),
			HTFMinAlignScore: getFloat("HTF_MIN_ALIGN_SCORE", 3.0),
			HTFNearAlignGap:  getFloat("HTF_NEAR_ALIGN_GAP", 1.5),
			SynergyOn:        getBool("SYNERGY_ON", true),
			M30TakeoverMin:   getFloat("M30_TAKEOVER_MIN", 4.0),
			ExtremeBlockOn:   getBool("EXTREME_BLOCK_ON", true),
			ExtremeRSIOB:     getFloat("EXTREME_RSI_OB", 70.0),
			ExtremeRSIOS:     getFloat("EXTREME_RSI_OS", 30.0),
			ExtremeStochOB:   getFloat("EXTREME_STOCH_OB", 80.0),
			ExtremeStochOS:   getFloat("EXTREME_STOCH_OS", 20.0),
			SonicMode:        getString("SONIC_MODE", "weight"),
			SonicWeight:      getFloat("SONIC_WEIGHT", 1.0),
			TFCrossBonus:     getFloat("TF_CROSS_BONUS", 2.0),
			TFAlignBonus:     getFloat("TF_ALIGN_BONUS", 1.0),
			ExtremePenalty:   getFloat("TF_EXTREME_PENALTY", 1.5),
		},
		Risk: RiskConfig{
			TPTimeHours:   getFloat("TP_TIME_HOURS", 6.0),
			AutoLockOn2SL: getBool("AUTO_LOCK_ON_2_SL", true),
		},
		Approval: ApprovalConfig{
			MaxPendingMinutes: getInt("MAX_PENDING_MINUTES", 15),
		},
		Server: ServerConfig{
			ListenAddr:      getString("LISTEN_ADDR", ":8081"),
			AdminListenAddr: getString("ADMIN_LISTEN_ADDR", ":8090"),
			AllowedOrigins:  strings.Split(getString("ALLOWED_ORIGINS", "*"), ","),
		},
		Auth: AuthConfig{
			JWTSecret:          getString("JWT_SECRET", "dev-secret-change-me"),
			AccessTokenMinutes: getInt("JWT_ACCESS_MINUTES", 60),
			AdminUsername:      getString("ADMIN_USERNAME", "admin"),
			AdminPasswordHash:  getString("ADMIN_PASSWORD_HASH", ""),
		},
		Vault: VaultConfig{
			Enabled: getBool("VAULT_ENABLED", false),
			Addr:    getString("VAULT_ADDR", "http://127.0.0.1:8200"),
			Token:   getString("VAULT_TOKEN", ""),
		},
		Redis: RedisConfig{
			Addr:     getString("REDIS_ADDR", "127.0.0.1:6379"),
			Password: getString("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Host:     getString("DB_HOST", "127.0.0.1"),
			Port:     getInt("DB_PORT", 5432),
			User:     getString("DB_USER", "tidepredator"),
			Password: getString("DB_PASSWORD", ""),
			Database: getString("DB_NAME", "tidepredator"),
			SSLMode:  getString("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level:      getString("LOG_LEVEL", "info"),
			JSONFormat: getBool("LOG_JSON", false),
		},
		Telegram: TelegramConfig{
			BotToken: getString("TELEGRAM_BOT_TOKEN", ""),
			ChatID:   int64(getInt("TELEGRAM_CHAT_ID", 0)),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: getString("FIREBASE_CREDENTIALS_FILE", "serviceAccountKey.json"),
		},
		Providers: ProvidersConfig{
			KlineBaseURL: getString("KLINE_BASE_URL", "https://fapi.binance.com/fapi/v1/klines"),
			TideBaseURL:  getString("TIDE_BASE_URL", "https://www.worldtides.info/api/v3"),
			MoonBaseURL:  getString("MOON_BASE_URL", "https://api.farmsense.net/v1/moonphases"),
			TideAPIKey:   getString("TIDE_API_KEY", ""),
			MoonAPIKey:   getString("MOON_API_KEY", ""),
			CacheFile:    getString("TIDEMOON_CACHE_FILE", "tidemoon_cache.json"),
		},
	}

	if len(cfg.Server.AllowedOrigins) == 1 && cfg.Server.AllowedOrigins[0] == "*" {
		log.Printf("config: ALLOWED_ORIGINS not set, defaulting to wildcard (dev only)")
	}

	return cfg
}
