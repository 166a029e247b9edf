// Package model holds the shared data types that flow between the
// decision pipeline, the tide gate, the execute hub and bookkeeping.
package model

import "time"

// Side is a trade direction.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideNone  Side = "NONE"
)

// Mode is the per-user trading mode.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// TideType is high or low tide.
type TideType string

const (
	TideHigh TideType = "HIGH"
	TideLow  TideType = "LOW"
)

// Zone discretizes an oscillator (RSI or Stoch %D) into five bands.
type Zone string

const (
	Z1 Zone = "Z1"
	Z2 Zone = "Z2"
	Z3 Zone = "Z3"
	Z4 Zone = "Z4"
	Z5 Zone = "Z5"
)

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
	Closed    bool
}

// AccountConfig describes one exchange account the Execute Hub can use.
type AccountConfig struct {
	Name      string
	Exchange  string
	SecretRef string
	Testnet   bool
	Pair      string
}

// UserSettings is the per-user configuration record.
type UserSettings struct {
	UserID               string
	Pair                 string
	RiskPercent          float64
	Leverage              int
	Mode                 Mode
	AutoEnabled          bool
	Balance              float64
	TideWindowHours      float64
	MaxOrdersPerDay      int
	MaxOrdersPerTW       int
	M5ReportEnabled      bool
	Accounts             []AccountConfig
	Lat                  float64
	Lon                  float64
}

// LastEntryMeta records the most recent accepted entry for the
// second-entry retrace rule.
type LastEntryMeta struct {
	WindowKey string
	Price     float64
	Side      Side
	At        time.Time
}

// UserState is the full mutable record the pipeline reads and writes.
type UserState struct {
	Settings         UserSettings
	TodayDate        string
	TodayCount       int
	TideWindowTrades map[string]int
	Pending          *ManualPending
	LastEntry        *LastEntryMeta
	LastM5Slot       int64
}

// TideEvent is a single high or low tide instant.
type TideEvent struct {
	Type     TideType
	CenterTS time.Time
}

// TideWindowResult is what the Tide Gate returns on success.
type TideWindowResult struct {
	WindowID  string
	TauHours  float64
	InLate    bool
	UsedDay   int64
	UsedTW    int64
}

// ScoringFrame is the per-timeframe output of the Scorer.
type ScoringFrame struct {
	Side       Side
	Score      float64
	ZoneRSI    Zone
	ZoneStoch  Zone
	MoveRSI    float64
	MoveStoch  float64
	Align      bool
	Slope      float64
	CrossRSI   bool
	CrossStoch bool
	DebugBag   map[string]any
}

// EvalResult is the Scorer's overall verdict.
type EvalResult struct {
	OK         bool
	Skip       string
	Signal     Side
	Confidence int
	FrameH4    ScoringFrame
	FrameM30   ScoringFrame
	FrameM5    ScoringFrame
	Text       string
}

// PendingStatus is a ManualPending lifecycle state.
type PendingStatus string

const (
	PendingPending      PendingStatus = "PENDING"
	PendingApproved     PendingStatus = "APPROVED"
	PendingRejected     PendingStatus = "REJECTED"
	PendingExpiredTide  PendingStatus = "EXPIRED_TIDE"
)

// PendingPayload is the frozen snapshot a ManualPending carries.
type PendingPayload struct {
	Symbol         string
	SuggestedSide  Side
	Frames         EvalResult
	SuggestedSL    float64
	SuggestedTP    float64
	RiskPercent    float64
	Leverage       int
}

// ManualPending is an approval-flow record awaiting a human decision.
type ManualPending struct {
	PID       string
	Status    PendingStatus
	Payload   PendingPayload
	CreatedAt time.Time
}

// OpenPosition is the user's currently open trade, if any.
type OpenPosition struct {
	Pair          string
	Side          Side
	Qty           float64
	EntryTime     time.Time
	TideCenter    time.Time
	TPDeadline    time.Time
	SLPrice       float64
	Simulation    bool
	TideWindowKey string
	SourceAccounts []string
}

// CloseResult classifies how an OpenPosition ended.
type CloseResult string

const (
	CloseSL     CloseResult = "SL"
	CloseTP     CloseResult = "TP"
	CloseManual CloseResult = "MANUAL"
)

// RiskSentinelDay is the day-scoped lock state.
type RiskSentinelDay struct {
	Date          string
	SLStreak      int
	LastResult    CloseResult
	LastWindowKey string
	Locked        bool
	LastUpdate    time.Time
}

// AccountResult is the per-account outcome of an Execute Hub attempt.
type AccountResult struct {
	Account string
	Opened  bool
	EntryID string
	Qty     float64
	SL      float64
	TP      float64
	Error   string
}

// ExecuteResult is the Execute Hub's aggregate outcome.
type ExecuteResult struct {
	OpenedReal              bool
	EntryIDs                []string
	PerAccount              []AccountResult
	SingleIgnoredBecauseMultiOpened bool
}

// GateBundle is what the Decision Pipeline hands to the Tide Gate and
// Execute Hub once every guard has passed.
type GateBundle struct {
	UserID   string
	Symbol   string
	Side     Side
	Eval     EvalResult
	Now      time.Time
	Slot     int64
	WindowID string
}
