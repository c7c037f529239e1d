package domain

import "time"

// WindowStatus is the dashboard view of one asset's window machine.
type WindowStatus struct {
	Asset         string    `json:"asset"`
	State         string    `json:"state"`
	Slug          string    `json:"slug,omitempty"`
	ConditionID   string    `json:"condition_id,omitempty"`
	OpenPrice     float64   `json:"open_price,omitempty"`
	Spot          float64   `json:"spot,omitempty"`
	MovePct       float64   `json:"move_pct,omitempty"`
	FairYes       float64   `json:"fair_yes,omitempty"`
	FairNo        float64   `json:"fair_no,omitempty"`
	ClobYesMid    float64   `json:"clob_yes_mid,omitempty"`
	ClobNoMid     float64   `json:"clob_no_mid,omitempty"`
	EdgeYes       float64   `json:"edge_yes,omitempty"`
	EdgeNo        float64   `json:"edge_no,omitempty"`
	PairSum       float64   `json:"pair_sum,omitempty"`
	SecondsLeft   float64   `json:"seconds_left,omitempty"`
	EpisodeOpen   bool      `json:"episode_open"`
	EpisodePeak   float64   `json:"episode_peak,omitempty"`
	EpisodeSince  time.Time `json:"episode_since,omitempty"`
	LastTickAt    time.Time `json:"last_tick_at,omitempty"`
	LastBookAt    time.Time `json:"last_book_at,omitempty"`
	OpenTradeID   string    `json:"open_trade_id,omitempty"`
	OpenTradeSide Side      `json:"open_trade_side,omitempty"`
}

// FeedStatus is the dashboard view of one upstream feed.
type FeedStatus struct {
	Name      string    `json:"name"`
	Connected bool      `json:"connected"`
	LastMsgAt time.Time `json:"last_msg_at,omitempty"`
	LatencyMs int64     `json:"latency_ms"` // receive delay of the last message with an event time
	Stale     bool      `json:"stale"`
}

// TradeStats aggregates settled trade results for the dashboard.
type TradeStats struct {
	Total        int     `json:"total"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	TotalPnL     float64 `json:"total_pnl"`
	AvgEdge      float64 `json:"avg_edge"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// RiskSnapshot is a point-in-time view of the risk ledger.
type RiskSnapshot struct {
	Balance     float64   `json:"balance"`
	Seed        float64   `json:"seed"`
	TotalPnL    float64   `json:"total_pnl"` // lifetime: balance minus seed
	SessionPnL  float64   `json:"session_pnl"`
	DailyPnL    float64   `json:"daily_pnl"`
	Reserved    float64   `json:"reserved"`
	DailyCap    float64   `json:"daily_cap"`
	CapRemains  float64   `json:"cap_remaining"`
	OpenTrades  int       `json:"open_trades"`
	KillSwitch  bool      `json:"kill_switch"`
	Day         string    `json:"day"` // UTC day the daily figures cover
	GeneratedAt time.Time `json:"generated_at"`
}

// Status is the full dashboard payload served by the API.
type Status struct {
	GeneratedAt        time.Time          `json:"generated_at"`
	Uptime             float64            `json:"uptime_seconds"`
	Paused             bool               `json:"paused"`
	DryRun             bool               `json:"dry_run"`
	DryRunFills        int64              `json:"dry_run_fills,omitempty"`
	PendingRedemptions int                `json:"pending_redemptions,omitempty"`
	Spot               map[string]float64 `json:"spot"`
	ImpliedVol         map[string]float64 `json:"implied_vol"`
	Windows            []WindowStatus     `json:"windows"`
	Feeds              []FeedStatus       `json:"feeds"`
	Risk               RiskSnapshot       `json:"risk"`
	Stats              TradeStats         `json:"stats"`
}
