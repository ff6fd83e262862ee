// Package model defines the core domain types shared across the PnL engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types of the canonical ledger.
const (
	EventPerpFill     = "PERP_FILL"
	EventPerpFunding  = "PERP_FUNDING"
	EventPerpFee      = "PERP_FEE"
	EventSpotBuy      = "SPOT_BUY"
	EventSpotSell     = "SPOT_SELL"
	EventSpotTransIn  = "SPOT_TRANSFER_IN"
	EventSpotTransOut = "SPOT_TRANSFER_OUT"
)

// Raw source types.
const (
	SourceFill    = "fill"
	SourceFunding = "funding"
)

// Position sides.
const (
	SideLong  = "long"
	SideShort = "short"
)

// VenueHyperliquid is the only venue ingested today.
const VenueHyperliquid = "hyperliquid"

// Wallet is the identity every other record hangs off. Address is lowercase.
type Wallet struct {
	ID        int64     `json:"id" db:"id"`
	Address   string    `json:"address" db:"address"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RawEvent is an append-only copy of an upstream record. It is never
// updated or deleted; UniqueKey dedupes repeated deliveries per wallet.
type RawEvent struct {
	ID         int64     `json:"id" db:"id"`
	WalletID   int64     `json:"wallet_id" db:"wallet_id"`
	SourceType string    `json:"source_type" db:"source_type"`
	Ts         time.Time `json:"ts" db:"ts"`
	UniqueKey  string    `json:"unique_key" db:"unique_key"`
	Payload    []byte    `json:"payload" db:"payload"`
}

// EconomicEvent is the typed, canonical form of a RawEvent. Day is the UTC
// calendar date of Ts and is the aggregation grain.
type EconomicEvent struct {
	ID             int64            `json:"id" db:"id"`
	WalletID       int64            `json:"wallet_id" db:"wallet_id"`
	Ts             time.Time        `json:"ts" db:"ts"`
	Day            time.Time        `json:"day" db:"day"`
	EventType      string           `json:"event_type" db:"event_type"`
	Venue          string           `json:"venue" db:"venue"`
	Market         string           `json:"market" db:"market"`
	Side           string           `json:"side,omitempty" db:"side"`
	Size           *decimal.Decimal `json:"size,omitempty" db:"size"`
	ExecPrice      *decimal.Decimal `json:"exec_price,omitempty" db:"exec_price"`
	UsdValue       *decimal.Decimal `json:"usd_value,omitempty" db:"usd_value"`
	RealizedPnlUsd *decimal.Decimal `json:"realized_pnl_usd,omitempty" db:"realized_pnl_usd"`
	FundingUsd     *decimal.Decimal `json:"funding_usd,omitempty" db:"funding_usd"`
	FeeUsd         *decimal.Decimal `json:"fee_usd,omitempty" db:"fee_usd"`
	TxHash         string           `json:"tx_hash,omitempty" db:"tx_hash"`
	DedupeKey      string           `json:"dedupe_key" db:"dedupe_key"`
	Meta           map[string]any   `json:"meta,omitempty" db:"meta"`
}

// DailyPnl is one derived row per (wallet, day). PerpsPnl is the net
// figure (closed + funding + fees); ClosedPnl is realized trading PnL only.
type DailyPnl struct {
	WalletID      int64           `json:"wallet_id" db:"wallet_id"`
	Day           time.Time       `json:"day" db:"day"`
	ClosedPnl     decimal.Decimal `json:"closed_pnl" db:"closed_pnl"`
	Funding       decimal.Decimal `json:"funding" db:"funding"`
	Fees          decimal.Decimal `json:"fees" db:"fees"`
	PerpsPnl      decimal.Decimal `json:"perps_pnl" db:"perps_pnl"`
	Volume        decimal.Decimal `json:"volume" db:"volume"`
	TradesCount   int             `json:"trades_count" db:"trades_count"`
	CumulativePnl decimal.Decimal `json:"cumulative_pnl" db:"cumulative_pnl"`
	Drawdown      decimal.Decimal `json:"drawdown" db:"drawdown"`
}

// MonthlyPnl is one derived row per (wallet, month). Month is the first day
// of the month in UTC.
type MonthlyPnl struct {
	WalletID       int64           `json:"wallet_id" db:"wallet_id"`
	Month          time.Time       `json:"month" db:"month"`
	TotalPnl       decimal.Decimal `json:"total_pnl" db:"total_pnl"`
	ClosedPnl      decimal.Decimal `json:"closed_pnl" db:"closed_pnl"`
	Funding        decimal.Decimal `json:"funding" db:"funding"`
	Fees           decimal.Decimal `json:"fees" db:"fees"`
	Volume         decimal.Decimal `json:"volume" db:"volume"`
	TradesCount    int             `json:"trades_count" db:"trades_count"`
	TradingDays    int             `json:"trading_days" db:"trading_days"`
	ProfitableDays int             `json:"profitable_days" db:"profitable_days"`
}

// ClosedTrade is a completed round trip on one market, flat to flat.
type ClosedTrade struct {
	WalletID         int64           `json:"wallet_id" db:"wallet_id"`
	Market           string          `json:"market" db:"market"`
	Side             string          `json:"side" db:"side"`
	EntryTime        time.Time       `json:"entry_time" db:"entry_time"`
	ExitTime         time.Time       `json:"exit_time" db:"exit_time"`
	Size             decimal.Decimal `json:"size" db:"size"`
	AvgEntryPrice    decimal.Decimal `json:"avg_entry_price" db:"avg_entry_price"`
	AvgExitPrice     decimal.Decimal `json:"avg_exit_price" db:"avg_exit_price"`
	RealizedPnl      decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	Fees             decimal.Decimal `json:"fees" db:"fees"`
	FundingAllocated decimal.Decimal `json:"funding_allocated" db:"funding_allocated"`
	NetPnl           decimal.Decimal `json:"net_pnl" db:"net_pnl"`
	NotionalValue    decimal.Decimal `json:"notional_value" db:"notional_value"`
	Leverage         decimal.Decimal `json:"effective_leverage" db:"effective_leverage"`
	DurationSeconds  int64           `json:"duration_seconds" db:"duration_seconds"`
	IsWin            bool            `json:"is_win" db:"is_win"`
}

// EquityCurvePoint is one sequential row per (wallet, day).
type EquityCurvePoint struct {
	WalletID       int64           `json:"wallet_id" db:"wallet_id"`
	Day            time.Time       `json:"day" db:"day"`
	StartingEquity decimal.Decimal `json:"starting_equity" db:"starting_equity"`
	EndingEquity   decimal.Decimal `json:"ending_equity" db:"ending_equity"`
	NetChange      decimal.Decimal `json:"net_change" db:"net_change"`
	CumTradingPnl  decimal.Decimal `json:"cum_trading_pnl" db:"cum_trading_pnl"`
	CumFundingPnl  decimal.Decimal `json:"cum_funding_pnl" db:"cum_funding_pnl"`
	CumFeesPnl     decimal.Decimal `json:"cum_fees_pnl" db:"cum_fees_pnl"`
	PeakEquity     decimal.Decimal `json:"peak_equity" db:"peak_equity"`
	Drawdown       decimal.Decimal `json:"drawdown" db:"drawdown"`
	DrawdownPct    decimal.Decimal `json:"drawdown_pct" db:"drawdown_pct"`
}

// Run kinds and statuses.
const (
	RunKindSync      = "sync"
	RunKindRecompute = "recompute"

	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Per-fetch outcomes recorded on sync runs.
const (
	FetchOK      = "ok"
	FetchFailed  = "failed"
	FetchTimeout = "timeout"
	FetchSkipped = "skipped"
)

// Run is the operational record of one sync or recompute invocation.
// Created at start, updated at terminal state, never deleted.
type Run struct {
	ID              string     `json:"id" db:"id"`
	WalletID        int64      `json:"wallet_id" db:"wallet_id"`
	Wallet          string     `json:"wallet" db:"-"`
	Kind            string     `json:"kind" db:"kind"`
	Status          string     `json:"status" db:"status"`
	FillsIngested   int        `json:"fills_ingested" db:"fills_ingested"`
	FundingIngested int        `json:"funding_ingested" db:"funding_ingested"`
	EventsIngested  int        `json:"events_ingested" db:"events_ingested"`
	DaysAffected    int        `json:"days_affected" db:"days_affected"`
	DaysRecomputed  int        `json:"days_recomputed" db:"days_recomputed"`
	FillsStatus     string     `json:"fills_status,omitempty" db:"fills_status"`
	FundingStatus   string     `json:"funding_status,omitempty" db:"funding_status"`
	ErrorMessage    *string    `json:"error_message,omitempty" db:"error_message"`
	StartedAt       time.Time  `json:"started_at" db:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// Terminal reports whether the run has reached completed or failed.
func (r *Run) Terminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}

// DayOf truncates t to its UTC calendar date.
func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthOf returns the first day of t's UTC month.
func MonthOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
