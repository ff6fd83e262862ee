// Package store defines the persistence interface for the PnL engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for aggregate reads), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
)

var (
	// ErrNotFound is returned when a wallet or run does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrRunInProgress is returned by CreateRun when the wallet already has
	// a running run.
	ErrRunInProgress = errors.New("store: run already in progress for wallet")
	// ErrRunFinished is returned by UpdateRun when the run already left
	// status running, e.g. after a stale-run takeover.
	ErrRunFinished = errors.New("store: run already finished")
)

// DefaultPageSize is used when a Page carries no limit.
const DefaultPageSize = 1000

// Page is a keyset page over id order: rows with id > AfterID, at most
// Limit of them.
type Page struct {
	AfterID int64
	Limit   int
}

func (p Page) limit() int {
	if p.Limit <= 0 {
		return DefaultPageSize
	}
	return p.Limit
}

// EventFilter selects economic events with From <= ts < To. Zero bounds are
// open; an empty Types matches every event type.
type EventFilter struct {
	From  time.Time
	To    time.Time
	Types []string
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache over the aggregate tables.
//
// Range reads over aggregates take [from, to) on the row's day (or exit
// time for closed trades); a zero bound is open.
type Store interface {
	// --- Wallets ---

	// EnsureWallet returns the wallet for a lowercase address, creating it
	// on first use.
	EnsureWallet(ctx context.Context, address string) (*model.Wallet, error)
	GetWalletByAddress(ctx context.Context, address string) (*model.Wallet, error)

	// --- Ledger (append-only) ---

	// InsertRawEvents inserts rows whose (wallet_id, unique_key) is new and
	// returns exactly those rows, ids set. Duplicates are skipped silently.
	InsertRawEvents(ctx context.Context, events []model.RawEvent) ([]model.RawEvent, error)
	ListRawEvents(ctx context.Context, walletID int64, page Page) ([]model.RawEvent, error)
	// LatestRawEventTime reports the newest ts stored for a source type.
	LatestRawEventTime(ctx context.Context, walletID int64, sourceType string) (time.Time, bool, error)

	// InsertEconomicEvents ignores rows whose (wallet_id, dedupe_key)
	// already exists and returns the number inserted.
	InsertEconomicEvents(ctx context.Context, events []model.EconomicEvent) (int, error)
	// ReplaceEconomicEvents swaps a wallet's canonical events for a freshly
	// derived set in one step.
	ReplaceEconomicEvents(ctx context.Context, walletID int64, events []model.EconomicEvent) error
	ListEventDays(ctx context.Context, walletID int64) ([]time.Time, error)
	ListEventsByDay(ctx context.Context, walletID int64, day time.Time, page Page) ([]model.EconomicEvent, error)
	ListEventsInRange(ctx context.Context, walletID int64, filter EventFilter, page Page) ([]model.EconomicEvent, error)

	// --- Aggregates (written only by the aggregation engine) ---

	// DeleteAggregates removes a wallet's DailyPnl and MonthlyPnl rows.
	DeleteAggregates(ctx context.Context, walletID int64) error
	UpsertDailyPnl(ctx context.Context, rows []model.DailyPnl) error
	ListDailyPnl(ctx context.Context, walletID int64, from, to time.Time) ([]model.DailyPnl, error)
	UpsertMonthlyPnl(ctx context.Context, rows []model.MonthlyPnl) error
	ListMonthlyPnl(ctx context.Context, walletID int64, from, to time.Time) ([]model.MonthlyPnl, error)
	ReplaceClosedTrades(ctx context.Context, walletID int64, trades []model.ClosedTrade) error
	ListClosedTrades(ctx context.Context, walletID int64, from, to time.Time) ([]model.ClosedTrade, error)
	CountClosedTrades(ctx context.Context, walletID int64, from, to time.Time) (int, error)
	ReplaceEquityCurve(ctx context.Context, walletID int64, points []model.EquityCurvePoint) error
	ListEquityCurve(ctx context.Context, walletID int64, from, to time.Time) ([]model.EquityCurvePoint, error)

	// --- Runs ---

	// CreateRun fails with ErrRunInProgress when the wallet already has a
	// run in status running.
	CreateRun(ctx context.Context, run *model.Run) error
	// UpdateRun only applies to a run still in status running; a finished
	// run is never rewritten (ErrRunFinished).
	UpdateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	// GetLatestRun returns the most recently started run; an empty kind
	// matches both sync and recompute.
	GetLatestRun(ctx context.Context, walletID int64, kind string) (*model.Run, error)
	GetActiveRun(ctx context.Context, walletID int64) (*model.Run, error)

	Ping(ctx context.Context) error
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
