// Package aggregate rebuilds every derived table of a wallet from its
// canonical event log: DailyPnl, MonthlyPnl, the equity curve and closed
// trades. It is the only writer of those tables.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/metrics"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/pnl"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/store"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/trace"
)

type Config struct {
	// Concurrency bounds how many days are aggregated at once.
	Concurrency int
	// PageSize is the page length for event reads.
	PageSize int
	// InitialEquity is the starting balance of the equity curve.
	InitialEquity decimal.Decimal
}

// Result describes one rebuild. DaysProcessed is lower than DaysAffected
// by the number of days that failed and were skipped.
type Result struct {
	DaysAffected  int
	DaysProcessed int
	DaysFailed    []time.Time
	Months        int
	ClosedTrades  int
}

type Engine struct {
	store  store.Store
	cfg    Config
	logger *zap.Logger
}

func NewEngine(st store.Store, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = store.DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: st, cfg: cfg, logger: logger}
}

// Rebuild deletes the wallet's daily and monthly rows and regenerates all
// derived tables from its economic events. Running it twice with no new
// events produces identical rows.
func (e *Engine) Rebuild(ctx context.Context, walletID int64) (Result, error) {
	ctx, span := trace.StartSpan(ctx, "aggregate.Rebuild")
	defer span.End()
	span.SetAttributes(attribute.Int64("wallet_id", walletID))

	if err := e.store.DeleteAggregates(ctx, walletID); err != nil {
		return Result{}, fmt.Errorf("delete aggregates: %w", err)
	}
	days, err := e.store.ListEventDays(ctx, walletID)
	if err != nil {
		return Result{}, fmt.Errorf("list event days: %w", err)
	}

	computed, failed, err := e.computeDays(ctx, walletID, days)
	if err != nil {
		return Result{}, err
	}

	rows := make([]model.DailyPnl, 0, len(computed))
	for _, r := range computed {
		rows = append(rows, r)
	}
	return e.finish(ctx, walletID, rows, days, failed)
}

// RebuildDays recomputes only the listed days from their events, refreshes
// the cumulative fields of every stored day, recomputes the months the
// listed days fall in, then rebuilds the equity curve and closed trades.
// A listed day that fails keeps its previous row.
func (e *Engine) RebuildDays(ctx context.Context, walletID int64, days []time.Time) (Result, error) {
	ctx, span := trace.StartSpan(ctx, "aggregate.RebuildDays")
	defer span.End()
	span.SetAttributes(attribute.Int64("wallet_id", walletID), attribute.Int("days", len(days)))

	days = uniqueDays(days)
	if len(days) == 0 {
		return Result{}, nil
	}

	existing, err := e.store.ListDailyPnl(ctx, walletID, time.Time{}, time.Time{})
	if err != nil {
		return Result{}, fmt.Errorf("list daily pnl: %w", err)
	}
	computed, failed, err := e.computeDays(ctx, walletID, days)
	if err != nil {
		return Result{}, err
	}

	byDay := make(map[string]model.DailyPnl, len(existing)+len(computed))
	for _, r := range existing {
		byDay[dayKey(r.Day)] = r
	}
	for k, r := range computed {
		byDay[k] = r
	}
	rows := make([]model.DailyPnl, 0, len(byDay))
	for _, r := range byDay {
		rows = append(rows, r)
	}
	return e.finish(ctx, walletID, rows, days, failed)
}

// finish writes day rows with fresh cumulative fields, then the months of
// the affected days, then the curve and trades.
func (e *Engine) finish(ctx context.Context, walletID int64, rows []model.DailyPnl, affected, failed []time.Time) (Result, error) {
	rows = withCumulative(rows)
	if err := e.store.UpsertDailyPnl(ctx, rows); err != nil {
		return Result{}, fmt.Errorf("upsert daily pnl: %w", err)
	}

	months, err := e.rebuildMonths(ctx, walletID, affected)
	if err != nil {
		return Result{}, err
	}

	curve := EquityCurve(rows, e.cfg.InitialEquity)
	if err := e.store.ReplaceEquityCurve(ctx, walletID, curve); err != nil {
		return Result{}, fmt.Errorf("replace equity curve: %w", err)
	}

	trades, err := e.matchTrades(ctx, walletID, curve)
	if err != nil {
		return Result{}, err
	}
	if err := e.store.ReplaceClosedTrades(ctx, walletID, trades); err != nil {
		return Result{}, fmt.Errorf("replace closed trades: %w", err)
	}

	res := Result{
		DaysAffected:  len(affected),
		DaysProcessed: len(affected) - len(failed),
		DaysFailed:    failed,
		Months:        months,
		ClosedTrades:  len(trades),
	}
	e.logger.Info("rebuild finished",
		zap.Int64("wallet_id", walletID),
		zap.Int("days_affected", res.DaysAffected),
		zap.Int("days_processed", res.DaysProcessed),
		zap.Int("months", res.Months),
		zap.Int("closed_trades", res.ClosedTrades),
	)
	return res, nil
}

// computeDays aggregates each day on a bounded worker pool. A day whose
// events fail validation is logged and reported in failed; store errors
// abort.
func (e *Engine) computeDays(ctx context.Context, walletID int64, days []time.Time) (map[string]model.DailyPnl, []time.Time, error) {
	results := make([]*model.DailyPnl, len(days))
	dayErrs := make([]error, len(days))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, day := range days {
		g.Go(func() error {
			row, err := e.computeDay(gctx, walletID, day)
			if errors.Is(err, pnl.ErrMalformedEvent) {
				dayErrs[i] = err
				return nil
			}
			if err != nil {
				return fmt.Errorf("day %s: %w", dayKey(day), err)
			}
			results[i] = &row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	computed := make(map[string]model.DailyPnl, len(days))
	var failed []time.Time
	for i, day := range days {
		if dayErrs[i] != nil {
			failed = append(failed, day)
			metrics.DaysFailed.Inc()
			e.logger.Warn("day skipped",
				zap.Int64("wallet_id", walletID),
				zap.String("day", dayKey(day)),
				zap.Error(dayErrs[i]),
			)
			continue
		}
		computed[dayKey(day)] = *results[i]
		metrics.DaysProcessed.Inc()
	}
	return computed, failed, nil
}

func (e *Engine) computeDay(ctx context.Context, walletID int64, day time.Time) (model.DailyPnl, error) {
	var events []model.EconomicEvent
	page := store.Page{Limit: e.cfg.PageSize}
	for {
		batch, err := e.store.ListEventsByDay(ctx, walletID, day, page)
		if err != nil {
			return model.DailyPnl{}, err
		}
		for _, ev := range batch {
			if err := pnl.ValidateEvent(ev); err != nil {
				return model.DailyPnl{}, err
			}
		}
		events = append(events, batch...)
		if len(batch) < page.Limit {
			break
		}
		page.AfterID = batch[len(batch)-1].ID
	}

	m := pnl.DailyMetrics(events)
	return model.DailyPnl{
		WalletID:    walletID,
		Day:         model.DayOf(day),
		ClosedPnl:   m.ClosedPnl,
		Funding:     m.FundingPnl,
		Fees:        m.Fees,
		PerpsPnl:    m.NetPnl(),
		Volume:      m.Volume,
		TradesCount: m.TradesCount,
	}, nil
}

// rebuildMonths reads each touched month's stored day rows back and
// upserts the rollup.
func (e *Engine) rebuildMonths(ctx context.Context, walletID int64, days []time.Time) (int, error) {
	seen := make(map[time.Time]bool)
	var rows []model.MonthlyPnl
	for _, day := range days {
		month := model.MonthOf(day)
		if seen[month] {
			continue
		}
		seen[month] = true

		daily, err := e.store.ListDailyPnl(ctx, walletID, month, month.AddDate(0, 1, 0))
		if err != nil {
			return 0, fmt.Errorf("list daily pnl for %s: %w", month.Format("2006-01"), err)
		}
		if len(daily) == 0 {
			continue
		}
		m := pnl.MonthlyMetrics(daily)
		rows = append(rows, model.MonthlyPnl{
			WalletID:       walletID,
			Month:          month,
			TotalPnl:       m.TotalPnl,
			ClosedPnl:      m.ClosedPnl,
			Funding:        m.Funding,
			Fees:           m.Fees,
			Volume:         m.Volume,
			TradesCount:    m.TradesCount,
			TradingDays:    m.TradingDays,
			ProfitableDays: m.ProfitableDays,
		})
	}
	if err := e.store.UpsertMonthlyPnl(ctx, rows); err != nil {
		return 0, fmt.Errorf("upsert monthly pnl: %w", err)
	}
	return len(rows), nil
}

func (e *Engine) matchTrades(ctx context.Context, walletID int64, curve []model.EquityCurvePoint) ([]model.ClosedTrade, error) {
	var fills, funding []model.EconomicEvent
	page := store.Page{Limit: e.cfg.PageSize}
	filter := store.EventFilter{Types: []string{model.EventPerpFill, model.EventPerpFunding}}
	for {
		batch, err := e.store.ListEventsInRange(ctx, walletID, filter, page)
		if err != nil {
			return nil, fmt.Errorf("list perp events: %w", err)
		}
		for _, ev := range batch {
			if ev.EventType == model.EventPerpFill {
				fills = append(fills, ev)
			} else {
				funding = append(funding, ev)
			}
		}
		if len(batch) < page.Limit {
			break
		}
		page.AfterID = batch[len(batch)-1].ID
	}
	return MatchTrades(fills, funding, startingEquity(curve)), nil
}

func uniqueDays(days []time.Time) []time.Time {
	seen := make(map[time.Time]bool, len(days))
	out := make([]time.Time, 0, len(days))
	for _, d := range days {
		d = model.DayOf(d)
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
