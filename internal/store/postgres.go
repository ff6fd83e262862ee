package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Wallets ---

func (s *PostgresStore) EnsureWallet(ctx context.Context, address string) (*model.Wallet, error) {
	var w model.Wallet
	// The no-op update makes RETURNING yield the existing row on conflict.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO wallets (address) VALUES ($1)
		 ON CONFLICT (address) DO UPDATE SET address = EXCLUDED.address
		 RETURNING id, address, created_at`, address).
		Scan(&w.ID, &w.Address, &w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure wallet %s: %w", address, err)
	}
	return &w, nil
}

func (s *PostgresStore) GetWalletByAddress(ctx context.Context, address string) (*model.Wallet, error) {
	var w model.Wallet
	err := s.pool.QueryRow(ctx,
		`SELECT id, address, created_at FROM wallets WHERE address = $1`, address).
		Scan(&w.ID, &w.Address, &w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", address, notFound(err))
	}
	return &w, nil
}

// --- Ledger ---

func (s *PostgresStore) InsertRawEvents(ctx context.Context, events []model.RawEvent) ([]model.RawEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	var inserted []model.RawEvent
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, e := range events {
			batch.Queue(
				`INSERT INTO raw_events (wallet_id, source_type, ts, unique_key, payload)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (wallet_id, unique_key) DO NOTHING
				 RETURNING id`,
				e.WalletID, e.SourceType, e.Ts, e.UniqueKey, jsonPayload(e.Payload),
			)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()
		for _, e := range events {
			if err := br.QueryRow().Scan(&e.ID); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					continue // duplicate
				}
				return fmt.Errorf("insert raw event %s: %w", e.UniqueKey, err)
			}
			inserted = append(inserted, e)
		}
		return br.Close()
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *PostgresStore) ListRawEvents(ctx context.Context, walletID int64, page Page) ([]model.RawEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, wallet_id, source_type, ts, unique_key, payload
		 FROM raw_events
		 WHERE wallet_id = $1 AND id > $2
		 ORDER BY id LIMIT $3`, walletID, page.AfterID, page.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RawEvent
	for rows.Next() {
		var e model.RawEvent
		if err := rows.Scan(&e.ID, &e.WalletID, &e.SourceType, &e.Ts, &e.UniqueKey, &e.Payload); err != nil {
			return nil, err
		}
		e.Ts = e.Ts.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestRawEventTime(ctx context.Context, walletID int64, sourceType string) (time.Time, bool, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT max(ts) FROM raw_events WHERE wallet_id = $1 AND source_type = $2`,
		walletID, sourceType).Scan(&ts)
	if err != nil {
		return time.Time{}, false, err
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return ts.UTC(), true, nil
}

const insertEventSQL = `INSERT INTO economic_events
	(wallet_id, ts, day, event_type, venue, market, side,
	 size, exec_price, usd_value, realized_pnl_usd, funding_usd, fee_usd,
	 tx_hash, dedupe_key, meta)
	VALUES ($1, $2, $3, $4, $5, $6, $7,
	        $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC,
	        $14, $15, $16)
	ON CONFLICT (wallet_id, dedupe_key) DO NOTHING`

func queueEvent(batch *pgx.Batch, walletID int64, e model.EconomicEvent) error {
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("encode meta for %s: %w", e.DedupeKey, err)
	}
	batch.Queue(insertEventSQL,
		walletID, e.Ts, model.DayOf(e.Ts), e.EventType, e.Venue, e.Market, e.Side,
		nullDec(e.Size), nullDec(e.ExecPrice), nullDec(e.UsdValue),
		nullDec(e.RealizedPnlUsd), nullDec(e.FundingUsd), nullDec(e.FeeUsd),
		e.TxHash, e.DedupeKey, meta,
	)
	return nil
}

func (s *PostgresStore) InsertEconomicEvents(ctx context.Context, events []model.EconomicEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		if err := queueEvent(batch, e.WalletID, e); err != nil {
			return 0, err
		}
	}
	n, err := execBatch(ctx, s.pool, batch)
	if err != nil {
		return 0, fmt.Errorf("insert economic events: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) ReplaceEconomicEvents(ctx context.Context, walletID int64, events []model.EconomicEvent) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM economic_events WHERE wallet_id = $1`, walletID); err != nil {
			return fmt.Errorf("replace economic events: %w", err)
		}
		batch := &pgx.Batch{}
		for _, e := range events {
			if err := queueEvent(batch, walletID, e); err != nil {
				return err
			}
		}
		if _, err := execBatch(ctx, tx, batch); err != nil {
			return fmt.Errorf("replace economic events: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListEventDays(ctx context.Context, walletID int64) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT day FROM economic_events WHERE wallet_id = $1 ORDER BY day`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var days []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		days = append(days, model.DayOf(d))
	}
	return days, rows.Err()
}

const selectEventCols = `SELECT id, wallet_id, ts, day, event_type, venue, market, side,
	size::TEXT, exec_price::TEXT, usd_value::TEXT,
	realized_pnl_usd::TEXT, funding_usd::TEXT, fee_usd::TEXT,
	tx_hash, dedupe_key, meta
	FROM economic_events`

func (s *PostgresStore) ListEventsByDay(ctx context.Context, walletID int64, day time.Time, page Page) ([]model.EconomicEvent, error) {
	rows, err := s.pool.Query(ctx,
		selectEventCols+` WHERE wallet_id = $1 AND day = $2 AND id > $3 ORDER BY id LIMIT $4`,
		walletID, model.DayOf(day), page.AfterID, page.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) ListEventsInRange(ctx context.Context, walletID int64, filter EventFilter, page Page) ([]model.EconomicEvent, error) {
	rows, err := s.pool.Query(ctx,
		selectEventCols+` WHERE wallet_id = $1
		   AND ($2::TIMESTAMPTZ IS NULL OR ts >= $2)
		   AND ($3::TIMESTAMPTZ IS NULL OR ts < $3)
		   AND (COALESCE(cardinality($4::TEXT[]), 0) = 0 OR event_type = ANY($4))
		   AND id > $5
		 ORDER BY id LIMIT $6`,
		walletID, nullTime(filter.From), nullTime(filter.To), filter.Types, page.AfterID, page.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// --- Aggregates ---

func (s *PostgresStore) DeleteAggregates(ctx context.Context, walletID int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM daily_pnl WHERE wallet_id = $1`, walletID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM monthly_pnl WHERE wallet_id = $1`, walletID)
		return err
	})
}

func (s *PostgresStore) UpsertDailyPnl(ctx context.Context, rows []model.DailyPnl) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(
			`INSERT INTO daily_pnl (wallet_id, day, closed_pnl, funding, fees, perps_pnl, volume,
			                        trades_count, cumulative_pnl, drawdown)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10::NUMERIC)
			 ON CONFLICT (wallet_id, day) DO UPDATE SET
			   closed_pnl = EXCLUDED.closed_pnl, funding = EXCLUDED.funding, fees = EXCLUDED.fees,
			   perps_pnl = EXCLUDED.perps_pnl, volume = EXCLUDED.volume, trades_count = EXCLUDED.trades_count,
			   cumulative_pnl = EXCLUDED.cumulative_pnl, drawdown = EXCLUDED.drawdown`,
			r.WalletID, model.DayOf(r.Day),
			r.ClosedPnl.String(), r.Funding.String(), r.Fees.String(), r.PerpsPnl.String(), r.Volume.String(),
			r.TradesCount, r.CumulativePnl.String(), r.Drawdown.String(),
		)
	}
	_, err := execBatch(ctx, s.pool, batch)
	return err
}

func (s *PostgresStore) ListDailyPnl(ctx context.Context, walletID int64, from, to time.Time) ([]model.DailyPnl, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT wallet_id, day, closed_pnl::TEXT, funding::TEXT, fees::TEXT, perps_pnl::TEXT,
		        volume::TEXT, trades_count, cumulative_pnl::TEXT, drawdown::TEXT
		 FROM daily_pnl
		 WHERE wallet_id = $1 AND ($2::DATE IS NULL OR day >= $2) AND ($3::DATE IS NULL OR day < $3)
		 ORDER BY day`, walletID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DailyPnl
	for rows.Next() {
		var r model.DailyPnl
		var closed, funding, fees, perps, volume, cum, dd string
		if err := rows.Scan(&r.WalletID, &r.Day, &closed, &funding, &fees, &perps,
			&volume, &r.TradesCount, &cum, &dd); err != nil {
			return nil, err
		}
		r.Day = model.DayOf(r.Day)
		r.ClosedPnl = dec(closed)
		r.Funding = dec(funding)
		r.Fees = dec(fees)
		r.PerpsPnl = dec(perps)
		r.Volume = dec(volume)
		r.CumulativePnl = dec(cum)
		r.Drawdown = dec(dd)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertMonthlyPnl(ctx context.Context, rows []model.MonthlyPnl) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(
			`INSERT INTO monthly_pnl (wallet_id, month, total_pnl, closed_pnl, funding, fees, volume,
			                          trades_count, trading_days, profitable_days)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)
			 ON CONFLICT (wallet_id, month) DO UPDATE SET
			   total_pnl = EXCLUDED.total_pnl, closed_pnl = EXCLUDED.closed_pnl, funding = EXCLUDED.funding,
			   fees = EXCLUDED.fees, volume = EXCLUDED.volume, trades_count = EXCLUDED.trades_count,
			   trading_days = EXCLUDED.trading_days, profitable_days = EXCLUDED.profitable_days`,
			r.WalletID, model.MonthOf(r.Month),
			r.TotalPnl.String(), r.ClosedPnl.String(), r.Funding.String(), r.Fees.String(), r.Volume.String(),
			r.TradesCount, r.TradingDays, r.ProfitableDays,
		)
	}
	_, err := execBatch(ctx, s.pool, batch)
	return err
}

func (s *PostgresStore) ListMonthlyPnl(ctx context.Context, walletID int64, from, to time.Time) ([]model.MonthlyPnl, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT wallet_id, month, total_pnl::TEXT, closed_pnl::TEXT, funding::TEXT, fees::TEXT,
		        volume::TEXT, trades_count, trading_days, profitable_days
		 FROM monthly_pnl
		 WHERE wallet_id = $1 AND ($2::DATE IS NULL OR month >= $2) AND ($3::DATE IS NULL OR month < $3)
		 ORDER BY month`, walletID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MonthlyPnl
	for rows.Next() {
		var r model.MonthlyPnl
		var total, closed, funding, fees, volume string
		if err := rows.Scan(&r.WalletID, &r.Month, &total, &closed, &funding, &fees,
			&volume, &r.TradesCount, &r.TradingDays, &r.ProfitableDays); err != nil {
			return nil, err
		}
		r.Month = model.MonthOf(r.Month)
		r.TotalPnl = dec(total)
		r.ClosedPnl = dec(closed)
		r.Funding = dec(funding)
		r.Fees = dec(fees)
		r.Volume = dec(volume)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReplaceClosedTrades(ctx context.Context, walletID int64, trades []model.ClosedTrade) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM closed_trades WHERE wallet_id = $1`, walletID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, t := range trades {
			batch.Queue(
				`INSERT INTO closed_trades (wallet_id, market, side, entry_time, exit_time, size,
				   avg_entry_price, avg_exit_price, realized_pnl, fees, funding_allocated, net_pnl,
				   notional_value, effective_leverage, duration_seconds, is_win)
				 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
				         $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15, $16)`,
				walletID, t.Market, t.Side, t.EntryTime, t.ExitTime, t.Size.String(),
				t.AvgEntryPrice.String(), t.AvgExitPrice.String(), t.RealizedPnl.String(), t.Fees.String(),
				t.FundingAllocated.String(), t.NetPnl.String(), t.NotionalValue.String(), t.Leverage.String(),
				t.DurationSeconds, t.IsWin,
			)
		}
		_, err := execBatch(ctx, tx, batch)
		return err
	})
}

func (s *PostgresStore) ListClosedTrades(ctx context.Context, walletID int64, from, to time.Time) ([]model.ClosedTrade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT wallet_id, market, side, entry_time, exit_time, size::TEXT,
		        avg_entry_price::TEXT, avg_exit_price::TEXT, realized_pnl::TEXT, fees::TEXT,
		        funding_allocated::TEXT, net_pnl::TEXT, notional_value::TEXT, effective_leverage::TEXT,
		        duration_seconds, is_win
		 FROM closed_trades
		 WHERE wallet_id = $1 AND ($2::TIMESTAMPTZ IS NULL OR exit_time >= $2) AND ($3::TIMESTAMPTZ IS NULL OR exit_time < $3)
		 ORDER BY exit_time, id`, walletID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ClosedTrade
	for rows.Next() {
		var t model.ClosedTrade
		var size, entry, exit, realized, fees, funding, net, notional, lev string
		if err := rows.Scan(&t.WalletID, &t.Market, &t.Side, &t.EntryTime, &t.ExitTime, &size,
			&entry, &exit, &realized, &fees, &funding, &net, &notional, &lev,
			&t.DurationSeconds, &t.IsWin); err != nil {
			return nil, err
		}
		t.EntryTime = t.EntryTime.UTC()
		t.ExitTime = t.ExitTime.UTC()
		t.Size = dec(size)
		t.AvgEntryPrice = dec(entry)
		t.AvgExitPrice = dec(exit)
		t.RealizedPnl = dec(realized)
		t.Fees = dec(fees)
		t.FundingAllocated = dec(funding)
		t.NetPnl = dec(net)
		t.NotionalValue = dec(notional)
		t.Leverage = dec(lev)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountClosedTrades(ctx context.Context, walletID int64, from, to time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM closed_trades
		 WHERE wallet_id = $1 AND ($2::TIMESTAMPTZ IS NULL OR exit_time >= $2) AND ($3::TIMESTAMPTZ IS NULL OR exit_time < $3)`,
		walletID, nullTime(from), nullTime(to)).Scan(&n)
	return n, err
}

func (s *PostgresStore) ReplaceEquityCurve(ctx context.Context, walletID int64, points []model.EquityCurvePoint) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM equity_curve WHERE wallet_id = $1`, walletID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, p := range points {
			batch.Queue(
				`INSERT INTO equity_curve (wallet_id, day, starting_equity, ending_equity, net_change,
				   cum_trading_pnl, cum_funding_pnl, cum_fees_pnl, peak_equity, drawdown, drawdown_pct)
				 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
				         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC)`,
				walletID, model.DayOf(p.Day), p.StartingEquity.String(), p.EndingEquity.String(), p.NetChange.String(),
				p.CumTradingPnl.String(), p.CumFundingPnl.String(), p.CumFeesPnl.String(),
				p.PeakEquity.String(), p.Drawdown.String(), p.DrawdownPct.String(),
			)
		}
		_, err := execBatch(ctx, tx, batch)
		return err
	})
}

func (s *PostgresStore) ListEquityCurve(ctx context.Context, walletID int64, from, to time.Time) ([]model.EquityCurvePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT wallet_id, day, starting_equity::TEXT, ending_equity::TEXT, net_change::TEXT,
		        cum_trading_pnl::TEXT, cum_funding_pnl::TEXT, cum_fees_pnl::TEXT,
		        peak_equity::TEXT, drawdown::TEXT, drawdown_pct::TEXT
		 FROM equity_curve
		 WHERE wallet_id = $1 AND ($2::DATE IS NULL OR day >= $2) AND ($3::DATE IS NULL OR day < $3)
		 ORDER BY day`, walletID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EquityCurvePoint
	for rows.Next() {
		var p model.EquityCurvePoint
		var start, end, net, trading, funding, fees, peak, dd, ddPct string
		if err := rows.Scan(&p.WalletID, &p.Day, &start, &end, &net,
			&trading, &funding, &fees, &peak, &dd, &ddPct); err != nil {
			return nil, err
		}
		p.Day = model.DayOf(p.Day)
		p.StartingEquity = dec(start)
		p.EndingEquity = dec(end)
		p.NetChange = dec(net)
		p.CumTradingPnl = dec(trading)
		p.CumFundingPnl = dec(funding)
		p.CumFeesPnl = dec(fees)
		p.PeakEquity = dec(peak)
		p.Drawdown = dec(dd)
		p.DrawdownPct = dec(ddPct)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, wallet_id, kind, status, fills_ingested, funding_ingested, events_ingested,
		                   days_affected, days_recomputed, fills_status, funding_status, error_message,
		                   started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.WalletID, r.Kind, r.Status, r.FillsIngested, r.FundingIngested, r.EventsIngested,
		r.DaysAffected, r.DaysRecomputed, r.FillsStatus, r.FundingStatus, r.ErrorMessage,
		r.StartedAt, r.FinishedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == runningIndex {
		return fmt.Errorf("wallet %d: %w", r.WalletID, ErrRunInProgress)
	}
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, r *model.Run) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, fills_ingested = $3, funding_ingested = $4, events_ingested = $5,
		        days_affected = $6, days_recomputed = $7, fills_status = $8, funding_status = $9,
		        error_message = $10, finished_at = $11
		 WHERE id = $1 AND status = 'running'`,
		r.ID, r.Status, r.FillsIngested, r.FundingIngested, r.EventsIngested,
		r.DaysAffected, r.DaysRecomputed, r.FillsStatus, r.FundingStatus,
		r.ErrorMessage, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, r.ID).Scan(&status)
		if err != nil {
			return fmt.Errorf("update run %s: %w", r.ID, notFound(err))
		}
		return fmt.Errorf("update run %s is %s: %w", r.ID, status, ErrRunFinished)
	}
	return nil
}

const selectRunCols = `SELECT r.id::TEXT, r.wallet_id, w.address, r.kind, r.status,
	r.fills_ingested, r.funding_ingested, r.events_ingested, r.days_affected, r.days_recomputed,
	r.fills_status, r.funding_status, r.error_message, r.started_at, r.finished_at
	FROM runs r JOIN wallets w ON w.id = r.wallet_id`

func scanRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	if err := row.Scan(&r.ID, &r.WalletID, &r.Wallet, &r.Kind, &r.Status,
		&r.FillsIngested, &r.FundingIngested, &r.EventsIngested, &r.DaysAffected, &r.DaysRecomputed,
		&r.FillsStatus, &r.FundingStatus, &r.ErrorMessage, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.StartedAt = r.StartedAt.UTC()
	if r.FinishedAt != nil {
		t := r.FinishedAt.UTC()
		r.FinishedAt = &t
	}
	return &r, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, selectRunCols+` WHERE r.id::TEXT = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, notFound(err))
	}
	return r, nil
}

func (s *PostgresStore) GetLatestRun(ctx context.Context, walletID int64, kind string) (*model.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		selectRunCols+` WHERE r.wallet_id = $1 AND ($2 = '' OR r.kind = $2)
		 ORDER BY r.started_at DESC LIMIT 1`, walletID, kind))
	if err != nil {
		return nil, fmt.Errorf("latest run for wallet %d: %w", walletID, notFound(err))
	}
	return r, nil
}

func (s *PostgresStore) GetActiveRun(ctx context.Context, walletID int64) (*model.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		selectRunCols+` WHERE r.wallet_id = $1 AND r.status = 'running' LIMIT 1`, walletID))
	if err != nil {
		return nil, fmt.Errorf("active run for wallet %d: %w", walletID, notFound(err))
	}
	return r, nil
}

// --- helpers ---

type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// execBatch runs every queued statement and sums the affected rows.
func execBatch(ctx context.Context, q batchSender, batch *pgx.Batch) (int64, error) {
	if batch.Len() == 0 {
		return 0, nil
	}
	br := q.SendBatch(ctx, batch)
	defer br.Close()

	var n int64
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			return n, err
		}
		n += tag.RowsAffected()
	}
	return n, br.Close()
}

func scanEvents(rows pgx.Rows) ([]model.EconomicEvent, error) {
	var out []model.EconomicEvent
	for rows.Next() {
		var e model.EconomicEvent
		var size, price, usd, realized, funding, fee *string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.WalletID, &e.Ts, &e.Day, &e.EventType, &e.Venue, &e.Market, &e.Side,
			&size, &price, &usd, &realized, &funding, &fee,
			&e.TxHash, &e.DedupeKey, &meta); err != nil {
			return nil, err
		}
		e.Ts = e.Ts.UTC()
		e.Day = model.DayOf(e.Day)
		e.Size = parseNullDec(size)
		e.ExecPrice = parseNullDec(price)
		e.UsdValue = parseNullDec(usd)
		e.RealizedPnlUsd = parseNullDec(realized)
		e.FundingUsd = parseNullDec(funding)
		e.FeeUsd = parseNullDec(fee)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("decode meta for event %d: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func nullDec(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseNullDec(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func jsonPayload(b []byte) []byte {
	if len(b) == 0 || !json.Valid(b) {
		return []byte("{}")
	}
	return b
}
