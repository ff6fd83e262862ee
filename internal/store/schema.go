package store

// schema is applied by Migrate. Every statement is idempotent.
//
// Money columns are NUMERIC; Go code moves them as decimal strings. The
// partial unique index on runs is what makes "one running run per wallet"
// hold across processes.
const schema = `
CREATE TABLE IF NOT EXISTS wallets (
	id         BIGSERIAL PRIMARY KEY,
	address    TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS raw_events (
	id          BIGSERIAL PRIMARY KEY,
	wallet_id   BIGINT NOT NULL REFERENCES wallets(id),
	source_type TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	unique_key  TEXT NOT NULL,
	payload     JSONB NOT NULL,
	UNIQUE (wallet_id, unique_key)
);
CREATE INDEX IF NOT EXISTS raw_events_wallet_source_ts ON raw_events (wallet_id, source_type, ts);

CREATE TABLE IF NOT EXISTS economic_events (
	id               BIGSERIAL PRIMARY KEY,
	wallet_id        BIGINT NOT NULL REFERENCES wallets(id),
	ts               TIMESTAMPTZ NOT NULL,
	day              DATE NOT NULL,
	event_type       TEXT NOT NULL,
	venue            TEXT NOT NULL,
	market           TEXT NOT NULL,
	side             TEXT NOT NULL DEFAULT '',
	size             NUMERIC,
	exec_price       NUMERIC,
	usd_value        NUMERIC,
	realized_pnl_usd NUMERIC,
	funding_usd      NUMERIC,
	fee_usd          NUMERIC,
	tx_hash          TEXT NOT NULL DEFAULT '',
	dedupe_key       TEXT NOT NULL,
	meta             JSONB,
	UNIQUE (wallet_id, dedupe_key)
);
CREATE INDEX IF NOT EXISTS economic_events_wallet_day ON economic_events (wallet_id, day, id);
CREATE INDEX IF NOT EXISTS economic_events_wallet_ts ON economic_events (wallet_id, ts);

CREATE TABLE IF NOT EXISTS daily_pnl (
	wallet_id      BIGINT NOT NULL REFERENCES wallets(id),
	day            DATE NOT NULL,
	closed_pnl     NUMERIC NOT NULL,
	funding        NUMERIC NOT NULL,
	fees           NUMERIC NOT NULL,
	perps_pnl      NUMERIC NOT NULL,
	volume         NUMERIC NOT NULL,
	trades_count   INT NOT NULL,
	cumulative_pnl NUMERIC NOT NULL,
	drawdown       NUMERIC NOT NULL,
	PRIMARY KEY (wallet_id, day)
);

CREATE TABLE IF NOT EXISTS monthly_pnl (
	wallet_id       BIGINT NOT NULL REFERENCES wallets(id),
	month           DATE NOT NULL,
	total_pnl       NUMERIC NOT NULL,
	closed_pnl      NUMERIC NOT NULL,
	funding         NUMERIC NOT NULL,
	fees            NUMERIC NOT NULL,
	volume          NUMERIC NOT NULL,
	trades_count    INT NOT NULL,
	trading_days    INT NOT NULL,
	profitable_days INT NOT NULL,
	PRIMARY KEY (wallet_id, month)
);

CREATE TABLE IF NOT EXISTS closed_trades (
	id                 BIGSERIAL PRIMARY KEY,
	wallet_id          BIGINT NOT NULL REFERENCES wallets(id),
	market             TEXT NOT NULL,
	side               TEXT NOT NULL,
	entry_time         TIMESTAMPTZ NOT NULL,
	exit_time          TIMESTAMPTZ NOT NULL,
	size               NUMERIC NOT NULL,
	avg_entry_price    NUMERIC NOT NULL,
	avg_exit_price     NUMERIC NOT NULL,
	realized_pnl       NUMERIC NOT NULL,
	fees               NUMERIC NOT NULL,
	funding_allocated  NUMERIC NOT NULL,
	net_pnl            NUMERIC NOT NULL,
	notional_value     NUMERIC NOT NULL,
	effective_leverage NUMERIC NOT NULL,
	duration_seconds   BIGINT NOT NULL,
	is_win             BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS closed_trades_wallet_exit ON closed_trades (wallet_id, exit_time);

CREATE TABLE IF NOT EXISTS equity_curve (
	wallet_id       BIGINT NOT NULL REFERENCES wallets(id),
	day             DATE NOT NULL,
	starting_equity NUMERIC NOT NULL,
	ending_equity   NUMERIC NOT NULL,
	net_change      NUMERIC NOT NULL,
	cum_trading_pnl NUMERIC NOT NULL,
	cum_funding_pnl NUMERIC NOT NULL,
	cum_fees_pnl    NUMERIC NOT NULL,
	peak_equity     NUMERIC NOT NULL,
	drawdown        NUMERIC NOT NULL,
	drawdown_pct    NUMERIC NOT NULL,
	PRIMARY KEY (wallet_id, day)
);

CREATE TABLE IF NOT EXISTS runs (
	id               UUID PRIMARY KEY,
	wallet_id        BIGINT NOT NULL REFERENCES wallets(id),
	kind             TEXT NOT NULL,
	status           TEXT NOT NULL,
	fills_ingested   INT NOT NULL DEFAULT 0,
	funding_ingested INT NOT NULL DEFAULT 0,
	events_ingested  INT NOT NULL DEFAULT 0,
	days_affected    INT NOT NULL DEFAULT 0,
	days_recomputed  INT NOT NULL DEFAULT 0,
	fills_status     TEXT NOT NULL DEFAULT '',
	funding_status   TEXT NOT NULL DEFAULT '',
	error_message    TEXT,
	started_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS runs_wallet_started ON runs (wallet_id, started_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS runs_one_running_per_wallet ON runs (wallet_id) WHERE status = 'running';
`

const runningIndex = "runs_one_running_per_wallet"
