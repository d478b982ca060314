package store

// schema is applied idempotently on every startup via CREATE TABLE IF NOT
// EXISTS, following the same string-constant-schema convention used for
// this daemon's SQLite persistence layer.
const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	broker_exec_id TEXT,
	underlying TEXT NOT NULL,
	right TEXT NOT NULL,
	strike TEXT NOT NULL,
	expiration TEXT NOT NULL,
	contracts INTEGER NOT NULL,
	entry_premium TEXT NOT NULL,
	entry_time TEXT NOT NULL,
	exit_premium TEXT,
	exit_time TEXT,
	exit_kind TEXT,
	realized_pnl TEXT NOT NULL DEFAULT '0',
	commission TEXT NOT NULL DEFAULT '0',
	status TEXT NOT NULL,
	strategy_tag TEXT,
	rolled_from TEXT,
	roll_count INTEGER NOT NULL DEFAULT 0,
	experiment_arm TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_status_expiration ON trades(status, expiration);
CREATE INDEX IF NOT EXISTS idx_trades_underlying_status ON trades(underlying, status);

CREATE TABLE IF NOT EXISTS snapshots (
	trade_id TEXT NOT NULL,
	kind TEXT NOT NULL CHECK (kind IN ('entry','exit')),
	captured_at TEXT NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (trade_id, kind)
);

CREATE TABLE IF NOT EXISTS staged_opportunities (
	id TEXT PRIMARY KEY,
	underlying TEXT NOT NULL,
	strike TEXT NOT NULL,
	expiration TEXT NOT NULL,
	target_delta TEXT NOT NULL,
	target_dte INTEGER NOT NULL,
	limit_price TEXT NOT NULL,
	contracts INTEGER NOT NULL,
	staged_underlying_price TEXT NOT NULL DEFAULT '0',
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	broker_order_id TEXT UNIQUE,
	parent_order_id TEXT,
	trade_id TEXT,
	underlying TEXT NOT NULL,
	side TEXT NOT NULL,
	type TEXT NOT NULL,
	tif TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	limit_price TEXT NOT NULL,
	status TEXT NOT NULL,
	filled_qty INTEGER NOT NULL DEFAULT 0,
	avg_fill_price TEXT NOT NULL DEFAULT '0',
	commission TEXT NOT NULL DEFAULT '0',
	last_broker_state TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_trade_id ON orders(trade_id);
CREATE INDEX IF NOT EXISTS idx_orders_parent_order_id ON orders(parent_order_id);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	state TEXT NOT NULL,
	trading_date TEXT,
	created_at TEXT NOT NULL,
	claimed_at TEXT,
	processed_at TEXT,
	last_error TEXT,
	retries INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_state_created ON events(state, created_at);
CREATE INDEX IF NOT EXISTS idx_events_state_claimed ON events(state, claimed_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_type_trading_date ON events(type, trading_date) WHERE trading_date IS NOT NULL;

CREATE TABLE IF NOT EXISTS event_consumers (
	event_id TEXT NOT NULL,
	consumer TEXT NOT NULL,
	done_at TEXT NOT NULL,
	PRIMARY KEY (event_id, consumer)
);

CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	event_ref TEXT NOT NULL,
	reasoning_context TEXT NOT NULL,
	engine_output TEXT NOT NULL,
	action TEXT NOT NULL,
	action_result TEXT,
	autonomy_level INTEGER NOT NULL,
	cost TEXT NOT NULL DEFAULT '0',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON decisions(created_at);

CREATE TABLE IF NOT EXISTS decision_embeddings (
	decision_id TEXT PRIMARY KEY,
	summary TEXT NOT NULL,
	vector TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS working_memory (
	session_id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS experiments (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	parameter TEXT NOT NULL,
	control_value TEXT NOT NULL,
	test_value TEXT NOT NULL,
	allocation_fraction TEXT NOT NULL,
	min_samples INTEGER NOT NULL,
	control_stats TEXT NOT NULL,
	test_stats TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	decision_reason TEXT,
	deadline TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS patterns (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	name TEXT NOT NULL,
	sample_size INTEGER NOT NULL,
	win_rate TEXT NOT NULL,
	avg_roi TEXT NOT NULL,
	confidence TEXT NOT NULL,
	p_value TEXT NOT NULL,
	effect_size TEXT NOT NULL,
	status TEXT NOT NULL,
	detected_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS system_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
