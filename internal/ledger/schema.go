package ledger

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         BIGSERIAL PRIMARY KEY,
		balance    NUMERIC(18, 2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		currency   CHAR(3) NOT NULL DEFAULT 'COP',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id              BIGSERIAL PRIMARY KEY,
		conversation_id VARCHAR(255) NOT NULL,
		transaction_id  VARCHAR(255) NOT NULL UNIQUE,
		user_id         BIGINT,
		recipient_phone VARCHAR(32) NOT NULL DEFAULT '',
		amount          NUMERIC(18, 2) NOT NULL DEFAULT 0,
		currency        CHAR(3) NOT NULL DEFAULT 'COP',
		status          VARCHAR(16) NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
		error_message   VARCHAR(255),
		balance_after   NUMERIC(18, 2),
		created_at      TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_conversation_idx ON transactions (conversation_id)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         INTEGER PRIMARY KEY,
		balance    NUMERIC NOT NULL DEFAULT 0 CHECK (balance >= 0),
		currency   TEXT NOT NULL DEFAULT 'COP',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		transaction_id  TEXT NOT NULL UNIQUE,
		user_id         INTEGER,
		recipient_phone TEXT NOT NULL DEFAULT '',
		amount          NUMERIC NOT NULL DEFAULT 0,
		currency        TEXT NOT NULL DEFAULT 'COP',
		status          TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
		error_message   TEXT,
		balance_after   NUMERIC,
		created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_conversation_idx ON transactions (conversation_id)`,
}
