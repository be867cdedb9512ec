package store

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id             TEXT PRIMARY KEY,
	email          TEXT NOT NULL,
	kind           TEXT NOT NULL,
	host           TEXT NOT NULL DEFAULT '',
	port           INTEGER NOT NULL DEFAULT 0,
	smtp_host      TEXT NOT NULL DEFAULT '',
	smtp_port      INTEGER NOT NULL DEFAULT 0,
	tls_mode       TEXT NOT NULL DEFAULT 'tls',
	username       TEXT NOT NULL DEFAULT '',
	password       TEXT NOT NULL DEFAULT '',
	access_token   TEXT NOT NULL DEFAULT '',
	refresh_token  TEXT NOT NULL DEFAULT '',
	expires_at     TIMESTAMP NULL,
	sync_cursor    TEXT NOT NULL DEFAULT '',
	last_polled_at TIMESTAMP NULL,
	active_rules   INTEGER NOT NULL DEFAULT 0,
	tier           INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_kind ON accounts (kind);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
