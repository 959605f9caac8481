package postgres

import (
	"context"
	"database/sql"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS records (
	namespace   TEXT    NOT NULL,
	record_type TEXT    NOT NULL,
	record_id   TEXT    NOT NULL,
	ver         INTEGER NOT NULL,
	scheme      TEXT    NOT NULL,
	nonce       BYTEA   NOT NULL,
	ciphertext  BYTEA   NOT NULL,
	PRIMARY KEY (namespace, record_type, record_id)
);`

// EnsureSchema creates the records table if it does not exist. It is safe
// to call on every startup.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schemaSQL)
	return err
}
