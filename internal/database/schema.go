package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer runs a statement. *pgxpool.Pool and pgx.Tx satisfy it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the relayed_transactions table. One row per transaction
// and watched account; the same transaction seen on two subscriptions is
// stored twice, a replayed duplicate is not.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS relayed_transactions (
		signature       TEXT        NOT NULL,
		account         TEXT        NOT NULL,
		cluster         TEXT        NOT NULL,
		subscription_id TEXT        NOT NULL,
		size            INTEGER     NOT NULL,
		raw             BYTEA       NOT NULL,
		received_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (signature, account)
	)`,
	`CREATE INDEX IF NOT EXISTS relayed_transactions_received_at_idx
		ON relayed_transactions (received_at)`,
}

// EnsureSchema applies Schema. Every statement is idempotent.
func EnsureSchema(ctx context.Context, db Execer) error {
	for i, stmt := range Schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
