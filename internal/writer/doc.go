// Package writer records relayed transactions in PostgreSQL.
//
// TransactionWriter drains a queue fed by subscription handlers and inserts
// rows in batches with pgx.Batch. Inserts are append-only: a row already
// present for the same (signature, account) is skipped, which absorbs the
// duplicates a reconnect replay can produce.
package writer
