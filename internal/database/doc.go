// Package database manages the PostgreSQL pool used to record relayed
// transactions, and the schema of the relayed_transactions table.
package database
