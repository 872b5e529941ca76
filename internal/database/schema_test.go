package database

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type recordingExecer struct {
	stmts  []string
	failAt int
}

func (e *recordingExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if e.failAt > 0 && len(e.stmts)+1 == e.failAt {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}
	e.stmts = append(e.stmts, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func TestEnsureSchema(t *testing.T) {
	db := &recordingExecer{}
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	if len(db.stmts) != len(Schema) {
		t.Fatalf("executed %d statements, want %d", len(db.stmts), len(Schema))
	}
	if !strings.Contains(db.stmts[0], "PRIMARY KEY (signature, account)") {
		t.Errorf("table statement lacks conflict key: %s", db.stmts[0])
	}
	for i, stmt := range db.stmts {
		if !strings.Contains(stmt, "IF NOT EXISTS") {
			t.Errorf("statement %d is not idempotent: %s", i, stmt)
		}
	}
}

func TestEnsureSchema_Error(t *testing.T) {
	db := &recordingExecer{failAt: 2}
	err := EnsureSchema(context.Background(), db)
	if err == nil || !strings.Contains(err.Error(), "schema statement 1") {
		t.Errorf("EnsureSchema() error = %v, want failure on statement 1", err)
	}
}
