package idempotency

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Mock DB
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	return r.scanFunc(dest...)
}

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	lastQuery    string
	lastExec     string
	lastExecArgs []any
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	m.lastQuery = sql
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.lastExec = sql
	m.lastExecArgs = args
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestPostgresGuard_CheckProcessed_IgnoresExpiredRows(t *testing.T) {
	db := &mockDB{}
	g := NewPostgresGuard(db)

	_, ok, err := g.CheckProcessed(context.Background(), "tok-1", "t1")
	if err != nil {
		t.Fatalf("CheckProcessed failed: %v", err)
	}
	if ok {
		t.Errorf("Expected unknown token to report unprocessed")
	}

	// The read must filter on liveness so an expired row reads as absent.
	if !strings.Contains(db.lastQuery, "expires_at > now()") {
		t.Errorf("Expected the lookup to exclude expired rows, got query: %s", db.lastQuery)
	}
}

func TestPostgresGuard_CheckProcessed_ReturnsStoredResult(t *testing.T) {
	stored := json.RawMessage(`{"cost":"0.0054"}`)
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				*dest[0].(*json.RawMessage) = stored
				return nil
			}}
		},
	}
	g := NewPostgresGuard(db)

	raw, ok, err := g.CheckProcessed(context.Background(), "tok-1", "t1")
	if err != nil {
		t.Fatalf("CheckProcessed failed: %v", err)
	}
	if !ok {
		t.Fatalf("Expected stored token to report processed")
	}
	if string(raw) != string(stored) {
		t.Errorf("Expected stored response back, got %s", raw)
	}
}

// A stale row past its TTL must not block a fresh result forever: the upsert
// replaces it in place, while a live row is left untouched so the first
// writer still wins.
func TestPostgresGuard_StoreResult_RearmsExpiredRows(t *testing.T) {
	db := &mockDB{}
	g := NewPostgresGuard(db)

	err := g.StoreResult(context.Background(), "tok-1", "t1", json.RawMessage(`{"cost":"0.0054"}`))
	if err != nil {
		t.Fatalf("StoreResult failed: %v", err)
	}

	if strings.Contains(db.lastExec, "DO NOTHING") {
		t.Fatalf("Expected conflict handling to replace expired rows, got: %s", db.lastExec)
	}
	if !strings.Contains(db.lastExec, "DO UPDATE") {
		t.Errorf("Expected an upsert on conflict, got: %s", db.lastExec)
	}
	if !strings.Contains(db.lastExec, "expires_at <= now()") {
		t.Errorf("Expected the upsert to apply only to expired rows, got: %s", db.lastExec)
	}
	if !strings.Contains(db.lastExec, "EXCLUDED.response") {
		t.Errorf("Expected the fresh response to replace the stale one, got: %s", db.lastExec)
	}

	if len(db.lastExecArgs) != 4 {
		t.Fatalf("Expected 4 statement args, got %d", len(db.lastExecArgs))
	}
	if db.lastExecArgs[0] != "tok-1" || db.lastExecArgs[1] != "t1" {
		t.Errorf("Expected token/scope args, got %v", db.lastExecArgs[:2])
	}
	if db.lastExecArgs[3] != SyncTTL {
		t.Errorf("Expected TTL arg %v, got %v", SyncTTL, db.lastExecArgs[3])
	}
}

func TestPostgresGuard_StoreResult_PropagatesWriteFailure(t *testing.T) {
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, context.DeadlineExceeded
		},
	}
	g := NewPostgresGuard(db)

	if err := g.StoreResult(context.Background(), "tok-1", "t1", nil); err == nil {
		t.Errorf("Expected write failure to propagate")
	}
}
