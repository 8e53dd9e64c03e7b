package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SyncTTL is the retention window for the admission-path guard. A retried
// client request inside this window gets the stored response back.
const SyncTTL = 24 * time.Hour

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresGuard is the durable admission-path guard, keyed by
// (request token, tenant scope).
type PostgresGuard struct {
	db  DB
	ttl time.Duration
}

func NewPostgresGuard(db DB) *PostgresGuard {
	return &PostgresGuard{db: db, ttl: SyncTTL}
}

func (g *PostgresGuard) CheckProcessed(ctx context.Context, token, scope string) (json.RawMessage, bool, error) {
	query := `
		SELECT response
		FROM idempotency_records
		WHERE request_token = $1 AND tenant_id = $2 AND expires_at > now()
	`

	var result json.RawMessage
	err := g.db.QueryRow(ctx, query, token, scope).Scan(&result)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to check idempotency record: %w", err)
	}

	return result, true, nil
}

func (g *PostgresGuard) StoreResult(ctx context.Context, token, scope string, result json.RawMessage) error {
	// A live row wins: a concurrent duplicate that already stored its result
	// keeps it, and this write quietly yields. An expired row is dead weight
	// that CheckProcessed already ignores, so the upsert re-arms it in place;
	// otherwise a token could never be stored again after its TTL passed.
	query := `
		INSERT INTO idempotency_records (request_token, tenant_id, response, processed_at, expires_at)
		VALUES ($1, $2, $3, now(), now() + $4)
		ON CONFLICT (request_token, tenant_id) DO UPDATE SET
			response = EXCLUDED.response,
			processed_at = now(),
			expires_at = now() + $4
		WHERE idempotency_records.expires_at <= now()
	`

	_, err := g.db.Exec(ctx, query, token, scope, result, g.ttl)
	if err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}

	return nil
}
