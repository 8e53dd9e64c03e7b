package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/vnmchuo/llm-meter/internal/pricing"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const recordColumns = `
	tenant_id, model_id, balance, total_budget, alert_threshold,
	total_input_tokens, total_output_tokens, total_cache_read_tokens,
	total_cache_write_tokens, total_invocations, last_updated,
	COALESCE(last_alert_time, 'epoch'::timestamptz), COALESCE(last_alert_utilization, 0)
`

func scanRecord(row pgx.Row) (*BudgetRecord, error) {
	var r BudgetRecord
	err := row.Scan(
		&r.TenantID, &r.ModelID, &r.Balance, &r.TotalBudget, &r.AlertThreshold,
		&r.TotalInputTokens, &r.TotalOutputTokens, &r.TotalCacheReadTokens,
		&r.TotalCacheWriteTokens, &r.TotalInvocations, &r.LastUpdated,
		&r.LastAlertTime, &r.LastAlertUtilization,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, tenantID, modelID string) (*BudgetRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM tenant_budgets WHERE tenant_id = $1 AND model_id = $2`

	r, err := scanRecord(s.db.QueryRow(ctx, query, tenantID, modelID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBudgetNotFound
		}
		return nil, fmt.Errorf("failed to get budget record %s/%s: %w", tenantID, modelID, err)
	}
	return r, nil
}

func (s *PostgresStore) ApplyAggregate(ctx context.Context, tenantID string, cost decimal.Decimal, usage pricing.Usage) error {
	// The WHERE clause is the admission-control backstop: the decrement only
	// applies while balance covers the cost. Zero rows affected means either
	// the condition failed or the aggregate row does not exist; both surface
	// as ErrConditionFailed for the delivery channel to retry or reconcile.
	query := `
		UPDATE tenant_budgets
		SET balance = balance - $2,
		    total_input_tokens = total_input_tokens + $3,
		    total_output_tokens = total_output_tokens + $4,
		    total_cache_read_tokens = total_cache_read_tokens + $5,
		    total_cache_write_tokens = total_cache_write_tokens + $6,
		    total_invocations = total_invocations + 1,
		    last_updated = now()
		WHERE tenant_id = $1 AND model_id = '` + AggregateModelID + `' AND balance >= $2
	`

	tag, err := s.db.Exec(ctx, query, tenantID, cost,
		usage.InputTokens, usage.OutputTokens, usage.CacheReadTokens, usage.CacheWriteTokens)
	if err != nil {
		return fmt.Errorf("failed to apply aggregate settlement for %s: %w", tenantID, err)
	}

	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (s *PostgresStore) ApplyModel(ctx context.Context, tenantID, modelID string, cost decimal.Decimal, usage pricing.Usage) error {
	query := `
		INSERT INTO tenant_budgets (
			tenant_id, model_id, balance, total_budget, alert_threshold,
			total_input_tokens, total_output_tokens, total_cache_read_tokens,
			total_cache_write_tokens, total_invocations, last_updated
		)
		VALUES ($1, $2, -$3, 0, 0, $4, $5, $6, $7, 1, now())
		ON CONFLICT (tenant_id, model_id) DO UPDATE SET
			balance = tenant_budgets.balance - $3,
			total_input_tokens = tenant_budgets.total_input_tokens + $4,
			total_output_tokens = tenant_budgets.total_output_tokens + $5,
			total_cache_read_tokens = tenant_budgets.total_cache_read_tokens + $6,
			total_cache_write_tokens = tenant_budgets.total_cache_write_tokens + $7,
			total_invocations = tenant_budgets.total_invocations + 1,
			last_updated = now()
	`

	_, err := s.db.Exec(ctx, query, tenantID, modelID, cost,
		usage.InputTokens, usage.OutputTokens, usage.CacheReadTokens, usage.CacheWriteTokens)
	if err != nil {
		return fmt.Errorf("failed to apply model settlement for %s/%s: %w", tenantID, modelID, err)
	}
	return nil
}

func (s *PostgresStore) RecordAlert(ctx context.Context, tenantID string, at time.Time, utilization decimal.Decimal) error {
	query := `
		UPDATE tenant_budgets
		SET last_alert_time = $2, last_alert_utilization = $3
		WHERE tenant_id = $1 AND model_id = '` + AggregateModelID + `'
	`

	tag, err := s.db.Exec(ctx, query, tenantID, at, utilization)
	if err != nil {
		return fmt.Errorf("failed to record alert for %s: %w", tenantID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBudgetNotFound
	}
	return nil
}

func (s *PostgresStore) QueryTenant(ctx context.Context, tenantID string) ([]*BudgetRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM tenant_budgets WHERE tenant_id = $1`

	rows, err := s.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query budget records for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var records []*BudgetRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan budget record: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating budget records: %w", err)
	}

	return records, nil
}
