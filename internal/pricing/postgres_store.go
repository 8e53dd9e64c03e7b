package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetPricing(ctx context.Context, region, modelID string) (*ModelPricing, error) {
	query := `
		SELECT region, model_id, input_cost_per_million, output_cost_per_million,
		       COALESCE(cache_discount, 0.5)
		FROM model_pricing
		WHERE region = $1 AND model_id = $2
	`

	var p ModelPricing
	err := s.db.QueryRow(ctx, query, region, modelID).Scan(
		&p.Region, &p.ModelID, &p.InputCostPerMillion, &p.OutputCostPerMillion, &p.CacheDiscount,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPricingNotFound
		}
		return nil, fmt.Errorf("failed to get pricing for %s/%s: %w", region, modelID, err)
	}

	return &p, nil
}
