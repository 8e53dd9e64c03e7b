package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, i *Interaction) error {
	query := `
		INSERT INTO session_interactions (
			session_id, tenant_id, application_id, model_id, conversation_turn,
			prompt, response, input_tokens, output_tokens, cost, duration_ms, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.Exec(ctx, query,
		i.SessionID, i.TenantID, i.ApplicationID, i.ModelID, i.ConversationTurn,
		i.Prompt, i.Response, i.InputTokens, i.OutputTokens, i.Cost, i.DurationMs, i.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record session interaction: %w", err)
	}

	return nil
}
