package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
)

// LearningRepository persiste los learning records de Tier-3.
type LearningRepository interface {
	InsertBatch(ctx context.Context, records []domain.LearningRecord) error
}

type PgLearningRepository struct {
	pool *pgxpool.Pool
}

func NewPgLearningRepository(pool *pgxpool.Pool) *PgLearningRepository {
	return &PgLearningRepository{pool: pool}
}

func (r *PgLearningRepository) InsertBatch(ctx context.Context, records []domain.LearningRecord) error {
	if len(records) == 0 {
		return nil
	}
	const query = `
		INSERT INTO routing_learning_events (
			id, tenant_id, utterance, utterance_hash, scenario_id, template_id, confidence, cost, latency_ms, outcome, needs_review, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(query,
			rec.ID,
			rec.TenantID,
			rec.Utterance,
			rec.UtteranceHash,
			rec.ScenarioID,
			rec.TemplateID,
			rec.Confidence,
			rec.Cost,
			rec.LatencyMs,
			rec.Outcome,
			rec.NeedsReview,
			rec.CreatedAt,
		)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}
