package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/repository"
)

// LearningSink recibe learning records de Tier-3. Emit nunca bloquea.
type LearningSink interface {
	Emit(rec domain.LearningRecord)
}

type discardLearningSink struct{}

func (discardLearningSink) Emit(domain.LearningRecord) {}

const (
	learningBatchSize  = 50
	learningFlushEvery = 2 * time.Second
	learningWriteLimit = 3 * time.Second
)

// AsyncLearningSink encola records en un canal acotado; un worker los persiste en lotes.
// Si la cola esta llena el record se descarta y se cuenta.
type AsyncLearningSink struct {
	ch     chan domain.LearningRecord
	repo   repository.LearningRepository
	logger *zap.Logger
}

// NewAsyncLearningSink con repo nil solo loguea los records (modo fixture/CLI).
func NewAsyncLearningSink(repo repository.LearningRepository, buffer int, logger *zap.Logger) *AsyncLearningSink {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncLearningSink{
		ch:     make(chan domain.LearningRecord, buffer),
		repo:   repo,
		logger: logger,
	}
}

func (s *AsyncLearningSink) Emit(rec domain.LearningRecord) {
	select {
	case s.ch <- rec:
	default:
		learningDroppedTotal.Inc()
		s.logger.Warn("learning record dropped, queue full",
			zap.String("tenant_id", rec.TenantID),
			zap.String("utterance_hash", shortHash(rec.Utterance)),
			zap.String("stage", "learning_sink"),
		)
	}
}

// Run drena la cola hasta que ctx se cancele; al salir hace un ultimo flush.
func (s *AsyncLearningSink) Run(ctx context.Context) {
	ticker := time.NewTicker(learningFlushEvery)
	defer ticker.Stop()

	batch := make([]domain.LearningRecord, 0, learningBatchSize)
	for {
		select {
		case rec := <-s.ch:
			batch = append(batch, rec)
			if len(batch) >= learningBatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ctx.Done():
			for {
				select {
				case rec := <-s.ch:
					batch = append(batch, rec)
				default:
					if len(batch) > 0 {
						s.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (s *AsyncLearningSink) flush(batch []domain.LearningRecord) {
	if s.repo == nil {
		for _, rec := range batch {
			s.logger.Info("tier3 learning record",
				zap.String("tenant_id", rec.TenantID),
				zap.String("utterance_hash", rec.UtteranceHash),
				zap.String("scenario_id", rec.ScenarioID),
				zap.String("outcome", rec.Outcome),
				zap.Float64("confidence", rec.Confidence),
				zap.Bool("needs_review", rec.NeedsReview),
			)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), learningWriteLimit)
	defer cancel()
	if err := s.repo.InsertBatch(ctx, batch); err != nil {
		s.logger.Warn("learning records insert failed",
			zap.Int("records", len(batch)),
			zap.String("stage", "learning_sink"),
			zap.Error(err),
		)
	}
}
