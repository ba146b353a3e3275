package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

const defaultRescoreBatchSize = 200

// RecordServiceOptions groups dependencies for RecordService.
type RecordServiceOptions struct {
	// Required: Repo is the record repository.
	Repo core.RecordRepository

	// Required: Scorer recomputes quality on revalidation and rescoring.
	Scorer *QualityScorer

	// Optional: RescoreBatchSize is the page size for batch rescoring.
	// Defaults to 200.
	RescoreBatchSize int

	// Optional: Logger for structured logging.
	Logger *slog.Logger
}

// RecordService is the read and maintenance surface over stored CV records:
// filtered queries, aggregate stats, manual revalidation, and the batch
// rescore walk the maintenance runner drives.
type RecordService struct {
	repo             core.RecordRepository
	scorer           *QualityScorer
	rescoreBatchSize int
	logger           *slog.Logger
}

// NewRecordService creates a RecordService with the given options.
func NewRecordService(opts RecordServiceOptions) (*RecordService, error) {
	if opts.Repo == nil {
		return nil, errors.New("RecordRepository is required")
	}
	if opts.Scorer == nil {
		return nil, errors.New("QualityScorer is required")
	}

	batchSize := opts.RescoreBatchSize
	if batchSize <= 0 {
		batchSize = defaultRescoreBatchSize
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "record_service")
	}

	return &RecordService{
		repo:             opts.Repo,
		scorer:           opts.Scorer,
		rescoreBatchSize: batchSize,
		logger:           logger,
	}, nil
}

// Query returns one page of records matching the filters.
func (s *RecordService) Query(ctx context.Context, q model.RecordQuery) (*model.RecordPage, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	q.Sanitize()

	page, err := s.repo.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return page, nil
}

// GetByID returns one record by id.
func (s *RecordService) GetByID(ctx context.Context, id string) (*model.CVRecord, error) {
	if id == "" {
		return nil, errors.New("record id is required")
	}
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

// Stats returns aggregate record counts and the mean overall score.
func (s *RecordService) Stats(ctx context.Context) (*model.RecordStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("get record stats: %w", err)
	}
	return stats, nil
}

// Revalidate reruns the full scoring pass over one record and persists the
// result. The record advances to validated unless a later lifecycle stage
// already applies.
func (s *RecordService) Revalidate(ctx context.Context, id string) (*ScoreSet, error) {
	if id == "" {
		return nil, errors.New("record id is required")
	}
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}

	scores := s.scorer.Score(rec)
	params := scoreParams(id, scores)
	params.Status = advanceStatus(rec.Status, model.RecordStatusValidated)
	if err := s.repo.UpdateScores(ctx, params); err != nil {
		return nil, fmt.Errorf("update scores for record %s: %w", id, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "record revalidated",
			"record_id", id,
			"overall", scores.Overall,
			"accuracy", scores.Accuracy,
			"validation_errors", len(scores.ValidationErrors),
		)
	}
	return &scores, nil
}

// RescorePage rescores one page of live records in id order, refreshing
// decayed freshness without touching the lifecycle status. Returns the last
// id of the page for checkpointing and the number of records scored; an
// empty lastID means the scan is complete.
func (s *RecordService) RescorePage(ctx context.Context, afterID string, limit int) (string, int, error) {
	if limit <= 0 {
		limit = s.rescoreBatchSize
	}

	recs, err := s.repo.ListForRescore(ctx, afterID, limit)
	if err != nil {
		return "", 0, fmt.Errorf("list records for rescore: %w", err)
	}
	if len(recs) == 0 {
		return "", 0, nil
	}

	for i := range recs {
		scores := s.scorer.Score(&recs[i])
		if err := s.repo.UpdateScores(ctx, scoreParams(recs[i].ID, scores)); err != nil {
			return "", 0, fmt.Errorf("update scores for record %s: %w", recs[i].ID, err)
		}
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "rescored record page",
			"after_id", afterID,
			"count", len(recs),
		)
	}
	return recs[len(recs)-1].ID, len(recs), nil
}

func scoreParams(id string, scores ScoreSet) core.UpdateScoresParams {
	return core.UpdateScoresParams{
		ID:               id,
		Completeness:     scores.Completeness,
		Freshness:        scores.Freshness,
		Overall:          scores.Overall,
		Accuracy:         scores.Accuracy,
		ValidationErrors: scores.ValidationErrors,
		InferredLevel:    scores.InferredLevel,
		EstimatedBand:    scores.EstimatedBand,
		Insights:         scores.Insights,
	}
}

// statusRank orders the processing lifecycle; duplicate and archived rank
// outside it and never change through scoring passes.
func statusRank(status model.RecordStatus) int {
	switch status {
	case model.RecordStatusNew:
		return 0
	case model.RecordStatusProcessed:
		return 1
	case model.RecordStatusValidated:
		return 2
	case model.RecordStatusEnriched:
		return 3
	default:
		return -1
	}
}

// advanceStatus returns the target status when it moves the record forward
// along the lifecycle, empty (no change) otherwise.
func advanceStatus(current, target model.RecordStatus) model.RecordStatus {
	cur, tgt := statusRank(current), statusRank(target)
	if cur < 0 || tgt <= cur {
		return ""
	}
	return target
}
