package service

import (
	"context"
	"fmt"
	"log/slog"

	lotel "github.com/ikanisa/lawai-sub007/internal/adapter/otel"
	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/domain/finance"
	"github.com/ikanisa/lawai-sub007/internal/logger"
	"github.com/ikanisa/lawai-sub007/internal/port/database"
)

// DispatcherService claims ready jobs for a worker kind.
type DispatcherService struct {
	store   database.Store
	log     *slog.Logger
	metrics *lotel.Metrics
}

// NewDispatcherService creates a DispatcherService. A nil logger discards.
func NewDispatcherService(store database.Store, log *slog.Logger) *DispatcherService {
	return &DispatcherService{store: store, log: logger.OrNop(log)}
}

// SetMetrics attaches the orchestration metrics.
func (s *DispatcherService) SetMetrics(m *lotel.Metrics) { s.metrics = m }

// ClaimFinanceJobs claims at most limit ready jobs of worker for orgID,
// oldest first. Jobs whose payload does not match their domain schema are
// left out of the batch and handed back to the queue as pending; they are
// never failed here. Claimed jobs are not yet running.
func (s *DispatcherService) ClaimFinanceJobs(ctx context.Context, orgID string, worker command.WorkerKind, limit int) ([]command.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	claimed, err := s.store.ClaimPendingJobs(ctx, orgID, worker, limit)
	if err != nil {
		return nil, fmt.Errorf("claim %s jobs: %w", worker, err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	batch := make([]command.Record, 0, len(claimed))
	var invalid []string
	for i := range claimed {
		rec := &claimed[i]
		if _, err := finance.ValidatePayload(rec.Domain(), rec.Command.Payload); err != nil {
			s.log.WarnContext(ctx, "dropping claimed job with invalid payload",
				"org_id", orgID,
				"job_id", rec.Job.ID,
				"command_id", rec.Command.ID,
				"domain", rec.Domain(),
				"error", err,
			)
			invalid = append(invalid, rec.Job.ID)
			continue
		}
		batch = append(batch, *rec)
	}

	if len(invalid) > 0 {
		if err := s.store.ReleaseJobs(ctx, orgID, invalid); err != nil {
			s.log.ErrorContext(ctx, "release invalid jobs failed", "org_id", orgID, "jobs", len(invalid), "error", err)
		} else {
			s.metrics.Released(ctx, string(worker), len(invalid))
		}
	}
	s.metrics.Claimed(ctx, string(worker), len(batch))
	return batch, nil
}
