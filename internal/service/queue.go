package service

import (
	"context"
	"log/slog"

	lotel "github.com/ikanisa/lawai-sub007/internal/adapter/otel"
	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/logger"
	"github.com/ikanisa/lawai-sub007/internal/port/database"
)

// QueueService drains claimed batches through the reconciler.
type QueueService struct {
	store      database.Store
	dispatcher *DispatcherService
	reconciler *ReconcilerService
	log        *slog.Logger
}

// NewQueueService creates a QueueService. A nil logger discards.
func NewQueueService(store database.Store, dispatcher *DispatcherService, reconciler *ReconcilerService, log *slog.Logger) *QueueService {
	return &QueueService{
		store:      store,
		dispatcher: dispatcher,
		reconciler: reconciler,
		log:        logger.OrNop(log),
	}
}

// ProcessFinanceQueue claims one batch and runs it sequentially in claim
// order. It returns how many jobs were reconciled without error, whatever
// their final status. A failing job is logged and does not stop the batch.
// Only a failed claim is returned as an error.
func (s *QueueService) ProcessFinanceQueue(ctx context.Context, orgID string, worker command.WorkerKind, limit int) (int, error) {
	processed, _, err := s.processBatch(ctx, orgID, worker, limit)
	return processed, err
}

// processBatch is ProcessFinanceQueue that also reports how many jobs the
// claim returned.
func (s *QueueService) processBatch(ctx context.Context, orgID string, worker command.WorkerKind, limit int) (processed, claimed int, err error) {
	ctx, span := lotel.StartDrainSpan(ctx, orgID, string(worker))
	defer func() { lotel.EndSpan(span, err) }()

	batch, err := s.dispatcher.ClaimFinanceJobs(ctx, orgID, worker, limit)
	if err != nil {
		return 0, 0, err
	}
	if len(batch) == 0 {
		return 0, 0, nil
	}

	for i, rec := range batch {
		if ctx.Err() != nil {
			s.release(ctx, orgID, batch[i:])
			break
		}
		if _, err := s.reconciler.RunFinanceWorker(ctx, orgID, rec); err != nil {
			s.log.WarnContext(ctx, "job not processed",
				"org_id", orgID,
				"job_id", rec.Job.ID,
				"command_id", rec.Command.ID,
				"domain", rec.Domain(),
				"error", err,
			)
			continue
		}
		processed++
	}

	s.log.InfoContext(ctx, "queue batch done",
		"org_id", orgID,
		"worker", worker,
		"claimed", len(batch),
		"processed", processed,
	)
	return processed, len(batch), nil
}

// release hands the unstarted rest of a batch back to the queue when the
// caller gives up mid-batch.
func (s *QueueService) release(ctx context.Context, orgID string, rest []command.Record) {
	ids := make([]string, len(rest))
	for i := range rest {
		ids[i] = rest[i].Job.ID
	}
	if err := s.store.ReleaseJobs(context.WithoutCancel(ctx), orgID, ids); err != nil {
		s.log.ErrorContext(ctx, "release unstarted jobs failed", "org_id", orgID, "jobs", len(ids), "error", err)
		return
	}
	s.log.InfoContext(ctx, "released unstarted jobs", "org_id", orgID, "jobs", len(ids))
}
