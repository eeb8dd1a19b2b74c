package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lotel "github.com/ikanisa/lawai-sub007/internal/adapter/otel"
	"github.com/ikanisa/lawai-sub007/internal/config"
	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/domain/finance"
	"github.com/ikanisa/lawai-sub007/internal/logger"
	"github.com/ikanisa/lawai-sub007/internal/port/database"
	"github.com/ikanisa/lawai-sub007/internal/port/domainworker"
	"github.com/ikanisa/lawai-sub007/internal/port/messagequeue"
)

// ReconcilerService runs claimed jobs on their domain worker and writes the
// outcome back to the job and its command.
type ReconcilerService struct {
	store    database.Store
	registry *domainworker.Registry
	queue    messagequeue.Queue
	orchCfg  *config.Orchestrator
	log      *slog.Logger
	metrics  *lotel.Metrics
}

// NewReconcilerService creates a ReconcilerService. A nil logger discards.
func NewReconcilerService(store database.Store, registry *domainworker.Registry, orchCfg *config.Orchestrator, log *slog.Logger) *ReconcilerService {
	return &ReconcilerService{
		store:    store,
		registry: registry,
		orchCfg:  orchCfg,
		log:      logger.OrNop(log),
	}
}

// SetQueue enables commands.reconciled notifications.
func (s *ReconcilerService) SetQueue(q messagequeue.Queue) { s.queue = q }

// SetMetrics attaches the orchestration metrics.
func (s *ReconcilerService) SetMetrics(m *lotel.Metrics) { s.metrics = m }

func (s *ReconcilerService) executeTimeout() time.Duration {
	if s.orchCfg == nil {
		return 0
	}
	return s.orchCfg.ExecuteTimeout
}

// RunFinanceWorker executes one claimed job. A missing worker, an invalid
// payload or an invalid result fail the job and return a
// *command.ReconcileError. A worker error fails the job and is returned
// unchanged.
func (s *ReconcilerService) RunFinanceWorker(ctx context.Context, orgID string, rec command.Record) (_ *finance.Result, err error) {
	domainKey := rec.Domain()
	ctx, span := lotel.StartExecuteSpan(ctx, rec.Job.ID, rec.Command.ID, domainKey)
	defer func() { lotel.EndSpan(span, err) }()

	worker, ok := s.registry.Get(domainKey)
	if !ok {
		return nil, s.fail(ctx, orgID, rec, command.CodeWorkerNotRegistered+":"+domainKey, nil)
	}

	payload, err := finance.ValidatePayload(domainKey, rec.Command.Payload)
	if err != nil {
		s.log.WarnContext(ctx, "payload invalid before execution",
			"job_id", rec.Job.ID,
			"command_id", rec.Command.ID,
			"domain", domainKey,
			"error", err,
		)
		return nil, s.fail(ctx, orgID, rec, command.CodeInvalidPayload, err)
	}

	if err := s.store.MarkJobStarted(ctx, orgID, rec.Job.ID); err != nil {
		// Not started: hand the claim back so the job is not stranded.
		if rerr := s.store.ReleaseJobs(context.WithoutCancel(ctx), orgID, []string{rec.Job.ID}); rerr != nil {
			err = errors.Join(err, fmt.Errorf("release: %w", rerr))
		}
		return nil, fmt.Errorf("start job %s: %w", rec.Job.ID, err)
	}

	execCtx := ctx
	if d := s.executeTimeout(); d > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	start := time.Now()
	res, execErr := worker.Execute(execCtx, domainworker.Request{OrgID: orgID, Record: rec, Payload: payload})
	s.metrics.Executed(ctx, domainKey, time.Since(start))

	if execErr != nil {
		s.log.WarnContext(ctx, "domain worker failed",
			"job_id", rec.Job.ID,
			"command_id", rec.Command.ID,
			"domain", domainKey,
			"error", execErr,
		)
		if _, err := s.ProcessFinanceJob(ctx, orgID, rec, finance.FailedResult(execErr, command.CodeWorkerFailed)); err != nil {
			return nil, errors.Join(execErr, err)
		}
		return nil, execErr
	}

	checked, err := res.Check()
	if err != nil {
		s.log.ErrorContext(ctx, "domain worker returned an invalid result",
			"step_id", rec.Command.StepID,
			"job_id", rec.Job.ID,
			"command_id", rec.Command.ID,
			"domain", domainKey,
			"error", err,
		)
		return nil, s.fail(ctx, orgID, rec, command.CodeInvalidResult, err)
	}

	return s.ProcessFinanceJob(ctx, orgID, rec, &checked)
}

// ProcessFinanceJob reconciles a worker result onto the job and its
// command: completed stays completed, failed keeps its error code and
// anything else is cancelled awaiting a human.
func (s *ReconcilerService) ProcessFinanceJob(ctx context.Context, orgID string, rec command.Record, result *finance.Result) (*finance.Result, error) {
	if result == nil {
		return nil, s.fail(ctx, orgID, rec, command.CodeInvalidResult, errors.New("result is nil"))
	}
	r := *result
	r.Normalize()

	status, lastErr := Outcome(r)
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	if err := s.apply(ctx, orgID, rec, status, lastErr, raw); err != nil {
		return nil, err
	}
	return &r, nil
}

// Outcome maps a normalised result onto the terminal status and last error
// persisted for its command.
func Outcome(r finance.Result) (command.Status, *string) {
	switch r.Status {
	case finance.StatusCompleted:
		return command.StatusCompleted, nil
	case finance.StatusFailed:
		code := r.ErrorCode
		if code == "" {
			code = command.CodeJobFailed
		}
		return command.StatusFailed, &code
	default:
		reason := r.HITLReason
		if reason == "" {
			reason = command.CodeRequiresHITL
		}
		return command.StatusCancelled, &reason
	}
}

// fail marks the job failed with code and returns the matching
// *command.ReconcileError.
func (s *ReconcilerService) fail(ctx context.Context, orgID string, rec command.Record, code string, cause error) error {
	rerr := &command.ReconcileError{Code: code, JobID: rec.Job.ID, CommandID: rec.Command.ID, Err: cause}

	res := finance.Result{Status: finance.StatusFailed, ErrorCode: code}
	res.Normalize()
	raw, err := json.Marshal(res)
	if err != nil {
		return errors.Join(rerr, fmt.Errorf("marshal result: %w", err))
	}
	if err := s.apply(ctx, orgID, rec, command.StatusFailed, &code, raw); err != nil {
		return errors.Join(rerr, err)
	}
	return rerr
}

// apply persists the outcome even when ctx has been cancelled: once execution
// has returned, the command must reach its terminal state.
func (s *ReconcilerService) apply(ctx context.Context, orgID string, rec command.Record, status command.Status, lastErr *string, result json.RawMessage) error {
	ctx = context.WithoutCancel(ctx)
	err := s.store.ReconcileJob(ctx, command.Transition{
		OrgID:     orgID,
		JobID:     rec.Job.ID,
		CommandID: rec.Command.ID,
		Status:    status,
		LastError: lastErr,
		Result:    result,
	})
	if err != nil {
		return fmt.Errorf("reconcile job %s: %w", rec.Job.ID, err)
	}

	s.metrics.Reconciled(ctx, rec.Domain(), string(status))
	s.log.InfoContext(ctx, "command reconciled",
		"job_id", rec.Job.ID,
		"command_id", rec.Command.ID,
		"domain", rec.Domain(),
		"status", status,
	)
	s.publish(ctx, orgID, rec, status, lastErr)
	return nil
}

func (s *ReconcilerService) publish(ctx context.Context, orgID string, rec command.Record, status command.Status, lastErr *string) {
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(messagequeue.CommandReconciledPayload{
		OrgID:     orgID,
		SessionID: rec.Command.SessionID,
		CommandID: rec.Command.ID,
		JobID:     rec.Job.ID,
		Domain:    rec.Domain(),
		Status:    string(status),
		LastError: lastErr,
	})
	if err != nil {
		return
	}
	// The store already holds the outcome; a lost notification only delays listeners.
	if err := s.queue.Publish(ctx, messagequeue.SubjectCommandReconciled, data); err != nil {
		s.log.WarnContext(ctx, "publish reconciled command failed", "command_id", rec.Command.ID, "error", err)
	}
}
