package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ikanisa/lawai-sub007/internal/config"
	"github.com/ikanisa/lawai-sub007/internal/domain"
	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/domain/plan"
	"github.com/ikanisa/lawai-sub007/internal/domain/safety"
	"github.com/ikanisa/lawai-sub007/internal/domain/session"
	"github.com/ikanisa/lawai-sub007/internal/logger"
	"github.com/ikanisa/lawai-sub007/internal/port/database"
	"github.com/ikanisa/lawai-sub007/internal/port/messagequeue"
)

// commandMetadata is persisted with every accepted command.
type commandMetadata struct {
	PlanVersion string           `json:"plan_version,omitempty"`
	Title       string           `json:"title,omitempty"`
	Safety      *safety.Decision `json:"safety,omitempty"`
}

// OrchestrationService ties sessions, planning and safety review to the
// command queue.
type OrchestrationService struct {
	store    database.Store
	director *DirectorService
	safety   *SafetyService
	queue    messagequeue.Queue
	orchCfg  *config.Orchestrator
	log      *slog.Logger
}

// NewOrchestrationService creates an OrchestrationService. A nil logger
// discards.
func NewOrchestrationService(store database.Store, director *DirectorService, reviewer *SafetyService, orchCfg *config.Orchestrator, log *slog.Logger) *OrchestrationService {
	return &OrchestrationService{
		store:    store,
		director: director,
		safety:   reviewer,
		orchCfg:  orchCfg,
		log:      logger.OrNop(log),
	}
}

// SetQueue enables jobs.ready wake-ups after plans are accepted.
func (s *OrchestrationService) SetQueue(q messagequeue.Queue) { s.queue = q }

// OpenSession starts a session for orgID with its first objective.
func (s *OrchestrationService) OpenSession(ctx context.Context, orgID, objective string) (*session.Session, error) {
	if orgID == "" {
		return nil, fmt.Errorf("org id is required: %w", domain.ErrValidation)
	}
	if objective == "" {
		return nil, fmt.Errorf("%w: %w", plan.ErrObjectiveMissing, domain.ErrValidation)
	}
	sess, err := s.store.CreateSession(ctx, orgID, objective)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	s.log.InfoContext(ctx, "session opened", "org_id", orgID, "session_id", sess.ID)
	return sess, nil
}

// CloseSession closes a session. Its queued commands stay queued.
func (s *OrchestrationService) CloseSession(ctx context.Context, orgID, sessionID string) error {
	if err := s.store.CloseSession(ctx, orgID, sessionID); err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	s.log.InfoContext(ctx, "session closed", "org_id", orgID, "session_id", sessionID)
	return nil
}

// Plan runs the director for objective inside an active session.
func (s *OrchestrationService) Plan(ctx context.Context, orgID, sessionID, objective string, planCtx map[string]any) (*plan.Plan, error) {
	sess, err := s.activeSession(ctx, orgID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.director.RunDirectorPlanning(ctx, objective, sess, planCtx)
}

// Submit plans objective inside an active session and accepts the plan.
func (s *OrchestrationService) Submit(ctx context.Context, orgID, sessionID, objective string, planCtx map[string]any) (*plan.Plan, []command.Record, error) {
	p, err := s.Plan(ctx, orgID, sessionID, objective, planCtx)
	if err != nil {
		return nil, nil, err
	}
	// Re-read: planning updated the session state.
	sess, err := s.activeSession(ctx, orgID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return s.AcceptPlan(ctx, sess, p)
}

func (s *OrchestrationService) activeSession(ctx context.Context, orgID, sessionID string) (*session.Session, error) {
	sess, err := s.store.GetSession(ctx, orgID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if sess.Status != session.StatusActive {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, domain.ErrConflict)
	}
	return sess, nil
}

// AcceptPlan persists every step of p as a Command+Job pair in one store
// call and returns a copy of p with its steps dispatched. Steps are stored
// dependencies first. With the safety gate on, each envelope is reviewed
// before anything is written: rejected steps are stored failed, steps
// needing a human are stored cancelled, and every step depending on one
// of them is stored cancelled too. Envelopes asking for a human review
// are never queued automatically.
func (s *OrchestrationService) AcceptPlan(ctx context.Context, sess *session.Session, p *plan.Plan) (*plan.Plan, []command.Record, error) {
	if sess == nil {
		return nil, nil, fmt.Errorf("session is required: %w", domain.ErrValidation)
	}
	if sess.Status != session.StatusActive {
		return nil, nil, fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, domain.ErrConflict)
	}
	if err := p.Validate(); err != nil {
		return nil, nil, fmt.Errorf("accept plan: %w: %w", err, domain.ErrValidation)
	}
	if err := plan.CheckBudget(p, s.director.Ceilings()); err != nil {
		return nil, nil, err
	}
	order, err := plan.ExecutionOrder(p.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("accept plan: %w", err)
	}

	blocked := make(map[string]bool)
	reqs := make([]command.CreateRequest, 0, len(order))
	for pos, idx := range order {
		step := &p.Steps[idx]
		req := command.CreateRequest{
			StepID:    step.ID,
			Envelope:  step.Envelope,
			Priority:  pos,
			DependsOn: slices.Clone(step.Envelope.Dependencies),
		}
		meta := commandMetadata{PlanVersion: p.Version, Title: step.Envelope.Title}

		switch {
		case dependsOnAny(step.Envelope.Dependencies, blocked):
			req.Status = command.StatusCancelled
			req.LastError = command.StringPtr(command.CodeDependencyUnsatisfied)
		case s.gate():
			d := s.safety.RunSafetyAssessment(ctx, &step.Envelope, sess.Context(), step.ID)
			meta.Safety = &d
			req.Status, req.LastError = gateOutcome(d)
		}
		if req.Status == "" && step.Envelope.HITL.Required {
			req.Status = command.StatusCancelled
			req.LastError = command.StringPtr(command.CodeRequiresHITL)
		}
		if req.Status.IsTerminal() {
			blocked[step.ID] = true
		}

		if req.Metadata, err = json.Marshal(meta); err != nil {
			return nil, nil, fmt.Errorf("marshal command metadata: %w", err)
		}
		reqs = append(reqs, req)
	}

	records, err := s.store.CreateCommandJobs(ctx, sess.OrgID, sess.ID, reqs)
	if err != nil {
		return nil, nil, fmt.Errorf("accept plan: %w", err)
	}

	accepted := *p
	accepted.Steps = slices.Clone(p.Steps)
	for i := range accepted.Steps {
		accepted.Steps[i].Status = plan.StepStatusDispatched
	}

	s.log.InfoContext(ctx, "plan accepted",
		"org_id", sess.OrgID,
		"session_id", sess.ID,
		"steps", len(records),
		"blocked", len(blocked),
	)
	s.notifyReady(ctx, sess.OrgID, sess.ID, records)
	return &accepted, records, nil
}

func (s *OrchestrationService) gate() bool {
	return s.safety != nil && s.orchCfg != nil && s.orchCfg.SafetyGate
}

// gateOutcome maps a safety decision onto the status a new command starts
// in. An empty status leaves it queued.
func gateOutcome(d safety.Decision) (command.Status, *string) {
	switch d.Status {
	case safety.StatusApproved:
		return "", nil
	case safety.StatusRejected:
		return command.StatusFailed, command.StringPtr(command.CodeSafetyRejected)
	default:
		return command.StatusCancelled, command.StringPtr(command.CodeRequiresHITL)
	}
}

func dependsOnAny(deps []string, blocked map[string]bool) bool {
	for _, d := range deps {
		if blocked[d] {
			return true
		}
	}
	return false
}

// ResumeCommand requeues a command cancelled for human review once a human
// has cleared it.
func (s *OrchestrationService) ResumeCommand(ctx context.Context, orgID, commandID string) (*command.Record, error) {
	rec, err := s.store.ResumeCommand(ctx, orgID, commandID)
	if err != nil {
		return nil, fmt.Errorf("resume command %s: %w", commandID, err)
	}
	s.log.InfoContext(ctx, "command resumed", "org_id", orgID, "command_id", commandID, "job_id", rec.Job.ID)
	s.notifyReady(ctx, orgID, rec.Command.SessionID, []command.Record{*rec})
	return rec, nil
}

// QueueStats counts the jobs of orgID by worker kind and status.
func (s *OrchestrationService) QueueStats(ctx context.Context, orgID string) ([]command.QueueStat, error) {
	return s.store.QueueStats(ctx, orgID)
}

// notifyReady publishes one jobs.ready.<worker> message per worker kind
// with pending jobs. Pollers also run on a timer, so failures only log.
func (s *OrchestrationService) notifyReady(ctx context.Context, orgID, sessionID string, records []command.Record) {
	if s.queue == nil {
		return
	}
	byWorker := make(map[command.WorkerKind][]string)
	var kinds []command.WorkerKind
	for i := range records {
		j := &records[i].Job
		if j.Status != command.JobStatusPending {
			continue
		}
		if _, ok := byWorker[j.Worker]; !ok {
			kinds = append(kinds, j.Worker)
		}
		byWorker[j.Worker] = append(byWorker[j.Worker], j.ID)
	}

	for _, w := range kinds {
		data, err := json.Marshal(messagequeue.JobReadyPayload{
			OrgID:     orgID,
			SessionID: sessionID,
			Worker:    string(w),
			JobIDs:    byWorker[w],
		})
		if err != nil {
			continue
		}
		if err := s.queue.Publish(ctx, messagequeue.JobsReadySubject(string(w)), data); err != nil {
			s.log.WarnContext(ctx, "publish jobs ready failed", "worker", w, "error", err)
		}
	}
}
