package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	lotel "github.com/ikanisa/lawai-sub007/internal/adapter/otel"
	"github.com/ikanisa/lawai-sub007/internal/config"
	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/domain/plan"
	"github.com/ikanisa/lawai-sub007/internal/domain/session"
	"github.com/ikanisa/lawai-sub007/internal/logger"
	"github.com/ikanisa/lawai-sub007/internal/port/agentrunner"
	"github.com/ikanisa/lawai-sub007/internal/port/database"
)

const directorInstructions = `You are the director of a finance operations team.
Break the objective into an ordered plan of commands. Reply with a single JSON object:
{"version","objective","summary","decision_log":[],"global_hitl":{"required","reasons":[],"mitigations":[]},
"steps":[{"id","status":"pending","envelope":{"worker","command_type","title","description","domain",
"payload":{},"success_criteria":[],"dependencies":[],"connector_dependencies":[],"telemetry":[],
"guardrails":{"safety_policies":[],"residency":[]},"hitl":{"required","reasons":[],"mitigations":[]},
"budget":{"tokens"}},"notes":[]}]}
Dependencies reference ids of earlier steps. Keep every budget within the limits you are given.`

// directorInput is what the planning agent receives.
type directorInput struct {
	Objective  string          `json:"objective"`
	Session    session.Context `json:"session"`
	PriorState json.RawMessage `json:"prior_state,omitempty"`
	Ceilings   map[string]int  `json:"budget_ceilings"`
	Context    map[string]any  `json:"context,omitempty"`
}

// DirectorService turns an objective into a validated, budget-checked plan.
type DirectorService struct {
	store    database.Store
	runner   agentrunner.Runner
	orchCfg  *config.Orchestrator
	ceilings plan.Ceilings
	log      *slog.Logger
	metrics  *lotel.Metrics
}

// NewDirectorService creates a DirectorService. A nil logger discards.
func NewDirectorService(store database.Store, runner agentrunner.Runner, orchCfg *config.Orchestrator, log *slog.Logger) *DirectorService {
	return &DirectorService{
		store:    store,
		runner:   runner,
		orchCfg:  orchCfg,
		ceilings: ceilingsFrom(orchCfg),
		log:      logger.OrNop(log),
	}
}

// SetMetrics attaches the orchestration metrics.
func (s *DirectorService) SetMetrics(m *lotel.Metrics) { s.metrics = m }

// Ceilings returns the per worker kind token ceilings plans are checked against.
func (s *DirectorService) Ceilings() plan.Ceilings { return s.ceilings }

func ceilingsFrom(cfg *config.Orchestrator) plan.Ceilings {
	c := make(plan.Ceilings)
	if cfg == nil {
		return c
	}
	for k, v := range cfg.BudgetCeilings {
		c[command.WorkerKind(k)] = v
	}
	return c
}

func (s *DirectorService) agent() agentrunner.Agent {
	a := agentrunner.Agent{Name: "director", Instructions: directorInstructions}
	if s.orchCfg != nil {
		a.Model = s.orchCfg.PlannerModel
		a.MaxTokens = s.orchCfg.PlannerMaxTokens
		a.Stream = s.orchCfg.Stream
	}
	return a
}

// RunDirectorPlanning asks the director agent for a plan. Any streamed
// output is drained and closed before the plan is decoded. A step asking
// for more tokens than its ceiling fails the whole call with a
// *plan.BudgetExceededError and nothing is written.
func (s *DirectorService) RunDirectorPlanning(ctx context.Context, objective string, sess *session.Session, planCtx map[string]any) (_ *plan.Plan, err error) {
	sc := sess.Context()
	ctx, span := lotel.StartPlanSpan(ctx, sc.OrgID, sc.SessionID)
	defer func() { lotel.EndSpan(span, err) }()

	if objective == "" {
		return nil, plan.ErrObjectiveMissing
	}

	input := directorInput{
		Objective: objective,
		Session:   sc,
		Ceilings:  make(map[string]int, len(s.ceilings)),
		Context:   planCtx,
	}
	for k, v := range s.ceilings {
		input.Ceilings[string(k)] = v
	}
	if sess != nil {
		input.PriorState = sess.DirectorState
	}

	res, err := s.runner.Run(ctx, s.agent(), input)
	if err != nil {
		s.log.DebugContext(ctx, "director run failed",
			"session_id", sc.SessionID,
			"org_id", sc.OrgID,
			"objective_len", len(objective),
			"error", err,
		)
		return nil, fmt.Errorf("director planning: %w", err)
	}

	streamed, drainErr := agentrunner.Drain(ctx, res.Stream)
	output := res.FinalOutput
	if len(output) == 0 {
		if drainErr != nil {
			s.log.DebugContext(ctx, "director stream failed", "session_id", sc.SessionID, "run_id", res.RunID, "error", drainErr)
			return nil, fmt.Errorf("director planning: %w", drainErr)
		}
		output = json.RawMessage(streamed)
	} else if drainErr != nil {
		s.log.WarnContext(ctx, "director stream ended with error", "session_id", sc.SessionID, "run_id", res.RunID, "error", drainErr)
	}

	p, err := decodePlan(output)
	if err != nil {
		s.log.DebugContext(ctx, "director output not a plan", "session_id", sc.SessionID, "run_id", res.RunID, "error", err)
		return nil, fmt.Errorf("director planning: %w", err)
	}

	if err := plan.CheckBudget(p, s.ceilings); err != nil {
		var be *plan.BudgetExceededError
		if errors.As(err, &be) {
			s.log.ErrorContext(ctx, "director plan exceeds budget",
				"session_id", sc.SessionID,
				"step_id", be.StepID,
				"worker", be.Worker,
				"requested", be.Requested,
				"ceiling", be.Ceiling,
			)
			s.metrics.BudgetViolation(ctx, string(be.Worker))
		}
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("director planning: %w", err)
	}

	s.metrics.PlanCreated(ctx, len(p.Steps))
	s.recordState(ctx, sess, objective, p, res.RunID)
	s.log.InfoContext(ctx, "director plan created", "session_id", sc.SessionID, "steps", len(p.Steps), "run_id", res.RunID)
	return p, nil
}

func decodePlan(output json.RawMessage) (*plan.Plan, error) {
	raw, err := agentrunner.ExtractJSON(string(output))
	if err != nil {
		return nil, err
	}
	var p plan.Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}

func (s *DirectorService) recordState(ctx context.Context, sess *session.Session, objective string, p *plan.Plan, runID string) {
	if sess == nil || sess.ID == "" || s.store == nil {
		return
	}
	state, err := json.Marshal(p.Summarize())
	if err != nil {
		s.log.WarnContext(ctx, "marshal director state", "session_id", sess.ID, "error", err)
		return
	}
	u := session.StateUpdate{
		CurrentObjective: &objective,
		DirectorState:    state,
	}
	if runID != "" {
		u.LastDirectorRunID = &runID
	}
	if err := s.store.UpdateSessionState(ctx, sess.OrgID, sess.ID, u); err != nil {
		s.log.WarnContext(ctx, "update director state failed", "session_id", sess.ID, "error", err)
	}
}
