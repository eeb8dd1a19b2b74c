package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	lotel "github.com/ikanisa/lawai-sub007/internal/adapter/otel"
	"github.com/ikanisa/lawai-sub007/internal/config"
	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/domain/safety"
	"github.com/ikanisa/lawai-sub007/internal/domain/session"
	"github.com/ikanisa/lawai-sub007/internal/logger"
	"github.com/ikanisa/lawai-sub007/internal/port/agentrunner"
	"github.com/ikanisa/lawai-sub007/internal/port/cache"
	"github.com/ikanisa/lawai-sub007/internal/port/database"
)

const safetyInstructions = `You review finance commands before they are executed.
You receive the worker kind, command type, a fingerprint of the payload and whether a human review was already requested.
Reply with a single JSON object {"status":"approved"|"rejected"|"needs_hitl","reasons":[],"mitigations":[]}.
When in doubt, answer needs_hitl.`

type safetyInput struct {
	Assessment safety.Assessment `json:"assessment"`
	Session    session.Context   `json:"session"`
}

// safetyState is stored as the session safety state after each review.
type safetyState struct {
	CommandID string          `json:"command_id"`
	Decision  safety.Decision `json:"decision"`
}

// SafetyService reviews command envelopes with the safety agent. It never
// fails: any problem reaching or understanding the agent escalates to a
// human.
type SafetyService struct {
	store   database.Store
	runner  agentrunner.Runner
	cache   cache.Cache
	orchCfg *config.Orchestrator
	log     *slog.Logger
	metrics *lotel.Metrics
}

// NewSafetyService creates a SafetyService. A nil logger discards.
func NewSafetyService(store database.Store, runner agentrunner.Runner, orchCfg *config.Orchestrator, log *slog.Logger) *SafetyService {
	return &SafetyService{
		store:   store,
		runner:  runner,
		orchCfg: orchCfg,
		log:     logger.OrNop(log),
	}
}

// SetCache attaches a decision cache. Decisions are cached for
// Orchestrator.SafetyCacheTTL; a zero TTL disables caching.
func (s *SafetyService) SetCache(c cache.Cache) { s.cache = c }

// SetMetrics attaches the orchestration metrics.
func (s *SafetyService) SetMetrics(m *lotel.Metrics) { s.metrics = m }

func (s *SafetyService) agent() agentrunner.Agent {
	a := agentrunner.Agent{Name: "safety", Instructions: safetyInstructions}
	if s.orchCfg != nil {
		a.Model = s.orchCfg.SafetyModel
		a.MaxTokens = s.orchCfg.SafetyMaxTokens
	}
	return a
}

func (s *SafetyService) cacheTTL() time.Duration {
	if s.cache == nil || s.orchCfg == nil {
		return 0
	}
	return s.orchCfg.SafetyCacheTTL
}

// RunSafetyAssessment reviews env on behalf of the command identified by
// commandID. Only a fingerprint of the payload is sent to the agent.
func (s *SafetyService) RunSafetyAssessment(ctx context.Context, env *command.Envelope, sc session.Context, commandID string) safety.Decision {
	ctx, span := lotel.StartReviewSpan(ctx, sc.SessionID, commandID)

	a := safety.NewAssessment(commandID, env)
	key := a.CacheKey()

	if d, ok := s.cached(ctx, key); ok {
		s.metrics.SafetyDecision(ctx, string(d.Status), false, true)
		lotel.EndSpan(span, nil)
		return d
	}

	d, runID, err := s.review(ctx, a, sc)
	if err != nil {
		s.log.ErrorContext(ctx, "safety agent failure, escalating to human",
			"session_id", sc.SessionID,
			"org_id", sc.OrgID,
			"command_id", commandID,
			"error", err,
		)
		d = safety.Failure()
	} else {
		s.remember(ctx, key, d)
	}
	lotel.EndSpan(span, err)

	s.metrics.SafetyDecision(ctx, string(d.Status), d.Fallback, false)
	s.recordState(ctx, sc, commandID, d, runID)
	return d
}

func (s *SafetyService) review(ctx context.Context, a safety.Assessment, sc session.Context) (safety.Decision, string, error) {
	res, err := s.runner.Run(ctx, s.agent(), safetyInput{Assessment: a, Session: sc})
	if err != nil {
		return safety.Decision{}, "", fmt.Errorf("safety run: %w", err)
	}

	streamed, drainErr := agentrunner.Drain(ctx, res.Stream)
	output := res.FinalOutput
	if len(output) == 0 {
		if drainErr != nil {
			return safety.Decision{}, res.RunID, drainErr
		}
		output = json.RawMessage(streamed)
	}

	raw, err := agentrunner.ExtractJSON(string(output))
	if err != nil {
		return safety.Decision{}, res.RunID, err
	}
	d, err := safety.ParseOutput(raw)
	if err != nil {
		return safety.Decision{}, res.RunID, err
	}
	return d, res.RunID, nil
}

func (s *SafetyService) cached(ctx context.Context, key string) (safety.Decision, bool) {
	if s.cacheTTL() <= 0 {
		return safety.Decision{}, false
	}
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.DebugContext(ctx, "safety cache get failed", "key", key, "error", err)
		return safety.Decision{}, false
	}
	if !ok {
		return safety.Decision{}, false
	}
	var d safety.Decision
	if err := json.Unmarshal(data, &d); err != nil || !d.Status.Valid() {
		return safety.Decision{}, false
	}
	return d, true
}

// remember caches a genuine agent decision. Fallback decisions are never
// cached so the next review asks the agent again.
func (s *SafetyService) remember(ctx context.Context, key string, d safety.Decision) {
	ttl := s.cacheTTL()
	if ttl <= 0 || d.Fallback {
		return
	}
	data, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, ttl); err != nil {
		s.log.DebugContext(ctx, "safety cache set failed", "key", key, "error", err)
	}
}

func (s *SafetyService) recordState(ctx context.Context, sc session.Context, commandID string, d safety.Decision, runID string) {
	if sc.SessionID == "" || s.store == nil {
		return
	}
	state, err := json.Marshal(safetyState{CommandID: commandID, Decision: d})
	if err != nil {
		return
	}
	u := session.StateUpdate{SafetyState: state}
	if runID != "" {
		u.LastSafetyRunID = &runID
	}
	if err := s.store.UpdateSessionState(ctx, sc.OrgID, sc.SessionID, u); err != nil {
		s.log.WarnContext(ctx, "update safety state failed", "session_id", sc.SessionID, "error", err)
	}
}
