package plan

import (
	"errors"
	"fmt"
)

var (
	ErrNoSteps          = errors.New("plan has no steps")
	ErrStepMissingID    = errors.New("step id is required")
	ErrDuplicateStepID  = errors.New("duplicate step id")
	ErrDAGInvalidRef    = errors.New("step dependency references unknown step")
	ErrDAGCycle         = errors.New("step dependencies contain a cycle")
	ErrObjectiveMissing = errors.New("objective is required")
)

// Validate checks the structural correctness of a plan: unique step ids,
// valid envelopes and an acyclic dependency graph.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return ErrNoSteps
	}

	seen := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ID == "" {
			return fmt.Errorf("step %d: %w", i, ErrStepMissingID)
		}
		if seen[s.ID] {
			return fmt.Errorf("step %s: %w", s.ID, ErrDuplicateStepID)
		}
		seen[s.ID] = true
		if err := s.Envelope.Validate(); err != nil {
			return fmt.Errorf("step %s: %w", s.ID, err)
		}
	}

	_, err := ExecutionOrder(p.Steps)
	return err
}
