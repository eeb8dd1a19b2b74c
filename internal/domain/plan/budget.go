package plan

import (
	"errors"
	"fmt"

	"github.com/ikanisa/lawai-sub007/internal/domain/command"
)

// CodeBudgetExceeded is the failure code of a plan whose step asks for more
// tokens than its worker kind is allowed.
const CodeBudgetExceeded = "director_plan_budget_exceeded"

// ErrBudgetExceeded is matched by every *BudgetExceededError via errors.Is.
var ErrBudgetExceeded = errors.New(CodeBudgetExceeded)

// BudgetExceededError identifies the first offending step of a plan.
type BudgetExceededError struct {
	StepID    string
	Worker    command.WorkerKind
	Requested int
	Ceiling   int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s: step %s requested %d tokens, ceiling for %s is %d",
		CodeBudgetExceeded, e.StepID, e.Requested, e.Worker, e.Ceiling)
}

func (e *BudgetExceededError) Is(target error) bool {
	return target == ErrBudgetExceeded
}

// Ceilings maps a worker kind to the maximum tokens a single step may request.
// A missing kind falls back to the domain ceiling.
type Ceilings map[command.WorkerKind]int

// For returns the ceiling applied to steps of worker kind w.
func (c Ceilings) For(w command.WorkerKind) int {
	if v, ok := c[w]; ok {
		return v
	}
	return c[command.WorkerDomain]
}

// CheckBudget returns a *BudgetExceededError for the first step whose
// requested tokens exceed its ceiling. Budgets are never clamped.
func CheckBudget(p *Plan, ceilings Ceilings) error {
	for i := range p.Steps {
		s := &p.Steps[i]
		ceiling := ceilings.For(s.Envelope.Worker)
		if s.Envelope.Budget.Tokens > ceiling {
			return &BudgetExceededError{
				StepID:    s.ID,
				Worker:    s.Envelope.Worker,
				Requested: s.Envelope.Budget.Tokens,
				Ceiling:   ceiling,
			}
		}
	}
	return nil
}
