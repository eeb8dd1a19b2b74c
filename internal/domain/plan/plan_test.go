package plan_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ikanisa/lawai-sub007/internal/domain"
	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/domain/plan"
)

func step(id string, tokens int, deps ...string) plan.Step {
	return plan.Step{
		ID:     id,
		Status: plan.StepStatusPending,
		Envelope: command.Envelope{
			Worker:       command.WorkerDomain,
			CommandType:  "finance.pay_invoice",
			Title:        "Pay invoice " + id,
			Domain:       "accounts_payable",
			Payload:      json.RawMessage(`{"operation":"pay"}`),
			Dependencies: deps,
			Budget:       command.Budget{Tokens: tokens},
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	p := plan.Plan{Objective: "pay vendors", Steps: []plan.Step{step("a", 4), step("b", 4, "a")}}
	if err := p.Validate(); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		steps []plan.Step
		want  error
	}{
		{name: "no steps", steps: nil, want: plan.ErrNoSteps},
		{name: "missing id", steps: []plan.Step{step("", 1)}, want: plan.ErrStepMissingID},
		{name: "duplicate id", steps: []plan.Step{step("a", 1), step("a", 1)}, want: plan.ErrDuplicateStepID},
		{name: "unknown dependency", steps: []plan.Step{step("a", 1, "zz")}, want: plan.ErrDAGInvalidRef},
		{name: "self dependency", steps: []plan.Step{step("a", 1, "a")}, want: plan.ErrDAGCycle},
		{name: "cycle", steps: []plan.Step{step("a", 1, "b"), step("b", 1, "a")}, want: plan.ErrDAGCycle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := plan.Plan{Steps: tt.steps}
			if err := p.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_InvalidEnvelope(t *testing.T) {
	s := step("a", 1)
	s.Envelope.Worker = "robot"
	p := plan.Plan{Steps: []plan.Step{s}}
	if err := p.Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestExecutionOrder_KeepsPlannerOrderWithoutDeps(t *testing.T) {
	order, err := plan.ExecutionOrder([]plan.Step{step("a", 1), step("b", 1), step("c", 1)})
	if err != nil {
		t.Fatal(err)
	}
	for i, idx := range order {
		if idx != i {
			t.Fatalf("expected identity order, got %v", order)
		}
	}
}

func TestExecutionOrder_DependenciesFirst(t *testing.T) {
	steps := []plan.Step{step("report", 1, "pay"), step("pay", 1, "approve"), step("approve", 1)}
	order, err := plan.ExecutionOrder(steps)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]string, len(order))
	for i, idx := range order {
		got[i] = steps[idx].ID
	}
	want := []string{"approve", "pay", "report"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestCheckBudget_WithinCeiling(t *testing.T) {
	p := plan.Plan{Steps: []plan.Step{step("a", 4), step("b", 64)}}
	if err := plan.CheckBudget(&p, plan.Ceilings{command.WorkerDomain: 64}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCheckBudget_Exceeded(t *testing.T) {
	p := plan.Plan{Steps: []plan.Step{step("a", 4), step("b", 256), step("c", 512)}}
	err := plan.CheckBudget(&p, plan.Ceilings{command.WorkerDomain: 64})
	if !errors.Is(err, plan.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	var be *plan.BudgetExceededError
	if !errors.As(err, &be) {
		t.Fatalf("expected *BudgetExceededError, got %T", err)
	}
	if be.StepID != "b" || be.Requested != 256 || be.Ceiling != 64 {
		t.Fatalf("unexpected violation: %+v", be)
	}
	if err.Error() == "" || be.Error()[:len(plan.CodeBudgetExceeded)] != plan.CodeBudgetExceeded {
		t.Fatalf("expected message to start with %s, got %q", plan.CodeBudgetExceeded, err.Error())
	}
}

func TestCeilings_FallbackToDomain(t *testing.T) {
	c := plan.Ceilings{command.WorkerDomain: 64, command.WorkerSafety: 8}
	if got := c.For(command.WorkerSafety); got != 8 {
		t.Fatalf("expected 8, got %d", got)
	}
	if got := c.For(command.WorkerDirector); got != 64 {
		t.Fatalf("expected fallback 64, got %d", got)
	}
}

func TestSummarize(t *testing.T) {
	p := plan.Plan{Version: "v1", Objective: "o", Summary: "s", GlobalHITL: command.HITL{Required: true},
		Steps: []plan.Step{step("a", 1), step("b", 1)}}
	sum := p.Summarize()
	if len(sum.StepIDs) != 2 || sum.StepIDs[1] != "b" || !sum.HITL {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}
