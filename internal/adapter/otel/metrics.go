package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "lawai.orchestration"

// Metrics holds the orchestration metric instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	PlansCreated       metric.Int64Counter
	BudgetViolations   metric.Int64Counter
	SafetyDecisions    metric.Int64Counter
	JobsClaimed        metric.Int64Counter
	JobsReleased       metric.Int64Counter
	CommandsReconciled metric.Int64Counter
	ExecuteDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.PlansCreated, err = meter.Int64Counter("lawai.plans.created",
		metric.WithDescription("Number of director plans produced"))
	if err != nil {
		return nil, err
	}

	m.BudgetViolations, err = meter.Int64Counter("lawai.plans.budget_violations",
		metric.WithDescription("Number of plans rejected for exceeding a budget ceiling"))
	if err != nil {
		return nil, err
	}

	m.SafetyDecisions, err = meter.Int64Counter("lawai.safety.decisions",
		metric.WithDescription("Number of safety decisions by status"))
	if err != nil {
		return nil, err
	}

	m.JobsClaimed, err = meter.Int64Counter("lawai.jobs.claimed",
		metric.WithDescription("Number of jobs claimed"))
	if err != nil {
		return nil, err
	}

	m.JobsReleased, err = meter.Int64Counter("lawai.jobs.released",
		metric.WithDescription("Number of claimed jobs released for invalid payloads"))
	if err != nil {
		return nil, err
	}

	m.CommandsReconciled, err = meter.Int64Counter("lawai.commands.reconciled",
		metric.WithDescription("Number of commands reconciled by status"))
	if err != nil {
		return nil, err
	}

	m.ExecuteDuration, err = meter.Float64Histogram("lawai.worker.execute_seconds",
		metric.WithDescription("Domain worker execution time in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) PlanCreated(ctx context.Context, steps int) {
	if m == nil {
		return
	}
	m.PlansCreated.Add(ctx, 1, metric.WithAttributes(attribute.Int("plan.steps", steps)))
}

func (m *Metrics) BudgetViolation(ctx context.Context, worker string) {
	if m == nil {
		return
	}
	m.BudgetViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("worker", worker)))
}

func (m *Metrics) SafetyDecision(ctx context.Context, status string, fallback, cached bool) {
	if m == nil {
		return
	}
	m.SafetyDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("fallback", fallback),
		attribute.Bool("cached", cached),
	))
}

func (m *Metrics) Claimed(ctx context.Context, worker string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.JobsClaimed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("worker", worker)))
}

func (m *Metrics) Released(ctx context.Context, worker string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.JobsReleased.Add(ctx, int64(n), metric.WithAttributes(attribute.String("worker", worker)))
}

func (m *Metrics) Reconciled(ctx context.Context, domain, status string) {
	if m == nil {
		return
	}
	m.CommandsReconciled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("domain", domain),
		attribute.String("status", status),
	))
}

func (m *Metrics) Executed(ctx context.Context, domain string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecuteDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("domain", domain)))
}
