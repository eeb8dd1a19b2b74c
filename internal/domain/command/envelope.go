package command

import (
	"encoding/json"
	"fmt"

	"github.com/ikanisa/lawai-sub007/internal/domain"
)

// HITL describes whether a human must review before automation proceeds.
type HITL struct {
	Required    bool     `json:"required"`
	Reasons     []string `json:"reasons"`
	Mitigations []string `json:"mitigations"`
}

// Guardrails carries the policies a command must be executed under.
type Guardrails struct {
	SafetyPolicies []string `json:"safety_policies"`
	Residency      []string `json:"residency"`
}

// Budget is the resource allowance requested for one command.
type Budget struct {
	Tokens int `json:"tokens"`
}

// Envelope is the serializable description of one command to be executed
// by a worker. Payload is opaque here and validated per domain.
type Envelope struct {
	Worker                WorkerKind      `json:"worker"`
	CommandType           string          `json:"command_type"`
	Title                 string          `json:"title"`
	Description           string          `json:"description,omitempty"`
	Domain                string          `json:"domain"`
	Payload               json.RawMessage `json:"payload"`
	SuccessCriteria       []string        `json:"success_criteria,omitempty"`
	Dependencies          []string        `json:"dependencies,omitempty"`
	ConnectorDependencies []string        `json:"connector_dependencies,omitempty"`
	Telemetry             []string        `json:"telemetry,omitempty"`
	Guardrails            Guardrails      `json:"guardrails"`
	HITL                  HITL            `json:"hitl"`
	Budget                Budget          `json:"budget"`
}

// Validate checks that an Envelope has all required fields.
func (e *Envelope) Validate() error {
	if !e.Worker.Valid() {
		return fmt.Errorf("invalid worker %q: %w", e.Worker, domain.ErrValidation)
	}
	if e.CommandType == "" {
		return fmt.Errorf("command_type is required: %w", domain.ErrValidation)
	}
	if e.Worker == WorkerDomain && e.Domain == "" {
		return fmt.Errorf("domain is required for domain commands: %w", domain.ErrValidation)
	}
	if e.Budget.Tokens < 0 {
		return fmt.Errorf("budget.tokens must be non-negative: %w", domain.ErrValidation)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("payload is not valid JSON: %w", domain.ErrValidation)
	}
	return nil
}
