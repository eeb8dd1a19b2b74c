// Package safety defines the safety review decision taken before a command
// is allowed to execute.
package safety

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ikanisa/lawai-sub007/internal/domain"
	"github.com/ikanisa/lawai-sub007/internal/domain/command"
)

// Status is the verdict of a safety review.
type Status string

const (
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusNeedsHITL Status = "needs_hitl"
)

// Valid reports whether s is a known verdict.
func (s Status) Valid() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusNeedsHITL:
		return true
	}
	return false
}

// ReasonAgentFailure is recorded whenever the safety agent itself failed.
const ReasonAgentFailure = "Safety agent failure, escalate to human"

// Decision is the outcome of a safety review.
type Decision struct {
	Status       Status   `json:"status"`
	Reasons      []string `json:"reasons"`
	Mitigations  []string `json:"mitigations"`
	HITLRequired bool     `json:"hitl_required"`
	// Fallback is set when the decision was produced locally because the
	// safety agent could not be consulted.
	Fallback bool `json:"fallback,omitempty"`
}

// Failure returns the decision used when the safety agent fails: automation
// always escalates to a human, never approves.
func Failure() Decision {
	return Decision{
		Status:       StatusNeedsHITL,
		Reasons:      []string{ReasonAgentFailure},
		Mitigations:  []string{},
		HITLRequired: true,
		Fallback:     true,
	}
}

// Output is the structured payload the safety agent returns.
type Output struct {
	Status      Status   `json:"status"`
	Reasons     []string `json:"reasons"`
	Mitigations []string `json:"mitigations"`
}

// ParseOutput decodes the safety agent output. Unknown verdicts are
// rejected so they can never be mistaken for an approval.
func ParseOutput(raw json.RawMessage) (Decision, error) {
	var out Output
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&out); err != nil {
		return Decision{}, fmt.Errorf("decode safety output: %w", err)
	}
	if !out.Status.Valid() {
		return Decision{}, fmt.Errorf("unknown safety status %q: %w", out.Status, domain.ErrValidation)
	}
	d := Decision{
		Status:       out.Status,
		Reasons:      out.Reasons,
		Mitigations:  out.Mitigations,
		HITLRequired: out.Status == StatusNeedsHITL,
	}
	if d.Reasons == nil {
		d.Reasons = []string{}
	}
	if d.Mitigations == nil {
		d.Mitigations = []string{}
	}
	return d, nil
}

// Assessment is the minimal view of a command sent to the safety agent.
// The raw payload never leaves the orchestrator; only its fingerprint does.
type Assessment struct {
	CommandID          string             `json:"command_id"`
	Worker             command.WorkerKind `json:"worker"`
	CommandType        string             `json:"command_type"`
	PayloadFingerprint string             `json:"payload_fingerprint"`
	HITLRequired       bool               `json:"hitl_required"`
}

// NewAssessment derives the assessment for the command identified by id.
func NewAssessment(id string, env *command.Envelope) Assessment {
	return Assessment{
		CommandID:          id,
		Worker:             env.Worker,
		CommandType:        env.CommandType,
		PayloadFingerprint: Fingerprint(env.Payload),
		HITLRequired:       env.HITL.Required,
	}
}

// CacheKey identifies assessments that must receive the same verdict.
func (a Assessment) CacheKey() string {
	return fmt.Sprintf("safety:%s:%s:%s:%t", a.Worker, a.CommandType, a.PayloadFingerprint, a.HITLRequired)
}

// Fingerprint returns the hex SHA-256 of the compacted JSON payload so that
// whitespace differences do not change it.
func Fingerprint(payload json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		buf.Reset()
		buf.Write(payload)
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}
