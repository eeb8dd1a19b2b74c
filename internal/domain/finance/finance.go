// Package finance defines the payloads executed by finance domain workers
// and the result they report back.
package finance

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the outcome a worker reports for a command.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusNeedsHITL Status = "needs_hitl"
	StatusCancelled Status = "cancelled"
)

// Payload is the decoded command payload. Fields not used by a domain are
// left zero; Raw always holds the original document.
type Payload struct {
	Operation  string          `json:"operation"`
	Reference  string          `json:"reference,omitempty"`
	VendorID   string          `json:"vendor_id,omitempty"`
	CustomerID string          `json:"customer_id,omitempty"`
	InvoiceID  string          `json:"invoice_id,omitempty"`
	Amount     float64         `json:"amount,omitempty"`
	Currency   string          `json:"currency,omitempty"`
	DueDate    string          `json:"due_date,omitempty"`
	Entries    []LedgerEntry   `json:"entries,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// LedgerEntry is one line of a general ledger posting.
type LedgerEntry struct {
	Account   string  `json:"account"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency,omitempty"`
	Narrative string  `json:"narrative,omitempty"`
}

// Result is what a domain worker returns after executing a command.
type Result struct {
	Status     Status          `json:"status,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Notices    []string        `json:"notices"`
	FollowUps  []string        `json:"follow_ups"`
	Telemetry  map[string]any  `json:"telemetry,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	HITLReason string          `json:"hitl_reason,omitempty"`
}

// Normalize fills in defaults: nil lists become empty and an empty status
// without a HITL reason means completed.
func (r *Result) Normalize() {
	if r.Notices == nil {
		r.Notices = []string{}
	}
	if r.FollowUps == nil {
		r.FollowUps = []string{}
	}
	if r.Status == "" && r.HITLReason == "" {
		r.Status = StatusCompleted
	}
}

// FailedResult converts a worker error into a failed result.
func FailedResult(err error, fallbackCode string) *Result {
	code := fallbackCode
	if err != nil && err.Error() != "" {
		code = err.Error()
	}
	r := &Result{Status: StatusFailed, ErrorCode: code}
	r.Normalize()
	return r
}

// ValidationError lists the schema violations of a document.
type ValidationError struct {
	Subject string
	Domain  string
	Issues  []string
}

func (e *ValidationError) Error() string {
	target := e.Subject
	if e.Domain != "" {
		target += " for " + e.Domain
	}
	return fmt.Sprintf("invalid %s: %s", target, strings.Join(e.Issues, "; "))
}

// ValidatePayload checks raw against the schema of domain and decodes it.
// It never panics; any failure is reported as *ValidationError.
func ValidatePayload(domain string, raw json.RawMessage) (Payload, error) {
	payloads, _, err := schemas()
	if err != nil {
		return Payload{}, &ValidationError{Subject: "payload", Domain: domain, Issues: []string{err.Error()}}
	}
	rs, ok := payloads[domain]
	if !ok {
		rs = payloads[""]
	}
	if err := validate(rs, raw); err != nil {
		return Payload{}, &ValidationError{Subject: "payload", Domain: domain, Issues: []string{err.Error()}}
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, &ValidationError{Subject: "payload", Domain: domain, Issues: []string{err.Error()}}
	}
	p.Raw = raw
	return p, nil
}

// ValidateResult checks raw against the result schema, decodes it and
// returns the normalised result.
func ValidateResult(raw json.RawMessage) (Result, error) {
	_, rs, err := schemas()
	if err != nil {
		return Result{}, &ValidationError{Subject: "result", Issues: []string{err.Error()}}
	}
	if err := validate(rs, raw); err != nil {
		return Result{}, &ValidationError{Subject: "result", Issues: []string{err.Error()}}
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, &ValidationError{Subject: "result", Issues: []string{err.Error()}}
	}
	r.Normalize()
	return r, nil
}

// Check validates an already decoded result by round-tripping it through
// the result schema.
func (r *Result) Check() (Result, error) {
	if r == nil {
		return Result{}, &ValidationError{Subject: "result", Issues: []string{"result is nil"}}
	}
	c := *r
	c.Normalize()
	raw, err := json.Marshal(&c)
	if err != nil {
		return Result{}, &ValidationError{Subject: "result", Issues: []string{err.Error()}}
	}
	return ValidateResult(raw)
}
