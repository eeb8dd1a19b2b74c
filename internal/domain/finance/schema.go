package finance

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Domain keys with a dedicated payload schema. Any other domain is checked
// against the base schema only.
const (
	DomainAccountsPayable    = "accounts_payable"
	DomainAccountsReceivable = "accounts_receivable"
	DomainGeneralLedger      = "general_ledger"
)

func ptr[T any](v T) *T { return &v }

// Each helper returns a fresh node: a schema pointer may appear only once in
// a tree.
func nonEmpty() *jsonschema.Schema { return &jsonschema.Schema{Type: "string", MinLength: ptr(1)} }
func currency() *jsonschema.Schema { return &jsonschema.Schema{Type: "string", Pattern: "^[A-Z]{3}$"} }
func amount() *jsonschema.Schema   { return &jsonschema.Schema{Type: "number", Minimum: ptr(0.0)} }
func str() *jsonschema.Schema      { return &jsonschema.Schema{Type: "string"} }

func strList() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Items: str()}
}

func basePayloadSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"operation"},
		Properties: map[string]*jsonschema.Schema{
			"operation": nonEmpty(),
			"reference": str(),
			"metadata":  {Type: "object"},
		},
	}
}

func payloadSchemas() map[string]*jsonschema.Schema {
	ap := basePayloadSchema()
	ap.Required = append(ap.Required, "vendor_id", "amount", "currency")
	ap.Properties["vendor_id"] = nonEmpty()
	ap.Properties["invoice_id"] = str()
	ap.Properties["amount"] = amount()
	ap.Properties["currency"] = currency()
	ap.Properties["due_date"] = str()

	ar := basePayloadSchema()
	ar.Required = append(ar.Required, "customer_id", "amount", "currency")
	ar.Properties["customer_id"] = nonEmpty()
	ar.Properties["invoice_id"] = str()
	ar.Properties["amount"] = amount()
	ar.Properties["currency"] = currency()

	gl := basePayloadSchema()
	gl.Required = append(gl.Required, "entries")
	gl.Properties["entries"] = &jsonschema.Schema{
		Type:     "array",
		MinItems: ptr(1),
		Items: &jsonschema.Schema{
			Type:     "object",
			Required: []string{"account", "amount"},
			Properties: map[string]*jsonschema.Schema{
				"account":   nonEmpty(),
				"amount":    {Type: "number"},
				"currency":  currency(),
				"narrative": str(),
			},
		},
	}

	return map[string]*jsonschema.Schema{
		"":                       basePayloadSchema(),
		DomainAccountsPayable:    ap,
		DomainAccountsReceivable: ar,
		DomainGeneralLedger:      gl,
	}
}

func resultSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"status": {
				Type: "string",
				Enum: []any{"", string(StatusCompleted), string(StatusFailed), string(StatusNeedsHITL), string(StatusCancelled)},
			},
			"notices":     strList(),
			"follow_ups":  strList(),
			"telemetry":   {Type: "object"},
			"error_code":  str(),
			"hitl_reason": str(),
		},
	}
}

var (
	resolveOnce      sync.Once
	resolvedPayloads map[string]*jsonschema.Resolved
	resolvedResult   *jsonschema.Resolved
	resolveErr       error
)

// schemas resolves the built-in schemas once. They are static, so a failure
// here is a programming error surfaced on first use.
func schemas() (map[string]*jsonschema.Resolved, *jsonschema.Resolved, error) {
	resolveOnce.Do(func() {
		resolvedPayloads = make(map[string]*jsonschema.Resolved)
		for d, s := range payloadSchemas() {
			r, err := s.Resolve(nil)
			if err != nil {
				resolveErr = fmt.Errorf("resolve payload schema %q: %w", d, err)
				return
			}
			resolvedPayloads[d] = r
		}
		r, err := resultSchema().Resolve(nil)
		if err != nil {
			resolveErr = fmt.Errorf("resolve result schema: %w", err)
			return
		}
		resolvedResult = r
	})
	return resolvedPayloads, resolvedResult, resolveErr
}

func validate(rs *jsonschema.Resolved, raw []byte) error {
	if len(raw) == 0 {
		return errors.New("empty document")
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return rs.Validate(instance)
}
