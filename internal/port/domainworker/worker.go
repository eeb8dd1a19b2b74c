// Package domainworker defines the domain worker port and the registry that
// resolves a domain key to its worker.
package domainworker

import (
	"context"

	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/domain/finance"
)

// Request is what a worker receives for one claimed job.
type Request struct {
	OrgID   string
	Record  command.Record
	Payload finance.Payload
}

// Worker executes commands of one domain (e.g. "accounts_payable").
type Worker interface {
	// Domain returns the domain key this worker is registered under.
	Domain() string

	// Execute carries out the command and reports its outcome. A returned
	// error is recorded as a failed result.
	Execute(ctx context.Context, req Request) (*finance.Result, error)
}

// Func adapts a plain function into a Worker.
type Func struct {
	Key string
	Fn  func(ctx context.Context, req Request) (*finance.Result, error)
}

func (f Func) Domain() string { return f.Key }

func (f Func) Execute(ctx context.Context, req Request) (*finance.Result, error) {
	return f.Fn(ctx, req)
}
