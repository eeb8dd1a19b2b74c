package command

import (
	"errors"
	"fmt"
)

// Error codes persisted as last_error by reconciliation.
const (
	CodeWorkerNotRegistered   = "worker_not_registered"
	CodeInvalidPayload        = "invalid_finance_payload"
	CodeInvalidResult         = "invalid_finance_result"
	CodeJobFailed             = "finance_job_failed"
	CodeWorkerFailed          = "worker_failed"
	CodeRequiresHITL          = "requires_hitl"
	CodeSafetyRejected        = "safety_rejected"
	CodeDependencyUnsatisfied = "dependency_not_completed"
)

// ErrReconcile is matched by every *ReconcileError via errors.Is.
var ErrReconcile = errors.New("command reconciliation failed")

// ReconcileError reports a job that was marked failed before or after its
// worker ran. Code is the value persisted as last_error.
type ReconcileError struct {
	Code      string
	JobID     string
	CommandID string
	Err       error
}

func (e *ReconcileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (job %s): %v", e.Code, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s (job %s)", e.Code, e.JobID)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrReconcile) match any ReconcileError.
func (e *ReconcileError) Is(target error) bool {
	return target == ErrReconcile
}
