// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for NATS subjects used by the orchestrator.
const (
	SubjectJobsReady         = "jobs.ready"         // jobs.ready.{worker}: wake-up for pollers of a worker kind
	SubjectCommandReconciled = "commands.reconciled" // terminal status of a command
	SubjectCommandExec       = "commands.exec"       // commands.exec.{domain}: request/reply to remote workers
)

// JobsReadySubject returns the wake-up subject for a worker kind.
func JobsReadySubject(worker string) string {
	return SubjectJobsReady + "." + worker
}

// CommandExecSubject returns the request subject for a remote domain worker.
func CommandExecSubject(domain string) string {
	return SubjectCommandExec + "." + domain
}
