// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/domain/session"
)

// Store is the port interface for orchestration persistence. It is the only
// source of truth for job ownership across processes.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, orgID, objective string) (*session.Session, error)
	GetSession(ctx context.Context, orgID, id string) (*session.Session, error)
	UpdateSessionState(ctx context.Context, orgID, id string, u session.StateUpdate) error
	CloseSession(ctx context.Context, orgID, id string) error

	// Commands and jobs

	// CreateCommandJobs persists one Command+Job pair per request in a single
	// transaction. Request DependsOn step ids are resolved to job ids of the
	// same batch.
	CreateCommandJobs(ctx context.Context, orgID, sessionID string, reqs []command.CreateRequest) ([]command.Record, error)
	GetRecord(ctx context.Context, orgID, jobID string) (*command.Record, error)
	ListSessionRecords(ctx context.Context, orgID, sessionID string) ([]command.Record, error)

	// ClaimPendingJobs atomically moves at most limit ready pending jobs of the
	// given worker kind to claimed, oldest first, incrementing attempts. A job
	// is ready once its scheduled time has passed and every job it depends on
	// is completed. A job is never returned to two callers.
	ClaimPendingJobs(ctx context.Context, orgID string, worker command.WorkerKind, limit int) ([]command.Record, error)
	// ReleaseJobs moves claimed jobs back to pending without touching attempts.
	ReleaseJobs(ctx context.Context, orgID string, jobIDs []string) error
	// MarkJobStarted stamps the job started and moves its command to running.
	MarkJobStarted(ctx context.Context, orgID, jobID string) error
	// ReconcileJob applies a terminal transition to a job and its command
	// together. When the transition is not completed, pending jobs that
	// depend on it are cancelled transitively.
	ReconcileJob(ctx context.Context, t command.Transition) error
	// ResumeCommand puts a cancelled command and its job back in the queue.
	ResumeCommand(ctx context.Context, orgID, commandID string) (*command.Record, error)
	QueueStats(ctx context.Context, orgID string) ([]command.QueueStat, error)
}
