// Package command defines the Command and Job domain entities and the
// envelope a worker executes.
package command

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a command.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the command reached a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the job reached a final state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobStatusFor maps a command status onto the status its job must carry.
// Command and job always move together; queued and running commands have
// pending and claimed jobs respectively.
func JobStatusFor(s Status) JobStatus {
	switch s {
	case StatusRunning:
		return JobStatusClaimed
	case StatusCompleted:
		return JobStatusCompleted
	case StatusFailed:
		return JobStatusFailed
	case StatusCancelled:
		return JobStatusCancelled
	default:
		return JobStatusPending
	}
}

// WorkerKind scopes a job to the class of worker allowed to claim it.
type WorkerKind string

const (
	WorkerDirector WorkerKind = "director"
	WorkerDomain   WorkerKind = "domain"
	WorkerSafety   WorkerKind = "safety"
)

// Valid reports whether w is a known worker kind.
func (w WorkerKind) Valid() bool {
	switch w {
	case WorkerDirector, WorkerDomain, WorkerSafety:
		return true
	}
	return false
}

// Command is the persisted record derived from an Envelope.
type Command struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	SessionID    string          `json:"session_id"`
	StepID       string          `json:"step_id,omitempty"`
	CommandType  string          `json:"command_type"`
	Payload      json.RawMessage `json:"payload"`
	Envelope     Envelope        `json:"envelope"`
	Status       Status          `json:"status"`
	Priority     int             `json:"priority"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	FailedAt     *time.Time      `json:"failed_at,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	LastError    *string         `json:"last_error"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Job is the unit a worker claims and executes. It is 1:1 with a Command.
type Job struct {
	ID          string          `json:"id"`
	OrgID       string          `json:"org_id"`
	CommandID   string          `json:"command_id"`
	Worker      WorkerKind      `json:"worker"`
	DomainAgent *string         `json:"domain_agent,omitempty"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	LastError   *string         `json:"last_error"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Record pairs a job with its command. It is what the store hands out on
// creation and on claim.
type Record struct {
	Command Command `json:"command"`
	Job     Job     `json:"job"`
}

// Domain returns the domain key the record must be executed under.
func (r *Record) Domain() string {
	if r.Job.DomainAgent != nil && *r.Job.DomainAgent != "" {
		return *r.Job.DomainAgent
	}
	return r.Command.Envelope.Domain
}

// CreateRequest holds the fields needed to persist one Command+Job pair.
// Status defaults to queued; a terminal status persists the pair already
// resolved (for example when a safety review rejected the envelope).
type CreateRequest struct {
	StepID       string
	Envelope     Envelope
	Priority     int
	ScheduledFor *time.Time
	DependsOn    []string // step ids of earlier requests in the same batch
	Status       Status
	LastError    *string
	Metadata     json.RawMessage
}

// Transition is a terminal status change applied to a job and its command in
// one atomic store operation.
type Transition struct {
	OrgID     string
	JobID     string
	CommandID string
	Status    Status
	LastError *string
	Result    json.RawMessage
}

// QueueStat is a count of jobs per worker kind and status.
type QueueStat struct {
	Worker WorkerKind `json:"worker"`
	Status JobStatus  `json:"status"`
	Count  int        `json:"count"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
