// Package session defines the orchestration Session: one conversation in
// which objectives are planned, reviewed and executed for an organisation.
package session

import (
	"encoding/json"
	"time"
)

// Status represents the current state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Session is owned by an org. It is created on the first objective and
// closed explicitly.
type Session struct {
	ID                string          `json:"id"`
	OrgID             string          `json:"org_id"`
	Status            Status          `json:"status"`
	CurrentObjective  string          `json:"current_objective"`
	DirectorState     json.RawMessage `json:"director_state,omitempty"`
	SafetyState       json.RawMessage `json:"safety_state,omitempty"`
	LastDirectorRunID string          `json:"last_director_run_id,omitempty"`
	LastSafetyRunID   string          `json:"last_safety_run_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
}

// StateUpdate carries the agent state written back after a planning or
// safety run. Nil fields are left unchanged.
type StateUpdate struct {
	CurrentObjective  *string
	DirectorState     json.RawMessage
	SafetyState       json.RawMessage
	LastDirectorRunID *string
	LastSafetyRunID   *string
}

// Context is the session-scoped information passed to agents.
type Context struct {
	OrgID     string `json:"org_id"`
	SessionID string `json:"session_id"`
}

// Context returns the agent context for s. A nil session yields an empty
// context.
func (s *Session) Context() Context {
	if s == nil {
		return Context{}
	}
	return Context{OrgID: s.OrgID, SessionID: s.ID}
}
