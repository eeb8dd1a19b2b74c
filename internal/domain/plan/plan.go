// Package plan defines the Plan produced by the director agent: an ordered
// set of steps, each carrying the command envelope a worker will execute.
package plan

import "github.com/ikanisa/lawai-sub007/internal/domain/command"

// StepStatus represents the lifecycle state of a plan step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusDispatched StepStatus = "dispatched"
	StepStatusDone       StepStatus = "done"
)

// Plan is the output of one planning call. A Plan is never mutated after it
// is produced; replanning yields a new Plan.
type Plan struct {
	Version     string       `json:"version"`
	Objective   string       `json:"objective"`
	Summary     string       `json:"summary"`
	DecisionLog []string     `json:"decision_log"`
	GlobalHITL  command.HITL `json:"global_hitl"`
	Steps       []Step       `json:"steps"`
}

// Step is one unit of work inside a Plan. It maps 1:1 to a persisted
// Command+Job pair once accepted.
type Step struct {
	ID       string           `json:"id"`
	Status   StepStatus       `json:"status"`
	Envelope command.Envelope `json:"envelope"`
	Notes    []string         `json:"notes,omitempty"`
}

// Summary is the compact view of a plan stored as session director state.
type Summary struct {
	Version   string   `json:"version"`
	Objective string   `json:"objective"`
	Summary   string   `json:"summary"`
	StepIDs   []string `json:"step_ids"`
	HITL      bool     `json:"hitl_required"`
}

// Summarize returns the compact view of p.
func (p *Plan) Summarize() Summary {
	ids := make([]string, len(p.Steps))
	for i := range p.Steps {
		ids[i] = p.Steps[i].ID
	}
	return Summary{
		Version:   p.Version,
		Objective: p.Objective,
		Summary:   p.Summary,
		StepIDs:   ids,
		HITL:      p.GlobalHITL.Required,
	}
}
