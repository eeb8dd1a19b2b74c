package messagequeue

import "encoding/json"

// JobReadyPayload is the schema for jobs.ready.{worker} messages.
type JobReadyPayload struct {
	OrgID     string   `json:"org_id"`
	SessionID string   `json:"session_id"`
	Worker    string   `json:"worker"`
	JobIDs    []string `json:"job_ids"`
}

// CommandReconciledPayload is the schema for commands.reconciled messages.
type CommandReconciledPayload struct {
	OrgID     string  `json:"org_id"`
	SessionID string  `json:"session_id"`
	CommandID string  `json:"command_id"`
	JobID     string  `json:"job_id"`
	Domain    string  `json:"domain"`
	Status    string  `json:"status"`
	LastError *string `json:"last_error"`
}

// CommandExecPayload is the request schema for commands.exec.{domain}.
type CommandExecPayload struct {
	OrgID       string          `json:"org_id"`
	SessionID   string          `json:"session_id"`
	CommandID   string          `json:"command_id"`
	JobID       string          `json:"job_id"`
	Domain      string          `json:"domain"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
}

// CommandExecReply is the reply schema for commands.exec.{domain}. Error is
// set when the remote worker failed; Result otherwise.
type CommandExecReply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
