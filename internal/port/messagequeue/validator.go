package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// payload is implemented by every message schema of this package.
type payload interface {
	check(subject string) error
}

// Validate decodes data with the schema registered for subject and checks
// its required fields. Messages on unknown subjects only need to be JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var target payload
	switch {
	case subject == SubjectCommandReconciled:
		target = &CommandReconciledPayload{}
	case strings.HasPrefix(subject, SubjectJobsReady+"."):
		target = &JobReadyPayload{}
	case strings.HasPrefix(subject, SubjectCommandExec+"."):
		target = &CommandExecPayload{}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if err := target.check(subject); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}

func required(fields ...[2]string) error {
	var missing []string
	for _, f := range fields {
		if f[1] == "" {
			missing = append(missing, f[0])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (p *JobReadyPayload) check(subject string) error {
	if err := required([2]string{"org_id", p.OrgID}, [2]string{"worker", p.Worker}); err != nil {
		return err
	}
	if want := JobsReadySubject(p.Worker); subject != want {
		return fmt.Errorf("worker %q does not match subject", p.Worker)
	}
	return nil
}

func (p *CommandReconciledPayload) check(string) error {
	return required(
		[2]string{"org_id", p.OrgID},
		[2]string{"command_id", p.CommandID},
		[2]string{"job_id", p.JobID},
		[2]string{"status", p.Status},
	)
}

func (p *CommandExecPayload) check(subject string) error {
	err := required(
		[2]string{"org_id", p.OrgID},
		[2]string{"command_id", p.CommandID},
		[2]string{"job_id", p.JobID},
		[2]string{"domain", p.Domain},
	)
	if err != nil {
		return err
	}
	if want := CommandExecSubject(p.Domain); subject != want {
		return fmt.Errorf("domain %q does not match subject", p.Domain)
	}
	if len(p.Payload) == 0 || string(p.Payload) == "null" {
		return errors.New("missing payload")
	}
	return nil
}
