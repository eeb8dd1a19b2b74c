package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ikanisa/lawai-sub007/internal/domain"
	"github.com/ikanisa/lawai-sub007/internal/domain/command"
)

const recordColumns = `j.id, j.org_id, j.command_id, j.worker, j.domain_agent, j.status, j.attempts, j.depends_on,
	j.scheduled_at, j.claimed_at, j.started_at, j.completed_at, j.failed_at, j.last_error, j.metadata,
	j.created_at, j.updated_at,
	c.id, c.org_id, c.session_id, c.step_id, c.command_type, c.payload, c.envelope, c.status, c.priority,
	c.scheduled_for, c.started_at, c.completed_at, c.failed_at, c.result, c.last_error, c.metadata,
	c.created_at, c.updated_at`

func scanRecord(row scannable) (command.Record, error) {
	var (
		r                      command.Record
		j                      = &r.Job
		c                      = &r.Command
		jobMeta, cmdMeta       []byte
		payload, envelope, res []byte
	)
	err := row.Scan(
		&j.ID, &j.OrgID, &j.CommandID, &j.Worker, &j.DomainAgent, &j.Status, &j.Attempts, &j.DependsOn,
		&j.ScheduledAt, &j.ClaimedAt, &j.StartedAt, &j.CompletedAt, &j.FailedAt, &j.LastError, &jobMeta,
		&j.CreatedAt, &j.UpdatedAt,
		&c.ID, &c.OrgID, &c.SessionID, &c.StepID, &c.CommandType, &payload, &envelope, &c.Status, &c.Priority,
		&c.ScheduledFor, &c.StartedAt, &c.CompletedAt, &c.FailedAt, &res, &c.LastError, &cmdMeta,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	j.Metadata = jobMeta
	c.Metadata = cmdMeta
	c.Payload = payload
	c.Result = res
	if err := json.Unmarshal(envelope, &c.Envelope); err != nil {
		return r, fmt.Errorf("decode envelope of command %s: %w", c.ID, err)
	}
	return r, nil
}

func collectRecords(rows pgx.Rows, op string) ([]command.Record, error) {
	defer rows.Close()

	var records []command.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return records, nil
}

// --- Commands and jobs ---

func (s *Store) CreateCommandJobs(ctx context.Context, orgID, sessionID string, reqs []command.CreateRequest) ([]command.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM agent_sessions WHERE id = $1 AND org_id = $2 FOR SHARE`,
		sessionID, orgID).Scan(&status)
	if err != nil {
		return nil, notFoundWrap(err, "create commands: session %s", sessionID)
	}
	if status != "active" {
		return nil, fmt.Errorf("create commands in session %s: %w", sessionID, domain.ErrConflict)
	}

	jobIDs := make(map[string]string, len(reqs))
	for _, r := range reqs {
		if r.StepID != "" {
			jobIDs[r.StepID] = uuid.NewString()
		}
	}

	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		deps := make([]string, 0, len(r.DependsOn))
		for _, stepID := range r.DependsOn {
			id, ok := jobIDs[stepID]
			if !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q: %w", r.StepID, stepID, domain.ErrValidation)
			}
			deps = append(deps, id)
		}

		cmdStatus := r.Status
		if cmdStatus == "" {
			cmdStatus = command.StatusQueued
		}
		envelope, err := json.Marshal(r.Envelope)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope of step %s: %w", r.StepID, err)
		}
		payload := r.Envelope.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}

		cmdID := uuid.NewString()
		_, err = tx.Exec(ctx,
			`INSERT INTO agent_commands (id, org_id, session_id, step_id, command_type, payload, envelope, status,
				priority, scheduled_for, last_error, metadata,
				completed_at, failed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
				CASE WHEN $8 = 'completed' THEN now() END,
				CASE WHEN $8 = 'failed' THEN now() END)`,
			cmdID, orgID, sessionID, r.StepID, r.Envelope.CommandType, []byte(payload), envelope, string(cmdStatus),
			r.Priority, r.ScheduledFor, r.LastError, jsonOrNil(r.Metadata))
		if err != nil {
			return nil, fmt.Errorf("insert command for step %s: %w", r.StepID, err)
		}

		jobID := jobIDs[r.StepID]
		if jobID == "" {
			jobID = uuid.NewString()
		}
		jobStatus := command.JobStatusFor(cmdStatus)
		_, err = tx.Exec(ctx,
			`INSERT INTO agent_jobs (id, org_id, command_id, worker, domain_agent, status, depends_on,
				scheduled_at, last_error, metadata,
				completed_at, failed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
				CASE WHEN $6 = 'completed' THEN now() END,
				CASE WHEN $6 = 'failed' THEN now() END)`,
			jobID, orgID, cmdID, string(r.Envelope.Worker), nullIfEmpty(r.Envelope.Domain), string(jobStatus),
			pgTextArray(deps), r.ScheduledFor, r.LastError, jsonOrNil(r.Metadata))
		if err != nil {
			return nil, fmt.Errorf("insert job for step %s: %w", r.StepID, err)
		}
		ids = append(ids, jobID)
	}

	rows, err := tx.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM agent_jobs j JOIN agent_commands c ON c.id = j.command_id
		 WHERE j.id = ANY($1) ORDER BY j.seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("load created commands: %w", err)
	}
	records, err := collectRecords(rows, "load created commands")
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return records, nil
}

func (s *Store) GetRecord(ctx context.Context, orgID, jobID string) (*command.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+`
		 FROM agent_jobs j JOIN agent_commands c ON c.id = j.command_id
		 WHERE j.id = $1 AND j.org_id = $2`, jobID, orgID)

	r, err := scanRecord(row)
	if err != nil {
		return nil, notFoundWrap(err, "get job %s", jobID)
	}
	return &r, nil
}

func (s *Store) ListSessionRecords(ctx context.Context, orgID, sessionID string) ([]command.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM agent_jobs j JOIN agent_commands c ON c.id = j.command_id
		 WHERE c.session_id = $1 AND j.org_id = $2
		 ORDER BY j.created_at, j.seq`, sessionID, orgID)
	if err != nil {
		return nil, fmt.Errorf("list session %s commands: %w", sessionID, err)
	}
	records, err := collectRecords(rows, "list session commands")
	if err != nil {
		return nil, err
	}
	return orEmpty(records), nil
}

// ClaimPendingJobs claims in a single statement. FOR UPDATE SKIP LOCKED lets
// concurrent pollers skip rows another transaction is claiming instead of
// blocking on them or claiming them twice.
func (s *Store) ClaimPendingJobs(ctx context.Context, orgID string, worker command.WorkerKind, limit int) ([]command.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`WITH ready AS (
			SELECT j.id FROM agent_jobs j
			WHERE j.org_id = $1 AND j.worker = $2 AND j.status = 'pending'
			  AND (j.scheduled_at IS NULL OR j.scheduled_at <= now())
			  AND NOT EXISTS (
				SELECT 1 FROM agent_jobs d
				WHERE d.id = ANY (j.depends_on) AND d.status <> 'completed')
			ORDER BY j.created_at, j.seq
			LIMIT $3
			FOR UPDATE OF j SKIP LOCKED
		), claimed AS (
			UPDATE agent_jobs j
			SET status = 'claimed', attempts = j.attempts + 1, claimed_at = now(), updated_at = now()
			FROM ready WHERE j.id = ready.id
			RETURNING j.*
		)
		SELECT `+recordColumns+`
		FROM claimed j JOIN agent_commands c ON c.id = j.command_id
		ORDER BY j.created_at, j.seq`,
		orgID, string(worker), limit)
	if err != nil {
		return nil, fmt.Errorf("claim %s jobs: %w", worker, err)
	}
	return collectRecords(rows, "claim jobs")
}

func (s *Store) ReleaseJobs(ctx context.Context, orgID string, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE agent_jobs SET status = 'pending', claimed_at = NULL, updated_at = now()
		 WHERE org_id = $1 AND id = ANY($2) AND status = 'claimed'`, orgID, jobIDs)
	if err != nil {
		return fmt.Errorf("release jobs: %w", err)
	}
	return nil
}

func (s *Store) MarkJobStarted(ctx context.Context, orgID, jobID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var commandID string
	err = tx.QueryRow(ctx,
		`UPDATE agent_jobs SET started_at = now(), updated_at = now()
		 WHERE id = $1 AND org_id = $2 AND status = 'claimed'
		 RETURNING command_id`, jobID, orgID).Scan(&commandID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return missingOrConflict(ctx, tx, jobExistsSQL, []any{jobID, orgID}, "start job %s", jobID)
		}
		return fmt.Errorf("start job %s: %w", jobID, err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE agent_commands SET status = 'running', started_at = now(), updated_at = now()
		 WHERE id = $1`, commandID)
	if err != nil {
		return fmt.Errorf("start command %s: %w", commandID, err)
	}
	return tx.Commit(ctx)
}

const jobExistsSQL = `SELECT EXISTS (SELECT 1 FROM agent_jobs WHERE id = $1 AND org_id = $2)`

func (s *Store) ReconcileJob(ctx context.Context, t command.Transition) error {
	if !t.Status.IsTerminal() {
		return fmt.Errorf("reconcile job %s to %s: %w", t.JobID, t.Status, domain.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	jobStatus := string(command.JobStatusFor(t.Status))
	var commandID string
	err = tx.QueryRow(ctx,
		`UPDATE agent_jobs SET status = $3, last_error = $4,
			completed_at = CASE WHEN $3 = 'completed' THEN now() ELSE completed_at END,
			failed_at    = CASE WHEN $3 = 'failed' THEN now() ELSE failed_at END,
			updated_at   = now()
		 WHERE id = $1 AND org_id = $2 AND status IN ('pending', 'claimed')
		 RETURNING command_id`,
		t.JobID, t.OrgID, jobStatus, t.LastError).Scan(&commandID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return missingOrConflict(ctx, tx, jobExistsSQL, []any{t.JobID, t.OrgID}, "reconcile job %s", t.JobID)
		}
		return fmt.Errorf("reconcile job %s: %w", t.JobID, err)
	}
	if t.CommandID != "" && t.CommandID != commandID {
		return fmt.Errorf("job %s does not belong to command %s: %w", t.JobID, t.CommandID, domain.ErrConflict)
	}

	_, err = tx.Exec(ctx,
		`UPDATE agent_commands SET status = $2, last_error = $3,
			result       = COALESCE($4::jsonb, result),
			completed_at = CASE WHEN $2 = 'completed' THEN now() ELSE completed_at END,
			failed_at    = CASE WHEN $2 = 'failed' THEN now() ELSE failed_at END,
			updated_at   = now()
		 WHERE id = $1`,
		commandID, string(t.Status), t.LastError, jsonOrNil(t.Result))
	if err != nil {
		return fmt.Errorf("reconcile command %s: %w", commandID, err)
	}

	if t.Status != command.StatusCompleted {
		if err := cascadeCancel(ctx, tx, t.OrgID, t.JobID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// cascadeCancel cancels pending jobs that transitively depend on jobID,
// together with their commands.
func cascadeCancel(ctx context.Context, tx pgx.Tx, orgID, jobID string) error {
	_, err := tx.Exec(ctx,
		`WITH RECURSIVE blocked(id) AS (
			SELECT $1::uuid
			UNION
			SELECT j.id FROM agent_jobs j JOIN blocked b ON b.id = ANY (j.depends_on)
			WHERE j.org_id = $2 AND j.status = 'pending'
		), cancelled AS (
			UPDATE agent_jobs j SET status = 'cancelled', last_error = $3, updated_at = now()
			FROM blocked b
			WHERE j.id = b.id AND j.id <> $1::uuid AND j.status = 'pending'
			RETURNING j.command_id
		)
		UPDATE agent_commands c SET status = 'cancelled', last_error = $3, updated_at = now()
		FROM cancelled WHERE c.id = cancelled.command_id`,
		jobID, orgID, command.CodeDependencyUnsatisfied)
	if err != nil {
		return fmt.Errorf("cancel dependents of job %s: %w", jobID, err)
	}
	return nil
}

func (s *Store) ResumeCommand(ctx context.Context, orgID, commandID string) (*command.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx,
		`UPDATE agent_commands SET status = 'queued', last_error = NULL, started_at = NULL, updated_at = now()
		 WHERE id = $1 AND org_id = $2 AND status = 'cancelled'`, commandID, orgID)
	if err != nil {
		return nil, fmt.Errorf("resume command %s: %w", commandID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, missingOrConflict(ctx, tx,
			`SELECT EXISTS (SELECT 1 FROM agent_commands WHERE id = $1 AND org_id = $2)`,
			[]any{commandID, orgID}, "resume command %s", commandID)
	}

	// A job behind a failed dependency is never claimable.
	var blocked bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM agent_jobs j JOIN agent_jobs d ON d.id = ANY (j.depends_on)
			WHERE j.command_id = $1 AND d.status = 'failed')`, commandID).Scan(&blocked)
	if err != nil {
		return nil, fmt.Errorf("check dependencies of command %s: %w", commandID, err)
	}
	if blocked {
		return nil, fmt.Errorf("resume command %s: a dependency failed: %w", commandID, domain.ErrConflict)
	}

	var jobID string
	err = tx.QueryRow(ctx,
		`UPDATE agent_jobs SET status = 'pending', last_error = NULL, claimed_at = NULL, started_at = NULL,
			updated_at = now()
		 WHERE command_id = $1
		 RETURNING id`, commandID).Scan(&jobID)
	if err != nil {
		return nil, notFoundWrap(err, "resume job of command %s", commandID)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+recordColumns+`
		 FROM agent_jobs j JOIN agent_commands c ON c.id = j.command_id
		 WHERE j.id = $1`, jobID)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("load resumed command %s: %w", commandID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &rec, nil
}

func (s *Store) QueueStats(ctx context.Context, orgID string) ([]command.QueueStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT worker, status, count(*) FROM agent_jobs
		 WHERE org_id = $1 GROUP BY worker, status ORDER BY worker, status`, orgID)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats []command.QueueStat
	for rows.Next() {
		var st command.QueueStat
		if err := rows.Scan(&st.Worker, &st.Status, &st.Count); err != nil {
			return nil, fmt.Errorf("scan queue stat: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return orEmpty(stats), nil
}
