package postgres

import (
	"context"
	"fmt"

	"github.com/ikanisa/lawai-sub007/internal/domain/session"
)

const sessionColumns = `id, org_id, status, current_objective, director_state, safety_state,
	last_director_run_id, last_safety_run_id, created_at, updated_at, closed_at`

func scanSession(row scannable) (session.Session, error) {
	var (
		s                     session.Session
		directorState, safety []byte
	)
	err := row.Scan(&s.ID, &s.OrgID, &s.Status, &s.CurrentObjective, &directorState, &safety,
		&s.LastDirectorRunID, &s.LastSafetyRunID, &s.CreatedAt, &s.UpdatedAt, &s.ClosedAt)
	if err != nil {
		return s, err
	}
	s.DirectorState = directorState
	s.SafetyState = safety
	return s, nil
}

func (s *Store) CreateSession(ctx context.Context, orgID, objective string) (*session.Session, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO agent_sessions (org_id, current_objective)
		 VALUES ($1, $2)
		 RETURNING `+sessionColumns, orgID, objective)

	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &sess, nil
}

func (s *Store) GetSession(ctx context.Context, orgID, id string) (*session.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE id = $1 AND org_id = $2`, id, orgID)

	sess, err := scanSession(row)
	if err != nil {
		return nil, notFoundWrap(err, "get session %s", id)
	}
	return &sess, nil
}

func (s *Store) UpdateSessionState(ctx context.Context, orgID, id string, u session.StateUpdate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_sessions SET
			current_objective    = COALESCE($3, current_objective),
			director_state       = COALESCE($4::jsonb, director_state),
			safety_state         = COALESCE($5::jsonb, safety_state),
			last_director_run_id = COALESCE($6, last_director_run_id),
			last_safety_run_id   = COALESCE($7, last_safety_run_id),
			updated_at           = now()
		 WHERE id = $1 AND org_id = $2`,
		id, orgID, u.CurrentObjective, jsonOrNil(u.DirectorState), jsonOrNil(u.SafetyState),
		u.LastDirectorRunID, u.LastSafetyRunID)
	return execExpectOne(tag, err, "update session %s", id)
}

func (s *Store) CloseSession(ctx context.Context, orgID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_sessions SET status = 'closed', closed_at = now(), updated_at = now()
		 WHERE id = $1 AND org_id = $2 AND status = 'active'`, id, orgID)
	if err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrConflict(ctx, s.pool,
			`SELECT EXISTS (SELECT 1 FROM agent_sessions WHERE id = $1 AND org_id = $2)`,
			[]any{id, orgID}, "close session %s", id)
	}
	return nil
}
