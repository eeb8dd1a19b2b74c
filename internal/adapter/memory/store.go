// Package memory implements database.Store in process memory. It backs the
// tests and single-process deployments without Postgres.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ikanisa/lawai-sub007/internal/domain"
	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/domain/session"
)

// Store is a mutex-guarded in-memory store. Claims are atomic because every
// operation holds the lock for its whole duration.
type Store struct {
	mu        sync.Mutex
	sessions  map[string]*session.Session
	commands  map[string]*command.Command
	jobs      map[string]*command.Job
	seq       map[string]int64
	next      int64
	mutations int
	now       func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*session.Session),
		commands: make(map[string]*command.Command),
		jobs:     make(map[string]*command.Job),
		seq:      make(map[string]int64),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Mutations returns the number of write operations that changed state.
func (s *Store) Mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutations
}

// --- Sessions ---

func (s *Store) CreateSession(_ context.Context, orgID, objective string) (*session.Session, error) {
	if orgID == "" {
		return nil, fmt.Errorf("create session: org_id is required: %w", domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess := &session.Session{
		ID:               uuid.NewString(),
		OrgID:            orgID,
		Status:           session.StatusActive,
		CurrentObjective: objective,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.sessions[sess.ID] = sess
	s.mutations++
	out := *sess
	return &out, nil
}

func (s *Store) GetSession(_ context.Context, orgID, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(orgID, id)
	if err != nil {
		return nil, err
	}
	out := *sess
	return &out, nil
}

func (s *Store) UpdateSessionState(_ context.Context, orgID, id string, u session.StateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(orgID, id)
	if err != nil {
		return err
	}
	if u.CurrentObjective != nil {
		sess.CurrentObjective = *u.CurrentObjective
	}
	if u.DirectorState != nil {
		sess.DirectorState = slices.Clone(u.DirectorState)
	}
	if u.SafetyState != nil {
		sess.SafetyState = slices.Clone(u.SafetyState)
	}
	if u.LastDirectorRunID != nil {
		sess.LastDirectorRunID = *u.LastDirectorRunID
	}
	if u.LastSafetyRunID != nil {
		sess.LastSafetyRunID = *u.LastSafetyRunID
	}
	sess.UpdatedAt = s.now()
	s.mutations++
	return nil
}

func (s *Store) CloseSession(_ context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(orgID, id)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusClosed {
		return fmt.Errorf("close session %s: %w", id, domain.ErrConflict)
	}
	now := s.now()
	sess.Status = session.StatusClosed
	sess.ClosedAt = &now
	sess.UpdatedAt = now
	s.mutations++
	return nil
}

func (s *Store) session(orgID, id string) (*session.Session, error) {
	sess, ok := s.sessions[id]
	if !ok || sess.OrgID != orgID {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return sess, nil
}

// --- Commands and jobs ---

func (s *Store) CreateCommandJobs(_ context.Context, orgID, sessionID string, reqs []command.CreateRequest) ([]command.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(orgID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusActive {
		return nil, fmt.Errorf("create commands in session %s: %w", sessionID, domain.ErrConflict)
	}

	// Resolve ids up front so the batch is rejected before anything is written.
	jobIDs := make(map[string]string, len(reqs))
	for _, r := range reqs {
		if r.StepID != "" {
			jobIDs[r.StepID] = uuid.NewString()
		}
	}
	deps := make([][]string, len(reqs))
	for i, r := range reqs {
		for _, stepID := range r.DependsOn {
			id, ok := jobIDs[stepID]
			if !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q: %w", r.StepID, stepID, domain.ErrValidation)
			}
			deps[i] = append(deps[i], id)
		}
	}

	now := s.now()
	records := make([]command.Record, 0, len(reqs))
	for i, r := range reqs {
		status := r.Status
		if status == "" {
			status = command.StatusQueued
		}
		cmd := &command.Command{
			ID:           uuid.NewString(),
			OrgID:        orgID,
			SessionID:    sessionID,
			StepID:       r.StepID,
			CommandType:  r.Envelope.CommandType,
			Payload:      slices.Clone(r.Envelope.Payload),
			Envelope:     r.Envelope,
			Status:       status,
			Priority:     r.Priority,
			ScheduledFor: r.ScheduledFor,
			LastError:    r.LastError,
			Metadata:     slices.Clone(r.Metadata),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		jobID := jobIDs[r.StepID]
		if jobID == "" {
			jobID = uuid.NewString()
		}
		job := &command.Job{
			ID:          jobID,
			OrgID:       orgID,
			CommandID:   cmd.ID,
			Worker:      r.Envelope.Worker,
			Status:      command.JobStatusFor(status),
			DependsOn:   deps[i],
			ScheduledAt: r.ScheduledFor,
			LastError:   r.LastError,
			Metadata:    slices.Clone(r.Metadata),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if r.Envelope.Domain != "" {
			job.DomainAgent = command.StringPtr(r.Envelope.Domain)
		}
		stampTerminal(cmd, job, status, now)

		s.commands[cmd.ID] = cmd
		s.jobs[job.ID] = job
		s.next++
		s.seq[job.ID] = s.next
		records = append(records, s.record(job))
	}
	if len(records) > 0 {
		s.mutations++
	}
	return records, nil
}

func (s *Store) GetRecord(_ context.Context, orgID, jobID string) (*command.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.job(orgID, jobID)
	if err != nil {
		return nil, err
	}
	rec := s.record(job)
	return &rec, nil
}

func (s *Store) ListSessionRecords(_ context.Context, orgID, sessionID string) ([]command.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*command.Job
	for _, j := range s.jobs {
		if j.OrgID != orgID {
			continue
		}
		if cmd := s.commands[j.CommandID]; cmd != nil && cmd.SessionID == sessionID {
			jobs = append(jobs, j)
		}
	}
	s.sortFIFO(jobs)

	records := make([]command.Record, 0, len(jobs))
	for _, j := range jobs {
		records = append(records, s.record(j))
	}
	return records, nil
}

func (s *Store) ClaimPendingJobs(_ context.Context, orgID string, worker command.WorkerKind, limit int) ([]command.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var ready []*command.Job
	for _, j := range s.jobs {
		if j.OrgID != orgID || j.Worker != worker || j.Status != command.JobStatusPending {
			continue
		}
		if j.ScheduledAt != nil && j.ScheduledAt.After(now) {
			continue
		}
		if !s.depsCompleted(j) {
			continue
		}
		ready = append(ready, j)
	}
	s.sortFIFO(ready)
	if len(ready) > limit {
		ready = ready[:limit]
	}
	if len(ready) == 0 {
		return nil, nil
	}

	records := make([]command.Record, 0, len(ready))
	for _, j := range ready {
		j.Status = command.JobStatusClaimed
		j.Attempts++
		j.ClaimedAt = &now
		j.UpdatedAt = now
		records = append(records, s.record(j))
	}
	s.mutations++
	return records, nil
}

func (s *Store) ReleaseJobs(_ context.Context, orgID string, jobIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	changed := false
	for _, id := range jobIDs {
		j, ok := s.jobs[id]
		if !ok || j.OrgID != orgID || j.Status != command.JobStatusClaimed {
			continue
		}
		j.Status = command.JobStatusPending
		j.ClaimedAt = nil
		j.UpdatedAt = now
		changed = true
	}
	if changed {
		s.mutations++
	}
	return nil
}

func (s *Store) MarkJobStarted(_ context.Context, orgID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.job(orgID, jobID)
	if err != nil {
		return err
	}
	if job.Status != command.JobStatusClaimed {
		return fmt.Errorf("start job %s in status %s: %w", jobID, job.Status, domain.ErrConflict)
	}
	cmd := s.commands[job.CommandID]
	now := s.now()
	job.StartedAt = &now
	job.UpdatedAt = now
	cmd.Status = command.StatusRunning
	cmd.StartedAt = &now
	cmd.UpdatedAt = now
	s.mutations++
	return nil
}

func (s *Store) ReconcileJob(_ context.Context, t command.Transition) error {
	if !t.Status.IsTerminal() {
		return fmt.Errorf("reconcile job %s to %s: %w", t.JobID, t.Status, domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.job(t.OrgID, t.JobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("reconcile job %s already %s: %w", t.JobID, job.Status, domain.ErrConflict)
	}
	if t.CommandID != "" && t.CommandID != job.CommandID {
		return fmt.Errorf("job %s does not belong to command %s: %w", t.JobID, t.CommandID, domain.ErrConflict)
	}

	now := s.now()
	cmd := s.commands[job.CommandID]
	cmd.Status = t.Status
	cmd.LastError = t.LastError
	if t.Result != nil {
		cmd.Result = slices.Clone(t.Result)
	}
	cmd.UpdatedAt = now
	job.Status = command.JobStatusFor(t.Status)
	job.LastError = t.LastError
	job.UpdatedAt = now
	stampTerminal(cmd, job, t.Status, now)

	if t.Status != command.StatusCompleted {
		s.cascadeCancel(job.ID, now)
	}
	s.mutations++
	return nil
}

// cascadeCancel cancels pending jobs that transitively depend on rootID.
func (s *Store) cascadeCancel(rootID string, now time.Time) {
	blocked := []string{rootID}
	for len(blocked) > 0 {
		id := blocked[0]
		blocked = blocked[1:]
		for _, j := range s.jobs {
			if j.Status != command.JobStatusPending || !slices.Contains(j.DependsOn, id) {
				continue
			}
			reason := command.StringPtr(command.CodeDependencyUnsatisfied)
			j.Status = command.JobStatusCancelled
			j.LastError = reason
			j.UpdatedAt = now
			cmd := s.commands[j.CommandID]
			cmd.Status = command.StatusCancelled
			cmd.LastError = reason
			cmd.UpdatedAt = now
			blocked = append(blocked, j.ID)
		}
	}
}

func (s *Store) ResumeCommand(_ context.Context, orgID, commandID string) (*command.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[commandID]
	if !ok || cmd.OrgID != orgID {
		return nil, fmt.Errorf("command %s: %w", commandID, domain.ErrNotFound)
	}
	if cmd.Status != command.StatusCancelled {
		return nil, fmt.Errorf("resume command %s in status %s: %w", commandID, cmd.Status, domain.ErrConflict)
	}
	var job *command.Job
	for _, j := range s.jobs {
		if j.CommandID == commandID {
			job = j
			break
		}
	}
	if job == nil {
		return nil, fmt.Errorf("job for command %s: %w", commandID, domain.ErrNotFound)
	}
	for _, dep := range job.DependsOn {
		if d, ok := s.jobs[dep]; ok && d.Status == command.JobStatusFailed {
			return nil, fmt.Errorf("resume command %s: dependency %s failed: %w", commandID, dep, domain.ErrConflict)
		}
	}

	now := s.now()
	cmd.Status = command.StatusQueued
	cmd.LastError = nil
	cmd.StartedAt = nil
	cmd.UpdatedAt = now
	job.Status = command.JobStatusPending
	job.LastError = nil
	job.ClaimedAt = nil
	job.StartedAt = nil
	job.UpdatedAt = now
	s.mutations++

	rec := s.record(job)
	return &rec, nil
}

func (s *Store) QueueStats(_ context.Context, orgID string) ([]command.QueueStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct {
		w  command.WorkerKind
		st command.JobStatus
	}
	counts := make(map[key]int)
	for _, j := range s.jobs {
		if j.OrgID == orgID {
			counts[key{j.Worker, j.Status}]++
		}
	}
	stats := make([]command.QueueStat, 0, len(counts))
	for k, n := range counts {
		stats = append(stats, command.QueueStat{Worker: k.w, Status: k.st, Count: n})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Worker != stats[j].Worker {
			return stats[i].Worker < stats[j].Worker
		}
		return stats[i].Status < stats[j].Status
	})
	return stats, nil
}

// --- helpers ---

func (s *Store) job(orgID, id string) (*command.Job, error) {
	j, ok := s.jobs[id]
	if !ok || j.OrgID != orgID {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return j, nil
}

func (s *Store) depsCompleted(j *command.Job) bool {
	for _, id := range j.DependsOn {
		dep, ok := s.jobs[id]
		if !ok || dep.Status != command.JobStatusCompleted {
			return false
		}
	}
	return true
}

func (s *Store) sortFIFO(jobs []*command.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return s.seq[jobs[a].ID] < s.seq[jobs[b].ID]
	})
}

// record returns a deep enough copy that callers cannot mutate the store.
func (s *Store) record(j *command.Job) command.Record {
	job := *j
	job.DependsOn = slices.Clone(j.DependsOn)
	cmd := *s.commands[j.CommandID]
	cmd.Payload = slices.Clone(cmd.Payload)
	return command.Record{Command: cmd, Job: job}
}

func stampTerminal(cmd *command.Command, job *command.Job, status command.Status, now time.Time) {
	switch status {
	case command.StatusCompleted:
		cmd.CompletedAt = &now
		job.CompletedAt = &now
	case command.StatusFailed:
		cmd.FailedAt = &now
		job.FailedAt = &now
	}
}
