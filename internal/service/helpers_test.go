package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ikanisa/lawai-sub007/internal/adapter/memory"
	"github.com/ikanisa/lawai-sub007/internal/config"
	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/domain/finance"
	"github.com/ikanisa/lawai-sub007/internal/domain/plan"
	"github.com/ikanisa/lawai-sub007/internal/domain/session"
	"github.com/ikanisa/lawai-sub007/internal/port/agentrunner"
	"github.com/ikanisa/lawai-sub007/internal/port/domainworker"
	"github.com/ikanisa/lawai-sub007/internal/port/messagequeue"
)

const testOrg = "org-1"

const apPayload = `{"operation":"pay","vendor_id":"vendor-7","invoice_id":"inv-100","amount":120.5,"currency":"EUR"}`

func testConfig() *config.Orchestrator {
	cfg := config.Defaults().Orchestrator
	cfg.BudgetCeilings = map[string]int{"director": 64, "domain": 64, "safety": 16}
	cfg.SafetyCacheTTL = 0
	return &cfg
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

// --- plans ---

func apStep(id string, tokens int, deps ...string) plan.Step {
	return plan.Step{
		ID:     id,
		Status: plan.StepStatusPending,
		Envelope: command.Envelope{
			Worker:       command.WorkerDomain,
			CommandType:  "finance.pay_invoice",
			Title:        "Pay invoice " + id,
			Domain:       finance.DomainAccountsPayable,
			Payload:      json.RawMessage(apPayload),
			Dependencies: deps,
			Budget:       command.Budget{Tokens: tokens},
		},
	}
}

func onePlan(tokens int) *plan.Plan {
	return &plan.Plan{
		Version:     "1",
		Objective:   "pay vendor-7",
		Summary:     "pay one invoice",
		DecisionLog: []string{"invoice is due"},
		Steps:       []plan.Step{apStep("step-1", tokens)},
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// --- agent runner ---

type runCall struct {
	agent agentrunner.Agent
	input any
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []runCall
	fn    func(ctx context.Context, agent agentrunner.Agent, input any) (*agentrunner.Result, error)
}

func (r *fakeRunner) Run(ctx context.Context, agent agentrunner.Agent, input any) (*agentrunner.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, runCall{agent: agent, input: input})
	r.mu.Unlock()
	return r.fn(ctx, agent, input)
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) last() runCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func outputRunner(output json.RawMessage) *fakeRunner {
	return &fakeRunner{fn: func(context.Context, agentrunner.Agent, any) (*agentrunner.Result, error) {
		return &agentrunner.Result{RunID: "run-1", FinalOutput: output}, nil
	}}
}

func streamRunner(output json.RawMessage, stream agentrunner.Stream) *fakeRunner {
	return &fakeRunner{fn: func(context.Context, agentrunner.Agent, any) (*agentrunner.Result, error) {
		return &agentrunner.Result{RunID: "run-1", FinalOutput: output, Stream: stream}, nil
	}}
}

func failingRunner(err error) *fakeRunner {
	return &fakeRunner{fn: func(context.Context, agentrunner.Agent, any) (*agentrunner.Result, error) {
		return nil, err
	}}
}

// fakeStream yields deltas and counts Close calls. With failAt >= 0, Next
// fails once that many events were read.
type fakeStream struct {
	events []agentrunner.Event
	failAt int
	pos    int
	closes atomic.Int32
}

func deltaStream(parts ...string) *fakeStream {
	s := &fakeStream{failAt: -1}
	for _, p := range parts {
		s.events = append(s.events, agentrunner.Event{Type: agentrunner.EventDelta, Delta: p})
	}
	s.events = append(s.events, agentrunner.Event{Type: agentrunner.EventDone})
	return s
}

func (s *fakeStream) Next(context.Context) (agentrunner.Event, error) {
	if s.failAt >= 0 && s.pos == s.failAt {
		return agentrunner.Event{}, errors.New("stream disconnected")
	}
	if s.pos >= len(s.events) {
		return agentrunner.Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *fakeStream) exhausted() bool { return s.pos == len(s.events) }

// --- message queue ---

type published struct {
	subject string
	data    []byte
}

type fakeQueue struct {
	mu           sync.Mutex
	published    []published
	handlers     map[string]messagequeue.Handler
	subscribeErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{handlers: make(map[string]messagequeue.Handler)}
}

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, published{subject: subject, data: data})
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	if q.subscribeErr != nil {
		return nil, q.subscribeErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[subject] = h
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.handlers, subject)
	}, nil
}

func (q *fakeQueue) handler(subject string) messagequeue.Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlers[subject]
}

func (q *fakeQueue) messages(subject string) []published {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []published
	for _, p := range q.published {
		if p.subject == subject {
			out = append(out, p)
		}
	}
	return out
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

// --- cache ---

type mapCache struct {
	mu   sync.Mutex
	m    map[string][]byte
	sets int
}

func newMapCache() *mapCache { return &mapCache{m: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	c.sets++
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

// --- workers ---

func resultWorker(domain string, res *finance.Result, err error) domainworker.Worker {
	return domainworker.Func{Key: domain, Fn: func(context.Context, domainworker.Request) (*finance.Result, error) {
		return res, err
	}}
}

func completingWorker(domain string) domainworker.Worker {
	return resultWorker(domain, &finance.Result{Status: finance.StatusCompleted, Output: json.RawMessage(`{}`)}, nil)
}

// --- store ---

func seed(t *testing.T, store *memory.Store, steps ...plan.Step) (*session.Session, []command.Record) {
	t.Helper()
	ctx := context.Background()
	sess, err := store.CreateSession(ctx, testOrg, "pay vendors")
	if err != nil {
		t.Fatal(err)
	}
	reqs := make([]command.CreateRequest, len(steps))
	for i, s := range steps {
		reqs[i] = command.CreateRequest{StepID: s.ID, Envelope: s.Envelope, DependsOn: s.Envelope.Dependencies}
	}
	recs, err := store.CreateCommandJobs(ctx, testOrg, sess.ID, reqs)
	if err != nil {
		t.Fatal(err)
	}
	return sess, recs
}

func claimOne(t *testing.T, store *memory.Store) command.Record {
	t.Helper()
	recs, err := store.ClaimPendingJobs(context.Background(), testOrg, command.WorkerDomain, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one claimed job, got %d", len(recs))
	}
	return recs[0]
}

func getRecord(t *testing.T, store *memory.Store, jobID string) *command.Record {
	t.Helper()
	rec, err := store.GetRecord(context.Background(), testOrg, jobID)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func assertState(t *testing.T, rec *command.Record, status command.Status, lastErr *string) {
	t.Helper()
	if rec.Command.Status != status {
		t.Errorf("command status = %s, want %s", rec.Command.Status, status)
	}
	if rec.Job.Status != command.JobStatusFor(status) {
		t.Errorf("job status = %s, want %s", rec.Job.Status, command.JobStatusFor(status))
	}
	switch {
	case lastErr == nil && rec.Command.LastError != nil:
		t.Errorf("command last error = %q, want nil", *rec.Command.LastError)
	case lastErr == nil && rec.Job.LastError != nil:
		t.Errorf("job last error = %q, want nil", *rec.Job.LastError)
	case lastErr != nil && (rec.Command.LastError == nil || *rec.Command.LastError != *lastErr):
		t.Errorf("command last error = %v, want %q", rec.Command.LastError, *lastErr)
	case lastErr != nil && (rec.Job.LastError == nil || *rec.Job.LastError != *lastErr):
		t.Errorf("job last error = %v, want %q", rec.Job.LastError, *lastErr)
	}
}

func sessionCtx() session.Context {
	return session.Context{OrgID: testOrg, SessionID: "sess-1"}
}
