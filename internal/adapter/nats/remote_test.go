package nats

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/domain/finance"
	"github.com/ikanisa/lawai-sub007/internal/logger"
	"github.com/ikanisa/lawai-sub007/internal/port/domainworker"
	"github.com/ikanisa/lawai-sub007/internal/port/messagequeue"
)

// loopback answers requests in-process with serveOne.
type loopback struct {
	worker  domainworker.Worker
	subject string
	err     error
}

func (l *loopback) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	l.subject = subject
	if l.err != nil {
		return nil, l.err
	}
	return json.Marshal(serveOne(ctx, l.worker, subject, data, logger.Nop()))
}

func execRequest(dom string) domainworker.Request {
	var rec command.Record
	rec.Command.ID = "cmd-1"
	rec.Command.SessionID = "sess-1"
	rec.Command.CommandType = "finance.post_journal"
	rec.Command.Payload = json.RawMessage(`{"operation":"post"}`)
	rec.Job.ID = "job-1"
	rec.Job.Attempts = 1
	return domainworker.Request{OrgID: "org-1", Record: rec}
}

func TestRemoteWorker_Completed(t *testing.T) {
	var seen domainworker.Request
	lb := &loopback{worker: domainworker.Func{Key: "ops", Fn: func(_ context.Context, req domainworker.Request) (*finance.Result, error) {
		seen = req
		return &finance.Result{Status: finance.StatusCompleted, Notices: []string{"posted"}}, nil
	}}}

	w := NewRemoteWorker(lb, "ops", 0)
	if w.Domain() != "ops" {
		t.Fatalf("unexpected domain %q", w.Domain())
	}
	res, err := w.Execute(context.Background(), execRequest("ops"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if lb.subject != messagequeue.CommandExecSubject("ops") {
		t.Errorf("unexpected subject %q", lb.subject)
	}
	if res.Status != finance.StatusCompleted || len(res.Notices) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if seen.Record.Job.ID != "job-1" || seen.Record.Command.SessionID != "sess-1" || seen.Payload.Operation != "post" {
		t.Fatalf("remote side saw %+v", seen)
	}
}

func TestRemoteWorker_RemoteFailure(t *testing.T) {
	lb := &loopback{worker: domainworker.Func{Key: "ops", Fn: func(context.Context, domainworker.Request) (*finance.Result, error) {
		return nil, errors.New("ledger_locked")
	}}}

	_, err := NewRemoteWorker(lb, "ops", 0).Execute(context.Background(), execRequest("ops"))
	if err == nil || err.Error() != "ledger_locked" {
		t.Fatalf("expected remote error message, got %v", err)
	}
}

func TestRemoteWorker_InvalidPayloadOnRemoteSide(t *testing.T) {
	lb := &loopback{worker: domainworker.Func{Key: finance.DomainAccountsPayable, Fn: func(context.Context, domainworker.Request) (*finance.Result, error) {
		t.Fatal("worker must not run for an invalid payload")
		return nil, nil
	}}}

	_, err := NewRemoteWorker(lb, finance.DomainAccountsPayable, 0).Execute(context.Background(), execRequest(finance.DomainAccountsPayable))
	if err == nil || !strings.Contains(err.Error(), command.CodeInvalidPayload) {
		t.Fatalf("expected invalid payload error, got %v", err)
	}
}

func TestRemoteWorker_TransportError(t *testing.T) {
	transport := errors.New("no responders")
	_, err := NewRemoteWorker(&loopback{err: transport}, "ops", 0).Execute(context.Background(), execRequest("ops"))
	if !errors.Is(err, transport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestServeOne_BadRequest(t *testing.T) {
	subject := messagequeue.CommandExecSubject("general_ledger")
	bodies := map[string]string{
		"not json":        `nope`,
		"missing job":     `{"org_id":"o1","command_id":"c1","domain":"general_ledger","payload":{"operation":"post"}}`,
		"domain mismatch": `{"org_id":"o1","command_id":"c1","job_id":"j1","domain":"accounts_payable","payload":{"operation":"post"}}`,
		"no payload":      `{"org_id":"o1","command_id":"c1","job_id":"j1","domain":"general_ledger"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			reply := serveOne(context.Background(), nil, subject, []byte(body), logger.Nop())
			if !strings.HasPrefix(reply.Error, "invalid exec request") {
				t.Fatalf("unexpected reply %+v", reply)
			}
		})
	}
}

func TestRetryCount(t *testing.T) {
	h := map[string][]string{}
	if retryCount(h) != 0 {
		t.Fatal("expected 0 without header")
	}
	h[headerRetryCount] = []string{"2"}
	if retryCount(h) != 2 {
		t.Fatalf("expected 2, got %d", retryCount(h))
	}
	h[headerRetryCount] = []string{"x"}
	if retryCount(h) != 0 {
		t.Fatal("expected 0 for garbage")
	}
}
