package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ikanisa/lawai-sub007/internal/adapter/memory"
	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/domain/finance"
	"github.com/ikanisa/lawai-sub007/internal/domain/session"
	"github.com/ikanisa/lawai-sub007/internal/port/domainworker"
	"github.com/ikanisa/lawai-sub007/internal/port/messagequeue"
	"github.com/ikanisa/lawai-sub007/internal/service"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func completed(store *memory.Store, jobID string) func() bool {
	return func() bool {
		rec, err := store.GetRecord(context.Background(), testOrg, jobID)
		return err == nil && rec.Job.Status == command.JobStatusCompleted
	}
}

func startPoller(t *testing.T, p *service.Poller) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("poller did not stop")
		}
	}
}

func addJob(t *testing.T, store *memory.Store, sess *session.Session, stepID string) command.Record {
	t.Helper()
	recs, err := store.CreateCommandJobs(context.Background(), testOrg, sess.ID, []command.CreateRequest{
		{StepID: stepID, Envelope: apStep(stepID, 4).Envelope},
	})
	if err != nil {
		t.Fatal(err)
	}
	return recs[0]
}

func readyMessage(t *testing.T, orgID string) []byte {
	return mustJSON(t, messagequeue.JobReadyPayload{OrgID: orgID, Worker: "domain", JobIDs: []string{"j"}})
}

func TestPoller_DrainsFullBatchesOnStart(t *testing.T) {
	store := memory.New()
	_, recs := seed(t, store, apStep("a", 4), apStep("b", 4), apStep("c", 4), apStep("d", 4), apStep("e", 4))
	q := newQueue(store, completingWorker(finance.DomainAccountsPayable))

	stop := startPoller(t, service.NewPoller(q, testOrg, command.WorkerDomain, time.Hour, 2, nil))
	defer stop()

	for _, rec := range recs {
		waitFor(t, "job "+rec.Command.StepID, completed(store, rec.Job.ID))
	}
}

func TestPoller_FailedBatchKeepsDraining(t *testing.T) {
	store := memory.New()
	_, recs := seed(t, store, apStep("a", 4), apStep("b", 4), apStep("c", 4), apStep("d", 4))
	worker := domainworker.Func{Key: finance.DomainAccountsPayable, Fn: func(_ context.Context, req domainworker.Request) (*finance.Result, error) {
		if step := req.Record.Command.StepID; step == "a" || step == "b" {
			return nil, errors.New("ledger offline")
		}
		return &finance.Result{Status: finance.StatusCompleted, Output: json.RawMessage(`{}`)}, nil
	}}
	q := newQueue(store, worker)

	stop := startPoller(t, service.NewPoller(q, testOrg, command.WorkerDomain, time.Hour, 2, nil))
	defer stop()

	for _, rec := range recs[2:] {
		waitFor(t, "job "+rec.Command.StepID, completed(store, rec.Job.ID))
	}
	if rec := getRecord(t, store, recs[0].Job.ID); rec.Job.Status != command.JobStatusFailed {
		t.Fatalf("expected a failed, got %s", rec.Job.Status)
	}
}

func TestPoller_WakeUp(t *testing.T) {
	store := memory.New()
	sess, recs := seed(t, store, apStep("initial", 4))
	mq := newFakeQueue()
	q := newQueue(store, completingWorker(finance.DomainAccountsPayable))

	p := service.NewPoller(q, testOrg, command.WorkerDomain, time.Hour, 10, nil)
	p.SetWakeups(mq)
	stop := startPoller(t, p)
	defer stop()

	subject := messagequeue.JobsReadySubject("domain")
	waitFor(t, "subscription", func() bool { return mq.handler(subject) != nil })
	waitFor(t, "initial drain", completed(store, recs[0].Job.ID))

	other := addJob(t, store, sess, "other-org-wake")
	if err := mq.handler(subject)(context.Background(), subject, readyMessage(t, "org-2")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if completed(store, other.Job.ID)() {
		t.Fatal("a wake-up for another org must not drain this org")
	}

	if err := mq.handler(subject)(context.Background(), subject, readyMessage(t, testOrg)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "woken drain", completed(store, other.Job.ID))

	rec := addJob(t, store, sess, "direct-wake")
	p.Wake()
	waitFor(t, "Wake drain", completed(store, rec.Job.ID))
}

func TestPoller_BadWakeUpMessage(t *testing.T) {
	store := memory.New()
	mq := newFakeQueue()
	p := service.NewPoller(newQueue(store), testOrg, command.WorkerDomain, time.Hour, 10, nil)
	p.SetWakeups(mq)
	stop := startPoller(t, p)
	defer stop()

	subject := messagequeue.JobsReadySubject("domain")
	waitFor(t, "subscription", func() bool { return mq.handler(subject) != nil })
	var syntax *json.SyntaxError
	if err := mq.handler(subject)(context.Background(), subject, []byte(`{`)); !errors.As(err, &syntax) {
		t.Fatalf("expected a decode error, got %v", err)
	}
}

func TestPoller_SubscribeFailureFallsBackToPolling(t *testing.T) {
	store := memory.New()
	sess := newSession(t, store)
	mq := newFakeQueue()
	mq.subscribeErr = errors.New("nats: no servers available")
	log, buf := bufferLogger()

	p := service.NewPoller(newQueue(store, completingWorker(finance.DomainAccountsPayable)), testOrg, command.WorkerDomain, 10*time.Millisecond, 10, log)
	p.SetWakeups(mq)
	stop := startPoller(t, p)

	rec := addJob(t, store, sess, "late")
	waitFor(t, "timer drain", completed(store, rec.Job.ID))
	stop()

	if !strings.Contains(buf.String(), "polling only") {
		t.Errorf("expected the subscription failure to be logged: %s", buf.String())
	}
}
