package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ikanisa/lawai-sub007/internal/adapter/memory"
	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/domain/finance"
	"github.com/ikanisa/lawai-sub007/internal/port/domainworker"
	"github.com/ikanisa/lawai-sub007/internal/port/messagequeue"
	"github.com/ikanisa/lawai-sub007/internal/service"
)

func newReconciler(store *memory.Store, workers ...domainworker.Worker) *service.ReconcilerService {
	reg := domainworker.NewRegistry()
	for _, w := range workers {
		reg.Register(w)
	}
	return service.NewReconcilerService(store, reg, testConfig(), nil)
}

func TestProcessFinanceJob_StatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		result  finance.Result
		status  command.Status
		lastErr *string
	}{
		{name: "completed", result: finance.Result{Status: finance.StatusCompleted}, status: command.StatusCompleted},
		{name: "empty status defaults to completed", result: finance.Result{}, status: command.StatusCompleted},
		{name: "failed with code", result: finance.Result{Status: finance.StatusFailed, ErrorCode: "ledger_locked"}, status: command.StatusFailed, lastErr: command.StringPtr("ledger_locked")},
		{name: "failed without code", result: finance.Result{Status: finance.StatusFailed}, status: command.StatusFailed, lastErr: command.StringPtr(command.CodeJobFailed)},
		{name: "needs hitl with reason", result: finance.Result{Status: finance.StatusNeedsHITL, HITLReason: "approval over 10k"}, status: command.StatusCancelled, lastErr: command.StringPtr("approval over 10k")},
		{name: "hitl reason only", result: finance.Result{HITLReason: "missing PO"}, status: command.StatusCancelled, lastErr: command.StringPtr("missing PO")},
		{name: "cancelled without reason", result: finance.Result{Status: finance.StatusCancelled}, status: command.StatusCancelled, lastErr: command.StringPtr(command.CodeRequiresHITL)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			seed(t, store, apStep("a", 4))
			rec := claimOne(t, store)

			res := tt.result
			out, err := newReconciler(store).ProcessFinanceJob(context.Background(), testOrg, rec, &res)
			if err != nil {
				t.Fatalf("ProcessFinanceJob: %v", err)
			}
			if out.Notices == nil || out.FollowUps == nil {
				t.Errorf("result not normalised: %+v", out)
			}
			assertState(t, getRecord(t, store, rec.Job.ID), tt.status, tt.lastErr)
		})
	}
}

func TestRunFinanceWorker_Completed(t *testing.T) {
	store := memory.New()
	seed(t, store, apStep("a", 4))
	rec := claimOne(t, store)
	q := newFakeQueue()

	var got domainworker.Request
	worker := domainworker.Func{Key: finance.DomainAccountsPayable, Fn: func(_ context.Context, req domainworker.Request) (*finance.Result, error) {
		got = req
		return &finance.Result{Status: finance.StatusCompleted, Output: json.RawMessage(`{"payment_id":"p-1"}`)}, nil
	}}
	svc := newReconciler(store, worker)
	svc.SetQueue(q)

	res, err := svc.RunFinanceWorker(context.Background(), testOrg, rec)
	if err != nil {
		t.Fatalf("RunFinanceWorker: %v", err)
	}
	if res.Status != finance.StatusCompleted || string(res.Output) != `{"payment_id":"p-1"}` {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got.Payload.VendorID != "vendor-7" || got.Payload.Amount != 120.5 || got.OrgID != testOrg {
		t.Errorf("worker got unexpected request: %+v", got)
	}

	after := getRecord(t, store, rec.Job.ID)
	assertState(t, after, command.StatusCompleted, nil)
	if after.Command.StartedAt == nil || after.Command.CompletedAt == nil {
		t.Error("expected started and completed timestamps")
	}
	if !strings.Contains(string(after.Command.Result), `"payment_id":"p-1"`) {
		t.Errorf("result not persisted: %s", after.Command.Result)
	}

	msgs := q.messages(messagequeue.SubjectCommandReconciled)
	if len(msgs) != 1 {
		t.Fatalf("expected one reconciled event, got %d", len(msgs))
	}
	var evt messagequeue.CommandReconciledPayload
	if err := json.Unmarshal(msgs[0].data, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.CommandID != rec.Command.ID || evt.Status != "completed" || evt.LastError != nil {
		t.Errorf("unexpected event: %+v", evt)
	}
}

func TestRunFinanceWorker_NotRegistered(t *testing.T) {
	store := memory.New()
	seed(t, store, apStep("a", 4))
	rec := claimOne(t, store)

	_, err := newReconciler(store, completingWorker(finance.DomainGeneralLedger)).RunFinanceWorker(context.Background(), testOrg, rec)
	var rerr *command.ReconcileError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected ReconcileError, got %v", err)
	}
	want := command.CodeWorkerNotRegistered + ":" + finance.DomainAccountsPayable
	if rerr.Code != want || !errors.Is(err, command.ErrReconcile) {
		t.Fatalf("unexpected error: %v", err)
	}
	assertState(t, getRecord(t, store, rec.Job.ID), command.StatusFailed, &want)
}

func TestRunFinanceWorker_InvalidPayload(t *testing.T) {
	store := memory.New()
	seed(t, store, apStep("a", 4))
	rec := claimOne(t, store)
	rec.Command.Payload = json.RawMessage(`{"operation":"pay"}`)

	called := false
	worker := domainworker.Func{Key: finance.DomainAccountsPayable, Fn: func(context.Context, domainworker.Request) (*finance.Result, error) {
		called = true
		return nil, nil
	}}
	_, err := newReconciler(store, worker).RunFinanceWorker(context.Background(), testOrg, rec)
	var rerr *command.ReconcileError
	if !errors.As(err, &rerr) || rerr.Code != command.CodeInvalidPayload {
		t.Fatalf("expected invalid payload error, got %v", err)
	}
	var verr *finance.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected the validation error to be wrapped, got %v", err)
	}
	if called {
		t.Fatal("worker must not run on an invalid payload")
	}
	assertState(t, getRecord(t, store, rec.Job.ID), command.StatusFailed, command.StringPtr(command.CodeInvalidPayload))
}

func TestRunFinanceWorker_InvalidResult(t *testing.T) {
	tests := []struct {
		name   string
		result *finance.Result
	}{
		{name: "unknown status", result: &finance.Result{Status: "paid"}},
		{name: "nil result", result: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			seed(t, store, apStep("a", 4))
			rec := claimOne(t, store)
			log, buf := bufferLogger()

			reg := domainworker.NewRegistry()
			reg.Register(resultWorker(finance.DomainAccountsPayable, tt.result, nil))
			svc := service.NewReconcilerService(store, reg, testConfig(), log)

			_, err := svc.RunFinanceWorker(context.Background(), testOrg, rec)
			var rerr *command.ReconcileError
			if !errors.As(err, &rerr) || rerr.Code != command.CodeInvalidResult {
				t.Fatalf("expected invalid result error, got %v", err)
			}
			assertState(t, getRecord(t, store, rec.Job.ID), command.StatusFailed, command.StringPtr(command.CodeInvalidResult))
			if !strings.Contains(buf.String(), `"step_id":"a"`) || !strings.Contains(buf.String(), rec.Job.ID) {
				t.Errorf("schema violation should be logged with step and job ids: %s", buf.String())
			}
		})
	}
}

func TestRunFinanceWorker_WorkerErrorReturnedAsIs(t *testing.T) {
	store := memory.New()
	seed(t, store, apStep("a", 4))
	rec := claimOne(t, store)
	offline := fmt.Errorf("connector: %w", errors.New("ledger offline"))

	_, err := newReconciler(store, resultWorker(finance.DomainAccountsPayable, nil, offline)).RunFinanceWorker(context.Background(), testOrg, rec)
	if err != offline {
		t.Fatalf("expected the worker error unchanged, got %v", err)
	}
	assertState(t, getRecord(t, store, rec.Job.ID), command.StatusFailed, command.StringPtr("connector: ledger offline"))
}

func TestRunFinanceWorker_EmptyWorkerError(t *testing.T) {
	store := memory.New()
	seed(t, store, apStep("a", 4))
	rec := claimOne(t, store)

	_, err := newReconciler(store, resultWorker(finance.DomainAccountsPayable, nil, errors.New(""))).RunFinanceWorker(context.Background(), testOrg, rec)
	if err == nil {
		t.Fatal("expected an error")
	}
	assertState(t, getRecord(t, store, rec.Job.ID), command.StatusFailed, command.StringPtr(command.CodeWorkerFailed))
}

func TestRunFinanceWorker_ExecuteTimeout(t *testing.T) {
	store := memory.New()
	seed(t, store, apStep("a", 4))
	rec := claimOne(t, store)

	cfg := testConfig()
	cfg.ExecuteTimeout = 20 * time.Millisecond
	reg := domainworker.NewRegistry()
	reg.Register(domainworker.Func{Key: finance.DomainAccountsPayable, Fn: func(ctx context.Context, _ domainworker.Request) (*finance.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	_, err := service.NewReconcilerService(store, reg, cfg, nil).RunFinanceWorker(context.Background(), testOrg, rec)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	assertState(t, getRecord(t, store, rec.Job.ID), command.StatusFailed, command.StringPtr(context.DeadlineExceeded.Error()))
}

func TestRunFinanceWorker_FailedCascadesToDependents(t *testing.T) {
	store := memory.New()
	_, recs := seed(t, store, apStep("a", 4), apStep("b", 4, "a"))
	rec := claimOne(t, store)

	worker := resultWorker(finance.DomainAccountsPayable, &finance.Result{Status: finance.StatusFailed, ErrorCode: "duplicate_invoice"}, nil)
	if _, err := newReconciler(store, worker).RunFinanceWorker(context.Background(), testOrg, rec); err != nil {
		t.Fatalf("a failed result is not an error: %v", err)
	}
	assertState(t, getRecord(t, store, recs[1].Job.ID), command.StatusCancelled, command.StringPtr(command.CodeDependencyUnsatisfied))
}

func TestOutcome(t *testing.T) {
	status, lastErr := service.Outcome(finance.Result{Status: finance.StatusCompleted, ErrorCode: "ignored"})
	if status != command.StatusCompleted || lastErr != nil {
		t.Fatalf("completed must clear the error, got %s %v", status, lastErr)
	}
}

// cancellableStore fails writes on a done context, the way a pgx pool does.
type cancellableStore struct {
	*memory.Store
}

func (s cancellableStore) MarkJobStarted(ctx context.Context, orgID, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.MarkJobStarted(ctx, orgID, jobID)
}

func (s cancellableStore) ReconcileJob(ctx context.Context, t command.Transition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.ReconcileJob(ctx, t)
}

func (s cancellableStore) ReleaseJobs(ctx context.Context, orgID string, jobIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.ReleaseJobs(ctx, orgID, jobIDs)
}

func TestRunFinanceWorker_ShutdownDuringExecution(t *testing.T) {
	store := memory.New()
	seed(t, store, apStep("a", 4))
	rec := claimOne(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := domainworker.NewRegistry()
	reg.Register(domainworker.Func{Key: finance.DomainAccountsPayable, Fn: func(c context.Context, _ domainworker.Request) (*finance.Result, error) {
		cancel()
		return nil, c.Err()
	}})

	svc := service.NewReconcilerService(cancellableStore{store}, reg, testConfig(), nil)
	_, err := svc.RunFinanceWorker(ctx, testOrg, rec)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if strings.Contains(err.Error(), "reconcile job") {
		t.Fatalf("the outcome must still be written: %v", err)
	}
	assertState(t, getRecord(t, store, rec.Job.ID), command.StatusFailed, command.StringPtr(context.Canceled.Error()))
}

func TestRunFinanceWorker_CancelledBeforeStartReleasesClaim(t *testing.T) {
	store := memory.New()
	seed(t, store, apStep("a", 4))
	rec := claimOne(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := service.NewReconcilerService(cancellableStore{store}, registryWith(completingWorker(finance.DomainAccountsPayable)), testConfig(), nil)
	if _, err := svc.RunFinanceWorker(ctx, testOrg, rec); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	got := getRecord(t, store, rec.Job.ID)
	if got.Job.Status != command.JobStatusPending || got.Command.Status != command.StatusQueued {
		t.Fatalf("expected the claim handed back, got %s/%s", got.Job.Status, got.Command.Status)
	}
}

func registryWith(workers ...domainworker.Worker) *domainworker.Registry {
	reg := domainworker.NewRegistry()
	for _, w := range workers {
		reg.Register(w)
	}
	return reg
}
