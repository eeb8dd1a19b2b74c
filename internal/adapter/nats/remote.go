package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/domain/finance"
	"github.com/ikanisa/lawai-sub007/internal/logger"
	"github.com/ikanisa/lawai-sub007/internal/port/domainworker"
	"github.com/ikanisa/lawai-sub007/internal/port/messagequeue"
)

// Requester sends one request and waits for its reply.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// RemoteWorker is a domain worker whose commands are executed by another
// process listening on commands.exec.<domain>.
type RemoteWorker struct {
	req     Requester
	domain  string
	timeout time.Duration
}

var _ domainworker.Worker = (*RemoteWorker)(nil)

// NewRemoteWorker creates a worker for domain. A zero timeout relies on the
// caller's context deadline alone.
func NewRemoteWorker(req Requester, domain string, timeout time.Duration) *RemoteWorker {
	return &RemoteWorker{req: req, domain: domain, timeout: timeout}
}

func (w *RemoteWorker) Domain() string { return w.domain }

// Execute forwards the claimed command and decodes the remote result. A
// remote failure is returned as an error carrying the remote message.
func (w *RemoteWorker) Execute(ctx context.Context, r domainworker.Request) (*finance.Result, error) {
	data, err := json.Marshal(messagequeue.CommandExecPayload{
		OrgID:       r.OrgID,
		SessionID:   r.Record.Command.SessionID,
		CommandID:   r.Record.Command.ID,
		JobID:       r.Record.Job.ID,
		Domain:      w.domain,
		CommandType: r.Record.Command.CommandType,
		Payload:     r.Record.Command.Payload,
		Attempts:    r.Record.Job.Attempts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal exec request: %w", err)
	}

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	raw, err := w.req.Request(ctx, messagequeue.CommandExecSubject(w.domain), data)
	if err != nil {
		return nil, err
	}

	var reply messagequeue.CommandExecReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode exec reply: %w", err)
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}

	var res finance.Result
	if err := json.Unmarshal(reply.Result, &res); err != nil {
		return nil, fmt.Errorf("decode remote result: %w", err)
	}
	return &res, nil
}

// ServeDomain answers commands.exec.<domain> requests with worker. Serving
// processes share a queue group, so each request is executed once.
func (q *Queue) ServeDomain(worker domainworker.Worker) (stop func(), err error) {
	subject := messagequeue.CommandExecSubject(worker.Domain())
	sub, err := q.nc.QueueSubscribe(subject, "lawai-"+worker.Domain(), func(msg *nats.Msg) {
		ctx := context.Background()
		if id := msg.Header.Get(headerRequestID); id != "" {
			ctx = logger.WithRequestID(ctx, id)
		}
		reply := serveOne(ctx, worker, msg.Subject, msg.Data, q.log)
		data, err := json.Marshal(reply)
		if err != nil {
			q.log.ErrorContext(ctx, "marshal exec reply", "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			q.log.ErrorContext(ctx, "nats respond failed", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats serve %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func serveOne(ctx context.Context, worker domainworker.Worker, subject string, data []byte, log *slog.Logger) messagequeue.CommandExecReply {
	if err := messagequeue.Validate(subject, data); err != nil {
		return messagequeue.CommandExecReply{Error: "invalid exec request: " + err.Error()}
	}
	var req messagequeue.CommandExecPayload
	if err := json.Unmarshal(data, &req); err != nil {
		return messagequeue.CommandExecReply{Error: "invalid exec request: " + err.Error()}
	}
	payload, err := finance.ValidatePayload(req.Domain, req.Payload)
	if err != nil {
		return messagequeue.CommandExecReply{Error: "invalid_finance_payload"}
	}

	res, err := worker.Execute(ctx, domainworker.Request{OrgID: req.OrgID, Payload: payload, Record: recordFor(req)})
	if err != nil {
		log.WarnContext(ctx, "remote command failed", "command_id", req.CommandID, "domain", req.Domain, "error", err)
		return messagequeue.CommandExecReply{Error: err.Error()}
	}
	out, err := json.Marshal(res)
	if err != nil {
		return messagequeue.CommandExecReply{Error: "marshal result: " + err.Error()}
	}
	return messagequeue.CommandExecReply{Result: out}
}

// recordFor rebuilds the parts of a claimed record a remote worker can see.
func recordFor(req messagequeue.CommandExecPayload) command.Record {
	var r command.Record
	r.Command.ID = req.CommandID
	r.Command.OrgID = req.OrgID
	r.Command.SessionID = req.SessionID
	r.Command.CommandType = req.CommandType
	r.Command.Payload = req.Payload
	r.Command.Envelope.Domain = req.Domain
	r.Command.Envelope.CommandType = req.CommandType
	r.Command.Envelope.Worker = command.WorkerDomain
	r.Command.Envelope.Payload = req.Payload
	r.Job.ID = req.JobID
	r.Job.OrgID = req.OrgID
	r.Job.CommandID = req.CommandID
	r.Job.Worker = command.WorkerDomain
	r.Job.Attempts = req.Attempts
	return r
}
