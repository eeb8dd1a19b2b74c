package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ikanisa/lawai-sub007/internal/domain/command"
	"github.com/ikanisa/lawai-sub007/internal/logger"
	"github.com/ikanisa/lawai-sub007/internal/port/messagequeue"
)

// maxDrainBatches bounds how many full batches one tick drains before
// yielding back to the timer.
const maxDrainBatches = 100

// Poller drains the queue of one org and worker kind on a fixed interval,
// and early whenever a jobs.ready wake-up for that org arrives.
type Poller struct {
	queue    *QueueService
	mq       messagequeue.Queue
	orgID    string
	worker   command.WorkerKind
	interval time.Duration
	limit    int
	log      *slog.Logger
	wake     chan struct{}
}

// NewPoller creates a Poller. A nil logger discards.
func NewPoller(queue *QueueService, orgID string, worker command.WorkerKind, interval time.Duration, limit int, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if limit <= 0 {
		limit = 10
	}
	return &Poller{
		queue:    queue,
		orgID:    orgID,
		worker:   worker,
		interval: interval,
		limit:    limit,
		log:      logger.OrNop(log).With("org_id", orgID, "worker", string(worker)),
		wake:     make(chan struct{}, 1),
	}
}

// SetWakeups subscribes the poller to jobs.ready.<worker> on mq when it runs.
func (p *Poller) SetWakeups(mq messagequeue.Queue) { p.mq = mq }

// Wake schedules a drain as soon as the poller is idle. It never blocks.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drains once, then on every tick and wake-up until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	if p.mq != nil {
		cancel, err := p.mq.Subscribe(ctx, messagequeue.JobsReadySubject(string(p.worker)), p.onReady)
		if err != nil {
			p.log.WarnContext(ctx, "jobs ready subscription failed, polling only", "error", err)
		} else {
			defer cancel()
		}
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.InfoContext(ctx, "poller started", "interval", p.interval, "limit", p.limit)
	p.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.InfoContext(ctx, "poller stopped")
			return nil
		case <-ticker.C:
			p.drain(ctx)
		case <-p.wake:
			p.drain(ctx)
		}
	}
}

func (p *Poller) onReady(_ context.Context, _ string, data []byte) error {
	var msg messagequeue.JobReadyPayload
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if msg.OrgID == p.orgID {
		p.Wake()
	}
	return nil
}

// drain processes batches until a claim comes back short. Each tick carries
// its own request id through the logs.
func (p *Poller) drain(ctx context.Context) int {
	ctx = logger.WithRequestID(ctx, "tick-"+uuid.NewString())
	total := 0
	for range maxDrainBatches {
		if ctx.Err() != nil {
			return total
		}
		n, claimed, err := p.queue.processBatch(ctx, p.orgID, p.worker, p.limit)
		if err != nil {
			p.log.ErrorContext(ctx, "queue drain failed", "error", err)
			return total
		}
		total += n
		if claimed < p.limit {
			return total
		}
	}
	return total
}
