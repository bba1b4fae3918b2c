package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mirelabs/fable/internal/store"
)

// Poller is the outbox loop: it periodically scans every session for job
// records that are pending and not yet enqueued, then either hands them to
// the queue (marking the outbox flag) or, when only the null queue is
// configured, executes them inline so development setups still make
// progress. Exactly one background goroutine runs per poller.
type Poller struct {
	store     *store.FileStore
	queue     Queue
	processor *Processor
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewPoller wires a poller. interval must be positive.
func NewPoller(st *store.FileStore, queue Queue, processor *Processor, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:     st,
		queue:     queue,
		processor: processor,
		interval:  interval,
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

// Start launches the background polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return fmt.Errorf("outbox poller already started")
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.loop(pollCtx)
	p.logger.Info("outbox poller started",
		slog.Duration("interval", p.interval),
		slog.String("queue", p.queue.Kind()),
	)
	return nil
}

// Stop shuts the loop down and waits for it to exit.
func (p *Poller) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
	p.logger.Info("outbox poller stopped")
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one scan pass over all sessions. Exposed so callers can drain
// the outbox on demand. Per-job failures are logged and do not stop the
// pass; there is no retry, a job that fails dispatch stays pending for the
// next pass and a job that fails execution stays failed.
func (p *Poller) Tick(ctx context.Context) {
	sessions, err := p.store.ListSessions()
	if err != nil {
		p.logger.ErrorContext(ctx, "outbox session scan failed", slog.String("error", err.Error()))
		return
	}

	for _, sessionID := range sessions {
		pending, err := p.store.ListPendingJobs(sessionID)
		if err != nil {
			p.logger.WarnContext(ctx, "listing pending jobs failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, job := range pending {
			if !p.tryAcquire(job.ID) {
				continue
			}
			p.dispatch(ctx, job)
			p.release(job.ID)
		}
	}
}

// dispatch routes one pending job: inline execution on the null queue,
// enqueue-and-mark otherwise.
func (p *Poller) dispatch(ctx context.Context, job *store.Job) {
	if p.queue.Kind() == "null" {
		result, err := p.processor.Process(ctx, job)
		status := store.JobCompleted
		if err != nil {
			status = store.JobFailed
			result = map[string]any{"ok": false, "error": err.Error()}
			p.logger.WarnContext(ctx, "inline job execution failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		} else {
			result = map[string]any{"ok": true, "type": job.Type, "result": result}
		}
		if err := p.store.UpdateJobStatus(job.SessionID, job.ID, status, result); err != nil {
			p.logger.WarnContext(ctx, "updating job status failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	queueID, err := p.queue.Enqueue(ctx, job)
	if err != nil {
		p.logger.WarnContext(ctx, "job enqueue failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := p.store.MarkJobEnqueued(job.SessionID, job.ID); err != nil {
		p.logger.WarnContext(ctx, "marking job enqueued failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	p.logger.InfoContext(ctx, "pending job enqueued",
		slog.String("job_id", job.ID),
		slog.String("queue_id", queueID),
	)
}

// DispatchGating routes one gating job immediately instead of waiting for
// the next tick, so a round's blockers never dangle on the poll interval.
// On the null queue the job runs inline and blocks the caller.
func (p *Poller) DispatchGating(ctx context.Context, job *store.Job) {
	if !p.tryAcquire(job.ID) {
		return
	}
	defer p.release(job.ID)
	p.dispatch(ctx, job)
}

func (p *Poller) tryAcquire(jobID string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, ok := p.inflight[jobID]; ok {
		return false
	}
	p.inflight[jobID] = struct{}{}
	return true
}

func (p *Poller) release(jobID string) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	delete(p.inflight, jobID)
}
