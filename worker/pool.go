package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mnemo-dev/mnemo/store"
)

// Pool runs a fixed set of workers plus a periodic stale-lock sweep.
type Pool struct {
	workers        []*Worker
	store          *store.Store
	pollInterval   time.Duration
	staleLockAfter time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates count workers sharing one base identity.
func NewPool(baseID string, count int, s *store.Store, newWorker func(id string) *Worker, pollInterval, staleLockAfter time.Duration) *Pool {
	p := &Pool{
		store:          s,
		pollInterval:   pollInterval,
		staleLockAfter: staleLockAfter,
	}
	for i := 0; i < count; i++ {
		p.workers = append(p.workers, newWorker(fmt.Sprintf("%s-%d", baseID, i)))
	}
	return p
}

// Start launches the worker loops and the sweep loop. Idempotent start is
// not supported; call once.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			p.runLoop(ctx, w)
		}(w)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweepLoop(ctx)
	}()

	slog.Info("worker pool started",
		"workers", len(p.workers), "poll_interval", p.pollInterval,
		"stale_lock_after", p.staleLockAfter)
}

// Stop cancels the loops and waits for in-flight jobs to settle.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// runLoop claims jobs until the context is cancelled. After an empty claim
// or a claim error the loop sleeps for the poll interval; after a processed
// job it polls again immediately to drain bursts.
func (p *Pool) runLoop(ctx context.Context, w *Worker) {
	for {
		processed, err := w.RunOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("claiming job failed", "worker", w.id, "error", err)
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}
}

// sweepLoop periodically returns PROCESSING rows abandoned by dead workers
// to PENDING. Attempts stay as counted at claim time.
func (p *Pool) sweepLoop(ctx context.Context) {
	if p.staleLockAfter <= 0 {
		return
	}
	ticker := time.NewTicker(p.staleLockAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.ReapStaleJobs(ctx, p.staleLockAfter)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("stale job sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				slog.Warn("requeued stale jobs", "count", n)
			}
		}
	}
}
