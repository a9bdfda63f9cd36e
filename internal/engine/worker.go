package engine

import (
	"context"
	"log/slog"
	"sync"
)

// WorkerPool bounds how many executions run concurrently. The slot is
// acquired inside the spawned goroutine so a running execution that submits
// follow-up work (a subworkflow child, a resume) can never deadlock the pool.
type WorkerPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{sem: make(chan struct{}, size), logger: logger}
}

// Submit schedules fn to run once a pool slot frees up. The context only
// bounds the wait for a slot; fn itself is not interrupted.
func (p *WorkerPool) Submit(ctx context.Context, fn func()) error {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			p.logger.Warn("worker submission abandoned before a slot freed", "error", ctx.Err())
			return
		}
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker panicked", "panic", r)
			}
			<-p.sem
		}()
		fn()
	}()
	return nil
}

// Wait blocks until all submitted work has finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
