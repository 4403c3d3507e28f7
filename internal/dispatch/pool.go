package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/relaycore-project/relaycore/internal/util"
)

const (
	// DefaultWorkers is the number of dispatch goroutines.
	DefaultWorkers = 8

	// DefaultQueueSize bounds the work waiting for a free worker.
	DefaultQueueSize = 1024
)

// Job is one unit of dispatch work.
type Job func(ctx context.Context)

// PoolStats are cumulative worker pool counters.
type PoolStats struct {
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Dropped   uint64 `json:"dropped"`
	Completed uint64 `json:"completed"`
	Panics    uint64 `json:"panics"`
}

// WorkerPool runs jobs on a fixed set of goroutines fed by a bounded queue.
// Submit never blocks, so the receive loop can hand work off safely.
type WorkerPool struct {
	workers int
	queue   chan Job
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Uint64
	dropped   atomic.Uint64
	completed atomic.Uint64
	panics    atomic.Uint64
}

// NewWorkerPool creates a pool. Non-positive sizes select the defaults.
func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &WorkerPool{
		workers: workers,
		queue:   make(chan Job, queueSize),
		logger:  util.ComponentLogger("dispatch"),
	}
}

// Start launches the workers. Jobs receive ctx.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	p.logger.Info().Int("workers", p.workers).Int("queue", cap(p.queue)).Msg("worker pool started")
}

// Run starts the pool, waits for ctx to be cancelled, then drains it.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.Start(ctx)
	<-ctx.Done()
	p.Stop()
	return nil
}

// Submit queues job. It returns false when the queue is full or the pool is
// stopped; the job is dropped in that case.
func (p *WorkerPool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.dropped.Add(1)
		return false
	}
	select {
	case p.queue <- job:
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Stop rejects new jobs and waits for queued ones to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info().Uint64("completed", p.completed.Load()).Msg("worker pool stopped")
}

// Stats returns the pool counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Dropped:   p.dropped.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}

func (p *WorkerPool) work(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.queue {
		p.run(ctx, job)
	}
}

func (p *WorkerPool) run(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error().Interface("panic", r).Msg("job panicked")
		}
		p.completed.Add(1)
	}()
	job(ctx)
}
