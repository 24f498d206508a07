package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("dispatch pool closed")

// Runner executes a job.
type Runner interface {
	Run(ctx context.Context, req Request) (*Batch, error)
}

// Observer is told about every finished job.
type Observer interface {
	JobDone(ctx context.Context, req Request, b *Batch, err error)
}

// Future is the pending result of a submitted job.
type Future struct {
	// BatchID identifies the job in logs and in its Batch.
	BatchID string

	done  chan struct{}
	batch *Batch
	err   error
}

// Done is closed once the job has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the job finishes or ctx is done. The job keeps running
// when ctx ends first.
func (f *Future) Wait(ctx context.Context) (*Batch, error) {
	select {
	case <-f.done:
		return f.batch, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(b *Batch, err error) {
	f.batch, f.err = b, err
	close(f.done)
}

type task struct {
	req Request
	fut *Future
}

// Pool runs jobs on a fixed number of goroutines fed from a bounded queue.
// Jobs run on the pool's context, not on the context of whoever submitted
// them.
type Pool struct {
	runner    Runner
	observers []Observer
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan task
	wg     sync.WaitGroup

	// closing is closed first thing in Close so that blocked Submits let go
	// of mu.
	closing   chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines reading a queue of queueSize jobs.
func NewPool(runner Runner, workers, queueSize int, log *slog.Logger, observers ...Observer) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		runner:    runner,
		observers: observers,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan task, queueSize),
		closing:   make(chan struct{}),
	}
	for i := range workers {
		p.wg.Add(1)
		go p.work(i)
	}
	return p
}

// Submit queues req and returns its Future. It blocks while the queue is
// full, until ctx is done.
func (p *Pool) Submit(ctx context.Context, req Request) (*Future, error) {
	if req.BatchID == "" {
		req.BatchID = uuid.NewString()
	}
	fut := &Future{BatchID: req.BatchID, done: make(chan struct{})}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	select {
	case p.queue <- task{req: req, fut: fut}:
		p.log.Debug("dispatch queued", "batch", req.BatchID, "template", req.Template, "event", req.Event, "participant", req.Participant)
		return fut, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closing:
		return nil, ErrPoolClosed
	}
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for t := range p.queue {
		if p.ctx.Err() != nil {
			t.fut.resolve(nil, ErrPoolClosed)
			continue
		}
		start := time.Now()
		b, err := p.runner.Run(p.ctx, t.req)
		t.fut.resolve(b, err)

		if err != nil {
			p.log.Error("dispatch failed", "worker", id, "batch", t.req.BatchID, "error", err)
		} else {
			sent, failed := b.Counts()
			p.log.Info("dispatch finished", "worker", id, "batch", t.req.BatchID, "mode", b.Mode, "sent", sent, "failed", failed, "elapsed", time.Since(start).Round(time.Millisecond))
		}
		for _, o := range p.observers {
			o.JobDone(p.ctx, t.req, b, err)
		}
	}
}

// Close stops accepting jobs and waits for queued ones to finish. When ctx
// ends first, running jobs are cancelled and queued ones fail with
// ErrPoolClosed.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.closing) })
	stop := context.AfterFunc(ctx, p.cancel)
	defer stop()

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
