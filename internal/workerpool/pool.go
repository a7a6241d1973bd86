package workerpool

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"voxeld/internal/engine"
	"voxeld/internal/project"
	"voxeld/internal/queue"
	"voxeld/internal/rpc"
)

// Stats snapshots the pool's worker state counts, for the metrics
// endpoint.
type Stats struct {
	Workers  int
	Idle     int
	Busy     int
	Draining int
	Dead     int
}

// Pool is the fixed-size worker pool that serializes every dispatched
// call through a single project lock.
type Pool struct {
	mu      sync.Mutex
	workers []*Worker

	queue      *queue.Queue
	lock       *project.Lock
	dispatcher *rpc.Dispatcher
	sink       Sink
	log        *zap.Logger
	eng        engine.Context
	rec        Recorder

	wg sync.WaitGroup

	sigOnce sync.Once
}

// New builds a Pool of the given size. Workers are not started until
// Start is called. eng is the engine context handed to every handler
// invocation via rpc.HandlerEnv; rec, if non-nil, receives live
// per-request instrumentation. Both are nil-tolerant like log.
func New(size int, q *queue.Queue, lock *project.Lock, d *rpc.Dispatcher, sink Sink, log *zap.Logger, eng engine.Context, rec Recorder) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{queue: q, lock: lock, dispatcher: d, sink: sink, log: log, eng: eng, rec: rec}
	p.workers = make([]*Worker, 0, size)
	for i := 0; i < size; i++ {
		p.workers = append(p.workers, newWorker(i, q, lock, d, sink, log, eng, rec))
	}
	return p
}

// Start launches every worker's run loop and, once per process,
// ignores SIGPIPE so a client disconnecting mid-write can never kill
// the daemon.
func (p *Pool) Start(ctx context.Context) {
	p.sigOnce.Do(func() {
		signal.Ignore(syscall.SIGPIPE)
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w := w
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}
}

// Wait blocks until every worker's run loop has returned, which
// happens once the underlying queue is shut down and drained.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// DrainAll marks every live worker as draining; each finishes its
// current job, if any, then exits once the queue reports shutdown.
func (p *Pool) DrainAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if !w.isDead() {
			w.startDraining()
		}
	}
}

// Stats reports the current worker state distribution.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	s.Workers = len(p.workers)
	for _, w := range p.workers {
		switch w.State() {
		case Idle:
			s.Idle++
		case Busy:
			s.Busy++
		case Draining:
			s.Draining++
		case Dead:
			s.Dead++
		}
	}
	return s
}

// ScaleTo grows or shrinks the pool, draining extras when shrinking.
// Workers added when growing are launched immediately with ctx, whether
// or not Start has been called.
func (p *Pool) ScaleTo(ctx context.Context, size int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := len(p.workers)
	switch {
	case size == cur:
		return
	case size < cur:
		for i := size; i < cur; i++ {
			p.workers[i].startDraining()
		}
		p.workers = p.workers[:size]
	default:
		for i := cur; i < size; i++ {
			w := newWorker(i, p.queue, p.lock, p.dispatcher, p.sink, p.log, p.eng, p.rec)
			p.workers = append(p.workers, w)
			p.wg.Add(1)
			go func(w *Worker) {
				defer p.wg.Done()
				w.run(ctx)
			}(w)
		}
	}
}
