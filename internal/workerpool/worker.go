// Package workerpool implements the fixed-size worker pool: each worker
// pulls one job at a time off the priority queue, serializes it through
// the project lock, invokes the dispatched JSON-RPC handler, and hands
// the result back to the transport layer. The state machine
// (Idle/Busy/Draining/Dead) and the pool's scale/drain bookkeeping are
// adapted from the app server's PHP worker pool; the worker body is
// replaced end to end since there is no subprocess here — the "work" is
// an in-process handler call guarded by the project lock.
package workerpool

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"voxeld/internal/engine"
	"voxeld/internal/project"
	"voxeld/internal/queue"
	"voxeld/internal/rpc"
)

// Recorder receives live instrumentation from each worker. The daemon
// wires this to internal/metrics; tests may leave it nil.
type Recorder interface {
	IncRequest(method, outcome string)
	ObserveLockWait(seconds float64)
}

// State mirrors the app server's WorkerState enum, generalized to an
// in-process handler call instead of a PHP subprocess request.
type State int

const (
	Idle State = iota
	Busy
	Draining
	Dead
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Draining:
		return "draining"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Job is what the transport layer enqueues as a queue.Request's Payload.
type Job struct {
	Raw json.RawMessage
}

// Sink delivers a completed response back to its originating client.
// The transport layer implements this over its connection registry.
type Sink interface {
	Deliver(clientID uint64, resp *rpc.Response)
}

// Worker owns no resources of its own beyond its state; all shared
// state (queue, lock, dispatcher) is injected so many workers can run
// concurrently against the same engine.
type Worker struct {
	id         int
	queue      *queue.Queue
	lock       *project.Lock
	dispatcher *rpc.Dispatcher
	sink       Sink
	log        *zap.Logger
	eng        engine.Context
	rec        Recorder

	stateMu sync.RWMutex
	state   State

	processed uint64
	failed    uint64
}

func newWorker(id int, q *queue.Queue, lock *project.Lock, d *rpc.Dispatcher, sink Sink, log *zap.Logger, eng engine.Context, rec Recorder) *Worker {
	return &Worker{id: id, queue: q, lock: lock, dispatcher: d, sink: sink, log: log, eng: eng, rec: rec, state: Idle}
}

func (w *Worker) State() State {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.stateMu.Lock()
	w.state = s
	w.stateMu.Unlock()
}

func (w *Worker) startDraining() {
	w.stateMu.Lock()
	if w.state != Dead {
		w.state = Draining
	}
	w.stateMu.Unlock()
}

func (w *Worker) isDraining() bool {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.state == Draining
}

func (w *Worker) isDead() bool {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.state == Dead
}

// run is the worker's main loop, spawned once per worker by Pool.Start.
// It exits when Dequeue reports the queue has shut down.
func (w *Worker) run(ctx context.Context) {
	for {
		req, ok := w.queue.Dequeue(w.id)
		if !ok {
			w.setState(Dead)
			return
		}

		if w.isDraining() {
			// finish requeued/in-flight work is not possible once popped;
			// process it anyway rather than dropping an already-dequeued job.
		}

		w.setState(Busy)
		w.process(ctx, req)
		if w.isDraining() {
			w.setState(Dead)
			return
		}
		w.setState(Idle)
	}
}

func (w *Worker) process(ctx context.Context, req *queue.Request) {
	job, ok := req.Payload.(Job)
	if !ok {
		return
	}
	method := extractMethod(job.Raw)

	waitStart := time.Now()
	release, err := w.lock.Acquire(ctx)
	if w.rec != nil {
		w.rec.ObserveLockWait(time.Since(waitStart).Seconds())
	}
	if err != nil {
		atomic.AddUint64(&w.failed, 1)
		req.Status = queue.Failed
		req.CompleteTime = time.Now()
		if w.rec != nil {
			w.rec.IncRequest(method, queue.Failed.String())
		}
		w.sink.Deliver(req.ClientID, &rpc.Response{
			JSONRPC: rpc.Version,
			Error:   &rpc.Error{Code: rpc.CodeInternalError, Message: "project busy"},
			ID:      extractID(job.Raw),
		})
		return
	}
	defer release()

	env := rpc.HandlerEnv{WorkerID: w.id, ClientID: req.ClientID, Engine: w.eng}

	callCtx := ctx
	var cancel context.CancelFunc
	if req.TimeoutMS > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	resp := w.dispatcher.Dispatch(callCtx, env, job.Raw)

	req.CompleteTime = time.Now()
	switch {
	case callCtx.Err() == context.DeadlineExceeded:
		req.Status = queue.Timeout
	case resp != nil && resp.Error != nil:
		req.Status = queue.Failed
	default:
		req.Status = queue.Completed
	}
	if w.rec != nil {
		w.rec.IncRequest(method, req.Status.String())
	}

	if resp == nil {
		// notification: no response to deliver
		atomic.AddUint64(&w.processed, 1)
		return
	}
	if resp.Error != nil {
		atomic.AddUint64(&w.failed, 1)
	} else {
		atomic.AddUint64(&w.processed, 1)
	}
	w.sink.Deliver(req.ClientID, resp)
}

func extractID(raw json.RawMessage) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.ID == nil {
		return rpc.NullID
	}
	return probe.ID
}

func extractMethod(raw json.RawMessage) string {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Method == "" {
		return "unknown"
	}
	return probe.Method
}
