package workerpool

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"voxeld/internal/project"
	"voxeld/internal/queue"
	"voxeld/internal/rpc"
)

type recordingSink struct {
	mu   sync.Mutex
	resp map[uint64][]*rpc.Response
}

func newRecordingSink() *recordingSink {
	return &recordingSink{resp: make(map[uint64][]*rpc.Response)}
}

func (s *recordingSink) Deliver(clientID uint64, resp *rpc.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resp[clientID] = append(s.resp[clientID], resp)
}

func (s *recordingSink) count(clientID uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resp[clientID])
}

func newTestDispatcher() *rpc.Dispatcher {
	d := rpc.NewDispatcher()
	rpc.RegisterBuiltins(d, "test", nil)
	return d
}

func TestPoolProcessesEnqueuedJobs(t *testing.T) {
	q := queue.New(queue.Options{MaxSize: 16})
	lock := project.New(time.Second, 5*time.Millisecond)
	d := newTestDispatcher()
	sink := newRecordingSink()

	p := New(2, q, lock, d, sink, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	raw, _ := json.Marshal(rpc.Request{JSONRPC: "2.0", Method: "ping", ID: json.RawMessage("1")})
	_, err := q.Enqueue(Job{Raw: raw}, 7, queue.Normal, 0)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for sink.count(7) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count(7) != 1 {
		t.Fatalf("expected 1 response delivered, got %d", sink.count(7))
	}

	q.Shutdown()
	p.Wait()
}

func TestPoolStatsReflectsWorkerCount(t *testing.T) {
	q := queue.New(queue.Options{MaxSize: 4})
	lock := project.New(time.Second, 5*time.Millisecond)
	d := newTestDispatcher()
	sink := newRecordingSink()

	p := New(3, q, lock, d, sink, nil, nil, nil)
	stats := p.Stats()
	if stats.Workers != 3 {
		t.Fatalf("expected 3 workers, got %d", stats.Workers)
	}
	if stats.Idle != 3 {
		t.Fatalf("expected all workers idle before Start, got %d", stats.Idle)
	}
}

func TestPoolShutdownStopsWorkers(t *testing.T) {
	q := queue.New(queue.Options{MaxSize: 4})
	lock := project.New(time.Second, 5*time.Millisecond)
	d := newTestDispatcher()
	sink := newRecordingSink()

	p := New(2, q, lock, d, sink, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	q.Shutdown()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("workers did not stop after queue shutdown")
	}
}
