package queue

import (
	"sync"
	"testing"
	"time"
)

func TestFIFOOrdering(t *testing.T) {
	q := New(Options{MaxSize: 10})
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(i, 1, Normal, 0); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		r, ok := q.Dequeue(0)
		if !ok {
			t.Fatalf("dequeue %d: empty", i)
		}
		if r.Payload.(int) != i {
			t.Fatalf("expected FIFO order, got %v at position %d", r.Payload, i)
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := New(Options{MaxSize: 10, PriorityMode: true})
	q.Enqueue("A", 1, Low, 0)
	q.Enqueue("B", 1, High, 0)
	q.Enqueue("C", 1, Normal, 0)

	var order []string
	for i := 0; i < 3; i++ {
		r, ok := q.Dequeue(0)
		if !ok {
			t.Fatalf("dequeue: empty")
		}
		order = append(order, r.Payload.(string))
	}
	want := []string{"B", "C", "A"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestPriorityTiesAreFIFO(t *testing.T) {
	q := New(Options{MaxSize: 10, PriorityMode: true})
	q.Enqueue(1, 1, Normal, 0)
	q.Enqueue(2, 1, Normal, 0)
	q.Enqueue(3, 1, Normal, 0)

	for _, want := range []int{1, 2, 3} {
		r, _ := q.Dequeue(0)
		if r.Payload.(int) != want {
			t.Fatalf("expected %d, got %v", want, r.Payload)
		}
	}
}

func TestEnqueueFullLeavesSizeUnchanged(t *testing.T) {
	q := New(Options{MaxSize: 2})
	q.Enqueue(1, 1, Normal, 0)
	q.Enqueue(2, 1, Normal, 0)

	before := q.Len()
	_, err := q.Enqueue(3, 1, Normal, 0)
	if err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if q.Len() != before {
		t.Fatalf("size changed on rejected enqueue: before=%d after=%d", before, q.Len())
	}
}

func TestOverflowAbsorbsExcess(t *testing.T) {
	q := New(Options{MaxSize: 1, OverflowMaxSize: 1})
	if _, err := q.Enqueue(1, 1, Normal, 0); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if _, err := q.Enqueue(2, 1, Normal, 0); err != nil {
		t.Fatalf("enqueue 2 should use overflow: %v", err)
	}
	if _, err := q.Enqueue(3, 1, Normal, 0); err != ErrFull {
		t.Fatalf("expected overflow exhausted -> ErrFull, got %v", err)
	}
}

func TestHandleTimeouts(t *testing.T) {
	base := time.Now()
	clock := base
	q := New(Options{MaxSize: 10, Now: func() time.Time { return clock }})

	q.Enqueue("expires", 1, Normal, 10) // 10ms timeout
	q.Enqueue("stays", 1, Normal, 0)    // no timeout

	clock = base.Add(50 * time.Millisecond)
	n := q.HandleTimeouts()
	if n != 1 {
		t.Fatalf("expected 1 timed-out request, got %d", n)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 request left, got %d", q.Len())
	}

	r, ok := q.Dequeue(0)
	if !ok || r.Payload.(string) != "stays" {
		t.Fatalf("expected remaining request to be 'stays', got %+v ok=%v", r, ok)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(Options{MaxSize: 10})

	done := make(chan *Request, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r, ok := q.Dequeue(0)
		if ok {
			done <- r
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue("x", 1, Normal, 0)

	select {
	case r := <-done:
		if r.Payload.(string) != "x" {
			t.Fatalf("unexpected payload: %v", r.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for dequeue")
	}
	wg.Wait()
}

func TestShutdownWakesWaiters(t *testing.T) {
	q := New(Options{MaxSize: 10})

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue(0)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Shutdown()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected Dequeue to return false after shutdown with empty queue")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for shutdown wakeup")
	}
}

func TestCancelRemovesQueuedRequest(t *testing.T) {
	q := New(Options{MaxSize: 10})
	r, _ := q.Enqueue("x", 1, Normal, 0)
	if !q.Cancel(r.RequestID) {
		t.Fatalf("expected cancel to succeed")
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue empty after cancel, got %d", q.Len())
	}
}
