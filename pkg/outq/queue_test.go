package outq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robit-man/hydra-sub001/pkg/bus"
)

func TestControlPreemptsBulk(t *testing.T) {
	q := New()
	q.Push(Item{Class: Bulk, Flow: "r1", Payload: []byte("chunk")})
	q.Push(Item{Class: Bulk, Flow: "r1", Payload: []byte("chunk")})
	q.Push(Item{Class: Control, Flow: "r2", Payload: []byte("begin")})

	it, ok := q.Pop(context.Background())
	if !ok || it.Class != Control {
		t.Fatalf("control did not preempt: %+v", it)
	}
}

func TestBulkFlowsInterleave(t *testing.T) {
	q := New()
	for i := 0; i < 3; i++ {
		q.Push(Item{Class: Bulk, Flow: "a", Payload: make([]byte, 100)})
		q.Push(Item{Class: Bulk, Flow: "b", Payload: make([]byte, 100)})
	}
	var order []string
	for i := 0; i < 6; i++ {
		it, ok := q.Pop(context.Background())
		if !ok {
			t.Fatalf("queue drained early at %d", i)
		}
		order = append(order, it.Flow)
	}
	// both flows must appear within any window of three pops
	for i := 0; i+2 < len(order); i++ {
		w := order[i : i+3]
		if w[0] == w[1] && w[1] == w[2] {
			t.Fatalf("flow starved: %v", order)
		}
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New()
	got := make(chan Item, 1)
	go func() {
		it, ok := q.Pop(context.Background())
		if ok {
			got <- it
		}
	}()
	time.Sleep(10 * time.Millisecond)
	q.Push(Item{Class: Control, Flow: "x", Payload: []byte("p")})
	select {
	case it := <-got:
		if string(it.Payload) != "p" {
			t.Fatalf("wrong item: %+v", it)
		}
	case <-time.After(time.Second):
		t.Fatalf("pop never woke")
	}
}

func TestPopHonorsContext(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		done <- ok
	}()
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("pop returned an item from an empty queue")
		}
	case <-time.After(time.Second):
		t.Fatalf("pop ignored cancellation")
	}
}

func TestCloseDrainsThenStops(t *testing.T) {
	q := New()
	q.Push(Item{Class: Bulk, Flow: "a", Payload: []byte("last")})
	q.Close()

	it, ok := q.Pop(context.Background())
	if !ok || string(it.Payload) != "last" {
		t.Fatalf("backlog lost on close: %+v %v", it, ok)
	}
	if _, ok := q.Pop(context.Background()); ok {
		t.Fatalf("pop after drain returned an item")
	}
}

func TestTokenBucketPacing(t *testing.T) {
	mock := clock.NewMock()
	b := NewTokenBucket(1000, 1000, mock) // 1000 B/s, burst 1000

	if wait := b.Take(600); wait != 0 {
		t.Fatalf("burst take waited %v", wait)
	}
	if wait := b.Take(600); wait <= 0 {
		t.Fatalf("overdraft did not require waiting")
	}
	mock.Add(time.Second)
	if wait := b.Take(100); wait != 0 {
		t.Fatalf("refill did not land: wait %v", wait)
	}
}

func TestSenderDrainsQueue(t *testing.T) {
	q := New()
	var mu sync.Mutex
	var sent []string
	s := NewSender(q, nil, nil, func(_ context.Context, it Item) error {
		mu.Lock()
		sent = append(sent, string(it.Payload))
		mu.Unlock()
		return nil
	})
	s.Start()

	q.Push(Item{Class: Bulk, Flow: "r1", To: bus.Address("peer"), Payload: []byte("chunk1")})
	q.Push(Item{Class: Control, Flow: "r1", To: bus.Address("peer"), Payload: []byte("end")})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 2 {
		t.Fatalf("sent %d items, want 2", len(sent))
	}
}
