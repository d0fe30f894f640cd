package mem

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robit-man/hydra-sub001/pkg/bus"
)

func TestSendDeliversAsync(t *testing.T) {
	n := NewNetwork(Options{})
	a := n.Join("a")
	b := n.Join("b")

	var mu sync.Mutex
	var got []string
	b.Handle(func(from bus.Address, payload []byte) {
		mu.Lock()
		got = append(got, string(from)+":"+string(payload))
		mu.Unlock()
	})

	if err := a.Send(context.Background(), "b", []byte("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(got) == 1
		mu.Unlock()
		if done {
			if got[0] != "a:hi" {
				t.Fatalf("delivered %q", got[0])
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("message never delivered")
}

func TestSendCanceledContextFails(t *testing.T) {
	n := NewNetwork(Options{})
	a := n.Join("a")
	b := n.Join("b")

	delivered := make(chan struct{}, 1)
	b.Handle(func(bus.Address, []byte) { delivered <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Send(ctx, "b", []byte("late")); err == nil {
		t.Fatalf("send with canceled context must fail")
	}
	select {
	case <-delivered:
		t.Fatalf("canceled send still delivered")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSendOversizeRejected(t *testing.T) {
	n := NewNetwork(Options{MaxPayload: 8})
	a := n.Join("a")
	n.Join("b")

	err := a.Send(context.Background(), "b", []byte("way past the limit"))
	if !errors.Is(err, bus.ErrTooLarge) {
		t.Fatalf("want ErrTooLarge, got %v", err)
	}
}

func TestSendUnknownPeer(t *testing.T) {
	n := NewNetwork(Options{})
	a := n.Join("a")

	err := a.Send(context.Background(), "nobody", []byte("x"))
	if !errors.Is(err, bus.ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
}
