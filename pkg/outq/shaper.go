package outq

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// TokenBucket paces bulk transmission in bytes per second.
type TokenBucket struct {
	mu       sync.Mutex
	capacity int64
	tokens   int64
	rate     int64
	last     time.Time
	clk      clock.Clock
}

func NewTokenBucket(ratePerSec, capacity int64, clk clock.Clock) *TokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	if capacity <= 0 {
		capacity = ratePerSec
	}
	return &TokenBucket{capacity: capacity, tokens: capacity, rate: ratePerSec, last: clk.Now(), clk: clk}
}

// Take consumes n tokens, returning how long the caller must wait first.
// A zero wait means the tokens were available immediately.
func (b *TokenBucket) Take(n int64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clk.Now()
	if dt := now.Sub(b.last); dt > 0 {
		b.tokens += (b.rate * dt.Nanoseconds()) / int64(time.Second)
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}
	b.tokens -= n
	if b.tokens >= 0 {
		return 0
	}
	return time.Duration((-b.tokens * int64(time.Second)) / b.rate)
}

// SendFunc transmits one scheduled payload.
type SendFunc func(ctx context.Context, it Item) error

// Sender drains a queue onto the bus, pacing bulk items through the
// bucket. Control items bypass the shaper entirely.
type Sender struct {
	q      *Queue
	bucket *TokenBucket
	send   SendFunc
	clk    clock.Clock
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewSender wires a drain loop; bucket may be nil for unshaped output.
func NewSender(q *Queue, bucket *TokenBucket, clk clock.Clock, send SendFunc) *Sender {
	if clk == nil {
		clk = clock.New()
	}
	return &Sender{q: q, bucket: bucket, send: send, clk: clk}
}

// Start launches the drain goroutine.
func (s *Sender) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop halts the drain loop and waits for it to exit. Queued items are
// abandoned; callers that need a flush should watch Queue.Len first.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.q.Close()
	s.wg.Wait()
}

func (s *Sender) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		it, ok := s.q.Pop(ctx)
		if !ok {
			return
		}
		if s.bucket != nil && it.Class == Bulk {
			if wait := s.bucket.Take(int64(len(it.Payload))); wait > 0 {
				t := s.clk.Timer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
		}
		// send errors are the transmitter's concern; the loop keeps draining
		_ = s.send(ctx, it)
	}
}
