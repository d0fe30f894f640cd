// Package outq schedules the relay server's outbound envelopes. Control
// traffic (begins, ends, resend notices, unary responses) preempts bulk
// chunk traffic, and bulk flows share the link round-robin so one huge
// response cannot starve the others.
package outq

import (
	"context"
	"sync"

	"github.com/robit-man/hydra-sub001/pkg/bus"
)

// Class is a scheduling class. Control beats Bulk strictly.
type Class int

const (
	Control Class = iota
	Bulk
	numClasses
)

// Item is one envelope awaiting transmission. Flow groups items that
// belong to the same response stream; DRR rotates between flows.
type Item struct {
	To      bus.Address
	Payload []byte
	Class   Class
	Flow    string
}

type flow struct {
	q       []Item
	deficit int
}

type level struct {
	flows   map[string]*flow
	order   []string
	idx     int
	quantum int
}

func (l *level) push(it Item) {
	f := l.flows[it.Flow]
	if f == nil {
		f = &flow{}
		l.flows[it.Flow] = f
		l.order = append(l.order, it.Flow)
	}
	f.q = append(f.q, it)
}

// pop applies deficit round robin across the level's flows.
func (l *level) pop() (Item, bool) {
	n := len(l.order)
	for pass := 0; pass < 2; pass++ {
		for i := 0; i < n; i++ {
			j := (l.idx + i) % n
			f := l.flows[l.order[j]]
			if f == nil || len(f.q) == 0 {
				continue
			}
			if f.deficit <= 0 {
				f.deficit += l.quantum
			}
			sz := len(f.q[0].Payload)
			if sz > f.deficit && pass == 0 {
				continue
			}
			it := f.q[0]
			copy(f.q, f.q[1:])
			f.q = f.q[:len(f.q)-1]
			f.deficit -= sz
			l.idx = (j + 1) % n
			if len(f.q) == 0 {
				f.deficit = 0
			}
			return it, true
		}
	}
	return Item{}, false
}

// Queue is a strict-priority multi-level queue, DRR within a level.
type Queue struct {
	mu     sync.Mutex
	lvls   [numClasses]*level
	notify chan struct{}
	closed bool
}

func New() *Queue {
	q := &Queue{notify: make(chan struct{}, 1)}
	q.lvls[Control] = &level{flows: make(map[string]*flow), quantum: 2048}
	q.lvls[Bulk] = &level{flows: make(map[string]*flow), quantum: 32768}
	return q
}

// Push enqueues an item. Items pushed after Close are dropped.
func (q *Queue) Push(it Item) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.lvls[it.Class].push(it)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until an item is available or ctx ends.
func (q *Queue) Pop(ctx context.Context) (Item, bool) {
	for {
		q.mu.Lock()
		for c := 0; c < int(numClasses); c++ {
			if it, ok := q.lvls[c].pop(); ok {
				q.mu.Unlock()
				return it, true
			}
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Item{}, false
		}
		select {
		case <-ctx.Done():
			return Item{}, false
		case <-q.notify:
		}
	}
}

// Close wakes any blocked Pop once the backlog drains.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len reports the total queued item count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for c := 0; c < int(numClasses); c++ {
		for _, f := range q.lvls[c].flows {
			n += len(f.q)
		}
	}
	return n
}
