// Package mem provides an in-process bus for tests and single-binary
// embedding. It models the overlay honestly: delivery is asynchronous and
// can be configured to drop, duplicate, or delay individual messages.
package mem

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/robit-man/hydra-sub001/pkg/bus"
)

// Verdict is the fate an interceptor assigns to one message.
type Verdict int

const (
	Deliver Verdict = iota
	Drop
	Duplicate
)

// Intercept lets a test decide the fate of a single message before the
// probabilistic chaos settings apply.
type Intercept func(to bus.Address, payload []byte) Verdict

// Chaos configures random loss, duplication, and reordering delay.
type Chaos struct {
	DropRate float64       // probability a message is silently lost
	DupRate  float64       // probability a message is delivered twice
	MaxDelay time.Duration // uniform random delivery delay (reordering)
	Seed     int64         // 0 means time-based
}

// Options configures a Network.
type Options struct {
	MaxPayload int // per-message size limit; 0 means 64 KiB
	Chaos      Chaos
}

// Network is the shared in-process medium nodes attach to.
type Network struct {
	mu         sync.Mutex
	nodes      map[bus.Address]*Node
	maxPayload int
	chaos      Chaos
	rnd        *rand.Rand
	intercept  Intercept
}

// NewNetwork creates an empty network.
func NewNetwork(opts Options) *Network {
	mp := opts.MaxPayload
	if mp <= 0 { mp = 64 * 1024 }
	seed := opts.Chaos.Seed
	if seed == 0 { seed = time.Now().UnixNano() }
	return &Network{
		nodes:      make(map[bus.Address]*Node),
		maxPayload: mp,
		chaos:      opts.Chaos,
		rnd:        rand.New(rand.NewSource(seed)),
	}
}

// SetIntercept installs a per-message interceptor (tests only).
func (n *Network) SetIntercept(f Intercept) {
	n.mu.Lock()
	n.intercept = f
	n.mu.Unlock()
}

// Join attaches a node under the given address.
func (n *Network) Join(addr bus.Address) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	nd := &Node{net: n, addr: addr, closed: make(chan struct{})}
	n.nodes[addr] = nd
	return nd
}

func (n *Network) send(ctx context.Context, from, to bus.Address, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(payload) > n.maxPayload {
		return bus.ErrTooLarge
	}
	n.mu.Lock()
	dst := n.nodes[to]
	icp := n.intercept
	verdict := Deliver
	if icp != nil {
		verdict = icp(to, payload)
	}
	var delay time.Duration
	copies := 1
	if verdict == Deliver {
		if n.chaos.DropRate > 0 && n.rnd.Float64() < n.chaos.DropRate {
			verdict = Drop
		} else if n.chaos.DupRate > 0 && n.rnd.Float64() < n.chaos.DupRate {
			copies = 2
		}
		if n.chaos.MaxDelay > 0 {
			delay = time.Duration(n.rnd.Int63n(int64(n.chaos.MaxDelay)))
		}
	} else if verdict == Duplicate {
		copies = 2
	}
	n.mu.Unlock()

	if dst == nil {
		return bus.ErrNotConnected
	}
	if verdict == Drop {
		return nil // lost in transit; the sender cannot tell
	}
	// once accepted the message is in flight; cancellation no longer recalls it
	data := append([]byte(nil), payload...)
	for i := 0; i < copies; i++ {
		go dst.deliver(from, data, delay)
	}
	return nil
}

// Node is one attachment to the network; it implements bus.Bus.
type Node struct {
	net    *Network
	addr   bus.Address
	mu     sync.Mutex
	h      bus.Handler
	closed chan struct{}
}

func (nd *Node) Addr() bus.Address { return nd.addr }

func (nd *Node) Send(ctx context.Context, to bus.Address, payload []byte) error {
	select {
	case <-nd.closed:
		return bus.ErrNotConnected
	default:
	}
	return nd.net.send(ctx, nd.addr, to, payload)
}

func (nd *Node) Handle(h bus.Handler) {
	nd.mu.Lock()
	nd.h = h
	nd.mu.Unlock()
}

func (nd *Node) MaxPayload() int { return nd.net.maxPayload }

func (nd *Node) Close() error {
	nd.net.mu.Lock()
	delete(nd.net.nodes, nd.addr)
	nd.net.mu.Unlock()
	select {
	case <-nd.closed:
	default:
		close(nd.closed)
	}
	return nil
}

func (nd *Node) deliver(from bus.Address, payload []byte, delay time.Duration) {
	if delay > 0 {
		time.Sleep(delay)
	}
	select {
	case <-nd.closed:
		return
	default:
	}
	nd.mu.Lock()
	h := nd.h
	nd.mu.Unlock()
	if h != nil {
		h(from, payload)
	}
}
