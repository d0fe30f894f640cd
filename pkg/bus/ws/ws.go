// Package ws carries bus messages over websocket links: one websocket text
// message per frame. The relay daemon runs a Hub; tunnel clients Dial it.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/robit-man/hydra-sub001/pkg/bus"
)

const defaultMaxPayload = 256 * 1024

// Hub accepts websocket attachments and routes frames between them and the
// local handler. It implements bus.Bus for the relay engine: Send targets
// whichever attached peer owns the destination address.
type Hub struct {
	log        *zap.Logger
	upgrader   websocket.Upgrader
	maxPayload int

	mu    sync.Mutex
	conns map[bus.Address]*wsConn
	h     bus.Handler
}

// NewHub creates a hub. maxPayload <= 0 selects the default limit.
func NewHub(log *zap.Logger, maxPayload int) *Hub {
	if maxPayload <= 0 { maxPayload = defaultMaxPayload }
	if log == nil { log = zap.NewNop() }
	return &Hub{
		log:        log,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		maxPayload: maxPayload,
		conns:      make(map[bus.Address]*wsConn),
	}
}

// ServeHTTP upgrades an attachment. The peer identifies itself with the
// `peer` query parameter; a later attachment under the same address
// replaces the earlier one.
func (hb *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peer := bus.Address(r.URL.Query().Get("peer"))
	if peer == "" {
		http.Error(w, "missing peer parameter", http.StatusBadRequest)
		return
	}
	c, err := hb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hb.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	wc := &wsConn{c: c}
	hb.mu.Lock()
	if old := hb.conns[peer]; old != nil {
		_ = old.c.Close()
	}
	hb.conns[peer] = wc
	hb.mu.Unlock()
	hb.log.Info("peer attached", zap.String("peer", string(peer)))

	go hb.readLoop(peer, wc)
}

func (hb *Hub) readLoop(peer bus.Address, wc *wsConn) {
	wc.c.SetReadLimit(int64(hb.maxPayload) + 4096)
	for {
		var f bus.Frame
		if err := wc.c.ReadJSON(&f); err != nil {
			hb.log.Info("peer detached", zap.String("peer", string(peer)), zap.Error(err))
			hb.mu.Lock()
			if hb.conns[peer] == wc {
				delete(hb.conns, peer)
			}
			hb.mu.Unlock()
			_ = wc.c.Close()
			return
		}
		hb.mu.Lock()
		h := hb.h
		hb.mu.Unlock()
		if h != nil {
			// the attachment, not the frame, is authoritative for the source
			h(peer, f.Data)
		}
	}
}

func (hb *Hub) Send(_ context.Context, to bus.Address, payload []byte) error {
	if len(payload) > hb.maxPayload {
		return bus.ErrTooLarge
	}
	hb.mu.Lock()
	wc := hb.conns[to]
	hb.mu.Unlock()
	if wc == nil {
		return bus.ErrNotConnected
	}
	return wc.writeJSON(bus.Frame{To: to, Data: payload})
}

func (hb *Hub) Handle(h bus.Handler) {
	hb.mu.Lock()
	hb.h = h
	hb.mu.Unlock()
}

func (hb *Hub) MaxPayload() int { return hb.maxPayload }

func (hb *Hub) Close() error {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	for a, wc := range hb.conns {
		_ = wc.c.Close()
		delete(hb.conns, a)
	}
	return nil
}

type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (wc *wsConn) writeJSON(v any) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.c.WriteJSON(v)
}

// Client is the tunnel-side attachment: a single websocket to a relay hub,
// redialed with backoff when it drops. Send reports ErrNotConnected while
// no link is up; callers retry per their own policy.
type Client struct {
	log        *zap.Logger
	url        string
	self       bus.Address
	maxPayload int

	mu     sync.Mutex
	conn   *wsConn
	h      bus.Handler
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial starts the client's connect loop. It returns immediately; the first
// Send may race the handshake and see ErrNotConnected.
func Dial(log *zap.Logger, url string, self bus.Address, maxPayload int) *Client {
	if maxPayload <= 0 { maxPayload = defaultMaxPayload }
	if log == nil { log = zap.NewNop() }
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		log:        log,
		url:        url,
		self:       self,
		maxPayload: maxPayload,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go c.connectLoop(ctx)
	return c
}

func (c *Client) connectLoop(ctx context.Context) {
	defer close(c.done)
	backoff := 500 * time.Millisecond
	const maxBackoff = 15 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url+"?peer="+string(c.self), nil)
		if err != nil {
			c.log.Warn("relay dial failed", zap.String("url", c.url), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff { backoff *= 2 }
			continue
		}
		backoff = 500 * time.Millisecond
		conn.SetReadLimit(int64(c.maxPayload) + 4096)
		wc := &wsConn{c: conn}
		c.mu.Lock()
		c.conn = wc
		c.mu.Unlock()
		c.log.Info("relay link up", zap.String("url", c.url))

		c.readLoop(wc)

		c.mu.Lock()
		if c.conn == wc {
			c.conn = nil
		}
		c.mu.Unlock()
	}
}

func (c *Client) readLoop(wc *wsConn) {
	for {
		var f bus.Frame
		if err := wc.c.ReadJSON(&f); err != nil {
			c.log.Warn("relay link lost", zap.Error(err))
			_ = wc.c.Close()
			return
		}
		c.mu.Lock()
		h := c.h
		c.mu.Unlock()
		if h != nil {
			h(f.From, f.Data)
		}
	}
}

func (c *Client) Send(_ context.Context, to bus.Address, payload []byte) error {
	if len(payload) > c.maxPayload {
		return bus.ErrTooLarge
	}
	c.mu.Lock()
	wc := c.conn
	c.mu.Unlock()
	if wc == nil {
		return bus.ErrNotConnected
	}
	return wc.writeJSON(bus.Frame{To: to, From: c.self, Data: payload})
}

func (c *Client) Handle(h bus.Handler) {
	c.mu.Lock()
	c.h = h
	c.mu.Unlock()
}

func (c *Client) MaxPayload() int { return c.maxPayload }

func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.c.Close()
	}
	c.mu.Unlock()
	<-c.done
	return nil
}
