// Package quic carries bus messages as QUIC datagrams (RFC 9221).
// Datagrams are natively unordered, unreliable, and size-limited, so this
// implementation maps onto the bus contract without any adaptation layer.
// The payload budget is correspondingly small; the tunnel's chunking logic
// picks it up via MaxPayload.
package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/robit-man/hydra-sub001/pkg/bus"
)

const (
	alpn = "hydra-relay"
	// keeps the JSON frame (base64 expansion included) under the usual
	// 1252-byte datagram budget
	defaultMaxPayload = 750
)

// Listener accepts QUIC connections and routes datagrams between attached
// peers and the local handler. It implements bus.Bus for the relay engine.
type Listener struct {
	log        *zap.Logger
	ln         *quicgo.Listener
	maxPayload int

	mu     sync.Mutex
	conns  map[bus.Address]quicgo.Connection
	h      bus.Handler
	cancel context.CancelFunc
}

// Listen starts a datagram listener with an ephemeral self-signed
// certificate. Peer identity is announced by the first frame a client sends.
func Listen(log *zap.Logger, addr string) (*Listener, error) {
	if log == nil { log = zap.NewNop() }
	tlsConf, err := serverTLS()
	if err != nil { return nil, err }
	ln, err := quicgo.ListenAddr(addr, tlsConf, &quicgo.Config{EnableDatagrams: true})
	if err != nil { return nil, err }
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		log:        log,
		ln:         ln,
		maxPayload: defaultMaxPayload,
		conns:      make(map[bus.Address]quicgo.Connection),
		cancel:     cancel,
	}
	go l.acceptLoop(ctx)
	return l, nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			return
		}
		go l.recvLoop(ctx, conn)
	}
}

func (l *Listener) recvLoop(ctx context.Context, conn quicgo.Connection) {
	var peer bus.Address
	defer func() {
		if peer != "" {
			l.mu.Lock()
			if l.conns[peer] == conn {
				delete(l.conns, peer)
			}
			l.mu.Unlock()
			l.log.Info("peer detached", zap.String("peer", string(peer)))
		}
	}()
	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		var f bus.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue // not ours; drop
		}
		if peer == "" && f.From != "" {
			peer = f.From
			l.mu.Lock()
			l.conns[peer] = conn
			l.mu.Unlock()
			l.log.Info("peer attached", zap.String("peer", string(peer)))
		}
		if len(f.Data) == 0 {
			continue // bare hello
		}
		l.mu.Lock()
		h := l.h
		l.mu.Unlock()
		if h != nil {
			h(f.From, f.Data)
		}
	}
}

func (l *Listener) Send(_ context.Context, to bus.Address, payload []byte) error {
	if len(payload) > l.maxPayload {
		return bus.ErrTooLarge
	}
	l.mu.Lock()
	conn := l.conns[to]
	l.mu.Unlock()
	if conn == nil {
		return bus.ErrNotConnected
	}
	data, err := json.Marshal(bus.Frame{To: to, Data: payload})
	if err != nil { return err }
	return conn.SendDatagram(data)
}

func (l *Listener) Handle(h bus.Handler) {
	l.mu.Lock()
	l.h = h
	l.mu.Unlock()
}

func (l *Listener) MaxPayload() int { return l.maxPayload }

func (l *Listener) Close() error {
	l.cancel()
	return l.ln.Close()
}

// Client is the tunnel-side attachment over a single QUIC connection.
type Client struct {
	log        *zap.Logger
	self       bus.Address
	conn       quicgo.Connection
	maxPayload int

	mu     sync.Mutex
	h      bus.Handler
	cancel context.CancelFunc
}

// Dial connects to a relay listener and announces the local address with a
// bare hello frame so return traffic can find this peer.
func Dial(ctx context.Context, log *zap.Logger, addr string, self bus.Address) (*Client, error) {
	if log == nil { log = zap.NewNop() }
	tlsConf := &tls.Config{
		InsecureSkipVerify: true, // relay identity is not part of this layer
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quicgo.DialAddr(ctx, addr, tlsConf, &quicgo.Config{EnableDatagrams: true})
	if err != nil { return nil, err }
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{log: log, self: self, conn: conn, maxPayload: defaultMaxPayload, cancel: cancel}
	hello, _ := json.Marshal(bus.Frame{From: self})
	if err := conn.SendDatagram(hello); err != nil {
		cancel()
		_ = conn.CloseWithError(0, "hello failed")
		return nil, err
	}
	go c.recvLoop(cctx)
	return c, nil
}

func (c *Client) recvLoop(ctx context.Context) {
	for {
		data, err := c.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		var f bus.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
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
	data, err := json.Marshal(bus.Frame{To: to, From: c.self, Data: payload})
	if err != nil { return err }
	return c.conn.SendDatagram(data)
}

func (c *Client) Handle(h bus.Handler) {
	c.mu.Lock()
	c.h = h
	c.mu.Unlock()
}

func (c *Client) MaxPayload() int { return c.maxPayload }

func (c *Client) Close() error {
	c.cancel()
	return c.conn.CloseWithError(0, "closing")
}

func serverTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil { return nil, err }
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "hydra-relay"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil { return nil, err }
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
