package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// MemNetwork is an in-process transport built on net.Pipe. Addresses are
// plain strings; nodes can be marked down to refuse dials.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
	down      map[string]bool
	dials     map[string]int
	reads     atomic.Int64
	seq       atomic.Uint64
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		listeners: make(map[string]*memListener),
		down:      make(map[string]bool),
		dials:     make(map[string]int),
	}
}

func (n *MemNetwork) Listen(addr string) (Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("mem listen %s: address in use", addr)
	}
	l := &memListener{net: n, addr: addr, conns: make(chan Conn), done: make(chan struct{})}
	n.listeners[addr] = l
	return l, nil
}

// SetDown makes dials to addr fail with ErrRefused.
func (n *MemNetwork) SetDown(addr string, down bool) {
	n.mu.Lock()
	n.down[addr] = down
	n.mu.Unlock()
}

// Dials counts dial attempts to addr, refused ones included.
func (n *MemNetwork) Dials(addr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[addr]
}

// ClientReads counts Read calls made on dialed connections.
func (n *MemNetwork) ClientReads() int64 {
	return n.reads.Load()
}

func (n *MemNetwork) Dial(ctx context.Context, addr string) (Conn, error) {
	n.mu.Lock()
	n.dials[addr]++
	l, ok := n.listeners[addr]
	down := n.down[addr]
	n.mu.Unlock()
	if !ok || down {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrRefused)
	}
	client, server := net.Pipe()
	id := n.seq.Add(1)
	sc := &memConn{Conn: server, remote: fmt.Sprintf("mem-client-%d", id)}
	select {
	case l.conns <- sc:
	case <-l.done:
		_ = client.Close()
		_ = server.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, ErrRefused)
	case <-ctx.Done():
		_ = client.Close()
		_ = server.Close()
		return nil, ctx.Err()
	}
	return &memConn{Conn: client, remote: addr, reads: &n.reads}, nil
}

type memConn struct {
	net.Conn
	remote string
	reads  *atomic.Int64
}

func (c *memConn) Read(p []byte) (int, error) {
	if c.reads != nil {
		c.reads.Add(1)
	}
	return c.Conn.Read(p)
}

func (c *memConn) RemoteAddr() string {
	return c.remote
}

type memListener struct {
	net   *MemNetwork
	addr  string
	conns chan Conn
	done  chan struct{}
	once  sync.Once
}

func (l *memListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	}
}

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.net.mu.Lock()
		if l.net.listeners[l.addr] == l {
			delete(l.net.listeners, l.addr)
		}
		l.net.mu.Unlock()
	})
	return nil
}

func (l *memListener) Addr() string {
	return l.addr
}
