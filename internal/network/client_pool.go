package network

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

const clientConnIdle = 30 * time.Second

type pooledConn struct {
	conn        *quic.Conn
	lastUsed    time.Time
	established time.Time
}

// clientPool keeps one QUIC connection per peer address. Exchanges open a
// fresh stream on it.
type clientPool struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	idleAfter time.Duration
	log       *zap.Logger
}

func newClientPool(idleAfter time.Duration, log *zap.Logger) *clientPool {
	if idleAfter <= 0 {
		idleAfter = clientConnIdle
	}
	return &clientPool{
		conns:     make(map[string]*pooledConn),
		idleAfter: idleAfter,
		log:       log,
	}
}

func (p *clientPool) get(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			p.mu.Unlock()
			return conn, nil
		}
		delete(p.conns, addr)
		conn := ent.conn
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "stale")
	} else {
		p.mu.Unlock()
	}
	p.log.Debug("quic dial", zap.String("addr", addr))
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn.Context().Err() == nil {
		// lost a dial race; keep the first connection
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "duplicate")
		return ent.conn, nil
	}
	p.conns[addr] = &pooledConn{conn: conn, lastUsed: now, established: now}
	p.mu.Unlock()
	return conn, nil
}

func (p *clientPool) drop(addr string, conn *quic.Conn, reason string) {
	if p == nil || addr == "" || conn == nil {
		return
	}
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn == conn {
		delete(p.conns, addr)
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

func (p *clientPool) establishedAt(addr string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ent, ok := p.conns[addr]
	if !ok {
		return time.Time{}, false
	}
	return ent.established, true
}

func (p *clientPool) closeAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "shutdown")
	}
}
