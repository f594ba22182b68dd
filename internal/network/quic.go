package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"slurmgo/internal/logging"
)

const (
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	acceptQueue          = 256
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

type quicStream struct {
	stream *quic.Stream
	remote string
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.stream.Write(p) }
func (s *quicStream) SetDeadline(t time.Time) error {
	return s.stream.SetDeadline(t)
}
func (s *quicStream) RemoteAddr() string { return s.remote }

func (s *quicStream) Close() error {
	s.stream.CancelRead(0)
	return s.stream.Close()
}

// QUICDialer opens one stream per exchange over a pooled connection.
type QUICDialer struct {
	tlsConf *tls.Config
	pool    *clientPool
}

func NewQUICDialer(opts TLSOptions, log *zap.Logger) (*QUICDialer, error) {
	tlsConf, err := ClientTLSConfig(opts)
	if err != nil {
		return nil, err
	}
	return &QUICDialer{tlsConf: tlsConf, pool: newClientPool(clientConnIdle, logging.OrNop(log))}, nil
}

func (d *QUICDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	conn, err := d.pool.get(ctx, addr, d.tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		if at, ok := d.pool.establishedAt(addr); ok {
			d.pool.log.Debug("quic open stream failed", zap.String("addr", addr), zap.Duration("conn_age", time.Since(at)), zap.Error(err))
		}
		d.pool.drop(addr, conn, "open stream failed")
		return nil, err
	}
	return &quicStream{stream: stream, remote: addr}, nil
}

func (d *QUICDialer) Close() {
	d.pool.closeAll()
}

type ListenOptions struct {
	MaxConnsPerHost int
	Logger          *zap.Logger
}

// QUICListener turns every accepted stream of every connection into a Conn.
type QUICListener struct {
	ln      *quic.Listener
	streams chan Conn
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *ipLimiter
	log     *zap.Logger

	mu  sync.Mutex
	err error
}

func ListenQUIC(addr string, opts TLSOptions, lopts ListenOptions) (*QUICListener, error) {
	tlsConf, err := ServerTLSConfig(opts)
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICListener{
		ln:      ln,
		streams: make(chan Conn, acceptQueue),
		ctx:     ctx,
		cancel:  cancel,
		limiter: newIPLimiter(lopts.MaxConnsPerHost, 0),
		log:     logging.OrNop(lopts.Logger),
	}
	go l.acceptConns()
	return l, nil
}

func (l *QUICListener) acceptConns() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.log.Warn("quic accept error", zap.Error(err))
				l.mu.Lock()
				l.err = err
				l.mu.Unlock()
				l.cancel()
			}
			return
		}
		remote := conn.RemoteAddr().String()
		host := HostOf(remote)
		if !l.limiter.acquireConn(host) {
			l.log.Debug("quic conn over limit", zap.String("remote", remote))
			_ = conn.CloseWithError(0, "too many connections")
			continue
		}
		go l.acceptStreams(conn, host, remote)
	}
}

func (l *QUICListener) acceptStreams(conn *quic.Conn, host, remote string) {
	defer l.limiter.releaseConn(host)
	for {
		stream, err := conn.AcceptStream(l.ctx)
		if err != nil {
			return
		}
		c := &quicStream{stream: stream, remote: remote}
		select {
		case l.streams <- c:
		case <-l.ctx.Done():
			_ = c.Close()
			return
		}
	}
}

func (l *QUICListener) Accept() (Conn, error) {
	select {
	case c := <-l.streams:
		return c, nil
	case <-l.ctx.Done():
		l.mu.Lock()
		err := l.err
		l.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return nil, ErrClosed
	}
}

func (l *QUICListener) Close() error {
	l.cancel()
	return l.ln.Close()
}

func (l *QUICListener) Addr() string {
	return l.ln.Addr().String()
}
