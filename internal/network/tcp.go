package network

import (
	"context"
	"errors"
	"net"
	"time"
)

// TCPDialer opens a plain TCP connection per exchange.
type TCPDialer struct {
	Timeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: keepAlivePeriod}
	c, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return tcpConn{Conn: c}, nil
}

type tcpConn struct {
	net.Conn
}

func (c tcpConn) RemoteAddr() string {
	return c.Conn.RemoteAddr().String()
}

type TCPListener struct {
	ln      net.Listener
	limiter *ipLimiter
}

func ListenTCP(addr string, lopts ListenOptions) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln, limiter: newIPLimiter(lopts.MaxConnsPerHost, 0)}, nil
}

func (l *TCPListener) Accept() (Conn, error) {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, err
		}
		host := HostOf(c.RemoteAddr().String())
		if !l.limiter.acquireConn(host) {
			_ = c.Close()
			continue
		}
		return &limitedTCPConn{tcpConn: tcpConn{Conn: c}, host: host, limiter: l.limiter}, nil
	}
}

func (l *TCPListener) Close() error {
	return l.ln.Close()
}

func (l *TCPListener) Addr() string {
	return l.ln.Addr().String()
}

type limitedTCPConn struct {
	tcpConn
	host     string
	limiter  *ipLimiter
	released bool
}

func (c *limitedTCPConn) Close() error {
	if !c.released {
		c.released = true
		c.limiter.releaseConn(c.host)
	}
	return c.tcpConn.Close()
}
