// Package network carries framed messages between nodes. A Conn is one
// request/response stream; transports differ only in how streams are made.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"slurmgo/internal/proto"
)

var (
	ErrClosed  = errors.New("listener closed")
	ErrRefused = errors.New("connection refused")
)

type Conn interface {
	io.ReadWriter
	Close() error
	SetDeadline(t time.Time) error
	RemoteAddr() string
}

type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// WriteMessage writes one framed message, giving up after timeout.
func WriteMessage(c Conn, msg *proto.Message, timeout time.Duration) error {
	payload, err := proto.Pack(msg)
	if err != nil {
		return err
	}
	return WriteFrame(c, payload, timeout)
}

// WriteFrame writes an already packed message.
func WriteFrame(c Conn, payload []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = c.SetDeadline(time.Now().Add(timeout))
		defer c.SetDeadline(time.Time{})
	}
	return classify(proto.WriteFrame(c, payload))
}

// ReadMessage reads one framed message, giving up after timeout.
func ReadMessage(c Conn, timeout time.Duration) (*proto.Message, error) {
	if timeout > 0 {
		_ = c.SetDeadline(time.Now().Add(timeout))
		defer c.SetDeadline(time.Time{})
	}
	msg, err := proto.ReadMessage(c)
	return msg, classify(err)
}

func classify(err error) error {
	if err == nil || errors.Is(err, proto.ErrFormat) {
		return err
	}
	if IsTimeout(err) {
		return fmt.Errorf("%w: %w", proto.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", proto.ErrConnection, err)
}

func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// HostOf strips the port from addr.
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
