package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"slurmgo/internal/network"
	"slurmgo/internal/proto"
)

const (
	exchangeMaxRetries = 3
	exchangeRetryDelay = 100 * time.Millisecond
)

// sendError reports whether a failed exchange got its request onto the wire.
type sendError struct {
	sent bool
	err  error
}

func (e *sendError) Error() string { return e.err.Error() }
func (e *sendError) Unwrap() error { return e.err }

// delivered reports whether err happened after the request was written.
func delivered(err error) bool {
	var se *sendError
	return errors.As(err, &se) && se.sent
}

// dialAndSend connects to addr and writes payload, retrying connect and
// write failures on a fresh connection with a constant backoff.
func (c *Client) dialAndSend(ctx context.Context, addr string, payload []byte, timeout time.Duration) (network.Conn, error) {
	var lastErr error
	for attempt := 0; attempt <= exchangeMaxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.IncRetry()
			if !sleepCtx(ctx, exchangeRetryDelay) {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
		dctx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := c.dialer.Dial(dctx, addr)
		cancel()
		if err != nil {
			lastErr = err
			c.log.Debug("dial failed", zap.String("addr", addr), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if err := network.WriteFrame(conn, payload, timeout); err != nil {
			_ = conn.Close()
			lastErr = err
			c.log.Debug("send failed", zap.String("addr", addr), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return conn, nil
	}
	if lastErr == nil {
		return nil, &sendError{err: fmt.Errorf("%w: %s: %v", proto.ErrTimeout, addr, ctx.Err())}
	}
	if errors.Is(lastErr, proto.ErrConnection) {
		return nil, &sendError{err: fmt.Errorf("%s: %w", addr, lastErr)}
	}
	return nil, &sendError{err: fmt.Errorf("%w: %s: %w", proto.ErrConnection, addr, lastErr)}
}

// exchange sends payload to addr and, when wantReply is set, reads and
// verifies one response within readTimeout. ctx cancellation aborts a
// pending read.
func (c *Client) exchange(ctx context.Context, addr string, payload []byte, timeout, readTimeout time.Duration, wantReply bool) (*proto.Message, error) {
	conn, err := c.dialAndSend(ctx, addr, payload, timeout)
	if err != nil {
		c.metrics.IncExchange(resultLabel(err))
		return nil, err
	}
	defer conn.Close()
	if !wantReply {
		c.metrics.IncExchange("ok")
		return nil, nil
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	resp, err := network.ReadMessage(conn, readTimeout)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", proto.ErrTimeout, ctx.Err())
		}
		c.metrics.IncExchange(resultLabel(err))
		return nil, &sendError{sent: true, err: fmt.Errorf("%s: %w", addr, err)}
	}
	cred, err := c.Verify(&resp.Header)
	if err != nil {
		c.metrics.IncExchange(resultLabel(err))
		return nil, &sendError{sent: true, err: fmt.Errorf("%s: response: %w", addr, err)}
	}
	c.Release(cred)
	c.metrics.IncExchange("ok")
	return resp, nil
}

// prepare copies msg, fills in protocol defaults and signs it.
func (c *Client) prepare(msg *proto.Message) (*proto.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", proto.ErrFormat)
	}
	out := &proto.Message{Header: msg.Header.Clone(), Body: msg.Body}
	if out.Header.Version == 0 {
		out.Header.Version = proto.ProtocolVersion
	}
	if out.Header.OrigAddr == "" {
		out.Header.OrigAddr = c.origAddr
	}
	if err := c.sign(&out.Header); err != nil {
		return nil, err
	}
	return out, nil
}

// SendRecv performs one request/response exchange with addr. A non-positive
// timeout falls back to the configured message timeout.
func (c *Client) SendRecv(ctx context.Context, addr string, msg *proto.Message, timeout time.Duration) (*proto.Message, error) {
	s := c.settings(timeout)
	out, err := c.prepare(msg)
	if err != nil {
		return nil, err
	}
	payload, err := proto.Pack(out)
	if err != nil {
		return nil, err
	}
	return c.exchange(ctx, addr, payload, s.timeout, s.timeout, true)
}

// SendOnly writes msg to addr without waiting for a reply.
func (c *Client) SendOnly(ctx context.Context, addr string, msg *proto.Message, timeout time.Duration) error {
	s := c.settings(timeout)
	out, err := c.prepare(msg)
	if err != nil {
		return err
	}
	out.Header.Flags |= proto.FlagNoResponse
	payload, err := proto.Pack(out)
	if err != nil {
		return err
	}
	_, err = c.exchange(ctx, addr, payload, s.timeout, 0, false)
	return err
}

// SendRecvRC exchanges msg with addr and returns the remote return code.
func (c *Client) SendRecvRC(ctx context.Context, addr string, msg *proto.Message, timeout time.Duration) (int32, error) {
	resp, err := c.SendRecv(ctx, addr, msg, timeout)
	if err != nil {
		return proto.CodeUnknown, err
	}
	if resp.Header.MsgType != proto.ResponseRC {
		return proto.CodeUnknown, fmt.Errorf("%w: got %s", proto.ErrUnexpectedMsgType, proto.MsgTypeName(resp.Header.MsgType))
	}
	rc, err := proto.DecodeRC(resp.Body)
	if err != nil {
		return proto.CodeUnknown, err
	}
	return rc.Code, nil
}

func resultLabel(err error) string {
	switch proto.Code(err) {
	case proto.CodeOK:
		return "ok"
	case proto.CodeConnection:
		return "connection"
	case proto.CodeTimeout:
		return "timeout"
	case proto.CodeAuth:
		return "auth"
	case proto.CodeFormat, proto.CodeVersion:
		return "format"
	}
	return "other"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
