package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"slurmgo/internal/crypto"
	"slurmgo/internal/hostlist"
	"slurmgo/internal/logging"
	"slurmgo/internal/network"
	"slurmgo/internal/proto"
)

const limitedLogInterval = 10 * time.Second

// Request is one inbound message after its credential has been checked.
type Request struct {
	Msg    *proto.Message
	Cred   *crypto.Credential
	Remote string
}

// HandlerFunc executes a request on the local node. A nil response is
// answered with a ResponseRC carrying CodeOK.
type HandlerFunc func(ctx context.Context, req *Request) *proto.Message

// Server receives requests, forwards them to the subtree named in their
// forward descriptor, runs the local handler and replies with the local
// result plus every subtree result.
type Server struct {
	client  *Client
	handler HandlerFunc
	log     *zap.Logger
	limiter *logging.Limiter
}

func NewServer(c *Client, h HandlerFunc) *Server {
	return &Server{
		client:  c,
		handler: h,
		log:     c.log,
		limiter: logging.NewLimiter(limitedLogInterval),
	}
}

// ServeConn handles one stream. It matches network.Handler.
func (s *Server) ServeConn(ctx context.Context, conn network.Conn) {
	c := s.client
	st := c.settings(0)
	msg, err := network.ReadMessage(conn, st.timeout)
	if err != nil {
		c.metrics.IncDropByReason(resultLabel(err))
		s.limiter.Debug(s.log, "recv:"+conn.RemoteAddr(), "receive failed", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
		if errors.Is(err, proto.ErrFormat) {
			s.reply(conn, proto.NewRC(err), st)
		}
		return
	}
	h := msg.Header
	noReply := h.Flags&proto.FlagNoResponse != 0
	typeName := proto.MsgTypeName(h.MsgType)

	cred, err := c.Verify(&h)
	if err != nil {
		c.metrics.IncDropByReason("auth")
		s.limiter.Debug(s.log, "auth:"+conn.RemoteAddr(), "credential rejected", zap.String("type", typeName), zap.Error(err))
		if !noReply {
			s.reply(conn, proto.NewRC(err), st)
		}
		return
	}
	defer c.Release(cred)
	c.metrics.IncRecvByType(typeName)

	var state *ForwardState
	fctx := ctx
	if h.Forward.Cnt > 0 {
		hop := st.timeout
		if h.Forward.Timeout > 0 {
			hop = msToDuration(h.Forward.Timeout)
		}
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, collectWait(int(h.Forward.Cnt), st.width, hop))
		defer cancel()
		state, err = c.Forward(fctx, msg)
		if err != nil {
			s.log.Warn("forward failed", zap.String("type", typeName), zap.Uint32("cnt", h.Forward.Cnt), zap.Error(err))
		}
	}

	resp := s.handler(ctx, &Request{Msg: msg, Cred: cred, Remote: conn.RemoteAddr()})
	if resp == nil {
		resp = proto.NewRC(nil)
	}

	switch {
	case state != nil:
		resp.Header.Responses = state.Collect(fctx)
	case h.Forward.Cnt > 0:
		resp.Header.Responses = failSubtree(h.Forward, err)
	}
	if noReply {
		return
	}
	s.reply(conn, resp, st)
}

func (s *Server) reply(conn network.Conn, resp *proto.Message, st settings) {
	if err := s.client.Respond(resp); err != nil {
		s.log.Warn("sign response failed", zap.Error(err))
		return
	}
	if err := network.WriteMessage(conn, resp, st.timeout); err != nil {
		s.limiter.Debug(s.log, "reply:"+conn.RemoteAddr(), "reply failed", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
	}
}

// failSubtree marks every node of an unforwardable descriptor failed.
func failSubtree(fwd proto.Forward, cause error) []proto.Result {
	if cause == nil {
		cause = proto.ErrForwardFailed
	}
	nodes := dedupe(expandOrNil(fwd.Nodelist))
	out := make([]proto.Result, 0, len(nodes))
	for i, name := range nodes {
		out = append(out, failedResult(name, fwd.FirstNodeID+uint32(i), fmt.Errorf("%w: %w", proto.ErrForwardFailed, cause)))
	}
	return out
}

func msToDuration(ms int32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func expandOrNil(expr string) []string {
	nodes, err := hostlist.Expand(expr)
	if err != nil {
		return nil
	}
	return nodes
}
