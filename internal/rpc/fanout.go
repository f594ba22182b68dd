package rpc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"slurmgo/internal/proto"
)

// Fanout sends msg to every node in nodes through the forwarding tree and
// returns exactly one result per distinct node, ordered as given. Per-node
// failures are reported in the results; an error is returned only when the
// request could not be dispatched at all.
func (c *Client) Fanout(ctx context.Context, nodes []string, msg *proto.Message, timeout time.Duration) ([]proto.Result, error) {
	nodes = dedupe(nodes)
	if len(nodes) == 0 {
		return nil, nil
	}
	s := c.settings(timeout)
	out, err := c.prepare(msg)
	if err != nil {
		return nil, err
	}
	if proto.NoResponse(out.Header.MsgType) {
		out.Header.Flags |= proto.FlagNoResponse
	}
	out.Header.Forward = proto.Forward{}
	out.Header.Responses = nil

	wctx, cancel := context.WithTimeout(ctx, collectWait(len(nodes), s.width, s.timeout))
	defer cancel()
	state, err := c.start(wctx, nodes, 0, out, s)
	if err != nil {
		c.log.Warn("fanout not dispatched", zap.String("type", proto.MsgTypeName(out.Header.MsgType)), zap.Error(err))
		return nil, err
	}
	return state.Collect(wctx), nil
}

func dedupe(nodes []string) []string {
	seen := make(map[string]struct{}, len(nodes))
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
