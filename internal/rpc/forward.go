package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"slurmgo/internal/hostlist"
	"slurmgo/internal/list"
	"slurmgo/internal/metrics"
	"slurmgo/internal/proto"
)

// ForwardState tracks one fanout: the nodes it covers, the branch workers
// spread over them and the results they have reported.
type ForwardState struct {
	ID      string
	MsgType uint16

	nodes   []string
	firstID uint32
	budget  Budget
	start   time.Time
	agg     *aggregator
	cancel  context.CancelFunc
	client  *Client
}

// branch is the work handed to one worker: a contiguous run of nodes and the
// header every hop below it gets.
type branch struct {
	nodes   []string
	firstID uint32
	header  proto.Header
	body    []byte
	hop     time.Duration
	width   int
	noReply bool
}

// Expected is the number of nodes the state accounts for.
func (s *ForwardState) Expected() int {
	return len(s.nodes)
}

// Budget returns the timeout budget the state was started with.
func (s *ForwardState) Budget() Budget {
	return s.budget
}

// Wait blocks until every node is accounted for or ctx ends. The bool
// reports whether all results arrived.
func (s *ForwardState) Wait(ctx context.Context) ([]proto.Result, bool) {
	return s.agg.wait(ctx)
}

// Collect waits like Wait, then stops the workers and fills in a timeout
// failure for every node that has not reported. The result holds exactly
// one entry per node, ordered by node id.
func (s *ForwardState) Collect(ctx context.Context) []proto.Result {
	_, complete := s.agg.wait(ctx)
	s.cancel()
	results, seen := s.agg.seal()
	missing := 0
	for i, name := range s.nodes {
		if _, ok := seen[name]; ok {
			continue
		}
		missing++
		results = append(results, failedResult(name, s.firstID+uint32(i), fmt.Errorf("%w: no result before deadline", proto.ErrTimeout)))
	}
	slices.SortStableFunc(results, func(a, b proto.Result) int {
		switch {
		case a.NodeID < b.NodeID:
			return -1
		case a.NodeID > b.NodeID:
			return 1
		}
		return 0
	})
	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	elapsed := time.Since(s.start)
	s.client.metrics.ObserveFanout(metrics.FanoutRecord{
		ID:       s.ID,
		MsgType:  proto.MsgTypeName(s.MsgType),
		Nodes:    len(s.nodes),
		Failed:   failed,
		Complete: complete,
	}, elapsed)
	log := s.client.log.With(zap.String("fanout", s.ID))
	if missing > 0 {
		log.Warn("fanout deadline reached", zap.Int("missing", missing), zap.Int("nodes", len(s.nodes)))
	}
	log.Debug("fanout collected", zap.Int("nodes", len(s.nodes)), zap.Int("failed", failed), zap.Duration("elapsed", elapsed))
	return results
}

// Forward spreads an inbound message over the nodes named in its forward
// descriptor. Node ids continue from the descriptor's FirstNodeID.
func (c *Client) Forward(ctx context.Context, msg *proto.Message) (*ForwardState, error) {
	if msg == nil || msg.Header.Forward.Cnt == 0 {
		return nil, fmt.Errorf("%w: nothing to forward", proto.ErrFormat)
	}
	fwd := msg.Header.Forward
	nodes, err := hostlist.Expand(fwd.Nodelist)
	if err != nil {
		return nil, fmt.Errorf("%w: forward nodelist: %v", proto.ErrFormat, err)
	}
	nodes = dedupe(nodes)
	if len(nodes) != int(fwd.Cnt) {
		return nil, fmt.Errorf("%w: forward cnt %d names %d distinct nodes", proto.ErrFormat, fwd.Cnt, len(nodes))
	}
	hop := msToDuration(fwd.Timeout)
	return c.start(ctx, nodes, fwd.FirstNodeID, msg, c.settings(hop))
}

// start partitions nodes into branches and launches one worker per branch.
func (c *Client) start(ctx context.Context, nodes []string, firstID uint32, msg *proto.Message, s settings) (*ForwardState, error) {
	wctx, cancel := context.WithCancel(ctx)
	state := &ForwardState{
		ID:      uuid.NewString(),
		MsgType: msg.Header.MsgType,
		nodes:   nodes,
		firstID: firstID,
		budget:  TimeoutBudget(len(nodes), s.width, s.timeout),
		start:   time.Now(),
		agg:     newAggregator(len(nodes)),
		cancel:  cancel,
		client:  c,
	}
	c.metrics.IncFanout(proto.MsgTypeName(state.MsgType))
	noReply := proto.NoResponse(msg.Header.MsgType) || msg.Header.Flags&proto.FlagNoResponse != 0

	span := Span(len(nodes), s.width)
	c.log.Debug("forward start",
		zap.String("fanout", state.ID),
		zap.String("type", proto.MsgTypeName(state.MsgType)),
		zap.Int("nodes", len(nodes)),
		zap.Int("branches", len(span)),
		zap.Duration("wait", state.budget.Wait))

	off := 0
	for _, sp := range span {
		b := branch{
			nodes:   nodes[off : off+sp+1],
			firstID: firstID + uint32(off),
			header:  msg.Header.Clone(),
			body:    msg.Body,
			hop:     s.timeout,
			width:   s.width,
			noReply: noReply,
		}
		off += sp + 1
		if err := c.sem.Acquire(wctx, 1); err != nil {
			cancel()
			return nil, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
		c.metrics.AddWorkersBusy(1)
		c.metrics.IncBranch()
		go func() {
			defer c.sem.Release(1)
			defer c.metrics.AddWorkersBusy(-1)
			state.agg.add(c.runBranch(wctx, state.ID, b))
		}()
	}
	return state, nil
}

// runBranch delivers the message to the branch head and reports one entry
// for every node of the branch. A head that cannot be reached is marked
// failed and the next node takes over; once the request is on the wire any
// failure covers the rest of the branch.
func (c *Client) runBranch(ctx context.Context, fanoutID string, b branch) *list.List[proto.Result] {
	out := list.New[proto.Result](nil)
	nodes, headID := b.nodes, b.firstID
	for len(nodes) > 0 {
		head, rest := nodes[0], nodes[1:]
		log := c.log.With(zap.String("fanout", fanoutID), zap.String("head", head), zap.Int("below", len(rest)))

		addr, err := c.resolver.Resolve(ctx, head)
		if err != nil {
			log.Debug("resolve failed", zap.Error(err))
			out.Append(failedResult(head, headID, fmt.Errorf("%w: resolve %s: %v", proto.ErrConnection, head, err)))
			nodes, headID = c.failover(rest, headID)
			continue
		}

		payload, err := proto.Pack(&proto.Message{Header: b.subHeader(rest, headID), Body: b.body})
		if err != nil {
			appendFailed(out, nodes, headID, err)
			return out
		}
		wait := readWait(len(rest), b.width, b.hop)
		resp, err := c.exchange(ctx, addr, payload, b.hop, wait, !b.noReply)
		switch {
		case err != nil && !delivered(err) && ctx.Err() == nil:
			log.Debug("branch head unreachable", zap.Error(err))
			out.Append(failedResult(head, headID, err))
			nodes, headID = c.failover(rest, headID)
			continue
		case err != nil:
			log.Debug("branch failed", zap.Error(err))
			appendFailed(out, nodes, headID, err)
		case b.noReply:
			for i, name := range nodes {
				out.Append(proto.Result{
					NodeName: name,
					NodeID:   headID + uint32(i),
					MsgType:  proto.ResponseRC,
					Payload:  proto.EncodeRC(proto.RC{Code: proto.CodeOK}),
				})
			}
		case !expectedReply(b.header.MsgType, resp.Header.MsgType):
			log.Debug("unexpected reply", zap.String("type", proto.MsgTypeName(resp.Header.MsgType)))
			appendFailed(out, nodes, headID, fmt.Errorf("%w: %s answered %s with %s", proto.ErrUnexpectedMsgType,
				head, proto.MsgTypeName(b.header.MsgType), proto.MsgTypeName(resp.Header.MsgType)))
		default:
			out.Append(proto.Result{
				NodeName: head,
				NodeID:   headID,
				MsgType:  resp.Header.MsgType,
				Payload:  resp.Body,
			})
			mergeSubtree(out, rest, headID+1, resp.Header.Responses)
		}
		return out
	}
	return out
}

// expectedReply reports whether got may answer a request of type req.
// Request types without a known reply set accept any reply.
func expectedReply(req, got uint16) bool {
	want := proto.ExpectedResponse(req)
	return want == nil || slices.Contains(want, got)
}

func (c *Client) failover(rest []string, headID uint32) ([]string, uint32) {
	if len(rest) > 0 {
		c.metrics.IncFailover()
	}
	return rest, headID + 1
}

// subHeader builds the header sent to a branch head whose subtree is rest.
func (b branch) subHeader(rest []string, headID uint32) proto.Header {
	h := b.header.Clone()
	h.Flags |= proto.FlagForwarded
	if b.noReply {
		h.Flags |= proto.FlagNoResponse
	}
	h.Responses = nil
	h.Forward = proto.Forward{
		Cnt:         uint32(len(rest)),
		Timeout:     int32(b.hop / time.Millisecond),
		FirstNodeID: headID + 1,
		Nodelist:    hostlist.Compress(rest),
	}
	return h
}

// mergeSubtree copies the head's reported results for rest into out. Nodes
// of rest the head did not report on are marked failed.
func mergeSubtree(out *list.List[proto.Result], rest []string, firstID uint32, reported []proto.Result) {
	if len(rest) == 0 {
		return
	}
	ids := make(map[string]uint32, len(rest))
	for i, name := range rest {
		ids[name] = firstID + uint32(i)
	}
	for _, r := range reported {
		if _, ok := ids[r.NodeName]; !ok {
			continue
		}
		delete(ids, r.NodeName)
		out.Append(r)
	}
	for i, name := range rest {
		if _, missing := ids[name]; missing {
			out.Append(failedResult(name, firstID+uint32(i), fmt.Errorf("%w: not reported by branch head", proto.ErrForwardFailed)))
		}
	}
}

func appendFailed(out *list.List[proto.Result], nodes []string, firstID uint32, err error) {
	for i, name := range nodes {
		out.Append(failedResult(name, firstID+uint32(i), err))
	}
}

func failedResult(name string, id uint32, err error) proto.Result {
	code := proto.Code(err)
	if code == proto.CodeOK {
		code = proto.CodeForwardFailed
	}
	return proto.Result{
		NodeName: name,
		NodeID:   id,
		MsgType:  proto.ResponseForwardFailed,
		Err:      code,
	}
}
