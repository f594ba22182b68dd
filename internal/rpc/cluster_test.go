package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"slurmgo/internal/crypto"
	"slurmgo/internal/network"
	"slurmgo/internal/proto"
	"slurmgo/internal/testutil"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// edgeLog records which node dialed which.
type edgeLog struct {
	mu    sync.Mutex
	edges map[string][]string
}

func (e *edgeLog) add(from, to string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.edges[from] = append(e.edges[from], to)
}

func (e *edgeLog) children(from string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.edges[from]...)
}

// depth is the longest dial chain starting at root.
func (e *edgeLog) depth(root string) int {
	best := 0
	for _, child := range e.children(root) {
		if d := 1 + e.depth(child); d > best {
			best = d
		}
	}
	return best
}

type recordingDialer struct {
	from  string
	inner network.Dialer
	log   *edgeLog
}

func (d recordingDialer) Dial(ctx context.Context, addr string) (network.Conn, error) {
	c, err := d.inner.Dial(ctx, addr)
	if err == nil {
		d.log.add(d.from, addr)
	}
	return c, err
}

var identityResolver = ResolverFunc(func(_ context.Context, name string) (string, error) {
	return name, nil
})

type received struct {
	node   string
	header proto.Header
}

type testCluster struct {
	t     *testing.T
	mem   *network.MemNetwork
	edges *edgeLog
	names []string
	width int
	hop   time.Duration

	mu   sync.Mutex
	seen []received

	// handler overrides the default per-node behaviour when set.
	handler func(node string, ctx context.Context, req *Request) *proto.Message
}

func newSealed(t *testing.T, cluster string) crypto.CredentialProvider {
	t.Helper()
	s, err := crypto.NewSealed(testKey, crypto.SealedOptions{Cluster: cluster, Host: "test"})
	require.NoError(t, err)
	return s
}

func newTestCluster(t *testing.T, n, width int, hop time.Duration) *testCluster {
	t.Helper()
	tc := &testCluster{
		t:     t,
		mem:   network.NewMemNetwork(),
		edges: &edgeLog{edges: make(map[string][]string)},
		names: testutil.NodeNames("n", n, 2),
		width: width,
		hop:   hop,
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	for _, name := range tc.names {
		ln, err := tc.mem.Listen(name)
		require.NoError(t, err)
		client := tc.client(name, newSealed(t, "test"))
		node := name
		srv := NewServer(client, func(ctx context.Context, req *Request) *proto.Message {
			return tc.handle(node, ctx, req)
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = network.Serve(ctx, ln, srv.ServeConn, network.ServeOptions{})
		}()
	}
	return tc
}

func (tc *testCluster) client(name string, creds crypto.CredentialProvider) *Client {
	tc.t.Helper()
	c, err := NewClient(Options{
		TreeWidth:  tc.width,
		MsgTimeout: tc.hop,
		OrigAddr:   name,
		Dialer:     recordingDialer{from: name, inner: tc.mem, log: tc.edges},
		Resolver:   identityResolver,
		Creds:      creds,
	})
	require.NoError(tc.t, err)
	return c
}

func (tc *testCluster) controller() *Client {
	return tc.client("ctl", newSealed(tc.t, "test"))
}

func (tc *testCluster) handle(node string, ctx context.Context, req *Request) *proto.Message {
	tc.mu.Lock()
	tc.seen = append(tc.seen, received{node: node, header: req.Msg.Header.Clone()})
	tc.mu.Unlock()
	if tc.handler != nil {
		return tc.handler(node, ctx, req)
	}
	switch req.Msg.Header.MsgType {
	case proto.RequestNodeStatus:
		return proto.NewMessage(proto.ResponseNodeStatus, proto.EncodeNodeStatus(proto.NodeStatus{Hostname: node}))
	}
	return proto.NewRC(nil)
}

func (tc *testCluster) received(node string) []proto.Header {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	var out []proto.Header
	for _, r := range tc.seen {
		if r.node == node {
			out = append(out, r.header)
		}
	}
	return out
}

func (tc *testCluster) receivedCount() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.seen)
}

// requireAccounted checks that results hold exactly one entry per name with
// node ids matching positions.
func requireAccounted(t *testing.T, names []string, results []proto.Result) {
	t.Helper()
	require.Len(t, results, len(names))
	seen := make(map[string]bool, len(names))
	for i, r := range results {
		require.Equal(t, names[i], r.NodeName, "position %d", i)
		require.Equal(t, uint32(i), r.NodeID, "node %s", r.NodeName)
		require.False(t, seen[r.NodeName], "duplicate %s", r.NodeName)
		seen[r.NodeName] = true
	}
}
