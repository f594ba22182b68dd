package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slurmgo/internal/metrics"
	"slurmgo/internal/proto"
)

func TestSendRecv(t *testing.T) {
	tc := newTestCluster(t, 1, 16, time.Second)
	resp, err := tc.controller().SendRecv(context.Background(), "n00", proto.NewMessage(proto.RequestNodeStatus, nil), 0)
	require.NoError(t, err)
	assert.Equal(t, proto.ResponseNodeStatus, resp.Header.MsgType)
	assert.NotEmpty(t, resp.Header.Credential)

	hdrs := tc.received("n00")
	require.Len(t, hdrs, 1)
	assert.Equal(t, "ctl", hdrs[0].OrigAddr)
	assert.Equal(t, proto.ProtocolVersion, hdrs[0].Version)
}

func TestSendRecvRC(t *testing.T) {
	tc := newTestCluster(t, 1, 16, time.Second)
	tc.handler = func(string, context.Context, *Request) *proto.Message {
		return proto.NewRC(proto.ErrUnexpectedMsgType)
	}
	code, err := tc.controller().SendRecvRC(context.Background(), "n00", proto.NewMessage(proto.RequestPing, nil), 0)
	require.NoError(t, err)
	assert.Equal(t, proto.Code(proto.ErrUnexpectedMsgType), code)
}

func TestSendRecvRCRejectsOtherType(t *testing.T) {
	tc := newTestCluster(t, 1, 16, time.Second)
	_, err := tc.controller().SendRecvRC(context.Background(), "n00", proto.NewMessage(proto.RequestNodeStatus, nil), 0)
	assert.ErrorIs(t, err, proto.ErrUnexpectedMsgType)
}

func TestSendRecvRetriesThenFails(t *testing.T) {
	tc := newTestCluster(t, 1, 16, time.Second)
	tc.mem.SetDown("n00", true)
	m := metrics.New()
	c, err := NewClient(Options{Dialer: tc.mem, Resolver: identityResolver, Metrics: m})
	require.NoError(t, err)

	start := time.Now()
	_, err = c.SendRecv(context.Background(), "n00", proto.NewMessage(proto.RequestPing, nil), 0)
	assert.ErrorIs(t, err, proto.ErrConnection)
	assert.False(t, delivered(err))
	assert.Equal(t, exchangeMaxRetries+1, tc.mem.Dials("n00"))
	assert.GreaterOrEqual(t, time.Since(start), exchangeMaxRetries*exchangeRetryDelay)
	snap := m.Snapshot()
	assert.Equal(t, uint64(exchangeMaxRetries), snap.Exchange.Retries)
	assert.Equal(t, uint64(1), snap.Exchange.Errors)
}

func TestSendRecvRecoversAfterRetry(t *testing.T) {
	tc := newTestCluster(t, 1, 16, time.Second)
	tc.mem.SetDown("n00", true)
	go func() {
		time.Sleep(150 * time.Millisecond)
		tc.mem.SetDown("n00", false)
	}()
	resp, err := tc.controller().SendRecv(context.Background(), "n00", proto.NewMessage(proto.RequestPing, nil), 0)
	require.NoError(t, err)
	assert.Equal(t, proto.ResponseRC, resp.Header.MsgType)
	assert.Greater(t, tc.mem.Dials("n00"), 1)
}

func TestSendRecvTimeout(t *testing.T) {
	tc := newTestCluster(t, 1, 16, time.Second)
	tc.handler = func(_ string, ctx context.Context, _ *Request) *proto.Message {
		<-ctx.Done()
		return nil
	}
	_, err := tc.controller().SendRecv(context.Background(), "n00", proto.NewMessage(proto.RequestPing, nil), 100*time.Millisecond)
	assert.ErrorIs(t, err, proto.ErrTimeout)
	assert.True(t, delivered(err))
	assert.Equal(t, 1, tc.mem.Dials("n00"), "reads are not retried")
}

func TestSendRecvCancelled(t *testing.T) {
	tc := newTestCluster(t, 1, 16, time.Second)
	tc.handler = func(_ string, ctx context.Context, _ *Request) *proto.Message {
		<-ctx.Done()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err := tc.controller().SendRecv(ctx, "n00", proto.NewMessage(proto.RequestPing, nil), 5*time.Second)
	assert.ErrorIs(t, err, proto.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSendRecvAuthFailure(t *testing.T) {
	tc := newTestCluster(t, 1, 16, time.Second)
	ctl := tc.client("ctl", newSealed(t, "elsewhere"))
	_, err := ctl.SendRecv(context.Background(), "n00", proto.NewMessage(proto.RequestPing, nil), 0)
	assert.ErrorIs(t, err, proto.ErrAuth)
	assert.Zero(t, tc.receivedCount())
}

func TestSendRecvMissingCredential(t *testing.T) {
	tc := newTestCluster(t, 1, 16, time.Second)
	ctl := tc.client("ctl", nil)
	code, err := ctl.SendRecvRC(context.Background(), "n00", proto.NewMessage(proto.RequestPing, nil), 0)
	require.NoError(t, err, "an unauthenticated client does not check the reply")
	assert.Equal(t, proto.CodeAuth, code)
}

func TestSendOnlyDoesNotRead(t *testing.T) {
	tc := newTestCluster(t, 2, 16, time.Second)
	err := tc.controller().SendOnly(context.Background(), "n01", proto.NewMessage(proto.RequestPing, nil), 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tc.receivedCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.NotZero(t, tc.received("n01")[0].Flags&proto.FlagNoResponse)
	assert.Zero(t, tc.mem.ClientReads())
}

func TestReconfigureAffectsLaterOperations(t *testing.T) {
	tc := newTestCluster(t, 1, 4, time.Second)
	c := tc.controller()
	assert.Equal(t, 4, c.TreeWidth())
	c.Reconfigure(8, 3*time.Second)
	assert.Equal(t, 8, c.TreeWidth())
	assert.Equal(t, 3*time.Second, c.MsgTimeout())
	c.Reconfigure(0, 0)
	assert.Equal(t, DefaultTreeWidth, c.TreeWidth())
	assert.Equal(t, DefaultMsgTimeout, c.MsgTimeout())
}

func TestNewClientRequiresTransport(t *testing.T) {
	_, err := NewClient(Options{Resolver: identityResolver})
	assert.Error(t, err)
	tc := newTestCluster(t, 0, 16, time.Second)
	_, err = NewClient(Options{Dialer: tc.mem})
	assert.Error(t, err)
}
