package proto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessage() *Message {
	return &Message{
		Header: Header{
			Version:  ProtocolVersion,
			Flags:    FlagForwarded,
			MsgType:  ResponseNodeStatus,
			OrigAddr: "10.1.2.3:6818",
			Forward: Forward{
				Cnt:         3,
				Timeout:     10000,
				FirstNodeID: 17,
				Nodelist:    "n[018-020]",
			},
			Responses: []Result{
				{NodeName: "n016", NodeID: 16, MsgType: ResponseRC, Payload: EncodeRC(RC{})},
				{NodeName: "n017", NodeID: 17, MsgType: ResponseForwardFailed, Err: CodeConnection},
			},
			Credential: []byte("sealed-token"),
		},
		Body: EncodeNodeStatus(NodeStatus{Hostname: "n015", Version: "0.1.0", UptimeSec: 99}),
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	msg := sampleMessage()
	raw, err := Pack(msg)
	require.NoError(t, err)

	got, err := Unpack(raw)
	require.NoError(t, err)
	assert.Equal(t, msg.Header.Forward, got.Header.Forward)
	assert.Equal(t, msg.Header.Responses, got.Header.Responses)
	assert.Equal(t, msg.Header.Credential, got.Header.Credential)
	assert.Equal(t, msg.Header.OrigAddr, got.Header.OrigAddr)
	assert.Equal(t, msg.Header.Flags, got.Header.Flags)
	assert.Equal(t, uint32(len(msg.Body)), got.Header.BodyLength)
	assert.Equal(t, msg.Body, got.Body)
}

func TestPackUnpackEmptyAndLargeNodelist(t *testing.T) {
	for _, nodelist := range []string{"", strings.Repeat("x", 1<<16)} {
		msg := NewMessage(RequestPing, nil)
		msg.Header.Forward = Forward{Cnt: 1, Nodelist: nodelist}
		raw, err := Pack(msg)
		require.NoError(t, err)
		got, err := Unpack(raw)
		require.NoError(t, err)
		assert.Equal(t, nodelist, got.Header.Forward.Nodelist)
		assert.Nil(t, got.Header.Responses)
		assert.Nil(t, got.Body)
	}
}

func TestUnpackTruncated(t *testing.T) {
	raw, err := Pack(sampleMessage())
	require.NoError(t, err)
	for _, n := range []int{1, 5, 20, len(raw) - 1} {
		_, err := Unpack(raw[:n])
		assert.ErrorIs(t, err, ErrTruncated, "prefix %d", n)
		assert.ErrorIs(t, err, ErrFormat, "prefix %d", n)
	}
}

func TestUnpackHugeResponseCount(t *testing.T) {
	msg := NewMessage(RequestPing, nil)
	raw, err := Pack(msg)
	require.NoError(t, err)
	// response count sits after the fixed header, orig_addr and forward fields
	off := 2 + 2 + 2 + 4 + 4 + 4 + 4 + 4 + 4
	raw[off], raw[off+1], raw[off+2], raw[off+3] = 0xff, 0xff, 0xff, 0xff
	_, err = Unpack(raw)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestUnpackVersionMismatch(t *testing.T) {
	msg := sampleMessage()
	msg.Header.Version = ProtocolVersion + 1
	raw, err := Pack(msg)
	require.NoError(t, err)
	_, err = Unpack(raw)
	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.Equal(t, CodeVersion, Code(err))

	msg.Header.Version = MinProtocolVersion
	raw, err = Pack(msg)
	require.NoError(t, err)
	_, err = Unpack(raw)
	assert.NoError(t, err)
}

func TestUnpackTrailingBytes(t *testing.T) {
	raw, err := Pack(NewMessage(RequestPing, nil))
	require.NoError(t, err)
	_, err = Unpack(append(raw, 0))
	assert.ErrorIs(t, err, ErrFormat)
	assert.NotErrorIs(t, err, ErrTruncated)
}

func TestErrorCodesRoundTrip(t *testing.T) {
	for _, err := range []error{ErrConnection, ErrTimeout, ErrAuth, ErrVersionMismatch, ErrUnexpectedMsgType, ErrForwardFailed, ErrFormat} {
		code := Code(err)
		assert.NotEqual(t, CodeUnknown, code, err.Error())
		assert.ErrorIs(t, ErrorForCode(code), err)
	}
	assert.Nil(t, ErrorForCode(CodeOK))
	assert.Equal(t, CodeOK, Code(nil))
}

func TestResultFailed(t *testing.T) {
	ok := Result{NodeName: "n1", MsgType: ResponseRC}
	assert.False(t, ok.Failed())
	assert.NoError(t, ok.Error())

	bad := Result{NodeName: "n2", MsgType: ResponseForwardFailed, Err: CodeTimeout}
	assert.True(t, bad.Failed())
	assert.ErrorIs(t, bad.Error(), ErrTimeout)
}

func TestPayloadCodecs(t *testing.T) {
	rc, err := DecodeRC(EncodeRC(RC{Code: CodeAuth}))
	require.NoError(t, err)
	assert.Equal(t, CodeAuth, rc.Code)

	_, err = DecodeRC([]byte{1})
	assert.ErrorIs(t, err, ErrTruncated)

	st := NodeStatus{Hostname: "n1", Version: "v", UptimeSec: 5, BootTime: 1700000000}
	got, err := DecodeNodeStatus(EncodeNodeStatus(st))
	require.NoError(t, err)
	assert.Equal(t, st, got)
}

func TestHeaderCloneIsDeep(t *testing.T) {
	h := sampleMessage().Header
	c := h.Clone()
	c.Responses[0].NodeName = "changed"
	c.Credential[0] = 'X'
	assert.Equal(t, "n016", h.Responses[0].NodeName)
	assert.Equal(t, byte('s'), h.Credential[0])
}
