package proto

import (
	"fmt"

	"slurmgo/internal/pack"
)

const (
	ProtocolVersion    uint16 = 0x2B00
	MinProtocolVersion uint16 = 0x2900
)

const (
	// FlagNoResponse tells the receiver not to reply.
	FlagNoResponse uint16 = 1 << 0
	// FlagForwarded is set on every hop below the originator.
	FlagForwarded uint16 = 1 << 1
)

// Forward describes the nodes still to be reached below the receiving hop.
type Forward struct {
	Cnt         uint32
	Timeout     int32 // milliseconds, per hop
	FirstNodeID uint32
	Nodelist    string
}

// Result is one node's outcome.
type Result struct {
	NodeName string
	NodeID   uint32
	MsgType  uint16
	Payload  []byte
	Err      int32
}

func (r Result) Failed() bool {
	return r.MsgType == ResponseForwardFailed || r.Err != CodeOK
}

// Error returns the node's error, or nil.
func (r Result) Error() error {
	if !r.Failed() {
		return nil
	}
	err := ErrorForCode(r.Err)
	if err == nil {
		err = ErrForwardFailed
	}
	return fmt.Errorf("%s: %w", r.NodeName, err)
}

type Header struct {
	Version    uint16
	Flags      uint16
	MsgType    uint16
	BodyLength uint32
	OrigAddr   string
	Forward    Forward
	Responses  []Result
	Credential []byte
}

type Message struct {
	Header Header
	Body   []byte
}

// Clone returns a copy that shares no slices with h.
func (h Header) Clone() Header {
	out := h
	if h.Responses != nil {
		out.Responses = make([]Result, len(h.Responses))
		copy(out.Responses, h.Responses)
	}
	if h.Credential != nil {
		out.Credential = append([]byte(nil), h.Credential...)
	}
	return out
}

func VersionAccepted(v uint16) bool {
	return v >= MinProtocolVersion && v <= ProtocolVersion
}

// NewMessage builds a request at the current protocol version.
func NewMessage(msgType uint16, body []byte) *Message {
	return &Message{
		Header: Header{Version: ProtocolVersion, MsgType: msgType},
		Body:   body,
	}
}

func packResult(b *pack.Buffer, r Result) {
	b.PackStr(r.NodeName)
	b.PackU32(r.NodeID)
	b.PackI32(r.Err)
	b.PackU16(r.MsgType)
	b.PackMem(r.Payload)
}

func unpackResult(b *pack.Buffer) (Result, error) {
	var r Result
	var err error
	if r.NodeName, err = b.UnpackStr(); err != nil {
		return r, err
	}
	if r.NodeID, err = b.UnpackU32(); err != nil {
		return r, err
	}
	if r.Err, err = b.UnpackI32(); err != nil {
		return r, err
	}
	if r.MsgType, err = b.UnpackU16(); err != nil {
		return r, err
	}
	if r.Payload, err = b.UnpackMem(); err != nil {
		return r, err
	}
	return r, nil
}
