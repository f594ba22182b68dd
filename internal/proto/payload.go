package proto

import (
	"fmt"

	"slurmgo/internal/pack"
)

// RC is the body of ResponseRC.
type RC struct {
	Code int32
}

func EncodeRC(rc RC) []byte {
	b := pack.New(4)
	b.PackI32(rc.Code)
	return b.Bytes()
}

func DecodeRC(body []byte) (RC, error) {
	b := pack.From(body)
	code, err := b.UnpackI32()
	if err != nil {
		return RC{}, truncated(err)
	}
	return RC{Code: code}, nil
}

// NodeStatus is the body of ResponseNodeStatus.
type NodeStatus struct {
	Hostname  string
	Version   string
	UptimeSec uint64
	BootTime  int64
}

func EncodeNodeStatus(s NodeStatus) []byte {
	b := pack.New(32 + len(s.Hostname) + len(s.Version))
	b.PackStr(s.Hostname)
	b.PackStr(s.Version)
	b.PackU64(s.UptimeSec)
	b.PackU64(uint64(s.BootTime))
	return b.Bytes()
}

func DecodeNodeStatus(body []byte) (NodeStatus, error) {
	if len(body) > MaxNodeStatusSize {
		return NodeStatus{}, fmt.Errorf("%w: node status of %d bytes", ErrFormat, len(body))
	}
	b := pack.From(body)
	var s NodeStatus
	var err error
	if s.Hostname, err = b.UnpackStr(); err != nil {
		return s, truncated(err)
	}
	if s.Version, err = b.UnpackStr(); err != nil {
		return s, truncated(err)
	}
	if s.UptimeSec, err = b.UnpackU64(); err != nil {
		return s, truncated(err)
	}
	boot, err := b.UnpackU64()
	if err != nil {
		return s, truncated(err)
	}
	s.BootTime = int64(boot)
	return s, nil
}

// NewRC builds a ResponseRC message for err.
func NewRC(err error) *Message {
	return NewMessage(ResponseRC, EncodeRC(RC{Code: Code(err)}))
}
