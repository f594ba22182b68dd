package proto

import (
	"fmt"

	"slurmgo/internal/pack"
)

// minResultSize is the packed size of a Result with empty strings.
const minResultSize = 4 + 4 + 4 + 2 + 4

// Pack serializes msg. Header.BodyLength is taken from len(msg.Body).
func Pack(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrFormat)
	}
	h := msg.Header
	if h.Version == 0 {
		h.Version = ProtocolVersion
	}
	if len(msg.Body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: body of %d bytes", ErrFormat, len(msg.Body))
	}
	b := pack.New(64 + len(h.Forward.Nodelist) + len(h.Credential) + len(msg.Body))
	b.PackU16(h.Version)
	b.PackU16(h.Flags)
	b.PackU16(h.MsgType)
	b.PackU32(uint32(len(msg.Body)))
	b.PackStr(h.OrigAddr)

	b.PackU32(h.Forward.Cnt)
	b.PackI32(h.Forward.Timeout)
	b.PackU32(h.Forward.FirstNodeID)
	b.PackStr(h.Forward.Nodelist)

	b.PackU32(uint32(len(h.Responses)))
	for _, r := range h.Responses {
		packResult(b, r)
	}

	b.PackMem(h.Credential)
	b.PackRaw(msg.Body)
	return b.Bytes(), nil
}

// Unpack parses one packed message. It fails with ErrVersionMismatch before
// looking at anything past the version field, and with ErrTruncated when any
// declared length runs past the end of data.
func Unpack(data []byte) (*Message, error) {
	b := pack.From(data)
	var h Header
	var err error
	if h.Version, err = b.UnpackU16(); err != nil {
		return nil, truncated(err)
	}
	if !VersionAccepted(h.Version) {
		return nil, fmt.Errorf("%w: got 0x%04x, accept 0x%04x-0x%04x", ErrVersionMismatch, h.Version, MinProtocolVersion, ProtocolVersion)
	}
	if h.Flags, err = b.UnpackU16(); err != nil {
		return nil, truncated(err)
	}
	if h.MsgType, err = b.UnpackU16(); err != nil {
		return nil, truncated(err)
	}
	if h.BodyLength, err = b.UnpackU32(); err != nil {
		return nil, truncated(err)
	}
	if h.OrigAddr, err = b.UnpackStr(); err != nil {
		return nil, truncated(err)
	}

	if h.Forward.Cnt, err = b.UnpackU32(); err != nil {
		return nil, truncated(err)
	}
	if h.Forward.Timeout, err = b.UnpackI32(); err != nil {
		return nil, truncated(err)
	}
	if h.Forward.FirstNodeID, err = b.UnpackU32(); err != nil {
		return nil, truncated(err)
	}
	if h.Forward.Nodelist, err = b.UnpackStr(); err != nil {
		return nil, truncated(err)
	}

	cnt, err := b.UnpackU32()
	if err != nil {
		return nil, truncated(err)
	}
	if uint64(cnt)*minResultSize > uint64(b.Len()) {
		return nil, fmt.Errorf("%w: %d responses declared, %d bytes left", ErrTruncated, cnt, b.Len())
	}
	if cnt > 0 {
		h.Responses = make([]Result, 0, cnt)
	}
	for i := uint32(0); i < cnt; i++ {
		r, err := unpackResult(b)
		if err != nil {
			return nil, truncated(err)
		}
		h.Responses = append(h.Responses, r)
	}

	if h.Credential, err = b.UnpackMem(); err != nil {
		return nil, truncated(err)
	}
	if uint64(b.Len()) < uint64(h.BodyLength) {
		return nil, fmt.Errorf("%w: body declares %d bytes, %d available", ErrTruncated, h.BodyLength, b.Len())
	}
	if b.Len() > int(h.BodyLength) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrFormat, b.Len()-int(h.BodyLength))
	}
	body, err := b.UnpackRaw(int(h.BodyLength))
	if err != nil {
		return nil, truncated(err)
	}
	if len(body) == 0 {
		body = nil
	}
	return &Message{Header: h, Body: body}, nil
}

func truncated(err error) error {
	return fmt.Errorf("%w: %v", ErrTruncated, err)
}
