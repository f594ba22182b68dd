package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	MaxFrameSize     = 16 << 20
	SoftMaxFrameSize = 64 << 10

	// typePrefixLen covers version, flags and msg_type.
	typePrefixLen = 6
)

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrFormat)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: payload too large", ErrFormat)
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameWithTypeCap(r, 0, nil)
}

// ReadFrameWithTypeCap reads one frame. Frames above softMax are only read in
// full once the message type in their first bytes allows that size.
func ReadFrameWithTypeCap(r io.Reader, softMax int, typeCap func(uint16) int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("%w: invalid frame size %d", ErrFormat, n)
	}
	if softMax <= 0 || int(n) <= softMax || n < typePrefixLen {
		payload := make([]byte, int(n))
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}

	payload := make([]byte, typePrefixLen, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	msgType := binary.BigEndian.Uint16(payload[4:6])
	maxSize := 0
	if typeCap != nil {
		maxSize = typeCap(msgType)
	}
	if maxSize > 0 && int(n) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes too large for %s", ErrFormat, n, MsgTypeName(msgType))
	}
	payload = payload[:n]
	if _, err := io.ReadFull(r, payload[typePrefixLen:]); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}

// ReadMessage reads and unpacks one framed message.
func ReadMessage(r io.Reader) (*Message, error) {
	payload, err := ReadFrameWithTypeCap(r, SoftMaxFrameSize, MaxSizeForType)
	if err != nil {
		return nil, err
	}
	return Unpack(payload)
}

func WriteMessage(w io.Writer, msg *Message) error {
	payload, err := Pack(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}
