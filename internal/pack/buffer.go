// Package pack implements the fixed-width integer and length-prefixed field
// encoding shared by every message on the wire. All integers are big-endian.
package pack

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxFieldSize bounds a single length-prefixed string or byte array.
const MaxFieldSize = 1 << 24

var (
	ErrShort    = errors.New("pack: short buffer")
	ErrTooLarge = errors.New("pack: field too large")
)

// Buffer is a growable byte buffer with a read cursor.
type Buffer struct {
	b   []byte
	off int
}

func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{b: make([]byte, 0, capacity)}
}

// From wraps b for reading. The slice is not copied.
func From(b []byte) *Buffer {
	return &Buffer{b: b}
}

func (b *Buffer) Bytes() []byte {
	return b.b
}

// Remaining returns the unread bytes.
func (b *Buffer) Remaining() []byte {
	return b.b[b.off:]
}

func (b *Buffer) Len() int {
	return len(b.b) - b.off
}

func (b *Buffer) Offset() int {
	return b.off
}

func (b *Buffer) PackU16(v uint16) {
	b.b = binary.BigEndian.AppendUint16(b.b, v)
}

func (b *Buffer) PackU32(v uint32) {
	b.b = binary.BigEndian.AppendUint32(b.b, v)
}

func (b *Buffer) PackI32(v int32) {
	b.PackU32(uint32(v))
}

func (b *Buffer) PackU64(v uint64) {
	b.b = binary.BigEndian.AppendUint64(b.b, v)
}

// PackMem writes a u32 length followed by p.
func (b *Buffer) PackMem(p []byte) {
	b.PackU32(uint32(len(p)))
	b.b = append(b.b, p...)
}

func (b *Buffer) PackStr(s string) {
	b.PackU32(uint32(len(s)))
	b.b = append(b.b, s...)
}

// PackRaw appends p without a length prefix.
func (b *Buffer) PackRaw(p []byte) {
	b.b = append(b.b, p...)
}

func (b *Buffer) need(n int, what string) error {
	if n < 0 || b.Len() < n {
		return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrShort, what, n, b.Len())
	}
	return nil
}

func (b *Buffer) UnpackU16() (uint16, error) {
	if err := b.need(2, "u16"); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(b.b[b.off:])
	b.off += 2
	return v, nil
}

func (b *Buffer) UnpackU32() (uint32, error) {
	if err := b.need(4, "u32"); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(b.b[b.off:])
	b.off += 4
	return v, nil
}

func (b *Buffer) UnpackI32() (int32, error) {
	v, err := b.UnpackU32()
	return int32(v), err
}

func (b *Buffer) UnpackU64() (uint64, error) {
	if err := b.need(8, "u64"); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(b.b[b.off:])
	b.off += 8
	return v, nil
}

// UnpackMem reads a length-prefixed byte array. The result is a copy.
func (b *Buffer) UnpackMem() ([]byte, error) {
	n, err := b.UnpackU32()
	if err != nil {
		return nil, err
	}
	if n > MaxFieldSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	if err := b.need(int(n), "mem"); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, b.b[b.off:])
	b.off += int(n)
	return out, nil
}

func (b *Buffer) UnpackStr() (string, error) {
	n, err := b.UnpackU32()
	if err != nil {
		return "", err
	}
	if n > MaxFieldSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	if err := b.need(int(n), "string"); err != nil {
		return "", err
	}
	s := string(b.b[b.off : b.off+int(n)])
	b.off += int(n)
	return s, nil
}

// UnpackRaw reads exactly n bytes without a length prefix.
func (b *Buffer) UnpackRaw(n int) ([]byte, error) {
	if err := b.need(n, "raw"); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b.b[b.off:])
	b.off += n
	return out, nil
}
