package proto

import (
	"errors"
	"fmt"
)

var (
	ErrFormat          = errors.New("malformed message")
	ErrTruncated       = fmt.Errorf("%w: truncated", ErrFormat)
	ErrVersionMismatch = fmt.Errorf("%w: protocol version mismatch", ErrFormat)

	ErrConnection        = errors.New("connection error")
	ErrTimeout           = errors.New("timed out")
	ErrAuth              = errors.New("authentication failure")
	ErrUnexpectedMsgType = errors.New("unexpected message type")
	ErrForwardFailed     = errors.New("forward failed")
)

// Wire error codes carried in Result.Err and ResponseRC payloads.
const (
	CodeOK            int32 = 0
	CodeUnknown       int32 = -1
	CodeUnexpectedMsg int32 = 1000
	CodeConnection    int32 = 1001
	CodeFormat        int32 = 1004
	CodeVersion       int32 = 1005
	CodeForwardFailed int32 = 1006
	CodeTimeout       int32 = 5004
	CodeAuth          int32 = 6000
)

// Code maps err onto a wire error code.
func Code(err error) int32 {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrVersionMismatch):
		return CodeVersion
	case errors.Is(err, ErrFormat):
		return CodeFormat
	case errors.Is(err, ErrAuth):
		return CodeAuth
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrConnection):
		return CodeConnection
	case errors.Is(err, ErrUnexpectedMsgType):
		return CodeUnexpectedMsg
	case errors.Is(err, ErrForwardFailed):
		return CodeForwardFailed
	}
	return CodeUnknown
}

// ErrorForCode is the inverse of Code. It returns nil for CodeOK.
func ErrorForCode(code int32) error {
	switch code {
	case CodeOK:
		return nil
	case CodeUnexpectedMsg:
		return ErrUnexpectedMsgType
	case CodeConnection:
		return ErrConnection
	case CodeFormat:
		return ErrFormat
	case CodeVersion:
		return ErrVersionMismatch
	case CodeForwardFailed:
		return ErrForwardFailed
	case CodeTimeout:
		return ErrTimeout
	case CodeAuth:
		return ErrAuth
	}
	return fmt.Errorf("remote error %d", code)
}
