package proto

import "fmt"

const (
	RequestNodeStatus  uint16 = 1001
	ResponseNodeStatus uint16 = 1002
	RequestReconfigure uint16 = 1003
	RequestShutdown    uint16 = 1005
	RequestPing        uint16 = 1008
	RequestRebootNodes uint16 = 1015

	ResponseRC            uint16 = 8001
	ResponseForwardFailed uint16 = 9001
)

const (
	MaxRequestSize    = 64 << 10
	MaxNodeStatusSize = 16 << 10
)

// NoResponse reports whether receivers of msgType never reply. Such messages
// are forwarded with FlagNoResponse and accounted as delivered once sent.
func NoResponse(msgType uint16) bool {
	switch msgType {
	case RequestShutdown, RequestReconfigure, RequestRebootNodes:
		return true
	}
	return false
}

// ExpectedResponse returns the response types a request may legitimately get.
func ExpectedResponse(msgType uint16) []uint16 {
	switch msgType {
	case RequestNodeStatus:
		return []uint16{ResponseNodeStatus, ResponseRC}
	case RequestPing, RequestShutdown, RequestReconfigure, RequestRebootNodes:
		return []uint16{ResponseRC}
	}
	return nil
}

// MaxSizeForType caps the frame size per request type. Zero means the frame
// only has to fit MaxFrameSize.
func MaxSizeForType(msgType uint16) int {
	switch msgType {
	case RequestPing, RequestShutdown, RequestReconfigure, RequestRebootNodes, RequestNodeStatus:
		return MaxRequestSize
	}
	return 0
}

func MsgTypeName(msgType uint16) string {
	switch msgType {
	case RequestNodeStatus:
		return "REQUEST_NODE_STATUS"
	case ResponseNodeStatus:
		return "RESPONSE_NODE_STATUS"
	case RequestReconfigure:
		return "REQUEST_RECONFIGURE"
	case RequestShutdown:
		return "REQUEST_SHUTDOWN"
	case RequestPing:
		return "REQUEST_PING"
	case RequestRebootNodes:
		return "REQUEST_REBOOT_NODES"
	case ResponseRC:
		return "RESPONSE_RC"
	case ResponseForwardFailed:
		return "RESPONSE_FORWARD_FAILED"
	}
	return fmt.Sprintf("MSG_%d", msgType)
}
