// Package tracker implements the per-tracker session (C6): frame
// classification, keep-alive echo, location-record parsing, command-reply
// delivery, idle detection, and GFEN automatic tracking.
package tracker

import (
	"github.com/g7ctrl/g7ctrld/internal/proto"
)

// FrameKind is the result of classifying the first bytes of an inbound
// tracker frame (spec.md Section 4.6's CLASSIFY state).
type FrameKind int

const (
	// FrameProtocolErr is returned for bytes that match none of the
	// known frame shapes.
	FrameProtocolErr FrameKind = iota
	FrameKeepAlive
	FrameLocation
	FrameCommandReply
)

// String names a FrameKind for logging.
func (k FrameKind) String() string {
	switch k {
	case FrameKeepAlive:
		return "keepalive"
	case FrameLocation:
		return "location"
	case FrameCommandReply:
		return "command_reply"
	default:
		return "protocol_error"
	}
}

// Classify is a pure function over the leading bytes of a frame,
// mirroring the spec's CLASSIFY transitions:
//
//	starts with 0xD0 0xD7      -> keep-alive
//	starts with '[' or a digit -> location
//	starts with "$OK" or "$ERR" -> command reply
//	otherwise                  -> protocol error
func Classify(buf []byte) FrameKind {
	if proto.HasKeepAliveHeader(buf) {
		return FrameKeepAlive
	}

	if len(buf) == 0 {
		return FrameProtocolErr
	}

	if buf[0] == '[' || (buf[0] >= '0' && buf[0] <= '9') {
		return FrameLocation
	}

	if proto.IsReplyLine(buf) {
		return FrameCommandReply
	}

	return FrameProtocolErr
}
