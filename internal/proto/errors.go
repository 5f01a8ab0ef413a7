// Package proto implements the wire-level codecs the core speaks to
// trackers and command clients: the 11-field CSV location record, the
// 8-byte binary keep-alive frame, and the "$name+TAG=args" command/reply
// grammar (spec.md Section 4.1).
package proto

import "errors"

// Sentinel errors returned by the codecs in this package. Callers compare
// with errors.Is; all are ProtocolError-class per spec.md Section 7.
var (
	ErrFieldCount      = errors.New("proto: record does not have exactly 11 fields")
	ErrBadDeviceID     = errors.New("proto: malformed device id")
	ErrBadTimestamp    = errors.New("proto: malformed local timestamp")
	ErrBadCoordinate   = errors.New("proto: coordinate out of range")
	ErrBadSatellites   = errors.New("proto: satellite count out of range")
	ErrBadVoltage      = errors.New("proto: battery voltage does not match x.yyV")
	ErrBadDetachFlag   = errors.New("proto: detach flag must be 0 or 1")
	ErrBadNumericField = errors.New("proto: malformed numeric field")

	ErrFrameTooShort  = errors.New("proto: keep-alive frame shorter than 8 bytes")
	ErrBadFrameHeader = errors.New("proto: keep-alive frame missing 0xD0 0xD7 header")

	ErrMalformedCommand = errors.New("proto: malformed command line")
	ErrMalformedReply   = errors.New("proto: malformed reply line")
	ErrCommandNameLen   = errors.New("proto: command name exceeds 12 characters")
	ErrBadTag           = errors.New("proto: tag is not 4 decimal digits")
)
