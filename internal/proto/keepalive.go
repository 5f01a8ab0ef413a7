package proto

import "encoding/binary"

// keepAliveHeaderHi and keepAliveHeaderLo are the fixed two bytes that
// disambiguate a keep-alive frame from textual traffic on the same tracker
// socket (spec.md Section 3, KeepAliveFrame).
const (
	keepAliveHeaderHi byte = 0xD0
	keepAliveHeaderLo byte = 0xD7

	// KeepAliveFrameLen is the fixed length of a keep-alive frame in bytes.
	KeepAliveFrameLen = 8
)

// HasKeepAliveHeader reports whether buf begins with the 0xD0 0xD7 header,
// used by the tracker session's CLASSIFY step (spec.md Section 4.6).
func HasKeepAliveHeader(buf []byte) bool {
	return len(buf) >= 2 && buf[0] == keepAliveHeaderHi && buf[1] == keepAliveHeaderLo
}

// ParseKeepAlive decodes an 8-byte keep-alive frame into its sequence
// number and device id. Both are little-endian per spec.md Section 3.
func ParseKeepAlive(buf []byte) (seq uint16, deviceID uint32, err error) {
	if len(buf) < KeepAliveFrameLen {
		return 0, 0, ErrFrameTooShort
	}

	if !HasKeepAliveHeader(buf) {
		return 0, 0, ErrBadFrameHeader
	}

	seq = binary.LittleEndian.Uint16(buf[2:4])
	deviceID = binary.LittleEndian.Uint32(buf[4:8])

	return seq, deviceID, nil
}

// EmitKeepAlive renders a keep-alive frame for seq/deviceID. The server
// echoes an inbound frame back unchanged rather than calling this for
// replies, but the dispatcher and tests use it to construct frames.
func EmitKeepAlive(seq uint16, deviceID uint32) []byte {
	buf := make([]byte, KeepAliveFrameLen)
	buf[0] = keepAliveHeaderHi
	buf[1] = keepAliveHeaderLo
	binary.LittleEndian.PutUint16(buf[2:4], seq)
	binary.LittleEndian.PutUint32(buf[4:8], deviceID)

	return buf
}
