package ice

import "encoding/binary"

// PacketClass is the classifier's verdict on an inbound buffer (spec.md
// §4.3).
type PacketClass int

const (
	// PacketClassInvalid means the buffer is too short or structurally
	// inconsistent to be any recognized kind.
	PacketClassInvalid PacketClass = iota
	// PacketClassSTUN is a STUN Binding (or legacy shared-secret) message.
	PacketClassSTUN
	// PacketClassTURN is a TURN Allocate/CreatePermission/ChannelBind/Refresh/
	// Send/Data message.
	PacketClassTURN
	// PacketClassDTLS is a DTLS record.
	PacketClassDTLS
	// PacketClassApplication is anything else (e.g. SRTP/SRTCP, or other
	// application traffic multiplexed onto the same socket).
	PacketClassApplication
)

const stunMagicCookie = 0x2112A442

// STUN/TURN method codes recognized by the classifier, per spec.md §4.3.
const (
	methodBinding            = 0x0001
	methodSharedSecret       = 0x0002 // legacy RFC 3489, reserved
	methodAllocate           = 0x0003
	methodRefresh            = 0x0004
	methodSend               = 0x0006
	methodData               = 0x0007
	methodCreatePermission   = 0x0008
	methodChannelBind        = 0x0009
)

// Classify inspects the first bytes of buf and returns its PacketClass per
// spec.md §4.3's rules.
func Classify(buf []byte) PacketClass {
	if len(buf) >= 1 && buf[0] >= 20 && buf[0] <= 63 {
		return PacketClassDTLS
	}

	if len(buf) < 20 {
		return PacketClassInvalid
	}

	// High two bits of byte 0 must be zero for any STUN/TURN framing
	// (RFC 5389 §6).
	if buf[0]&0xC0 != 0 {
		return PacketClassApplication
	}

	declaredLength := int(binary.BigEndian.Uint16(buf[2:4]))
	hasMagicCookie := binary.BigEndian.Uint32(buf[4:8]) == stunMagicCookie
	legacyLengthMatches := declaredLength+20 == len(buf)

	if !hasMagicCookie && !legacyLengthMatches {
		return PacketClassApplication
	}

	if hasMagicCookie && declaredLength+20 > len(buf) {
		return PacketClassInvalid
	}

	methodRaw := binary.BigEndian.Uint16(buf[0:2])
	method := stunMethod(methodRaw)

	switch method {
	case methodBinding, methodSharedSecret:
		return PacketClassSTUN
	case methodAllocate, methodRefresh, methodSend, methodData, methodCreatePermission, methodChannelBind:
		return PacketClassTURN
	default:
		return PacketClassApplication
	}
}

// stunMethod extracts the 12-bit method field from the leading 16 bits of a
// STUN/TURN message, per RFC 5389 §6's non-contiguous class/method bit
// layout (bits: M11-M7, C1, M6-M4, C0, M3-M0).
func stunMethod(messageType uint16) uint16 {
	m := messageType & 0x0f
	m |= (messageType >> 1) & 0x70
	m |= (messageType >> 2) & 0xf80
	return m
}

// IsStunBindingRequest reports whether buf classifies as STUN and carries
// the Binding method with the Request class (the only shape the Single-Port
// Demux and TCP Listener act on for first-packet dispatch, §4.11/§4.12).
func IsStunBindingRequest(buf []byte) bool {
	if Classify(buf) != PacketClassSTUN {
		return false
	}
	messageType := binary.BigEndian.Uint16(buf[0:2])
	const classRequestBits = 0x0000 // class bits C1,C0 == 0,0 for Request
	method := stunMethod(messageType)
	classBits := (messageType & c1BitMask) | (messageType & c0BitMask)
	return method == methodBinding && classBits == classRequestBits
}

const (
	c0BitMask = 0x0010
	c1BitMask = 0x0100
)
