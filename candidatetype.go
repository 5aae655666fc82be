package ice

// CandidateType is the discriminant of the Candidate sum type (spec.md §3).
type CandidateType int

const (
	// CandidateTypeHost is a local socket's address.
	CandidateTypeHost CandidateType = iota
	// CandidateTypeServerReflexive is a public address learned via STUN.
	CandidateTypeServerReflexive
	// CandidateTypeRelayed is an address on a TURN server.
	CandidateTypeRelayed
	// CandidateTypeStaticallyMapped is a Host's address rewritten through a
	// configured NAT 1:1 mapping.
	CandidateTypeStaticallyMapped
)

func (t CandidateType) String() string {
	switch t {
	case CandidateTypeHost:
		return "host"
	case CandidateTypeServerReflexive:
		return "srflx"
	case CandidateTypeRelayed:
		return "relay"
	case CandidateTypeStaticallyMapped:
		return "static"
	default:
		return "unknown"
	}
}

// typePreference is the RFC 8445 §5.1.2.1 type-preference term used by the
// priority formula. Values follow the RFC's recommended defaults.
func (t CandidateType) typePreference() int {
	switch t {
	case CandidateTypeHost:
		return 126
	case CandidateTypeStaticallyMapped:
		return 116
	case CandidateTypeServerReflexive:
		return 100
	case CandidateTypeRelayed:
		return 0
	default:
		return 0
	}
}

// TCPType classifies a TCP candidate's simultaneous-open role per RFC 6544.
type TCPType int

const (
	// TCPTypeUnspecified marks a non-TCP candidate or one with no role yet.
	TCPTypeUnspecified TCPType = iota
	// TCPTypeActive opens the TCP connection.
	TCPTypeActive
	// TCPTypePassive accepts the TCP connection.
	TCPTypePassive
	// TCPTypeSimultaneousOpen performs a simultaneous-open handshake.
	TCPTypeSimultaneousOpen
)

func (t TCPType) String() string {
	switch t {
	case TCPTypeActive:
		return "active"
	case TCPTypePassive:
		return "passive"
	case TCPTypeSimultaneousOpen:
		return "so"
	default:
		return ""
	}
}
