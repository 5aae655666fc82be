package ice

import (
	"fmt"
	"net"
)

// TransportType is the transport kind a TransportAddress is reachable over.
// SSLTCP is carried as a distinct value for wire-format purposes (the
// pseudo-SSL handshake in the TCP Listener) but is an alias of TLS in every
// other code path, per spec.md §9 Open Questions.
type TransportType int

const (
	// TransportUDP is plain UDP.
	TransportUDP TransportType = iota
	// TransportTCP is plain unencrypted TCP, framed per RFC 4571.
	TransportTCP
	// TransportTLS is TCP wrapped in TLS, framed per RFC 4571.
	TransportTLS
	// TransportSSLTCP is TCP preceded by the legacy pseudo-SSL handshake.
	// Behaves identically to TransportTLS for candidate/priority purposes.
	TransportSSLTCP
)

func (t TransportType) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	case TransportTLS:
		return "tls"
	case TransportSSLTCP:
		return "ssltcp"
	default:
		return "unknown"
	}
}

// IsTLSFamily reports whether t is TLS or its SSLTCP alias.
func (t TransportType) IsTLSFamily() bool {
	return t == TransportTLS || t == TransportSSLTCP
}

// NetworkKind returns "udp" or "tcp", the kind passed to net.Dial-family
// calls; TLS/SSLTCP both dial as tcp and add the pseudo/TLS layer above.
func (t TransportType) NetworkKind() string {
	if t == TransportUDP {
		return "udp"
	}
	return "tcp"
}

// TransportAddress is an IP address, port, and transport kind. Two addresses
// with the same IP:port but different transports are distinct, per
// spec.md §3.
type TransportAddress struct {
	IP        net.IP
	Port      int
	Transport TransportType
}

// Network satisfies net.Addr.
func (a TransportAddress) Network() string { return a.Transport.NetworkKind() }

// String satisfies net.Addr and is also used as the binding-table key's
// textual form.
func (a TransportAddress) String() string {
	return fmt.Sprintf("%s/%s", net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port)), a.Transport)
}

// Key returns a comparable value suitable for use as a map key (net.IP is a
// slice and cannot be used directly).
func (a TransportAddress) Key() TransportAddressKey {
	return TransportAddressKey{IP: a.IP.String(), Port: a.Port, Transport: canonicalTransport(a.Transport)}
}

// IsIPv6 reports whether the address family is IPv6.
func (a TransportAddress) IsIPv6() bool {
	return a.IP.To4() == nil && a.IP.To16() != nil
}

// Equal reports whether two TransportAddresses refer to the same endpoint,
// treating SSLTCP and TLS as aliases per spec.md §9.
func (a TransportAddress) Equal(b TransportAddress) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port && canonicalTransport(a.Transport) == canonicalTransport(b.Transport)
}

func canonicalTransport(t TransportType) TransportType {
	if t == TransportSSLTCP {
		return TransportTLS
	}
	return t
}

// TransportAddressKey is the comparable (map-key-safe) projection of a
// TransportAddress, used by the Component's duplicate-suppression set and the
// global binding table.
type TransportAddressKey struct {
	IP        string
	Port      int
	Transport TransportType
}

func (k TransportAddressKey) String() string {
	return fmt.Sprintf("%s:%d/%s", k.IP, k.Port, canonicalTransport(k.Transport))
}
