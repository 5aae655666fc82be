package ice

import (
	"net"
	"testing"
)

func TestTransportAddressKeyAliasesSSLTCPAndTLS(t *testing.T) {
	tls := TransportAddress{IP: net.ParseIP("192.0.2.1"), Port: 443, Transport: TransportTLS}
	sslTCP := TransportAddress{IP: net.ParseIP("192.0.2.1"), Port: 443, Transport: TransportSSLTCP}
	if tls.Key() != sslTCP.Key() {
		t.Fatalf("expected TLS and SSLTCP to share a binding-table key, got %v vs %v", tls.Key(), sslTCP.Key())
	}
	if !tls.Equal(sslTCP) {
		t.Fatal("expected TLS and SSLTCP addresses to be Equal")
	}
}

func TestTransportAddressKeyDistinguishesTransport(t *testing.T) {
	udp := TransportAddress{IP: net.ParseIP("192.0.2.1"), Port: 3478, Transport: TransportUDP}
	tcp := TransportAddress{IP: net.ParseIP("192.0.2.1"), Port: 3478, Transport: TransportTCP}
	if udp.Key() == tcp.Key() {
		t.Fatal("expected UDP and TCP on the same ip:port to have distinct keys")
	}
}

func TestIsTLSFamily(t *testing.T) {
	if !TransportTLS.IsTLSFamily() || !TransportSSLTCP.IsTLSFamily() {
		t.Fatal("expected both TLS and SSLTCP to report IsTLSFamily")
	}
	if TransportTCP.IsTLSFamily() || TransportUDP.IsTLSFamily() {
		t.Fatal("expected plain TCP/UDP to not report IsTLSFamily")
	}
}

func TestIsIPv6(t *testing.T) {
	v4 := TransportAddress{IP: net.ParseIP("192.0.2.1")}
	v6 := TransportAddress{IP: net.ParseIP("2001:db8::1")}
	if v4.IsIPv6() {
		t.Fatal("expected an IPv4 address to report IsIPv6 false")
	}
	if !v6.IsIPv6() {
		t.Fatal("expected an IPv6 address to report IsIPv6 true")
	}
}
