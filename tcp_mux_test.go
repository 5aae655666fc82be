package ice

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
)

func newLoopbackTcpListener(t *testing.T, sslTCP bool) (*TcpListener, int) {
	t.Helper()
	bt := NewBindingTable()
	cfg := DefaultConfig()
	wrapper, err := bt.BindTCPListener(cfg, net.IPv4(127, 0, 0, 1), 0, TransportTCP)
	if err != nil {
		t.Fatalf("BindTCPListener: %s", err)
	}
	ln, err := NewTcpListener(cfg, wrapper, sslTCP)
	if err != nil {
		t.Fatalf("NewTcpListener: %s", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln, wrapper.Local().Port
}

func writeFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.Fatalf("write frame length: %s", err)
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			t.Fatalf("write frame payload: %s", err)
		}
	}
}

func TestTcpListenerHandsOffFirstBindingRequest(t *testing.T) {
	ln, port := newLoopbackTcpListener(t, false)

	ch, err := ln.RegisterUfrag("ufrag1")
	if err != nil {
		t.Fatalf("RegisterUfrag: %s", err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoaPort(port)))
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	defer conn.Close()

	req, err := stun.Build(stun.NewType(stun.MethodBinding, stun.ClassRequest), stun.NewTransactionID(), stun.Username("ufrag1:remote"))
	if err != nil {
		t.Fatalf("build: %s", err)
	}
	writeFrame(t, conn, req.Raw)

	select {
	case tc := <-ch:
		if tc.Ufrag() != "ufrag1" {
			t.Fatalf("expected handed-off channel for ufrag1, got %q", tc.Ufrag())
		}
		if string(tc.FirstPayload()) != string(req.Raw) {
			t.Fatal("expected FirstPayload to carry the exact binding request bytes")
		}
	case <-time.After(time.Second):
		t.Fatal("expected the channel to be handed off after the first binding request")
	}
}

func TestTcpListenerClosesOnZeroLengthFirstFrame(t *testing.T) {
	ln, port := newLoopbackTcpListener(t, false)
	if _, err := ln.RegisterUfrag("ufrag1"); err != nil {
		t.Fatalf("RegisterUfrag: %s", err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoaPort(port)))
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	defer conn.Close()

	writeFrame(t, conn, nil)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the listener to close the connection after a zero-length first frame")
	}
}

func TestTcpListenerRejectsUnknownUfrag(t *testing.T) {
	ln, port := newLoopbackTcpListener(t, false)
	if _, err := ln.RegisterUfrag("known"); err != nil {
		t.Fatalf("RegisterUfrag: %s", err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoaPort(port)))
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	defer conn.Close()

	req, err := stun.Build(stun.NewType(stun.MethodBinding, stun.ClassRequest), stun.NewTransactionID(), stun.Username("nobody:remote"))
	if err != nil {
		t.Fatalf("build: %s", err)
	}
	writeFrame(t, conn, req.Raw)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the listener to close the connection for an unregistered ufrag")
	}
}

func TestTcpListenerPseudoSSLHandshake(t *testing.T) {
	ln, port := newLoopbackTcpListener(t, true)
	ch, err := ln.RegisterUfrag("ufrag1")
	if err != nil {
		t.Fatalf("RegisterUfrag: %s", err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoaPort(port)))
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	defer conn.Close()

	if _, err := conn.Write(pseudoSSLClientHello); err != nil {
		t.Fatalf("write client hello: %s", err)
	}
	serverHello := make([]byte, len(pseudoSSLServerHello))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := readFullFromConn(conn, serverHello); err != nil {
		t.Fatalf("read server hello: %s", err)
	}
	for i := range serverHello {
		if serverHello[i] != pseudoSSLServerHello[i] {
			t.Fatalf("server hello mismatch at byte %d: got %x want %x", i, serverHello[i], pseudoSSLServerHello[i])
		}
	}

	req, err := stun.Build(stun.NewType(stun.MethodBinding, stun.ClassRequest), stun.NewTransactionID(), stun.Username("ufrag1:remote"))
	if err != nil {
		t.Fatalf("build: %s", err)
	}
	writeFrame(t, conn, req.Raw)

	select {
	case tc := <-ch:
		if tc.Ufrag() != "ufrag1" {
			t.Fatalf("expected handoff for ufrag1, got %q", tc.Ufrag())
		}
	case <-time.After(time.Second):
		t.Fatal("expected handoff after the pseudo-ssl handshake and first binding request")
	}
}

func readFullFromConn(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
