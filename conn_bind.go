package ice

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// RawMessage is one inbound datagram, tagged with the remote address it
// arrived from. UdpMux queues these on each registered Component's channel;
// SocketWrapper itself keeps no inbound queue.
type RawMessage struct {
	Data   []byte
	Remote net.Addr
}

// SocketWrapper is the process-lifetime handle described in spec.md §3: one
// local TransportAddress, an optional connected remote address, and (for
// UDP) reference counting so the global binding table can share one socket
// across multiple concurrent harvesters — mandatory for the Single-Port
// Demux (§4.11).
type SocketWrapper struct {
	mu     sync.Mutex
	local  TransportAddress
	remote *TransportAddress

	packetConn net.PacketConn // set for UDP wrappers
	listener   net.Listener   // set for TCP wrappers awaiting accepts
	conn       net.Conn       // set for a connected TCP/TLS session

	refCount int

	// wildcard is true when packetConn is bound to the unspecified address
	// and shared across every local interface (Config.BindWildcard). Sends
	// on a wildcard socket let the OS pick the outgoing source address,
	// which on a multi-homed host need not match the interface address the
	// candidate advertised; cm4/cm6 pin it via the per-packet control
	// message instead.
	wildcard bool
	cm4      *ipv4.PacketConn
	cm6      *ipv6.PacketConn
}

// Local returns the wrapper's bound local address.
func (w *SocketWrapper) Local() TransportAddress { return w.local }

// PacketConn returns the underlying net.PacketConn for a UDP wrapper, or nil.
func (w *SocketWrapper) PacketConn() net.PacketConn { return w.packetConn }

// Listener returns the underlying net.Listener for a TCP wrapper, or nil.
func (w *SocketWrapper) Listener() net.Listener { return w.listener }

// Conn returns the connected session, if any (set once a TCP/TLS dial or
// accept has completed).
func (w *SocketWrapper) Conn() net.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

// SetConn attaches a connected session to the wrapper (used by the STUN
// Harvester's TCP/TLS path, §4.7, after dialing the server).
func (w *SocketWrapper) SetConn(c net.Conn) {
	w.mu.Lock()
	w.conn = c
	w.mu.Unlock()
}

// WriteFrom sends buf to dst, pinning the outgoing source address to src
// when the wrapper's socket is a shared wildcard bind (spec.md §4.2's
// "single socket, many local addresses" sharing mode). src is ignored on a
// non-wildcard wrapper, since its socket is already bound to one address.
func (w *SocketWrapper) WriteFrom(buf []byte, dst net.Addr, src net.IP) (int, error) {
	if !w.wildcard || src == nil {
		return w.packetConn.WriteTo(buf, dst)
	}
	if v4 := src.To4(); v4 != nil {
		if w.cm4 == nil {
			w.cm4 = ipv4.NewPacketConn(w.packetConn)
			if err := w.cm4.SetControlMessage(ipv4.FlagSrc, true); err != nil {
				return w.packetConn.WriteTo(buf, dst)
			}
		}
		return w.cm4.WriteTo(buf, &ipv4.ControlMessage{Src: v4}, dst)
	}
	if w.cm6 == nil {
		w.cm6 = ipv6.NewPacketConn(w.packetConn)
		if err := w.cm6.SetControlMessage(ipv6.FlagSrc, true); err != nil {
			return w.packetConn.WriteTo(buf, dst)
		}
	}
	return w.cm6.WriteTo(buf, &ipv6.ControlMessage{Src: src}, dst)
}

func (w *SocketWrapper) retain() {
	w.mu.Lock()
	w.refCount++
	w.mu.Unlock()
}

// release decrements the refcount and closes the underlying socket once the
// last reference is dropped, per spec.md §4.2.
func (w *SocketWrapper) release() error {
	w.mu.Lock()
	w.refCount--
	closeNow := w.refCount <= 0
	w.mu.Unlock()
	if !closeNow {
		return nil
	}
	var err error
	if w.packetConn != nil {
		err = w.packetConn.Close()
	}
	if w.listener != nil {
		if lerr := w.listener.Close(); err == nil {
			err = lerr
		}
	}
	if w.conn != nil {
		if cerr := w.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// BindingTable is the global, process-wide socket-sharing registry of
// spec.md §4.2. Writes serialize per-address (spec.md §5): a second bind
// request for an address already in the table retains and returns the
// existing wrapper instead of opening a new socket.
type BindingTable struct {
	mu      sync.Mutex
	sockets map[TransportAddressKey]*SocketWrapper
}

// NewBindingTable constructs an empty table. One instance is shared across
// every harvester in a process (spec.md §5).
func NewBindingTable() *BindingTable {
	return &BindingTable{sockets: make(map[TransportAddressKey]*SocketWrapper)}
}

// BindUDP binds (or shares) a UDP socket at a single fixed port, honoring
// Config.BindWildcard (bind against the unspecified address so one socket
// serves every local address, per spec.md §4.2).
func (bt *BindingTable) BindUDP(cfg *Config, ip net.IP, port int) (*SocketWrapper, error) {
	bindIP := ip
	if cfg.BindWildcard {
		if ip.To4() != nil {
			bindIP = net.IPv4zero
		} else {
			bindIP = net.IPv6unspecified
		}
	}
	addr := TransportAddress{IP: bindIP, Port: port, Transport: TransportUDP}

	bt.mu.Lock()
	defer bt.mu.Unlock()
	if w, ok := bt.sockets[addr.Key()]; ok {
		w.retain()
		return w, nil
	}

	pc, err := cfg.network().ListenPacket("udp", net.JoinHostPort(bindIP.String(), itoaPort(port)))
	if err != nil {
		return nil, fmt.Errorf("ice: bind udp %s: %w", addr, err)
	}
	if udpAddr, ok := pc.LocalAddr().(*net.UDPAddr); ok {
		addr.Port = udpAddr.Port
	}
	w := &SocketWrapper{local: addr, packetConn: pc, refCount: 1, wildcard: cfg.BindWildcard}
	bt.sockets[addr.Key()] = w
	return w, nil
}

// BindUDPInRange performs the §4.2 port-range search (try preferred, then
// increment, wrapping from maxPort to minPort, up to BindRetries attempts)
// and shares the resulting socket via the binding table.
func (bt *BindingTable) BindUDPInRange(cfg *Config, ip net.IP, minPort, preferredPort, maxPort int) (*SocketWrapper, error) {
	var result *SocketWrapper
	_, err := portRangeBind(minPort, preferredPort, maxPort, cfg.BindRetries, func(port int) error {
		w, err := bt.BindUDP(cfg, ip, port)
		if err != nil {
			return err
		}
		result = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BindTCPListener binds (or shares) a TCP listener at a single fixed port.
func (bt *BindingTable) BindTCPListener(cfg *Config, ip net.IP, port int, transportType TransportType) (*SocketWrapper, error) {
	addr := TransportAddress{IP: ip, Port: port, Transport: transportType}

	bt.mu.Lock()
	defer bt.mu.Unlock()
	if w, ok := bt.sockets[addr.Key()]; ok {
		w.retain()
		return w, nil
	}

	ln, err := cfg.network().Listen("tcp", net.JoinHostPort(ip.String(), itoaPort(port)))
	if err != nil {
		return nil, fmt.Errorf("ice: bind tcp %s: %w", addr, err)
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		addr.Port = tcpAddr.Port
	}
	w := &SocketWrapper{local: addr, listener: ln, refCount: 1}
	bt.sockets[addr.Key()] = w
	return w, nil
}

// BindTCPListenerInRange is BindTCPListener's port-range-search counterpart.
func (bt *BindingTable) BindTCPListenerInRange(cfg *Config, ip net.IP, minPort, preferredPort, maxPort int, transportType TransportType) (*SocketWrapper, error) {
	var result *SocketWrapper
	_, err := portRangeBind(minPort, preferredPort, maxPort, cfg.BindRetries, func(port int) error {
		w, err := bt.BindTCPListener(cfg, ip, port, transportType)
		if err != nil {
			return err
		}
		result = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Release drops one reference on the wrapper bound at addr, closing the
// underlying socket if it was the last one.
func (bt *BindingTable) Release(addr TransportAddress) error {
	bt.mu.Lock()
	w, ok := bt.sockets[addr.Key()]
	if ok {
		delete(bt.sockets, addr.Key())
	}
	bt.mu.Unlock()
	if !ok {
		return nil
	}
	return w.release()
}

// Lookup returns the wrapper bound at addr, if any, without affecting its
// refcount. Used by the STUN Harvester's TCP/TLS path to attach an existing
// host socket to a newly connected session (spec.md §4.7).
func (bt *BindingTable) Lookup(addr TransportAddress) (*SocketWrapper, bool) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	w, ok := bt.sockets[addr.Key()]
	return w, ok
}

func itoaPort(p int) string {
	return fmt.Sprintf("%d", p)
}
