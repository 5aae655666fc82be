package ice

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"
)

// UdpMux is the Single-Port UDP Demultiplexer of spec.md §4.11: one shared
// UDP socket, every inbound datagram inspected and routed to the
// SocketWrapper that owns its remote address, with first-contact routing
// decided from a STUN Binding Request's USERNAME ("localUfrag:remoteUfrag",
// RFC 8445 §7.1.2.3 — the recipient's fragment comes first) against a
// registered local ufrag. Grounded on the
// teacher's internal/mux_legacy/mux.go read loop/per-endpoint dispatch,
// rewritten around ufrag keys in place of the legacy arbitrary match-func
// registry (spec.md §4.11 names a fixed routing rule, not a general mux).
type UdpMux struct {
	cfg    *Config
	log    logging.LeveledLogger
	socket *SocketWrapper
	pc     net.PacketConn

	mu          sync.Mutex
	byUfrag     map[string]*udpMuxEndpoint
	byRemote    map[string]*udpMuxEndpoint
	closed      bool
	readErr     error
	readyOnce   sync.Once
}

// udpMuxEndpoint is one registered Component's view of the shared socket: a
// queue of inbound datagrams from remotes that have been associated with its
// ufrag.
type udpMuxEndpoint struct {
	ufrag   string
	inbound chan RawMessage
}

// NewUdpMux wraps an already-bound UDP SocketWrapper as a demultiplexer.
// Per spec.md §4.11, exactly one Stream with exactly one Component may use
// a UdpMux; RegisterComponent enforces this via ErrUnsupportedAgentTopology.
func NewUdpMux(cfg *Config, socket *SocketWrapper) (*UdpMux, error) {
	pc := socket.PacketConn()
	if pc == nil {
		return nil, fmt.Errorf("%w: udp mux requires a udp socket", ErrInvalidArgument)
	}
	m := &UdpMux{
		cfg:      cfg,
		log:      newComponentLogger(cfg.loggerFactory(), "ice-udp-mux"),
		socket:   socket,
		pc:       pc,
		byUfrag:  make(map[string]*udpMuxEndpoint),
		byRemote: make(map[string]*udpMuxEndpoint),
	}
	go m.readLoop()
	return m, nil
}

// RegisterComponent associates component's local ufrag with this mux and
// returns a channel of datagrams routed to it. It is an error to register a
// Component whose Stream holds more than one Component, a Component whose
// Agent holds more than one Stream, or a ufrag that is already registered
// (spec.md §4.11's single-component topology constraint).
func (m *UdpMux) RegisterComponent(component *Component) (<-chan RawMessage, error) {
	stream := component.ParentStream()
	if stream != nil && len(stream.Components()) > 1 {
		return nil, ErrUnsupportedAgentTopology
	}
	if stream != nil && stream.Agent() != nil && len(stream.Agent().Streams()) > 1 {
		return nil, ErrUnsupportedAgentTopology
	}

	ufrag := component.LocalUfrag()
	if ufrag == "" {
		return nil, fmt.Errorf("%w: component has no local ufrag", ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byUfrag[ufrag]; exists {
		return nil, ErrUnsupportedAgentTopology
	}
	ep := &udpMuxEndpoint{ufrag: ufrag, inbound: make(chan RawMessage, 256)}
	m.byUfrag[ufrag] = ep
	return ep.inbound, nil
}

// RemoveComponent tears down a Component's routing entry and every remote
// mapping that pointed at it.
func (m *UdpMux) RemoveComponent(component *Component) {
	ufrag := component.LocalUfrag()
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.byUfrag[ufrag]
	if !ok {
		return
	}
	delete(m.byUfrag, ufrag)
	for remote, e := range m.byRemote {
		if e == ep {
			delete(m.byRemote, remote)
		}
	}
	close(ep.inbound)
}

// Send writes buf to remote on the shared socket (used by a Component that
// owns a registered ufrag to reply without opening its own socket).
func (m *UdpMux) Send(buf []byte, remote net.Addr) (int, error) {
	return m.pc.WriteTo(buf, remote)
}

// Close shuts down the read loop and releases the underlying socket.
func (m *UdpMux) Close() error {
	m.mu.Lock()
	m.closed = true
	for _, ep := range m.byUfrag {
		close(ep.inbound)
	}
	m.byUfrag = make(map[string]*udpMuxEndpoint)
	m.byRemote = make(map[string]*udpMuxEndpoint)
	m.mu.Unlock()
	return m.socket.release()
}

// readLoop is the mux's single reader goroutine: every datagram on the
// shared socket passes through here before any Component sees it (spec.md
// §4.11 "non-STUN datagrams are dropped before reaching application code
// unless a remote mapping already exists").
func (m *UdpMux) readLoop() {
	buf := make([]byte, 8192)
	for {
		n, remote, err := m.pc.ReadFrom(buf)
		if err != nil {
			m.mu.Lock()
			closed := m.closed
			m.readErr = err
			m.mu.Unlock()
			if !closed {
				m.log.Warnf("udp mux: read error: %s", err)
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		m.dispatch(data, remote)
	}
}

func (m *UdpMux) dispatch(data []byte, remote net.Addr) {
	m.mu.Lock()
	if ep, ok := m.byRemote[remote.String()]; ok {
		m.mu.Unlock()
		m.deliver(ep, data, remote)
		return
	}
	m.mu.Unlock()

	if !IsStunBindingRequest(data) {
		return
	}

	ufrag, ok := localUfragFromBindingRequest(data)
	if !ok {
		return
	}

	m.mu.Lock()
	ep, ok := m.byUfrag[ufrag]
	if ok {
		m.byRemote[remote.String()] = ep
	}
	m.mu.Unlock()
	if !ok {
		m.log.Debugf("udp mux: binding request for unknown ufrag %q from %s", ufrag, remote)
		return
	}
	m.deliver(ep, data, remote)
}

func (m *UdpMux) deliver(ep *udpMuxEndpoint, data []byte, remote net.Addr) {
	select {
	case ep.inbound <- RawMessage{Data: data, Remote: remote}:
	default:
		m.log.Warnf("udp mux: endpoint %q inbound queue full, dropping datagram from %s", ep.ufrag, remote)
	}
}

// localUfragFromBindingRequest decodes USERNAME and splits it into
// localUfrag:remoteUfrag (RFC 8445 §7.1.2.3), returning the local half this
// host should recognize.
func localUfragFromBindingRequest(data []byte) (string, bool) {
	msg := &stun.Message{Raw: append([]byte(nil), data...)}
	if err := msg.Decode(); err != nil {
		return "", false
	}
	var username stun.Username
	if err := username.GetFrom(msg); err != nil {
		return "", false
	}
	parts := strings.SplitN(string(username), ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", false
	}
	return parts[0], true
}
