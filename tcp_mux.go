package ice

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// channelState is the per-connection state machine spec.md §4.12 names:
// a fresh TCP accept optionally negotiates a pseudo-SSL handshake, then
// reads RFC 4571 2-byte-length-prefixed frames until the first STUN Binding
// Request is classified and the connection is handed off to its Component.
type channelState int

const (
	channelAwaitingHandshake channelState = iota
	channelAwaitingLength
	channelAwaitingPayload
	channelHandedOff
	channelClosed
)

// pseudoSSLClientHello and pseudoSSLServerHello are the fixed 79/76-byte
// blobs ICE-TCP/TURN-TCP peers exchange before RFC 4571 framing begins when
// the channel is configured for the SSLTCP pseudo-transport (spec.md §4.12,
// §9 Design Notes: kept as a literal compatibility shim, not real TLS).
var (
	pseudoSSLClientHello = []byte{
		0x80, 0x4d, 0x01, 0x03, 0x01, 0x00, 0x4a, 0x00, 0x00,
		0x00, 0x20, 0x00, 0x00, 0x39, 0x00, 0x00, 0x38, 0x00,
		0x00, 0x35, 0x00, 0x00, 0x33, 0x00, 0x00, 0x32, 0x00,
		0x00, 0x04, 0x00, 0x00, 0x05, 0x00, 0x00, 0x2f, 0x00,
		0x00, 0x16, 0x00, 0x00, 0x13, 0x00, 0xfe, 0xff, 0x00,
		0x00, 0x0a, 0x00, 0x00, 0x15, 0x00, 0x00, 0x12, 0x00,
		0xfe, 0xfe, 0x00, 0x00, 0x09, 0x00, 0x00, 0x64, 0x00,
		0x00, 0x62, 0x00, 0x00, 0x03, 0x00, 0x00, 0x06, 0x1f,
		0x17, 0x0c, 0xa6, 0x2f, 0x00, 0x78, 0xfc, 0x46, 0x55,
		0x2e, 0xb1, 0x83, 0x39, 0xf1, 0xea,
	}
	pseudoSSLServerHello = []byte{
		0x80, 0x48, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 0x20,
		0x00, 0x00, 0x16, 0x00, 0x00, 0x13, 0x00, 0x00, 0x0a,
		0x07, 0x00, 0xc0, 0x00, 0x00, 0x00, 0x00, 0x20, 0x00,
		0xca, 0x17, 0x4f, 0xb1, 0x98, 0x92, 0x9a, 0x28, 0x73,
		0xa3, 0x92, 0x18, 0xf0, 0x7f, 0x3c, 0x2c, 0x49, 0xbe,
		0xb3, 0xa1, 0x99, 0xde, 0xd0, 0xac, 0x14, 0x91, 0x13,
		0x39, 0x70, 0x93, 0x00, 0x00,
	}
)

// TcpChannel is one accepted TCP connection routed by a TcpListener, in its
// own per-connection state machine.
type TcpChannel struct {
	conn  net.Conn
	r     *bufio.Reader
	log   logging.LeveledLogger
	state channelState

	idleTimeout  time.Duration
	ufrag        string
	firstPayload []byte
}

// Conn returns the underlying connection, available once the channel has
// been handed off to its Component.
func (c *TcpChannel) Conn() net.Conn { return c.conn }

// Ufrag returns the local ufrag this channel was routed to.
func (c *TcpChannel) Ufrag() string { return c.ufrag }

// FirstPayload returns the already-consumed STUN Binding Request frame that
// triggered handoff, so the receiving Component can process it instead of
// losing it to the listener's own read.
func (c *TcpChannel) FirstPayload() []byte { return c.firstPayload }

// ReadFrame reads the next RFC 4571 frame from the channel after handoff.
// A zero-length frame means the remote closed the channel cleanly.
func (c *TcpChannel) ReadFrame() ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	return c.readFrame()
}

// WriteFrame writes buf as one RFC 4571 length-prefixed frame.
func (c *TcpChannel) WriteFrame(buf []byte) error {
	if len(buf) > 0xFFFF {
		return fmt.Errorf("%w: rfc4571 frame too large", ErrInvalidArgument)
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(buf)))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(buf)
	return err
}

// Close closes the underlying connection.
func (c *TcpChannel) Close() error {
	c.state = channelClosed
	return c.conn.Close()
}

// TcpListener implements spec.md §4.12: accepts TCP connections on a single
// bound listener, optionally speaks the pseudo-SSL handshake, frames
// payloads per RFC 4571, and hands each channel off to the Component whose
// ufrag its first STUN Binding Request names. Grounded on the teacher's
// internal/mux_legacy/mux.go accept loop; the framing/handshake state
// machine itself is new, since the legacy mux has no TCP path at all.
type TcpListener struct {
	cfg     *Config
	log     logging.LeveledLogger
	wrapper *SocketWrapper
	ln      net.Listener
	sslTCP  bool

	mu      sync.Mutex
	byUfrag map[string]chan *TcpChannel
	closed  bool
}

// NewTcpListener wraps an already-bound TCP SocketWrapper. sslTCP selects
// the pseudo-SSL handshake variant of the transport (spec.md §4.12's
// SSLTCP alias, see DESIGN.md).
func NewTcpListener(cfg *Config, wrapper *SocketWrapper, sslTCP bool) (*TcpListener, error) {
	ln := wrapper.Listener()
	if ln == nil {
		return nil, fmt.Errorf("%w: tcp listener requires a tcp socket", ErrInvalidArgument)
	}
	l := &TcpListener{
		cfg:     cfg,
		log:     newComponentLogger(cfg.loggerFactory(), "ice-tcp-listener"),
		wrapper: wrapper,
		ln:      ln,
		sslTCP:  sslTCP,
		byUfrag: make(map[string]chan *TcpChannel),
	}
	go l.acceptLoop()
	return l, nil
}

// RegisterUfrag returns a channel delivering TcpChannel handoffs for ufrag.
// Only one Component may register a given ufrag.
func (l *TcpListener) RegisterUfrag(ufrag string) (<-chan *TcpChannel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.byUfrag[ufrag]; exists {
		return nil, ErrUnsupportedAgentTopology
	}
	ch := make(chan *TcpChannel, 8)
	l.byUfrag[ufrag] = ch
	return ch, nil
}

// RemoveUfrag deregisters ufrag and closes its handoff channel.
func (l *TcpListener) RemoveUfrag(ufrag string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.byUfrag[ufrag]; ok {
		delete(l.byUfrag, ufrag)
		close(ch)
	}
}

// Close stops accepting and releases the underlying listener.
func (l *TcpListener) Close() error {
	l.mu.Lock()
	l.closed = true
	for ufrag, ch := range l.byUfrag {
		delete(l.byUfrag, ufrag)
		close(ch)
	}
	l.mu.Unlock()
	return l.wrapper.release()
}

func (l *TcpListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				l.log.Warnf("tcp listener: accept error: %s", err)
			}
			return
		}
		go l.serve(conn)
	}
}

func (l *TcpListener) serve(conn net.Conn) {
	timeout := l.cfg.SocketChannelReadTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ch := &TcpChannel{
		conn:        conn,
		r:           bufio.NewReader(conn),
		log:         l.log,
		state:       channelAwaitingHandshake,
		idleTimeout: timeout,
	}

	if err := ch.negotiate(l.sslTCP); err != nil {
		l.log.Debugf("tcp listener: handshake failed from %s: %s", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	ufrag, payload, err := ch.readFirstFrame()
	if err != nil {
		l.log.Debugf("tcp listener: first frame from %s: %s", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	l.mu.Lock()
	target, ok := l.byUfrag[ufrag]
	l.mu.Unlock()
	if !ok {
		l.log.Debugf("tcp listener: binding request for unknown ufrag %q from %s", ufrag, conn.RemoteAddr())
		conn.Close()
		return
	}

	ch.ufrag = ufrag
	ch.state = channelHandedOff
	ch.firstPayload = payload
	select {
	case target <- ch:
	default:
		l.log.Warnf("tcp listener: handoff queue full for ufrag %q, dropping channel", ufrag)
		conn.Close()
	}
}

// negotiate performs the optional pseudo-SSL server-side handshake: read
// the fixed client-hello blob, write the fixed server-hello blob. A
// plain (non-SSLTCP) channel skips straight to framing.
func (c *TcpChannel) negotiate(sslTCP bool) error {
	if !sslTCP {
		c.state = channelAwaitingLength
		return nil
	}
	c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	hello := make([]byte, len(pseudoSSLClientHello))
	if _, err := readFull(c.r, hello); err != nil {
		return fmt.Errorf("ice: pseudo-ssl client hello: %w", err)
	}
	if _, err := c.conn.Write(pseudoSSLServerHello); err != nil {
		return fmt.Errorf("ice: pseudo-ssl server hello: %w", err)
	}
	c.state = channelAwaitingLength
	return nil
}

// readFirstFrame reads one RFC 4571 length-prefixed frame, classifies it,
// extracts the local ufrag from its STUN Binding Request USERNAME, and
// returns both. A zero-length frame or a non-Binding-Request first frame
// closes the channel per spec.md §4.12/§8 (RFC 4571 zero-length frame closes
// the channel).
func (c *TcpChannel) readFirstFrame() (ufrag string, payload []byte, err error) {
	c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))

	payload, err = c.readFrame()
	if err != nil {
		return "", nil, err
	}
	if len(payload) == 0 {
		c.state = channelClosed
		return "", nil, fmt.Errorf("ice: rfc4571 zero-length frame closed channel")
	}
	if !IsStunBindingRequest(payload) {
		return "", nil, fmt.Errorf("ice: first tcp frame is not a stun binding request")
	}
	ufrag, ok := localUfragFromBindingRequest(payload)
	if !ok {
		return "", nil, fmt.Errorf("ice: stun binding request missing username")
	}
	return ufrag, payload, nil
}

// readFrame reads one RFC 4571 2-byte-length-prefixed frame from the
// channel.
func (c *TcpChannel) readFrame() ([]byte, error) {
	var lenBuf [2]byte
	if _, err := readFull(c.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	if _, err := readFull(c.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
