package ice

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/stun/v3"
)

// TransactionEvent is delivered to a response-collector capability (spec.md
// §4.4): on_response/on_failure. The Request is deliberately not carried on
// the event; clients keep their own TransactionId -> Request map to
// correlate outcomes, per spec.md §3's Transaction invariant.
type TransactionEvent struct {
	TransactionID stun.TransactionID
	Response      *stun.Message
	Err           error
	// AppData threads an arbitrary payload through the retry loop, used by
	// the TURN Harvester to carry a relayed-socket reference across a
	// CreatePermission/ChannelBind retry (spec.md §3 Transaction.AppData).
	AppData interface{}
}

// ResponseCollector is the consumer-supplied capability a Transaction
// delivers its terminal event to.
type ResponseCollector interface {
	OnResponse(TransactionEvent)
	OnFailure(TransactionEvent)
}

// CollectorFuncs adapts two plain functions to ResponseCollector.
type CollectorFuncs struct {
	Response func(TransactionEvent)
	Failure  func(TransactionEvent)
}

// OnResponse implements ResponseCollector.
func (c CollectorFuncs) OnResponse(e TransactionEvent) {
	if c.Response != nil {
		c.Response(e)
	}
}

// OnFailure implements ResponseCollector.
func (c CollectorFuncs) OnFailure(e TransactionEvent) {
	if c.Failure != nil {
		c.Failure(e)
	}
}

// transaction is one in-flight client-side STUN/TURN transaction (spec.md
// §3).
type transaction struct {
	id         stun.TransactionID
	request    *stun.Message
	target     TransportAddress
	local      TransportAddress
	collector  ResponseCollector
	appData    interface{}
	reliable   bool // TCP/TLS: no retransmission, single 39.5s ceiling
	cancel     context.CancelFunc
}

// TransactionLayer implements spec.md §4.4: retransmit timers, response
// matching, and failure/cancellation delivery. The STUN and TURN harvesters
// create one instance per request they send. Grounded on the
// teacher's pkg_ice_legacy/agent.go pingCandidate/taskLoop send-and-await
// shape, generalized into a reusable, cancelable client.
type TransactionLayer struct {
	cfg *Config
	log logging.LeveledLogger

	mu           sync.Mutex
	inFlight     map[stun.TransactionID]*transaction
	sendFunc     func(buf []byte, target TransportAddress) error
	closed       bool
}

// NewTransactionLayer constructs a TransactionLayer bound to a single
// outbound sendFunc (usually a SocketWrapper's WriteTo).
func NewTransactionLayer(cfg *Config, sendFunc func(buf []byte, target TransportAddress) error) *TransactionLayer {
	return &TransactionLayer{
		cfg:      cfg,
		log:      newComponentLogger(cfg.loggerFactory(), "ice-transaction"),
		inFlight: make(map[stun.TransactionID]*transaction),
		sendFunc: sendFunc,
	}
}

// Send starts a new transaction for request against target, returning its
// transaction id. Outcomes are delivered to collector's OnResponse/OnFailure
// exactly once.
func (tl *TransactionLayer) Send(request *stun.Message, target, local TransportAddress, collector ResponseCollector, appData interface{}) (stun.TransactionID, error) {
	tl.mu.Lock()
	if tl.closed {
		tl.mu.Unlock()
		return stun.TransactionID{}, ErrTransactionCanceled
	}
	tl.mu.Unlock()

	id := request.TransactionID
	ctx, cancel := context.WithCancel(context.Background())
	tx := &transaction{
		id:        id,
		request:   request,
		target:    target,
		local:     local,
		collector: collector,
		appData:   appData,
		reliable:  target.Transport.NetworkKind() == "tcp",
		cancel:    cancel,
	}

	tl.mu.Lock()
	if _, dup := tl.inFlight[id]; dup {
		tl.mu.Unlock()
		cancel()
		return id, fmt.Errorf("ice: transaction id collision")
	}
	tl.inFlight[id] = tx
	tl.mu.Unlock()

	go tl.drive(ctx, tx)
	return id, nil
}

func (tl *TransactionLayer) drive(ctx context.Context, tx *transaction) {
	raw := tx.request.Raw
	if tx.reliable {
		tl.driveReliable(ctx, tx, raw)
		return
	}

	timer := tl.cfg.MaxCtranRetransTimer
	if timer <= 0 {
		timer = 1600 * time.Millisecond
	}
	retries := tl.cfg.MaxCtranRetransmission
	if retries <= 0 {
		retries = 7
	}

	rto := 500 * time.Millisecond
	if err := tl.sendFunc(raw, tx.target); err != nil {
		tl.fail(tx, fmt.Errorf("%w: %v", ErrTransactionFailure, err))
		return
	}

	for attempt := 0; attempt < retries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(rto):
			if !tl.stillPending(tx.id) {
				return
			}
			if err := tl.sendFunc(raw, tx.target); err != nil {
				tl.fail(tx, fmt.Errorf("%w: %v", ErrTransactionFailure, err))
				return
			}
			rto *= 2
			if rto > timer {
				rto = timer
			}
		}
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(rto):
	}
	tl.fail(tx, ErrTransactionTimeout)
}

func (tl *TransactionLayer) driveReliable(ctx context.Context, tx *transaction, raw []byte) {
	const tcpCeiling = 39500 * time.Millisecond
	if err := tl.sendFunc(raw, tx.target); err != nil {
		tl.fail(tx, fmt.Errorf("%w: %v", ErrTransactionFailure, err))
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(tcpCeiling):
		tl.fail(tx, ErrTransactionTimeout)
	}
}

func (tl *TransactionLayer) stillPending(id stun.TransactionID) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	_, ok := tl.inFlight[id]
	return ok
}

// Deliver matches an inbound response to its transaction and delivers it to
// the collector exactly once, removing the transaction from the in-flight
// map. Returns false if no matching transaction is in flight (the caller
// should silently drop the buffer).
func (tl *TransactionLayer) Deliver(resp *stun.Message) bool {
	tl.mu.Lock()
	tx, ok := tl.inFlight[resp.TransactionID]
	if ok {
		delete(tl.inFlight, resp.TransactionID)
	}
	tl.mu.Unlock()
	if !ok {
		return false
	}
	tx.cancel()
	tx.collector.OnResponse(TransactionEvent{TransactionID: tx.id, Response: resp, AppData: tx.appData})
	return true
}

// RequestFor returns the outbound Request for a transaction still in
// flight, so integrity validation (§4.4) can check whether the matching
// request carried USERNAME + MESSAGE-INTEGRITY.
func (tl *TransactionLayer) RequestFor(id stun.TransactionID) (*stun.Message, bool) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tx, ok := tl.inFlight[id]
	if !ok {
		return nil, false
	}
	return tx.request, true
}

func (tl *TransactionLayer) fail(tx *transaction, err error) {
	tl.mu.Lock()
	_, stillThere := tl.inFlight[tx.id]
	if stillThere {
		delete(tl.inFlight, tx.id)
	}
	tl.mu.Unlock()
	if !stillThere {
		return
	}
	tx.collector.OnFailure(TransactionEvent{TransactionID: tx.id, Err: err, AppData: tx.appData})
}

// Close cancels every in-flight transaction, delivering ErrTransactionCanceled
// failures, per spec.md §5's cancellation contract. Idempotent.
func (tl *TransactionLayer) Close() {
	tl.mu.Lock()
	if tl.closed {
		tl.mu.Unlock()
		return
	}
	tl.closed = true
	pending := make([]*transaction, 0, len(tl.inFlight))
	for _, tx := range tl.inFlight {
		pending = append(pending, tx)
	}
	tl.inFlight = make(map[stun.TransactionID]*transaction)
	tl.mu.Unlock()

	for _, tx := range pending {
		tx.cancel()
		tx.collector.OnFailure(TransactionEvent{TransactionID: tx.id, Err: ErrTransactionCanceled, AppData: tx.appData})
	}
}

// newTransactionID generates a STUN transaction id using pion/randutil for
// its random bytes, grounded on the teacher's internal/util_legacy RandSeq
// (replaced here with the current-generation dependency the rest of the
// pion stack uses for randomness).
func newTransactionID() (stun.TransactionID, error) {
	var id stun.TransactionID
	gen := randutil.NewMathRandomGenerator()
	b, err := gen.GenerateCryptoRandomString(stun.TransactionIDSize, randutil.CharSetAlphaNumeric)
	if err != nil || len(b) < stun.TransactionIDSize {
		// Fall back to raw crypto/rand bytes only when randutil's generator
		// fails; otherwise the id's bytes are the alphanumeric characters
		// randutil returned.
		buf := make([]byte, stun.TransactionIDSize)
		if _, err := rand.Read(buf); err != nil {
			return id, err
		}
		copy(id[:], buf)
		return id, nil
	}
	copy(id[:], []byte(b)[:stun.TransactionIDSize])
	return id, nil
}

// dialTimeout is the 3s connect timeout spec.md §4.7 specifies for TCP/TLS
// STUN server connections.
const dialTimeout = 3 * time.Second

func dialTCP(ctx context.Context, target TransportAddress) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(target.IP.String(), fmt.Sprintf("%d", target.Port)))
}
