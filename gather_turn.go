package ice

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"
)

// TURN error codes from RFC 5766 §14, dispatched per spec.md §4.8's table.
const (
	turnCodeTryAlternate               = 300
	turnCodeUnknownAttribute           = 420
	turnCodeAllocationMismatch         = 437
	turnCodeUnsupportedTransportProto  = 442
	turnCodeQuotaReached               = 486
	turnCodeInsufficientCapacity       = 508
)

const defaultTurnLifetime = 600 * time.Second

// turnAllocation is the spec.md §3 Allocation model: a relayed transport
// address, the reflexive address the server reported with it, and its
// lifetime. No reservation token is kept.
type turnAllocation struct {
	relayed      TransportAddress
	reflexive    TransportAddress
	lifetime     time.Duration
	keepAliveID  int64
}

// TurnHarvester implements spec.md §4.8: the TURN extension of the STUN
// Harvester. Built directly on the Transaction Layer and Credential
// Manager rather than pion/turn/v4's high-level Client (see turn_attrs.go's
// doc comment for why); it shares the STUN Harvester's host-iteration and
// transaction machinery, extending it with ALLOCATE/REFRESH framing and the
// full error-recovery table.
type TurnHarvester struct {
	cfg     *Config
	binding *BindingTable
	log     logging.LeveledLogger
	sched   *KeepAliveScheduler
	stats   *HarvestStatistics

	server TransportAddress
	creds  *CredentialManager

	mu                       sync.Mutex
	disabledAllocateAttrs    map[string]struct{}
	allocations              map[string]*turnAllocation // keyed by host local address string
}

// NewTurnHarvester constructs a TURN Harvester targeting server with the
// given long-term credential provider (spec.md §4.5's upcall).
func NewTurnHarvester(cfg *Config, binding *BindingTable, sched *KeepAliveScheduler, server TransportAddress, provider LongTermCredentialProvider) *TurnHarvester {
	return &TurnHarvester{
		cfg:                   cfg,
		binding:               binding,
		log:                   newComponentLogger(cfg.loggerFactory(), "ice-gather-turn"),
		sched:                 sched,
		stats:                 NewHarvestStatistics(),
		server:                server,
		creds:                 NewCredentialManager(nil, provider),
		disabledAllocateAttrs: make(map[string]struct{}),
		allocations:           make(map[string]*turnAllocation),
	}
}

// Stats returns this harvester's running HarvestStatistics.
func (h *TurnHarvester) Stats() *HarvestStatistics { return h.stats }

// Harvest runs one ALLOCATE (with full error recovery) per eligible Host
// Candidate on component and installs the resulting ServerReflexive and
// Relayed Candidates.
func (h *TurnHarvester) Harvest(ctx context.Context, component *Component) ([]*Candidate, error) {
	var hosts []*Candidate
	for _, c := range component.GetLocalCandidates() {
		if c.Type != CandidateTypeHost {
			continue
		}
		if canonicalTransport(c.Local.Transport) != canonicalTransport(h.server.Transport) {
			continue
		}
		if c.Local.Transport.IsTLSFamily() && !h.cfg.TurnEnableTLS {
			continue
		}
		if c.Local.Transport == TransportTCP && !h.cfg.TurnEnableTCP {
			continue
		}
		hosts = append(hosts, c)
	}

	var (
		mu       sync.Mutex
		produced []*Candidate
		wg       sync.WaitGroup
	)

	for _, hostCand := range hosts {
		wrapper, ok := h.binding.Lookup(hostCand.Local)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(hostCand *Candidate, wrapper *SocketWrapper) {
			defer wg.Done()
			h.stats.attempt(statTurn)

			cands, err := h.allocateWithRecovery(ctx, hostCand, wrapper, h.server, false)
			if err != nil {
				h.stats.failure(statTurn)
				h.log.Warnf("turn harvest: allocation failed for %s: %s", hostCand.Local, err)
				return
			}

			mu.Lock()
			for _, c := range cands {
				if component.AddLocalCandidate(c) {
					produced = append(produced, c)
				}
			}
			mu.Unlock()
			h.stats.success(statTurn)
		}(hostCand, wrapper)
	}

	wg.Wait()
	return produced, nil
}

// allocateWithRecovery drives the ALLOCATE request/response loop, applying
// spec.md §4.8's error-recovery table until it either succeeds, falls back
// to a plain BINDING, or gives up with ErrAllocationFailed.
func (h *TurnHarvester) allocateWithRecovery(ctx context.Context, hostCand *Candidate, wrapper *SocketWrapper, server TransportAddress, reservedEvenPort bool) ([]*Candidate, error) {
	var (
		triedAlternate      bool
		triedBindingFallback bool
		reservationToken    *[8]byte
	)

	const maxAttempts = 12
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, sendErr := h.sendAllocate(ctx, hostCand, wrapper, server, reservationToken)
		if sendErr != nil {
			return nil, sendErr
		}

		var errCode stun.ErrorCodeAttribute
		if err := errCode.GetFrom(resp); err != nil {
			// Success.
			return h.installAllocation(hostCand, server, resp)
		}

		switch {
		case errCode.Code == turnCodeTryAlternate && h.cfg.TurnTryAlternate && !triedAlternate:
			alt, ok := getAlternateServer(resp)
			if !ok {
				return nil, fmt.Errorf("%w: try_alternate with no alternate-server", ErrAllocationFailed)
			}
			alt.Transport = server.Transport
			h.creds.ClearSession(server)
			triedAlternate = true
			server = alt
			continue

		case errCode.Code == stun.CodeUnauthorized || errCode.Code == stun.CodeStaleNonce:
			result := h.creds.HandleChallenge(server, resp)
			if result == challengeAuthFailed {
				return nil, ErrAuthFailed
			}
			continue

		case errCode.Code == turnCodeUnknownAttribute:
			h.disableUnknownAttributes(resp)
			continue

		case errCode.Code == turnCodeAllocationMismatch:
			// Restart as if first attempt: drop any reservation state.
			reservationToken = nil
			continue

		case int(errCode.Code) == 440: // ADDRESS_FAMILY_NOT_SUPPORTED
			h.mu.Lock()
			h.disabledAllocateAttrs["REQUESTED_ADDRESS_FAMILY"] = struct{}{}
			h.mu.Unlock()
			continue

		case (errCode.Code == turnCodeUnsupportedTransportProto || errCode.Code == turnCodeQuotaReached || errCode.Code == turnCodeInsufficientCapacity) && !triedBindingFallback:
			triedBindingFallback = true
			h.log.Warnf("turn allocate error %d: falling back to plain binding at %s", errCode.Code, server)
			return h.fallbackToBinding(ctx, hostCand, wrapper, server)

		default:
			return nil, fmt.Errorf("%w: turn error %d", ErrAllocationFailed, errCode.Code)
		}
	}

	return nil, fmt.Errorf("%w: exceeded recovery attempts", ErrAllocationFailed)
}

func (h *TurnHarvester) disableUnknownAttributes(resp *stun.Message) {
	raw, err := resp.Get(0x000A) // UNKNOWN-ATTRIBUTES
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil || len(raw) == 0 {
		// Conservative: disable every optional attribute spec.md §4.8 names.
		h.disabledAllocateAttrs["DONT_FRAGMENT"] = struct{}{}
		h.disabledAllocateAttrs["EVEN_PORT"] = struct{}{}
		h.disabledAllocateAttrs["REQUESTED_ADDRESS_FAMILY"] = struct{}{}
		h.disabledAllocateAttrs["RESERVATION_TOKEN"] = struct{}{}
		return
	}
	for i := 0; i+1 < len(raw); i += 2 {
		code := int(raw[i])<<8 | int(raw[i+1])
		switch code {
		case attrDontFragment:
			h.disabledAllocateAttrs["DONT_FRAGMENT"] = struct{}{}
		case attrEvenPort:
			h.disabledAllocateAttrs["EVEN_PORT"] = struct{}{}
		case attrRequestedAddressFamily:
			h.disabledAllocateAttrs["REQUESTED_ADDRESS_FAMILY"] = struct{}{}
		case attrReservationToken:
			h.disabledAllocateAttrs["RESERVATION_TOKEN"] = struct{}{}
		}
	}
}

func (h *TurnHarvester) attrDisabled(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.disabledAllocateAttrs[name]
	return ok
}

func (h *TurnHarvester) sendAllocate(ctx context.Context, hostCand *Candidate, wrapper *SocketWrapper, server TransportAddress, reservationToken *[8]byte) (*stun.Message, error) {
	protocol := byte(0x11) // UDP
	if hostCand.Local.Transport != TransportUDP {
		protocol = 0x06 // TCP
	}

	txID, err := newTransactionID()
	if err != nil {
		return nil, err
	}

	setters := []stun.Setter{
		stun.NewType(stun.MethodAllocate, stun.ClassRequest),
		txID,
		requestedTransport{protocol: protocol},
	}
	if h.cfg.TurnUseEvenPort && !h.attrDisabled("EVEN_PORT") {
		setters = append(setters, evenPortAttr{reserve: h.cfg.TurnEvenPortRFlag})
	}
	if reservationToken != nil && !h.attrDisabled("RESERVATION_TOKEN") {
		setters = append(setters, reservationTokenAttr{token: *reservationToken})
	}
	setters = h.creds.Prepare(server, setters)
	setters = append(setters, stun.Fingerprint)

	msg, err := stun.Build(setters...)
	if err != nil {
		return nil, err
	}

	return h.roundTrip(ctx, hostCand, wrapper, server, msg)
}

func (h *TurnHarvester) roundTrip(ctx context.Context, hostCand *Candidate, wrapper *SocketWrapper, server TransportAddress, msg *stun.Message) (*stun.Message, error) {
	resultCh := make(chan bindingOutcome, 1)
	send := func(buf []byte, target TransportAddress) error {
		if conn := wrapper.Conn(); conn != nil {
			_, err := conn.Write(buf)
			return err
		}
		_, err := wrapper.WriteFrom(buf, &net.UDPAddr{IP: target.IP, Port: target.Port}, hostCand.Local.IP)
		return err
	}

	tl := NewTransactionLayer(h.cfg, send)
	defer tl.Close()

	collector := CollectorFuncs{
		Response: func(ev TransactionEvent) { resultCh <- bindingOutcome{resp: ev.Response} },
		Failure:  func(ev TransactionEvent) { resultCh <- bindingOutcome{err: ev.Err} },
	}
	if _, err := tl.Send(msg, server, hostCand.Local, collector, nil); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case outcome := <-resultCh:
		if outcome.err != nil {
			return nil, outcome.err
		}
		return outcome.resp, nil
	}
}

func (h *TurnHarvester) installAllocation(hostCand *Candidate, server TransportAddress, resp *stun.Message) ([]*Candidate, error) {
	ip, port, err := getXORRelayedAddress(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: allocate success missing xor-relayed-address", ErrMalformedMessage)
	}
	relayedLocal := TransportAddress{IP: ip, Port: port, Transport: hostCand.Local.Transport}
	relayed := NewRelayedCandidate(relayedLocal, hostCand, server)

	var out []*Candidate
	out = append(out, relayed)

	var reflexiveLocal TransportAddress
	var xorMapped stun.XORMappedAddress
	var mapped stun.MappedAddress
	if err := xorMapped.GetFrom(resp); err == nil {
		reflexiveLocal = TransportAddress{IP: xorMapped.IP, Port: xorMapped.Port, Transport: hostCand.Local.Transport}
		out = append(out, NewServerReflexiveCandidate(reflexiveLocal, hostCand, server))
	} else if err := mapped.GetFrom(resp); err == nil {
		reflexiveLocal = TransportAddress{IP: mapped.IP, Port: mapped.Port, Transport: hostCand.Local.Transport}
		out = append(out, NewServerReflexiveCandidate(reflexiveLocal, hostCand, server))
	}

	lifetime := defaultTurnLifetime
	if secs, ok := getLifetime(resp); ok {
		lifetime = time.Duration(secs) * time.Second
	}

	alloc := &turnAllocation{relayed: relayedLocal, reflexive: reflexiveLocal, lifetime: lifetime}
	h.scheduleKeepAlive(hostCand.Local, server, alloc)

	h.mu.Lock()
	h.allocations[hostCand.Local.String()] = alloc
	h.mu.Unlock()

	return out, nil
}

// scheduleKeepAlive installs the REFRESH schedule at half the allocation's
// lifetime (spec.md §4.8), using the shared KeepAliveScheduler rather than a
// dedicated per-allocation thread (spec.md §9).
func (h *TurnHarvester) scheduleKeepAlive(hostLocal TransportAddress, server TransportAddress, alloc *turnAllocation) {
	interval := alloc.lifetime / 2
	if interval <= 0 {
		interval = defaultTurnLifetime / 2
	}
	alloc.keepAliveID = h.sched.Schedule(time.Now().Add(interval), func() {
		h.refresh(hostLocal, server, alloc, false)
	})
}

// refresh sends REFRESH for alloc; on failure it performs one immediate
// retry, then defers to the next scheduled interval (spec.md §4.8). A
// LIFETIME of zero in a REFRESH response means the allocation was deleted
// and the keep-alive schedule stops.
func (h *TurnHarvester) refresh(hostCand TransportAddress, server TransportAddress, alloc *turnAllocation, isRetry bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper, ok := h.binding.Lookup(hostCand)
	if !ok {
		return
	}

	resp, err := h.sendRefresh(ctx, hostCand, wrapper, server, alloc.lifetime)
	if err != nil {
		if !isRetry {
			h.refresh(hostCand, server, alloc, true)
			return
		}
		alloc.keepAliveID = h.sched.Schedule(time.Now().Add(alloc.lifetime/2), func() {
			h.refresh(hostCand, server, alloc, false)
		})
		return
	}

	var errCode stun.ErrorCodeAttribute
	if err := errCode.GetFrom(resp); err == nil && errCode.Code == stun.CodeStaleNonce {
		h.creds.HandleChallenge(server, resp)
		h.refresh(hostCand, server, alloc, isRetry)
		return
	}

	secs, _ := getLifetime(resp)
	if secs == 0 {
		return // explicit deallocation; keep-alive schedule stops
	}
	alloc.lifetime = time.Duration(secs) * time.Second
	h.scheduleKeepAlive(hostCand, server, alloc)
}

func (h *TurnHarvester) sendRefresh(ctx context.Context, hostLocal TransportAddress, wrapper *SocketWrapper, server TransportAddress, lifetime time.Duration) (*stun.Message, error) {
	txID, err := newTransactionID()
	if err != nil {
		return nil, err
	}
	setters := []stun.Setter{
		stun.NewType(stun.MethodRefresh, stun.ClassRequest),
		txID,
		lifetimeAttr{seconds: uint32(lifetime / time.Second)},
	}
	setters = h.creds.Prepare(server, setters)
	setters = append(setters, stun.Fingerprint)
	msg, err := stun.Build(setters...)
	if err != nil {
		return nil, err
	}

	resultCh := make(chan bindingOutcome, 1)
	send := func(buf []byte, target TransportAddress) error {
		if conn := wrapper.Conn(); conn != nil {
			_, err := conn.Write(buf)
			return err
		}
		_, err := wrapper.WriteFrom(buf, &net.UDPAddr{IP: target.IP, Port: target.Port}, hostLocal.IP)
		return err
	}
	tl := NewTransactionLayer(h.cfg, send)
	defer tl.Close()
	collector := CollectorFuncs{
		Response: func(ev TransactionEvent) { resultCh <- bindingOutcome{resp: ev.Response} },
		Failure:  func(ev TransactionEvent) { resultCh <- bindingOutcome{err: ev.Err} },
	}
	if _, err := tl.Send(msg, server, hostLocal, collector, nil); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case outcome := <-resultCh:
		if outcome.err != nil {
			return nil, outcome.err
		}
		return outcome.resp, nil
	}
}

// fallbackToBinding implements the 442/486/508 recovery: fall back to a
// plain BINDING to the same server (at most once, spec.md §4.8) and return
// whatever reflexive candidate it yields. No relayed candidate is produced
// for the host, and nothing beyond the returned candidates records that.
func (h *TurnHarvester) fallbackToBinding(ctx context.Context, hostCand *Candidate, wrapper *SocketWrapper, server TransportAddress) ([]*Candidate, error) {
	stunHarvester := NewStunHarvester(h.cfg, h.binding, TransportAddress{IP: server.IP, Port: server.Port, Transport: server.Transport}, h.creds)
	tmp := &Component{}
	tmp.AddLocalCandidate(hostCand)
	cands, err := stunHarvester.Harvest(ctx, tmp)
	if err != nil {
		return nil, fmt.Errorf("%w: binding fallback also failed: %v", ErrAllocationFailed, err)
	}
	return cands, nil
}
