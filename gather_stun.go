package ice

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"
)

// StunHarvester implements spec.md §4.7: one instance per STUN server. For
// every Host Candidate whose transport matches the server and whose address
// family can reach it, sends a Binding Request and installs a
// ServerReflexive Candidate on success. Grounded on the teacher's
// pkg_ice_legacy/agent.go getSrflxCandidate, rewritten onto the reusable
// TransactionLayer/CredentialManager instead of a one-shot blocking client.
type StunHarvester struct {
	cfg     *Config
	binding *BindingTable
	log     logging.LeveledLogger

	server TransportAddress
	creds  *CredentialManager
	stats  *HarvestStatistics
}

// NewStunHarvester constructs a STUN Harvester targeting server. creds may
// be nil (no credentials attached to the Binding Request, the common case
// for a plain STUN server).
func NewStunHarvester(cfg *Config, binding *BindingTable, server TransportAddress, creds *CredentialManager) *StunHarvester {
	if creds == nil {
		creds = NewCredentialManager(nil, nil)
	}
	return &StunHarvester{
		cfg:     cfg,
		binding: binding,
		log:     newComponentLogger(cfg.loggerFactory(), "ice-gather-stun"),
		server:  server,
		creds:   creds,
		stats:   NewHarvestStatistics(),
	}
}

// Stats returns this harvester's running HarvestStatistics.
func (h *StunHarvester) Stats() *HarvestStatistics { return h.stats }

// Harvest blocks until every transaction it starts against component's Host
// Candidates has succeeded, failed, or timed out (spec.md §4.7/§5).
// Transient per-candidate failures do not fail the Component.
func (h *StunHarvester) Harvest(ctx context.Context, component *Component) ([]*Candidate, error) {
	var hosts []*Candidate
	for _, c := range component.GetLocalCandidates() {
		if c.Type != CandidateTypeHost {
			continue
		}
		if canonicalTransport(c.Local.Transport) != canonicalTransport(h.server.Transport) {
			continue
		}
		if c.Local.IsIPv6() != h.server.IsIPv6() {
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
			h.stats.attempt(statStun)

			conn, err := h.prepareSession(ctx, hostCand, wrapper)
			if err != nil {
				h.stats.failure(statStun)
				h.log.Warnf("stun harvest: session setup failed for %s: %s", hostCand.Local, err)
				return
			}

			cand, err := h.bindingTransaction(ctx, hostCand, wrapper, conn)
			if err != nil {
				h.stats.failure(statStun)
				h.log.Debugf("stun harvest: %s -> %s failed: %s", hostCand.Local, h.server, err)
				return
			}

			mu.Lock()
			if component.AddLocalCandidate(cand) {
				produced = append(produced, cand)
			}
			mu.Unlock()
			h.stats.success(statStun)
		}(hostCand, wrapper)
	}

	wg.Wait()
	return produced, nil
}

// prepareSession establishes, for TCP/TLS hosts, a client connection to the
// STUN server (3s connect timeout) and attaches the host socket wrapper to
// it, per spec.md §4.7. UDP hosts need no session setup and return nil.
func (h *StunHarvester) prepareSession(ctx context.Context, hostCand *Candidate, wrapper *SocketWrapper) (net.Conn, error) {
	if hostCand.Local.Transport == TransportUDP {
		return nil, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := dialTCP(dialCtx, h.server)
	if err != nil {
		return nil, fmt.Errorf("ice: stun tcp dial: %w", err)
	}

	existing, ok := h.binding.Lookup(hostCand.Local)
	if !ok {
		existing = wrapper
	}
	existing.SetConn(conn)
	return conn, nil
}

func (h *StunHarvester) bindingTransaction(ctx context.Context, hostCand *Candidate, wrapper *SocketWrapper, conn net.Conn) (*Candidate, error) {
	resultCh := make(chan bindingOutcome, 1)

	send := func(buf []byte, target TransportAddress) error {
		if conn != nil {
			_, err := conn.Write(buf)
			return err
		}
		_, err := wrapper.WriteFrom(buf, &net.UDPAddr{IP: target.IP, Port: target.Port}, hostCand.Local.IP)
		return err
	}

	tl := NewTransactionLayer(h.cfg, send)
	defer tl.Close()

	txID, err := newTransactionID()
	if err != nil {
		return nil, err
	}
	msg, err := h.buildBindingRequest(txID)
	if err != nil {
		return nil, err
	}

	collector := CollectorFuncs{
		Response: func(ev TransactionEvent) { resultCh <- bindingOutcome{resp: ev.Response} },
		Failure:  func(ev TransactionEvent) { resultCh <- bindingOutcome{err: ev.Err} },
	}

	if _, err := tl.Send(msg, h.server, hostCand.Local, collector, nil); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case outcome := <-resultCh:
		if outcome.err != nil {
			return nil, outcome.err
		}
		return h.candidateFromResponse(hostCand, outcome.resp)
	}
}

type bindingOutcome struct {
	resp *stun.Message
	err  error
}

func (h *StunHarvester) buildBindingRequest(txID stun.TransactionID) (*stun.Message, error) {
	setters := []stun.Setter{
		stun.NewType(stun.MethodBinding, stun.ClassRequest),
		txID,
	}
	setters = h.creds.Prepare(h.server, setters)
	setters = append(setters, stun.Fingerprint)
	return stun.Build(setters...)
}

// candidateFromResponse extracts XOR-MAPPED-ADDRESS (preferred) or the
// legacy MAPPED-ADDRESS and builds a ServerReflexive Candidate based on
// hostCand, per spec.md §4.7.
func (h *StunHarvester) candidateFromResponse(hostCand *Candidate, resp *stun.Message) (*Candidate, error) {
	var errCode stun.ErrorCodeAttribute
	if err := errCode.GetFrom(resp); err == nil {
		return nil, fmt.Errorf("%w: stun error %d", ErrTransactionFailure, errCode.Code)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(resp); err == nil {
		local := TransportAddress{IP: xorAddr.IP, Port: xorAddr.Port, Transport: hostCand.Local.Transport}
		return NewServerReflexiveCandidate(local, hostCand, h.server), nil
	}

	var mappedAddr stun.MappedAddress
	if err := mappedAddr.GetFrom(resp); err == nil {
		local := TransportAddress{IP: mappedAddr.IP, Port: mappedAddr.Port, Transport: hostCand.Local.Transport}
		return NewServerReflexiveCandidate(local, hostCand, h.server), nil
	}

	return nil, fmt.Errorf("%w: no mapped address in response", ErrMalformedMessage)
}
