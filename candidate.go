package ice

// Candidate is a potential local transport endpoint an ICE agent may offer
// to its peer (spec.md §3). It is a sum type over CandidateType; all fields
// live on the shared candidateBase and are interpreted per the invariants
// below depending on Type.
//
// Invariants (spec.md §3):
//   - stunServerAddress is set iff Type is ServerReflexive or Relayed.
//   - a Relayed candidate's Base is always the Host it was allocated through.
//   - Host's Base is itself.
type Candidate struct {
	Local             TransportAddress
	Base              *Candidate
	Foundation        string
	CandidatePriority uint32
	Type              CandidateType
	TCPType           TCPType
	RelatedAddress    *TransportAddress
	SSLFlag           bool

	// stunServerAddress is the STUN/TURN server this candidate was learned
	// from; nil for Host and StaticallyMapped candidates.
	stunServerAddress *TransportAddress

	// virtual is true when the candidate's local address came from a
	// virtual interface (spec.md §4.1).
	virtual bool
}

// NewHostCandidate builds a self-based Host Candidate.
func NewHostCandidate(local TransportAddress, virtual bool) *Candidate {
	c := &Candidate{
		Local:   local,
		Type:    CandidateTypeHost,
		virtual: virtual,
	}
	c.Base = c
	c.Foundation = Foundation(CandidateTypeHost, local.IP.String(), local.Transport, "")
	c.CandidatePriority = Priority(CandidateTypeHost)
	return c
}

// NewServerReflexiveCandidate builds a ServerReflexive Candidate whose base
// is the Host it was discovered through.
func NewServerReflexiveCandidate(local TransportAddress, base *Candidate, stunServer TransportAddress) *Candidate {
	related := base.Local
	c := &Candidate{
		Local:             local,
		Base:              base,
		Type:              CandidateTypeServerReflexive,
		RelatedAddress:    &related,
		stunServerAddress: &stunServer,
	}
	c.Foundation = Foundation(CandidateTypeServerReflexive, base.Local.IP.String(), local.Transport, stunServer.String())
	c.CandidatePriority = Priority(CandidateTypeServerReflexive)
	return c
}

// NewRelayedCandidate builds a Relayed Candidate. Its base is always the
// Host it was allocated through (spec.md §3 invariant).
func NewRelayedCandidate(local TransportAddress, hostBase *Candidate, turnServer TransportAddress) *Candidate {
	related := hostBase.Local
	c := &Candidate{
		Local:             local,
		Base:              hostBase,
		Type:              CandidateTypeRelayed,
		RelatedAddress:    &related,
		stunServerAddress: &turnServer,
	}
	c.Foundation = Foundation(CandidateTypeRelayed, hostBase.Local.IP.String(), local.Transport, turnServer.String())
	c.CandidatePriority = Priority(CandidateTypeRelayed)
	return c
}

// NewStaticallyMappedCandidate builds a StaticallyMapped Candidate rewriting
// a Host's address through a face→mask NAT entry.
func NewStaticallyMappedCandidate(local TransportAddress, hostBase *Candidate) *Candidate {
	related := hostBase.Local
	c := &Candidate{
		Local:          local,
		Base:           hostBase,
		Type:           CandidateTypeStaticallyMapped,
		RelatedAddress: &related,
	}
	c.Foundation = Foundation(CandidateTypeStaticallyMapped, hostBase.Local.IP.String(), local.Transport, "")
	c.CandidatePriority = Priority(CandidateTypeStaticallyMapped)
	return c
}

// StunServerAddress returns the STUN/TURN server this candidate was learned
// from, and whether one is set at all (spec.md §3 invariant).
func (c *Candidate) StunServerAddress() (TransportAddress, bool) {
	if c.stunServerAddress == nil {
		return TransportAddress{}, false
	}
	return *c.stunServerAddress, true
}

// Virtual reports whether the candidate's local address is on a virtual
// interface.
func (c *Candidate) Virtual() bool { return c.virtual }
