package ice

import "sync"

// Stream is the minimal external-collaborator stand-in for an ICE media
// stream (spec.md §6 Agent/Component). The harvesting core only needs to
// know a Component's parent Stream to enforce the Single-Port Demux
// topology constraint (§4.11); full stream/pair-checking semantics are an
// external collaborator out of this core's scope (spec.md §1).
type Stream struct {
	mu         sync.Mutex
	agent      *Agent
	components []*Component
}

// NewStream creates a Stream owned by agent.
func NewStream(agent *Agent) *Stream {
	return &Stream{agent: agent}
}

// Agent returns the parent Agent.
func (s *Stream) Agent() *Agent { return s.agent }

// Components returns the Stream's Components in creation order.
func (s *Stream) Components() []*Component {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Component, len(s.components))
	copy(out, s.components)
	return out
}

// AddComponent creates and attaches a new Component to the Stream.
func (s *Stream) AddComponent(localUfrag string) *Component {
	c := &Component{stream: s, localUfrag: localUfrag}
	s.mu.Lock()
	s.components = append(s.components, c)
	s.mu.Unlock()
	return c
}

// Agent is the minimal external-collaborator stand-in for the ICE agent
// (spec.md §6): it owns Streams. The local ufrag the Single-Port Demux
// consumes is carried by each Component (Component.LocalUfrag).
type Agent struct {
	mu      sync.Mutex
	streams []*Stream
}

// NewAgent constructs an empty Agent.
func NewAgent() *Agent { return &Agent{} }

// NewStream creates and attaches a Stream to the Agent.
func (a *Agent) NewStream() *Stream {
	s := NewStream(a)
	a.mu.Lock()
	a.streams = append(a.streams, s)
	a.mu.Unlock()
	return s
}

// Streams returns the Agent's Streams in creation order.
func (a *Agent) Streams() []*Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Stream, len(a.streams))
	copy(out, a.streams)
	return out
}

// ComponentState is the lifecycle state of a Component's candidate set.
type ComponentState int

const (
	// ComponentStateGathering means harvest has started but not completed.
	ComponentStateGathering ComponentState = iota
	// ComponentStateGatheringComplete means every harvester in the set has
	// finished (successfully, with an error, or by timeout) for this
	// Component.
	ComponentStateGatheringComplete
	// ComponentStateFailed means Host Harvest could not produce any
	// candidate for this Component (spec.md §7 ErrNoLocalCandidates).
	ComponentStateFailed
)

// Component owns an ordered set of local Candidates, a parent Stream, and
// duplicate-suppresses by (address, transport) per spec.md §3.
type Component struct {
	mu         sync.Mutex
	stream     *Stream
	localUfrag string
	candidates []*Candidate
	seen       map[TransportAddressKey]struct{}
	state      ComponentState
}

// ParentStream returns the Component's parent Stream.
func (c *Component) ParentStream() *Stream { return c.stream }

// LocalUfrag returns the ICE username fragment this Component's Agent/Stream
// uses to demultiplex a shared port (spec.md §4.11).
func (c *Component) LocalUfrag() string { return c.localUfrag }

// State returns the Component's current lifecycle state.
func (c *Component) State() ComponentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState updates the Component's lifecycle state.
func (c *Component) SetState(s ComponentState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// AddLocalCandidate adds c to the Component's candidate set unless an
// existing candidate already occupies the same (address, transport) tuple,
// in which case it is rejected as redundant (spec.md §6 add_local_candidate
// contract) and false is returned.
func (c *Component) AddLocalCandidate(cand *Candidate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = make(map[TransportAddressKey]struct{})
	}
	key := cand.Local.Key()
	if _, dup := c.seen[key]; dup {
		return false
	}
	c.seen[key] = struct{}{}
	c.candidates = append(c.candidates, cand)
	return true
}

// GetLocalCandidates returns the Component's candidates in the order they
// were added.
func (c *Component) GetLocalCandidates() []*Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Candidate, len(c.candidates))
	copy(out, c.candidates)
	return out
}
