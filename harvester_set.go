package ice

import (
	"context"
	"sync"
	"time"

	"github.com/pion/logging"
)

// HarvesterKind discriminates the Harvester sum type (spec.md §3/§9):
// {Host, Stun, Turn, Mapping, SinglePortUdp, Tcp}. Rather than modeling the
// teacher's inheritance chain (AbstractCandidateHarvester ->
// StunCandidateHarvester -> TurnCandidateHarvester), each variant here is a
// value that composes the shared STUN client machinery (TransactionLayer,
// CredentialManager) by holding one, not by inheriting from it (spec.md §9
// Design Notes).
type HarvesterKind int

const (
	HarvesterKindHost HarvesterKind = iota
	HarvesterKindStun
	HarvesterKindTurn
	HarvesterKindMapping
	HarvesterKindSinglePortUDP
	HarvesterKindTCP
)

// Harvester is one registered entry in a HarvesterSet: an identity (for
// dedup), a kind, and the harvest operation itself.
type Harvester struct {
	Kind     HarvesterKind
	Identity string // server address / face-mask pair / port, used to dedup
	Harvest  func(ctx context.Context, component *Component) ([]*Candidate, error)

	mu       sync.Mutex
	disabled bool
}

func (h *Harvester) isDisabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disabled
}

func (h *Harvester) disable() {
	h.mu.Lock()
	h.disabled = true
	h.mu.Unlock()
}

// TrickleCallback receives each new candidate batch produced by one
// harvester's run against one Component, followed by a final call with an
// empty batch to signal completion (spec.md §4.10).
type TrickleCallback func(component *Component, kind HarvesterKind, batch []*Candidate)

// HarvesterSet is the parallel driver of spec.md §4.10: harvesters run in
// insertion order with stable identity (equivalent server/credential
// harvesters deduplicate), one task per harvester dispatched to an
// unbounded worker pool, each under its own HarvestingTimeout deadline.
// Grounded on the teacher's internal/ice_legacy/gatherer.go Gather()/state
// shape, generalized from one agent-owned gatherer to N independently
// timed-out harvesters.
type HarvesterSet struct {
	cfg *Config
	log logging.LeveledLogger

	mu         sync.Mutex
	harvesters []*Harvester
	byIdentity map[string]*Harvester
	stats      *HarvestStatistics
}

// NewHarvesterSet constructs an empty set.
func NewHarvesterSet(cfg *Config) *HarvesterSet {
	return &HarvesterSet{
		cfg:        cfg,
		log:        newComponentLogger(cfg.loggerFactory(), "ice-harvester-set"),
		byIdentity: make(map[string]*Harvester),
		stats:      NewHarvestStatistics(),
	}
}

// Add registers h, deduplicating against any existing harvester with the
// same Identity (spec.md §4.10: "two harvesters with equivalent
// server/credentials deduplicate"). Returns the harvester that will
// actually run (either h, or the pre-existing duplicate).
func (hs *HarvesterSet) Add(h *Harvester) *Harvester {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if existing, ok := hs.byIdentity[h.Identity]; ok {
		return existing
	}
	hs.harvesters = append(hs.harvesters, h)
	hs.byIdentity[h.Identity] = h
	return h
}

// Stats returns the set's aggregate HarvestStatistics.
func (hs *HarvesterSet) Stats() *HarvestStatistics { return hs.stats }

// Harvest dispatches one task per registered, non-disabled harvester
// against component, each bounded by Config.HarvestingTimeout. A harvester
// that times out or returns an error is permanently disabled for the
// process lifetime (spec.md §4.10/§7). harvest(Component) blocks the
// caller until every dispatched task completes (spec.md §5).
func (hs *HarvesterSet) Harvest(ctx context.Context, component *Component, trickle TrickleCallback) error {
	hs.mu.Lock()
	active := make([]*Harvester, 0, len(hs.harvesters))
	for _, h := range hs.harvesters {
		if !h.isDisabled() {
			active = append(active, h)
		}
	}
	hs.mu.Unlock()

	component.SetState(ComponentStateGathering)

	var wg sync.WaitGroup
	for _, h := range active {
		wg.Add(1)
		go func(h *Harvester) {
			defer wg.Done()
			hs.runOne(ctx, h, component, trickle)
		}(h)
	}
	wg.Wait()

	component.SetState(ComponentStateGatheringComplete)
	if len(component.GetLocalCandidates()) == 0 {
		component.SetState(ComponentStateFailed)
	}
	return nil
}

func (hs *HarvesterSet) runOne(parent context.Context, h *Harvester, component *Component, trickle TrickleCallback) {
	timeout := hs.cfg.HarvestingTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	statKind := statKindFor(h.Kind)
	hs.stats.attempt(statKind)

	type outcome struct {
		cands []*Candidate
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: ErrHarvesterDisabled}
			}
		}()
		cands, err := h.Harvest(ctx, component)
		done <- outcome{cands: cands, err: err}
	}()

	select {
	case <-ctx.Done():
		h.disable()
		hs.stats.timeout(statKind)
		hs.log.Warnf("harvester %s timed out after %s; disabling", h.Identity, timeout)
		if trickle != nil {
			trickle(component, h.Kind, nil)
		}
	case out := <-done:
		if out.err != nil {
			h.disable()
			hs.stats.failure(statKind)
			hs.log.Warnf("harvester %s failed: %s; disabling", h.Identity, out.err)
		} else {
			hs.stats.success(statKind)
			if trickle != nil && len(out.cands) > 0 {
				trickle(component, h.Kind, out.cands)
			}
		}
		if trickle != nil {
			trickle(component, h.Kind, nil)
		}
	}
}

// statKindFor maps a HarvesterKind to the harvesterKind bucket
// HarvestStatistics counts under; SinglePortUdp/Tcp harvesters (which are
// demux installations, not candidate producers) fold into the host bucket.
func statKindFor(k HarvesterKind) harvesterKind {
	switch k {
	case HarvesterKindStun:
		return statStun
	case HarvesterKindTurn:
		return statTurn
	case HarvesterKindMapping:
		return statMapping
	default:
		return statHost
	}
}
