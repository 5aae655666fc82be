package ice

import "sync/atomic"

// harvesterKind tags which component a HarvestStatistics counter set
// belongs to, per SPEC_FULL.md's Supplemented Features.
type harvesterKind int

const (
	statHost harvesterKind = iota
	statStun
	statTurn
	statMapping
)

// harvestCounters is one {attempted, succeeded, timedOut, failed} tuple.
type harvestCounters struct {
	attempted int64
	succeeded int64
	timedOut  int64
	failed    int64
}

// HarvestStatistics accumulates per-harvester-type counters across a
// harvest run, referenced by spec.md §4.10 and §8 but left unshaped by the
// distillation; SPEC_FULL.md fixes the shape as attempted/succeeded/
// timed-out/failed per harvester kind.
type HarvestStatistics struct {
	host    harvestCounters
	stun    harvestCounters
	turn    harvestCounters
	mapping harvestCounters
}

// NewHarvestStatistics returns a zeroed counter set.
func NewHarvestStatistics() *HarvestStatistics { return &HarvestStatistics{} }

func (s *HarvestStatistics) counters(kind harvesterKind) *harvestCounters {
	switch kind {
	case statHost:
		return &s.host
	case statStun:
		return &s.stun
	case statTurn:
		return &s.turn
	case statMapping:
		return &s.mapping
	default:
		return &s.host
	}
}

func (s *HarvestStatistics) attempt(kind harvesterKind) {
	atomic.AddInt64(&s.counters(kind).attempted, 1)
}

func (s *HarvestStatistics) success(kind harvesterKind) {
	atomic.AddInt64(&s.counters(kind).succeeded, 1)
}

func (s *HarvestStatistics) timeout(kind harvesterKind) {
	atomic.AddInt64(&s.counters(kind).timedOut, 1)
}

func (s *HarvestStatistics) failure(kind harvesterKind) {
	atomic.AddInt64(&s.counters(kind).failed, 1)
}

// Snapshot is a point-in-time, read-only copy of one kind's counters.
type Snapshot struct {
	Attempted, Succeeded, TimedOut, Failed int64
}

func snapshotOf(c *harvestCounters) Snapshot {
	return Snapshot{
		Attempted: atomic.LoadInt64(&c.attempted),
		Succeeded: atomic.LoadInt64(&c.succeeded),
		TimedOut:  atomic.LoadInt64(&c.timedOut),
		Failed:    atomic.LoadInt64(&c.failed),
	}
}

// Host returns a snapshot of the Host Harvester's counters.
func (s *HarvestStatistics) Host() Snapshot { return snapshotOf(&s.host) }

// Stun returns a snapshot of the STUN Harvester's counters.
func (s *HarvestStatistics) Stun() Snapshot { return snapshotOf(&s.stun) }

// Turn returns a snapshot of the TURN Harvester's counters.
func (s *HarvestStatistics) Turn() Snapshot { return snapshotOf(&s.turn) }

// Mapping returns a snapshot of the Mapping Harvester's counters.
func (s *HarvestStatistics) Mapping() Snapshot { return snapshotOf(&s.mapping) }
