package ice

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStream() *Component {
	agent := NewAgent()
	stream := agent.NewStream()
	return stream.AddComponent("ufrag")
}

func TestHarvesterSetDisablesOnError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HarvestingTimeout = time.Second
	hs := NewHarvesterSet(cfg)

	var calls int32
	h := &Harvester{
		Kind:     HarvesterKindHost,
		Identity: "h1",
		Harvest: func(ctx context.Context, c *Component) ([]*Candidate, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("boom")
		},
	}
	hs.Add(h)

	component := newTestStream()
	require.NoError(t, hs.Harvest(context.Background(), component, nil))
	require.True(t, h.isDisabled(), "expected harvester to be disabled after returning an error")

	// A second Harvest call must not re-invoke the disabled harvester.
	require.NoError(t, hs.Harvest(context.Background(), component, nil))
	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "expected exactly 1 call to the disabled harvester")
}

func TestHarvesterSetDisablesOnTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HarvestingTimeout = 20 * time.Millisecond
	hs := NewHarvesterSet(cfg)

	blocked := make(chan struct{})
	h := &Harvester{
		Kind:     HarvesterKindStun,
		Identity: "h-slow",
		Harvest: func(ctx context.Context, c *Component) ([]*Candidate, error) {
			<-ctx.Done()
			close(blocked)
			return nil, ctx.Err()
		},
	}
	hs.Add(h)

	component := newTestStream()
	require.NoError(t, hs.Harvest(context.Background(), component, nil))
	require.True(t, h.isDisabled(), "expected harvester to be disabled after timing out")
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("harvester goroutine never observed context cancellation")
	}
}

func TestHarvesterSetDedupesByIdentity(t *testing.T) {
	cfg := DefaultConfig()
	hs := NewHarvesterSet(cfg)
	a := &Harvester{Kind: HarvesterKindStun, Identity: "stun.example.com:3478", Harvest: noopHarvest}
	b := &Harvester{Kind: HarvesterKindStun, Identity: "stun.example.com:3478", Harvest: noopHarvest}
	require.Same(t, a, hs.Add(a), "expected the first registration to win")
	require.Same(t, a, hs.Add(b), "expected a duplicate identity to return the existing harvester, not register a second one")
}

func TestHarvesterSetTrickleDeliversFinalEmptyBatch(t *testing.T) {
	cfg := DefaultConfig()
	hs := NewHarvesterSet(cfg)
	cand := NewHostCandidate(TransportAddress{IP: nil, Port: 1}, false)
	h := &Harvester{
		Kind:     HarvesterKindHost,
		Identity: "h",
		Harvest: func(ctx context.Context, c *Component) ([]*Candidate, error) {
			return []*Candidate{cand}, nil
		},
	}
	hs.Add(h)

	component := newTestStream()
	var batches [][]*Candidate
	done := make(chan struct{})
	err := hs.Harvest(context.Background(), component, func(c *Component, kind HarvesterKind, batch []*Candidate) {
		batches = append(batches, batch)
		if batch == nil {
			close(done)
		}
	})
	require.NoError(t, err)
	<-done
	require.Len(t, batches, 2, "expected one candidate batch followed by one completion signal")
	require.Len(t, batches[0], 1)
	require.Nil(t, batches[1])
}

func noopHarvest(ctx context.Context, c *Component) ([]*Candidate, error) {
	return nil, nil
}
