package ice

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/stun/v3"
)

type recordingCollector struct {
	mu        sync.Mutex
	responses []TransactionEvent
	failures  []TransactionEvent
	done      chan struct{}
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{done: make(chan struct{}, 1)}
}

func (r *recordingCollector) OnResponse(e TransactionEvent) {
	r.mu.Lock()
	r.responses = append(r.responses, e)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recordingCollector) OnFailure(e TransactionEvent) {
	r.mu.Lock()
	r.failures = append(r.failures, e)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func newBindingRequest(t *testing.T) *stun.Message {
	t.Helper()
	msg, err := stun.Build(stun.NewType(stun.MethodBinding, stun.ClassRequest), stun.TransactionID)
	if err != nil {
		t.Fatalf("build: %s", err)
	}
	return msg
}

func TestTransactionDeliverMatchesAndRemoves(t *testing.T) {
	var sent int
	var mu sync.Mutex
	tl := NewTransactionLayer(DefaultConfig(), func(buf []byte, target TransportAddress) error {
		mu.Lock()
		sent++
		mu.Unlock()
		return nil
	})
	defer tl.Close()

	req := newBindingRequest(t)
	collector := newRecordingCollector()
	target := TransportAddress{Port: 3478, Transport: TransportUDP}
	id, err := tl.Send(req, target, TransportAddress{}, collector, "payload")
	if err != nil {
		t.Fatalf("Send: %s", err)
	}

	resp, err := stun.Build(stun.NewType(stun.MethodBinding, stun.ClassSuccessResponse), stun.NewTransactionID())
	if err != nil {
		t.Fatalf("build response: %s", err)
	}
	resp.TransactionID = id

	if ok := tl.Deliver(resp); !ok {
		t.Fatal("expected Deliver to match the in-flight transaction")
	}
	<-collector.done

	collector.mu.Lock()
	defer collector.mu.Unlock()
	if len(collector.responses) != 1 {
		t.Fatalf("expected exactly one response delivered, got %d", len(collector.responses))
	}
	if collector.responses[0].AppData != "payload" {
		t.Fatalf("expected AppData to survive the round trip, got %v", collector.responses[0].AppData)
	}
	if _, ok := tl.RequestFor(id); ok {
		t.Fatal("expected the transaction to be removed from in-flight after delivery")
	}

	// A second Deliver for the same (now-consumed) id must be a no-op.
	if ok := tl.Deliver(resp); ok {
		t.Fatal("expected a duplicate Deliver to report no match")
	}
}

func TestTransactionRetriesThenFailsOnTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCtranRetransTimer = 5 * time.Millisecond
	cfg.MaxCtranRetransmission = 2

	var mu sync.Mutex
	var sendCount int
	tl := NewTransactionLayer(cfg, func(buf []byte, target TransportAddress) error {
		mu.Lock()
		sendCount++
		mu.Unlock()
		return nil
	})
	defer tl.Close()

	req := newBindingRequest(t)
	collector := newRecordingCollector()
	target := TransportAddress{Port: 3478, Transport: TransportUDP}
	if _, err := tl.Send(req, target, TransportAddress{}, collector, nil); err != nil {
		t.Fatalf("Send: %s", err)
	}

	select {
	case <-collector.done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a timeout failure to be delivered")
	}

	collector.mu.Lock()
	defer collector.mu.Unlock()
	if len(collector.failures) != 1 || collector.failures[0].Err != ErrTransactionTimeout {
		t.Fatalf("expected exactly one ErrTransactionTimeout failure, got %v", collector.failures)
	}
	mu.Lock()
	defer mu.Unlock()
	if sendCount < 2 {
		t.Fatalf("expected at least the initial send plus one retransmission, got %d sends", sendCount)
	}
}

func TestTransactionCloseCancelsInFlight(t *testing.T) {
	tl := NewTransactionLayer(DefaultConfig(), func(buf []byte, target TransportAddress) error {
		return nil
	})

	req := newBindingRequest(t)
	collector := newRecordingCollector()
	target := TransportAddress{Port: 3478, Transport: TransportUDP}
	if _, err := tl.Send(req, target, TransportAddress{}, collector, nil); err != nil {
		t.Fatalf("Send: %s", err)
	}

	tl.Close()
	<-collector.done

	collector.mu.Lock()
	defer collector.mu.Unlock()
	if len(collector.failures) != 1 || collector.failures[0].Err != ErrTransactionCanceled {
		t.Fatalf("expected ErrTransactionCanceled on Close, got %v", collector.failures)
	}

	// Sending after Close must be rejected outright.
	if _, err := tl.Send(req, target, TransportAddress{}, collector, nil); err != ErrTransactionCanceled {
		t.Fatalf("expected Send after Close to return ErrTransactionCanceled, got %v", err)
	}
}

func TestTransactionReliableUsesSingleCeiling(t *testing.T) {
	var mu sync.Mutex
	var sendCount int
	tl := NewTransactionLayer(DefaultConfig(), func(buf []byte, target TransportAddress) error {
		mu.Lock()
		sendCount++
		mu.Unlock()
		return nil
	})
	defer tl.Close()

	req := newBindingRequest(t)
	collector := newRecordingCollector()
	target := TransportAddress{Port: 3478, Transport: TransportTCP}
	id, err := tl.Send(req, target, TransportAddress{}, collector, nil)
	if err != nil {
		t.Fatalf("Send: %s", err)
	}

	// A reliable transport never retransmits; one send is queued, then the
	// transaction waits for either a Deliver or the 39.5s ceiling.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	got := sendCount
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected exactly one send on a reliable transport, got %d", got)
	}
	if !tl.stillPending(id) {
		t.Fatal("expected the reliable transaction to remain pending until delivered or the ceiling elapses")
	}
}
