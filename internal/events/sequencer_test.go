package events

import (
	"sync"
	"testing"

	"github.com/sandboxbroker/broker/internal/brokererr"
	"github.com/sandboxbroker/broker/pkg/wire"
)

func TestEmitAssignsDenseIncreasingSeq(t *testing.T) {
	seq := New("s_test")
	for i := 0; i < 5; i++ {
		e, err := seq.Emit(wire.EventHeartbeat, struct{}{})
		if err != nil {
			t.Fatalf("emit: %v", err)
		}
		if e.Seq != uint64(i+1) {
			t.Fatalf("event %d: expected seq %d, got %d", i, i+1, e.Seq)
		}
		if e.SessionID != "s_test" || e.ProtocolVersion != wire.ProtocolVersion {
			t.Fatalf("event %d: wrong framing: %+v", i, e)
		}
	}
}

func TestSubscribersObserveIdenticalOrder(t *testing.T) {
	seq := New("s_test")
	var mu sync.Mutex
	var a, b []uint64

	seq.Subscribe(NewCallbackSubscriber(func(e wire.Event) error {
		mu.Lock()
		a = append(a, e.Seq)
		mu.Unlock()
		return nil
	}))
	seq.Subscribe(NewCallbackSubscriber(func(e wire.Event) error {
		mu.Lock()
		b = append(b, e.Seq)
		mu.Unlock()
		return nil
	}))

	for i := 0; i < 10; i++ {
		if _, err := seq.Emit(wire.EventHeartbeat, struct{}{}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(a) != 10 || len(b) != 10 {
		t.Fatalf("expected 10 events each, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("subscribers diverged at index %d: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestSnapshotReturnsEventsFromSeq(t *testing.T) {
	seq := New("s_test")
	for i := 0; i < 5; i++ {
		if _, err := seq.Emit(wire.EventHeartbeat, struct{}{}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	snap, err := seq.Snapshot(3)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 3 {
		t.Fatalf("expected 3 events from seq 3, got %d", len(snap))
	}
	if snap[0].Seq != 3 {
		t.Fatalf("expected first event seq=3, got %d", snap[0].Seq)
	}
}

func TestSnapshotRejectsGapBelowLowWaterMark(t *testing.T) {
	seq := New("s_test", WithReplayLimits(3, DefaultMaxReplayBytes))
	for i := 0; i < 10; i++ {
		if _, err := seq.Emit(wire.EventHeartbeat, struct{}{}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	_, err := seq.Snapshot(1)
	if err == nil {
		t.Fatal("expected STREAM_GAP error for evicted seq range")
	}
	be := brokererr.As(err)
	if be.Code != brokererr.StreamGap {
		t.Fatalf("expected STREAM_GAP, got %s", be.Code)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	seq := New("s_test")
	count := 0
	unsub := seq.Subscribe(NewCallbackSubscriber(func(e wire.Event) error {
		count++
		return nil
	}))
	if _, err := seq.Emit(wire.EventHeartbeat, struct{}{}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	unsub()
	if _, err := seq.Emit(wire.EventHeartbeat, struct{}{}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 delivery before unsubscribe, got %d", count)
	}
}

func TestEmitAfterFinalIsRejected(t *testing.T) {
	seq := New("s_test")
	if _, err := seq.Emit(wire.EventFinal, struct{}{}); err != nil {
		t.Fatalf("emit final: %v", err)
	}
	_, err := seq.Emit(wire.EventHeartbeat, struct{}{})
	if err == nil {
		t.Fatal("expected error emitting after final")
	}
}

func TestChanSubscriberDropsOnOverflowWithoutBlocking(t *testing.T) {
	seq := New("s_test")
	dropped := 0
	sub := NewChanSubscriber(2, func() { dropped++ })
	seq.Subscribe(sub)

	for i := 0; i < 5; i++ {
		if _, err := seq.Emit(wire.EventHeartbeat, struct{}{}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	if dropped == 0 {
		t.Fatal("expected at least one dropped event once the channel filled up")
	}
}
