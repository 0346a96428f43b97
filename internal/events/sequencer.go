// Package events implements the Event Sequencer (§4.1): it turns logical
// event intents into wire events with correct framing, keeps a bounded
// replay buffer, and fans each event out to every live subscriber exactly
// once, in submission order. The shape mirrors this stack's event emitter
// (atomic counter plus base-event builder plus sink dispatch) with the
// single-sink dispatch generalized into a subscriber registry.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/sandboxbroker/broker/internal/brokererr"
	"github.com/sandboxbroker/broker/internal/crypto"
	"github.com/sandboxbroker/broker/internal/metrics"
	"github.com/sandboxbroker/broker/pkg/wire"
)

// DefaultMaxReplayEvents and DefaultMaxReplayBytes bound the replay buffer
// per the Open Question decision in SPEC_FULL.md §9: unbounded replay is a
// source of unbounded memory growth for long-lived sessions.
const (
	DefaultMaxReplayEvents = 10_000
	DefaultMaxReplayBytes  = 8 << 20
)

// Sequencer assigns monotonic per-session sequence numbers, buffers events
// for replay, and broadcasts to subscribers. One Sequencer per session.
type Sequencer struct {
	sessionID string
	counter   atomic.Uint64

	maxReplayEvents int
	maxReplayBytes  int

	mu        sync.Mutex
	buffer    []wire.Event
	bufBytes  int
	lowWater  uint64 // smallest seq still present in buffer (0 = none evicted)
	done      bool
	subs      map[int]Subscriber
	nextSubID int

	seal *crypto.Context
}

// Option configures a Sequencer at construction.
type Option func(*Sequencer)

// WithReplayLimits overrides the default replay buffer bounds.
func WithReplayLimits(maxEvents, maxBytes int) Option {
	return func(s *Sequencer) {
		s.maxReplayEvents = maxEvents
		s.maxReplayBytes = maxBytes
	}
}

// WithEncryption seals every emitted event's payload behind an `encrypted`
// envelope using seal. Nil disables the overlay (the default).
func WithEncryption(seal *crypto.Context) Option {
	return func(s *Sequencer) { s.seal = seal }
}

// New creates a Sequencer for the given session.
func New(sessionID string, opts ...Option) *Sequencer {
	s := &Sequencer{
		sessionID:       sessionID,
		maxReplayEvents: DefaultMaxReplayEvents,
		maxReplayBytes:  DefaultMaxReplayBytes,
		subs:            make(map[int]Subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit assigns the next seq, frames the event, appends it to the replay
// buffer, and notifies every current subscriber exactly once in submission
// order. It is safe for concurrent callers; emission itself is serialized.
func (s *Sequencer) Emit(typ wire.EventType, payload any) (wire.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return wire.Event{}, brokererr.Wrap(brokererr.ExecutionError, "marshal event payload", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return wire.Event{}, brokererr.New(brokererr.ServiceUnavailable, "sequencer closed")
	}

	seq := s.counter.Add(1)
	event := wire.Event{
		ProtocolVersion: wire.ProtocolVersion,
		SessionID:       s.sessionID,
		Seq:             seq,
		Type:            typ,
		Payload:         raw,
	}

	if typ == wire.EventFinal {
		s.done = true
	}

	if s.seal != nil && typ != wire.EventEncrypted {
		sealed, err := s.sealLocked(event)
		if err != nil {
			return wire.Event{}, err
		}
		event = sealed
	}

	s.appendLocked(event)
	metrics.EventsEmittedTotal.WithLabelValues(string(typ)).Inc()

	for id, sub := range s.subs {
		if err := sub.Emit(event); err != nil {
			delete(s.subs, id)
		}
	}
	return event, nil
}

// sealLocked wraps inner (a fully-framed plaintext event) into an
// `encrypted` envelope at the same seq, so the replay buffer and every
// subscriber only ever observe ciphertext once encryption is enabled.
func (s *Sequencer) sealLocked(inner wire.Event) (wire.Event, error) {
	plaintext, err := json.Marshal(inner)
	if err != nil {
		return wire.Event{}, brokererr.Wrap(brokererr.ExecutionError, "marshal inner event for sealing", err)
	}
	kid, nonceB64, ciphertextB64, err := s.seal.Seal(plaintext)
	if err != nil {
		return wire.Event{}, err
	}
	payload, err := json.Marshal(wire.EncryptedPayload{KID: kid, NonceB64: nonceB64, CiphertextB64: ciphertextB64})
	if err != nil {
		return wire.Event{}, brokererr.Wrap(brokererr.ExecutionError, "marshal encrypted payload", err)
	}
	return wire.Event{
		ProtocolVersion: inner.ProtocolVersion,
		SessionID:       inner.SessionID,
		Seq:             inner.Seq,
		Type:            wire.EventEncrypted,
		Payload:         payload,
	}, nil
}

func (s *Sequencer) appendLocked(e wire.Event) {
	s.buffer = append(s.buffer, e)
	s.bufBytes += len(e.Payload) + 64
	for (len(s.buffer) > s.maxReplayEvents || s.bufBytes > s.maxReplayBytes) && len(s.buffer) > 1 {
		evicted := s.buffer[0]
		s.buffer = s.buffer[1:]
		s.bufBytes -= len(evicted.Payload) + 64
		s.lowWater = evicted.Seq + 1
		metrics.ReplayBufferEvictionsTotal.Inc()
	}
}

// Subscribe registers sub to receive every event emitted after it attaches
// (seq greater than CurrentSeq at call time); earlier events are available
// through Snapshot. It returns an unsubscribe function.
func (s *Sequencer) Subscribe(sub Subscriber) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = sub
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Snapshot returns a coherent slice of the replay buffer with seq >=
// fromSeq. If fromSeq is older than the buffer's low-water mark, it
// returns STREAM_GAP per the bounded-replay design decision.
func (s *Sequencer) Snapshot(fromSeq uint64) ([]wire.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lowWater > 0 && fromSeq < s.lowWater {
		return nil, brokererr.Newf(brokererr.StreamGap,
			"requested fromSeq=%d is older than the retained low-water mark %d", fromSeq, s.lowWater)
	}

	out := make([]wire.Event, 0, len(s.buffer))
	for _, e := range s.buffer {
		if e.Seq >= fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// CurrentSeq returns the most recently assigned sequence number (0 if no
// event has been emitted yet).
func (s *Sequencer) CurrentSeq() uint64 { return s.counter.Load() }

// IsDone reports whether a final event has already been emitted.
func (s *Sequencer) IsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
