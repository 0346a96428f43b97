package events

import "github.com/sandboxbroker/broker/pkg/wire"

// Subscriber receives every event emitted on a session from the point it
// attaches onward. Implementations must be safe to call from the
// sequencer's single emission goroutine and must not block it.
type Subscriber interface {
	// Emit delivers e. Returning an error detaches the subscriber; the
	// sequencer treats any error as "this subscriber is gone."
	Emit(e wire.Event) error
}

// ChanSubscriber delivers events to a bounded channel, dropping the event
// (rather than blocking the sequencer) when the channel is full. This is
// the subscriber backpressure policy: a slow reader loses the events that
// overflow its buffer and stays attached; it never stalls the session's
// emission path.
type ChanSubscriber struct {
	ch      chan wire.Event
	dropped func()
}

// NewChanSubscriber creates a subscriber backed by a channel of the given
// buffer size. onDrop, if non-nil, is invoked once per dropped event.
func NewChanSubscriber(buffer int, onDrop func()) *ChanSubscriber {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChanSubscriber{ch: make(chan wire.Event, buffer), dropped: onDrop}
}

// C returns the channel to drain.
func (s *ChanSubscriber) C() <-chan wire.Event { return s.ch }

// Emit implements Subscriber with non-blocking, drop-on-overflow delivery.
func (s *ChanSubscriber) Emit(e wire.Event) error {
	select {
	case s.ch <- e:
	default:
		if s.dropped != nil {
			s.dropped()
		}
	}
	return nil
}

// Close closes the underlying channel. Safe to call once the subscriber
// has been unsubscribed.
func (s *ChanSubscriber) Close() { close(s.ch) }

// CallbackSubscriber wraps a plain function as a Subscriber, for tests and
// for in-process consumers (e.g. the WebSocket runtime endpoint forwarding
// events alongside tool_call duplicates).
type CallbackSubscriber struct {
	fn func(wire.Event) error
}

// NewCallbackSubscriber wraps fn as a Subscriber.
func NewCallbackSubscriber(fn func(wire.Event) error) *CallbackSubscriber {
	return &CallbackSubscriber{fn: fn}
}

// Emit implements Subscriber.
func (s *CallbackSubscriber) Emit(e wire.Event) error { return s.fn(e) }
