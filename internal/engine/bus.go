package engine

import "sync"

// DefaultEventBuffer is the event mailbox size of a listener.
const DefaultEventBuffer = 32

// Subscription is one listener's pair of mailboxes. Frames holds only the
// newest FrameReady event; Events holds up to its buffer of the other events
// and drops the oldest when a consumer falls behind.
type Subscription struct {
	frames chan Event
	events chan Event
}

// Frames returns the latest-frame mailbox. It is closed by RemoveListener.
func (s *Subscription) Frames() <-chan Event { return s.frames }

// Events returns the event mailbox. It is closed by RemoveListener.
func (s *Subscription) Events() <-chan Event { return s.events }

// Bus fans worker events out to listeners without ever blocking the worker.
type Bus struct {
	mu        sync.RWMutex
	listeners []*Subscription
}

func NewBus() *Bus {
	return &Bus{}
}

// AddListener subscribes a new listener. buffer below 1 uses DefaultEventBuffer.
func (b *Bus) AddListener(buffer int) *Subscription {
	if buffer < 1 {
		buffer = DefaultEventBuffer
	}
	sub := &Subscription{
		frames: make(chan Event, 1),
		events: make(chan Event, buffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, sub)
	return sub
}

// RemoveListener unsubscribes and closes both mailboxes.
func (b *Bus) RemoveListener(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l == sub {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(sub.frames)
			close(sub.events)
			return
		}
	}
}

// SendEvent delivers e to every listener.
func (b *Bus) SendEvent(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.listeners {
		if e.Kind == FrameReady {
			offer(l.frames, e)
		} else {
			offer(l.events, e)
		}
	}
}

// offer puts e into ch, discarding the oldest queued value while ch is full.
func offer(ch chan Event, e Event) {
	for {
		select {
		case ch <- e:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
