package gateway

import (
	"sync"
)

// Topic fans converged changes out to subscribed connections.
//
// Publish never blocks: every subscriber has a bounded buffer, and a
// subscriber whose buffer is full is marked overflowed and dropped from the
// topic. Its connection is expected to close so the client reconnects and
// resynchronizes.
type Topic struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	buffer int
}

// Subscriber receives the frames published to its scope.
type Subscriber struct {
	scope    string
	ch       chan []byte
	overflow chan struct{}
	once     sync.Once
}

// C returns the channel of published frames.
func (s *Subscriber) C() <-chan []byte {
	return s.ch
}

// Overflow is closed when the subscriber fell behind and was dropped.
func (s *Subscriber) Overflow() <-chan struct{} {
	return s.overflow
}

// NewTopic creates a topic whose subscribers buffer up to buffer frames.
func NewTopic(buffer int) *Topic {
	if buffer <= 0 {
		buffer = 256
	}
	return &Topic{
		subs:   make(map[*Subscriber]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber for scope. Frames published with an
// empty scope reach every subscriber.
func (t *Topic) Subscribe(scope string) *Subscriber {
	sub := &Subscriber{
		scope:    scope,
		ch:       make(chan []byte, t.buffer),
		overflow: make(chan struct{}),
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub
}

// Unsubscribe removes sub. It is safe to call more than once.
func (t *Topic) Unsubscribe(sub *Subscriber) {
	t.mu.Lock()
	delete(t.subs, sub)
	t.mu.Unlock()
}

// Publish delivers frame to every subscriber of scope and returns the number
// of subscribers it reached.
func (t *Topic) Publish(scope string, frame []byte) int {
	var dropped []*Subscriber

	t.mu.RLock()
	delivered := 0
	for sub := range t.subs {
		if scope != "" && sub.scope != scope {
			continue
		}
		select {
		case sub.ch <- frame:
			delivered++
		default:
			dropped = append(dropped, sub)
		}
	}
	t.mu.RUnlock()

	for _, sub := range dropped {
		t.Unsubscribe(sub)
		sub.once.Do(func() { close(sub.overflow) })
	}
	return delivered
}

// Len returns the number of subscribers.
func (t *Topic) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
