package store

import "github.com/Mschirtzinger/lofi/internal/wire"

// Change describes a committed write, delivered to subscribers.
type Change struct {
	Table  string
	Type   wire.OpType
	Key    Key
	Record Record // nil for deletes

	// Remote is true when the change came from a server broadcast.
	Remote bool
}

// Subscribe registers fn for committed changes to table and returns a
// function that removes the subscription. Callbacks run synchronously on
// the writer's goroutine after the transaction commits; they must not block.
func (s *Store) Subscribe(table string, fn func(Change)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	s.nextSub++
	id := s.nextSub
	if s.subs[table] == nil {
		s.subs[table] = make(map[uint64]func(Change))
	}
	s.subs[table][id] = fn

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs[table], id)
	}
}

func (s *Store) notify(ch Change) {
	s.subsMu.RLock()
	fns := make([]func(Change), 0, len(s.subs[ch.Table]))
	for _, fn := range s.subs[ch.Table] {
		fns = append(fns, fn)
	}
	s.subsMu.RUnlock()

	for _, fn := range fns {
		fn(ch)
	}
}
