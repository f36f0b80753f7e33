// Package connectivity reports online/offline transitions to the sync orchestrator.
package connectivity

import (
	"sync"
)

// Monitor is a subscribable online/offline event source.
type Monitor interface {
	Online() bool
	// Subscribe registers fn for transitions and returns a function that
	// removes it. fn is never called for a repeated state.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// broadcaster tracks the current state and fans transitions out to listeners.
type broadcaster struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(bool)
}

func newBroadcaster(initial bool) *broadcaster {
	return &broadcaster{online: initial, listeners: map[int]func(bool){}}
}

func (b *broadcaster) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

func (b *broadcaster) Subscribe(fn func(online bool)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// set records online and reports whether it was a transition. Listeners run
// outside the lock.
func (b *broadcaster) set(online bool) bool {
	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return false
	}
	b.online = online
	listeners := make([]func(bool), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
	return true
}

// Manual is a Monitor driven by explicit calls, used by hosts that learn
// about connectivity from the platform and by tests.
type Manual struct {
	*broadcaster
}

func NewManual(initial bool) *Manual {
	return &Manual{broadcaster: newBroadcaster(initial)}
}

// Set publishes a new state. It reports whether the state changed.
func (m *Manual) Set(online bool) bool {
	return m.set(online)
}

var (
	_ Monitor = (*Manual)(nil)
	_ Monitor = (*Prober)(nil)
)
