// Package types holds small generic containers for registering unboundable
// callback sets; sip.Transaction keeps its state-change handlers in one.
package types

import (
	"container/list"
	"iter"
	"sync"
)

// CallbackManager holds an ordered, concurrency-safe set of callbacks that
// can be added and individually removed. Used by sip.Transaction to hold
// its OnStateChanged handlers; turn.Client takes its callbacks as a plain
// Callbacks struct instead.
type CallbackManager[T any] struct {
	mu     sync.RWMutex
	cbs    map[int]*list.Element
	order  *list.List
	nextID int
}

type callbackEntry[T any] struct {
	id int
	cb T
}

// Len reports the number of registered callbacks.
func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cbs)
}

// Add registers cb and returns a function that unregisters it. Safe to call
// the returned function more than once.
func (m *CallbackManager[T]) Add(cb T) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.cbs == nil {
		m.cbs = make(map[int]*list.Element)
	}
	if m.order == nil {
		m.order = list.New()
	}
	el := m.order.PushBack(&callbackEntry[T]{id, cb})
	m.cbs[id] = el
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if el, ok := m.cbs[id]; ok {
				m.order.Remove(el)
				delete(m.cbs, id)
			}
			m.mu.Unlock()
		})
	}
}

// All iterates the registered callbacks in registration order. Safe to call
// concurrently with Add/remove; iterates over a snapshot taken under lock.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if m == nil {
			return
		}
		m.mu.RLock()
		if m.order == nil {
			m.mu.RUnlock()
			return
		}
		snapshot := make([]T, 0, m.order.Len())
		for el := m.order.Front(); el != nil; el = el.Next() {
			entry, _ := el.Value.(*callbackEntry[T])
			snapshot = append(snapshot, entry.cb)
		}
		m.mu.RUnlock()

		for _, cb := range snapshot {
			if !yield(cb) {
				return
			}
		}
	}
}
