// Package state holds the agent's view of the browser: how many tabs are
// open and whether the relay connection is up.
package state

import (
	"slices"
	"sync"
)

type State struct {
	OpenTabs        int  `json:"openTabs"`
	SocketConnected bool `json:"socketConnected"`
}

// Listener receives every update together with the state it replaced.
type Listener func(prev, next State)

// Store is safe for concurrent use. Listeners are called synchronously,
// in registration order, without the Store's lock held.
type Store struct {
	mu        sync.Mutex
	state     State
	listeners map[int]Listener
	nextID    int
	// order keeps listener IDs in registration order.
	order []int
}

func NewStore() *Store {
	return &Store{listeners: make(map[int]Listener)}
}

func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current implements rews.MetricSource.
func (s *Store) Current() int {
	return s.Get().OpenTabs
}

func (s *Store) SetTabCount(count int) {
	if count < 0 {
		count = 0
	}
	s.update(func(st *State) { st.OpenTabs = count })
}

func (s *Store) Increment() {
	s.update(func(st *State) { st.OpenTabs++ })
}

// Decrement never takes the count below zero.
func (s *Store) Decrement() {
	s.update(func(st *State) {
		if st.OpenTabs > 0 {
			st.OpenTabs--
		}
	})
}

func (s *Store) SetSocketConnected(connected bool) {
	s.update(func(st *State) { st.SocketConnected = connected })
}

// Subscribe registers fn for every later update. The returned function removes it.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.order = append(s.order, id)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.listeners[id]; !ok {
			return
		}
		delete(s.listeners, id)
		s.order = slices.DeleteFunc(s.order, func(o int) bool { return o == id })
	}
}

func (s *Store) update(mutate func(st *State)) {
	s.mu.Lock()
	prev := s.state
	mutate(&s.state)
	next := s.state
	listeners := make([]Listener, 0, len(s.listeners))
	for _, id := range s.order {
		if fn, ok := s.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(prev, next)
	}
}
