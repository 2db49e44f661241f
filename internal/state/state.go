// Package state implements the State Store (C3): a typed, copy-on-write
// record of process-wide observable state, published to subscribers
// synchronously in registration order.
package state

import (
	"sync"
	"sync/atomic"
)

// RelayMode mirrors options.Snapshot's "relay.mode" leaf.
type RelayMode string

const (
	RelayNone       RelayMode = "none"
	RelayController RelayMode = "controller"
	RelayAgent      RelayMode = "agent"
)

// Server describes the Soulseek connection.
type Server struct {
	Connected bool
	LoggedIn  bool
	Address   string
}

// Relay describes the federation role and, when relevant, who's connected.
type Relay struct {
	Mode       RelayMode
	Controller string   // non-empty when Mode == RelayAgent: the controller URL
	Agents     []string // connected agent names, when Mode == RelayController
}

// Shares mirrors the Share Indexer's published counters (§4.1).
type Shares struct {
	ScanPending bool
	Directories int
	Files       int
	Excluded    int
	Filling     bool
	Progress    int
	Faulted     bool
}

// State is the full snapshot published by the State Store.
type State struct {
	Version         string
	Server          Server
	User            string
	Relay           Relay
	Shares          Shares
	PendingReconnect bool
	PendingRestart   bool
}

// Transformer mutates a State value, returning the next State. It receives
// the current state by value so it cannot retain a mutable alias.
type Transformer func(State) State

// Store holds the current State behind an atomic pointer and fans out
// (previous, current) pairs to subscribers synchronously, in registration
// order, on every Update.
type Store struct {
	current atomic.Pointer[State]

	subsMu sync.Mutex
	subs   []func(previous, current State)
}

// New builds a Store seeded with the zero State plus the given version.
func New(version string) *Store {
	s := &Store{}
	seed := State{Version: version}
	s.current.Store(&seed)
	return s
}

// Get returns the current State. Safe for concurrent use.
func (s *Store) Get() State {
	return *s.current.Load()
}

// Subscribe registers fn to be called with every (previous, current) pair
// produced by Update, in registration order. Returns a function that
// removes the subscription.
func (s *Store) Subscribe(fn func(previous, current State)) (cancel func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		s.subs[idx] = nil
	}
}

// Update applies fn to the current state, publishes the result, and returns
// the (previous, current) pair. Subscribers run synchronously before Update
// returns, so a caller that needs to observe a downstream effect of its own
// update can simply call Update and proceed.
func (s *Store) Update(fn Transformer) (previous, current State) {
	previous = s.Get()
	current = fn(previous)
	s.current.Store(&current)

	s.subsMu.Lock()
	subs := make([]func(State, State), 0, len(s.subs))
	for _, sub := range s.subs {
		if sub != nil {
			subs = append(subs, sub)
		}
	}
	s.subsMu.Unlock()

	for _, sub := range subs {
		sub(previous, current)
	}
	return previous, current
}
