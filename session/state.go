package session

import (
	"sync"
	"time"

	"pkt.systems/marina/schema"
)

// State is the shared session context. Any goroutine may read it; only the
// Reconciler that owns it writes, and only through a committed transition.
type State struct {
	mu      sync.RWMutex
	snap    schema.Snapshot
	changed chan struct{}
	pub     Publisher
	now     func() time.Time
}

// NewState returns an idle, logged-out state.
func NewState() *State {
	return &State{
		snap: schema.Snapshot{
			Phase:  schema.PhaseIdle,
			Status: schema.StatusLoading,
		},
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() schema.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	snap.Record = snap.Record.Clone()
	return snap
}

// Record returns a copy of the current session record.
func (s *State) Record() schema.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Record.Clone()
}

// Authenticated reports whether the current record is authenticated.
func (s *State) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Record.Authenticated
}

// Changed returns a channel closed on the next state change.
func (s *State) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

func (s *State) setPublisher(pub Publisher) {
	s.mu.Lock()
	s.pub = pub
	s.mu.Unlock()
}

func (s *State) set(attempt uint64, phase schema.Phase, record schema.Record, cause error) schema.Snapshot {
	s.mu.Lock()
	snap := schema.Snapshot{
		Attempt: attempt,
		Phase:   phase,
		Status:  phase.Status(),
		Record:  record.Clone(),
		At:      s.now(),
	}
	if cause != nil {
		snap.Err = cause.Error()
	}
	s.snap = snap
	close(s.changed)
	s.changed = make(chan struct{})
	pub := s.pub
	s.mu.Unlock()
	if pub != nil {
		out := snap
		out.Record = snap.Record.Clone()
		pub.PublishSession(out)
	}
	return snap
}

// setLoading keeps the record and only moves the phase.
func (s *State) setLoading(attempt uint64) schema.Snapshot {
	return s.set(attempt, schema.PhaseLoading, s.Record(), nil)
}
