package session

import "sync"

// Trigger is an edge-triggered retry signal. Its value carries no meaning;
// only a change is observed.
type Trigger struct {
	mu    sync.Mutex
	value uint64
	ch    chan struct{}
}

// NewTrigger constructs a Trigger.
func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{}, 1)}
}

// Flip changes the toggle and signals the watcher. Flips that land before
// the watcher drains the signal collapse into one edge.
func (t *Trigger) Flip() {
	t.mu.Lock()
	t.value++
	t.mu.Unlock()
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// C returns the edge channel.
func (t *Trigger) C() <-chan struct{} {
	return t.ch
}

// Value returns the current toggle value.
func (t *Trigger) Value() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}
