package eventbus

import (
	"sync"

	"pkt.systems/marina/internal/logx"
	"pkt.systems/marina/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventSession carries a committed session snapshot.
	EventSession EventType = "session"
	// EventAppearance carries a system appearance change.
	EventAppearance EventType = "appearance"
)

// Event represents a UI-facing event.
type Event struct {
	Type       EventType
	Session    schema.Snapshot
	Appearance schema.Appearance
}

// Bus fans events out to subscribers. A subscriber that falls behind loses
// its oldest pending event, never the newest.
type Bus struct {
	mu    sync.Mutex
	subs  map[EventType]map[chan Event]struct{}
	last  map[EventType]Event
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	return &Bus{
		subs:  make(map[EventType]map[chan Event]struct{}),
		last:  make(map[EventType]Event),
		log:   logx.Or(logger).With("component", "eventbus"),
		depth: 16,
	}
}

// Subscribe registers a subscriber for the given event types and returns a
// channel + cancel. The most recent event of each type, if any, is delivered
// immediately.
func (b *Bus) Subscribe(types ...EventType) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	if len(types) == 0 {
		types = []EventType{EventSession, EventAppearance}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	for _, typ := range types {
		typeSubs := b.subs[typ]
		if typeSubs == nil {
			typeSubs = make(map[chan Event]struct{})
			b.subs[typ] = typeSubs
		}
		typeSubs[ch] = struct{}{}
		if last, ok := b.last[typ]; ok {
			ch <- last
		}
	}
	b.mu.Unlock()
	b.log.Debug("eventbus subscribe", "types", len(types))
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			for _, typ := range types {
				if subs := b.subs[typ]; subs != nil {
					delete(subs, ch)
					if len(subs) == 0 {
						delete(b.subs, typ)
					}
				}
			}
			close(ch)
			b.mu.Unlock()
			b.log.Debug("eventbus unsubscribe")
		})
	}
}

// PublishSession publishes a session snapshot.
func (b *Bus) PublishSession(snap schema.Snapshot) {
	b.publish(Event{Type: EventSession, Session: snap})
}

// PublishAppearance publishes an appearance change.
func (b *Bus) PublishAppearance(appearance schema.Appearance) {
	b.publish(Event{Type: EventAppearance, Appearance: appearance})
}

// Last returns the most recent event of the given type.
func (b *Bus) Last(typ EventType) (Event, bool) {
	if b == nil {
		return Event{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	event, ok := b.last[typ]
	return event, ok
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[event.Type] = event
	dropped := 0
	for sub := range b.subs[event.Type] {
		for {
			select {
			case sub <- event:
			default:
				select {
				case <-sub:
					dropped++
				default:
				}
				continue
			}
			break
		}
	}
	if dropped > 0 {
		b.log.Trace("eventbus dropped", "type", event.Type, "count", dropped)
	}
}
