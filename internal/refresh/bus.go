// Package refresh is the last-write-wins bus that tells the presentation
// layer which views are stale.
//
// Each group keeps only its latest event. Consumers either poll LastRefresh
// and compare with the timestamp they last rendered, or Subscribe to be
// told as events happen.
package refresh

import (
	"sort"
	"sync"
	"time"
)

// Event is the latest refresh of a group.
type Event struct {
	Group     string         `json:"group"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Bus records the latest event per group.
//
// Timestamps are strictly increasing across the whole bus, even when the
// wall clock stalls or steps back.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscribers are called synchronously, outside the bus lock, and must
//     not block.
type Bus struct {
	mu     sync.RWMutex
	last   map[string]Event
	prev   time.Time
	now    func() time.Time
	subs   map[int]func(Event)
	nextID int
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		last: make(map[string]Event),
		now:  time.Now,
		subs: make(map[int]func(Event)),
	}
}

// Publish records a refresh of group and returns the event.
func (b *Bus) Publish(group string, details map[string]any) Event {
	b.mu.Lock()
	ts := b.now()
	if !ts.After(b.prev) {
		ts = b.prev.Add(time.Nanosecond)
	}
	b.prev = ts

	ev := Event{Group: group, Timestamp: ts, Details: copyDetails(details)}
	b.last[group] = ev

	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	return ev
}

// LastRefresh returns the timestamp of the latest event of group.
func (b *Bus) LastRefresh(group string) (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev, ok := b.last[group]
	return ev.Timestamp, ok
}

// Last returns the latest event of group.
func (b *Bus) Last(group string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev, ok := b.last[group]
	if !ok {
		return Event{}, false
	}
	ev.Details = copyDetails(ev.Details)
	return ev, true
}

// Snapshot returns the latest event of every group.
func (b *Bus) Snapshot() map[string]Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Event, len(b.last))
	for g, ev := range b.last {
		ev.Details = copyDetails(ev.Details)
		out[g] = ev
	}
	return out
}

// Groups returns the groups that have published, sorted.
func (b *Bus) Groups() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	groups := make([]string, 0, len(b.last))
	for g := range b.last {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// Subscribe registers fn for every future event and returns a function
// that removes it.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func copyDetails(d map[string]any) map[string]any {
	if d == nil {
		return nil
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
