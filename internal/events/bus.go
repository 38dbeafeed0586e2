package events

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"coordline/internal/domain"
)

// DefaultHistory is the number of events a Bus retains when no limit is given.
const DefaultHistory = 1024

// Listener receives events in publish order.
type Listener func(domain.Event)

type subscription struct {
	id     uint64
	match  func(domain.Event) bool
	listen Listener
}

// Bus is an ordered publish/subscribe channel. Publish is serialized, so every
// listener observes the same global append order even when many coordination
// calls publish concurrently. Listeners run synchronously and must not publish
// from inside their callback.
type Bus struct {
	Log *slog.Logger
	Now func() time.Time

	mu      sync.Mutex
	seq     int64
	nextSub uint64
	subs    []subscription
	history []domain.Event
	limit   int
	counts  map[string]int
}

// NewBus returns a bus retaining at most history events (DefaultHistory if <= 0).
func NewBus(history int) *Bus {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Bus{limit: history, counts: map[string]int{}}
}

func (b *Bus) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Publish stamps evt with a sequence number, id and timestamp, records it and
// delivers it to every matching listener before returning.
func (b *Bus) Publish(evt domain.Event) domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	evt.Seq = b.seq
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now().UTC()
	}
	if b.counts == nil {
		b.counts = map[string]int{}
	}
	b.counts[evt.Type]++
	b.history = append(b.history, evt)
	if b.limit > 0 && len(b.history) > b.limit {
		b.history = slices.Clone(b.history[len(b.history)-b.limit:])
	}
	if b.Log != nil {
		b.Log.Debug("event published", "type", evt.Type, "seq", evt.Seq, "context_id", evt.ContextID, "stage", evt.Stage)
	}
	for _, s := range b.subs {
		if s.match != nil && !s.match(evt) {
			continue
		}
		b.deliver(s, evt)
	}
	return evt
}

func (b *Bus) deliver(s subscription, evt domain.Event) {
	defer func() {
		if r := recover(); r != nil && b.Log != nil {
			b.Log.Error("event listener panicked", "type", evt.Type, "seq", evt.Seq, "panic", fmt.Sprint(r))
		}
	}()
	s.listen(evt)
}

// Subscribe registers l for every event and returns a func removing it.
func (b *Bus) Subscribe(l Listener) func() {
	return b.subscribe(nil, l)
}

// SubscribeType registers l for the given event types only.
func (b *Bus) SubscribeType(l Listener, types ...string) func() {
	return b.subscribe(func(evt domain.Event) bool {
		return slices.Contains(types, evt.Type)
	}, l)
}

// SubscribeStage registers l for events raised by a single stage or module.
func (b *Bus) SubscribeStage(stage string, l Listener) func() {
	return b.subscribe(func(evt domain.Event) bool {
		return evt.Stage == stage
	}, l)
}

func (b *Bus) subscribe(match func(domain.Event) bool, l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.subs = append(b.subs, subscription{id: id, match: match, listen: l})
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
		})
	}
}

// History returns a copy of the retained events, oldest first.
func (b *Bus) History() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.history)
}

// Count reports how many events of the given type were ever published.
func (b *Bus) Count(evtType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[evtType]
}

// Counts returns per-type publish totals.
func (b *Bus) Counts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.counts))
	for k, v := range b.counts {
		out[k] = v
	}
	return out
}
