package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"coordline/internal/domain"
)

// Writer appends coordination events to the sqlite event log.
type Writer struct {
	DB  *sql.DB
	Log *slog.Logger
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evt domain.Event) error {
	payload := evt.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,seq,type,context_id,stage,execution_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts.UTC().Format(time.RFC3339Nano), evt.Seq, evt.Type, nullable(evt.ContextID), nullable(evt.Stage), nullable(evt.ExecutionID), string(data))
	return err
}

// Attach subscribes the writer to bus. Write failures are logged and never
// interrupt delivery to the remaining listeners.
func (w Writer) Attach(bus *Bus) func() {
	return bus.Subscribe(func(evt domain.Event) {
		if err := w.Append(context.Background(), evt); err != nil && w.Log != nil {
			w.Log.Error("append event", "type", evt.Type, "seq", evt.Seq, "err", err)
		}
	})
}

// DefaultQueueSize bounds the events waiting for the event log.
const DefaultQueueSize = 256

type queued struct {
	evt     domain.Event
	flushed chan struct{}
}

// Queue appends bus events to the event log from one goroutine, in publish
// order, so publishers only wait on sqlite once the buffer is full.
type Queue struct {
	w     Writer
	items chan queued
	done  chan struct{}
	unsub func()

	mu     sync.Mutex
	closed bool
}

// Start subscribes a queue draining into the event log. size <= 0 uses
// DefaultQueueSize.
func (w Writer) Start(bus *Bus, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{w: w, items: make(chan queued, size), done: make(chan struct{})}
	go q.drain()
	q.unsub = bus.Subscribe(func(evt domain.Event) {
		q.items <- queued{evt: evt}
	})
	return q
}

func (q *Queue) drain() {
	defer close(q.done)
	for it := range q.items {
		if it.flushed != nil {
			close(it.flushed)
			continue
		}
		if err := q.w.Append(context.Background(), it.evt); err != nil && q.w.Log != nil {
			q.w.Log.Error("append event", "type", it.evt.Type, "seq", it.evt.Seq, "err", err)
		}
	}
}

// Flush blocks until every event published before the call is stored.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	ch := make(chan struct{})
	q.items <- queued{flushed: ch}
	<-ch
}

// Close unsubscribes, stores the remaining events and stops the goroutine.
func (q *Queue) Close() {
	q.unsub()
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	q.mu.Unlock()
	<-q.done
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
