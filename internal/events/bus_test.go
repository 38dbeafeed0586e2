package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"coordline/internal/db"
	"coordline/internal/domain"
	"coordline/internal/logx"
	"coordline/internal/migrate"
)

func TestPublishAssignsSequenceAndStamps(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus := NewBus(0)
	bus.Now = func() time.Time { return now }

	first := bus.Publish(domain.Event{Type: "a"})
	second := bus.Publish(domain.Event{Type: "b", ID: "fixed"})
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("unexpected seq %d %d", first.Seq, second.Seq)
	}
	if first.ID == "" || second.ID != "fixed" {
		t.Fatalf("unexpected ids %q %q", first.ID, second.ID)
	}
	if !first.Timestamp.Equal(now) {
		t.Fatalf("timestamp %v, want %v", first.Timestamp, now)
	}
}

func TestListenersSeeOneGlobalOrder(t *testing.T) {
	bus := NewBus(0)
	var mu sync.Mutex
	var a, b []int64
	bus.Subscribe(func(evt domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		a = append(a, evt.Seq)
	})
	bus.Subscribe(func(evt domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		b = append(b, evt.Seq)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(domain.Event{Type: fmt.Sprintf("t%d", i)})
			}
		}(i)
	}
	wg.Wait()

	if len(a) != 400 || len(b) != 400 {
		t.Fatalf("expected 400 deliveries each, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != int64(i+1) || b[i] != a[i] {
			t.Fatalf("delivery %d out of order: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestFilteredSubscriptions(t *testing.T) {
	bus := NewBus(0)
	var typed, staged []string
	bus.SubscribeType(func(evt domain.Event) { typed = append(typed, evt.Type) }, "role_created", "role_activated")
	bus.SubscribeStage("collab", func(evt domain.Event) { staged = append(staged, evt.Type) })

	bus.Publish(domain.Event{Type: "role_created", Stage: "role"})
	bus.Publish(domain.Event{Type: "decision_started", Stage: "collab"})
	bus.Publish(domain.Event{Type: "role_activated", Stage: "role"})
	bus.Publish(domain.Event{Type: "decision_completed", Stage: "collab"})

	if fmt.Sprint(typed) != "[role_created role_activated]" {
		t.Fatalf("type subscriber saw %v", typed)
	}
	if fmt.Sprint(staged) != "[decision_started decision_completed]" {
		t.Fatalf("stage subscriber saw %v", staged)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(0)
	seen := 0
	unsubscribe := bus.Subscribe(func(domain.Event) { seen++ })
	bus.Publish(domain.Event{Type: "a"})
	unsubscribe()
	unsubscribe()
	bus.Publish(domain.Event{Type: "a"})
	if seen != 1 {
		t.Fatalf("expected 1 delivery, got %d", seen)
	}
}

func TestHistoryIsBoundedButCountsAreNot(t *testing.T) {
	bus := NewBus(3)
	for i := 0; i < 5; i++ {
		bus.Publish(domain.Event{Type: "tick"})
	}
	h := bus.History()
	if len(h) != 3 || h[0].Seq != 3 || h[2].Seq != 5 {
		t.Fatalf("unexpected history %+v", h)
	}
	if bus.Count("tick") != 5 || bus.Counts()["tick"] != 5 {
		t.Fatalf("counts %v", bus.Counts())
	}
}

func TestPanickingListenerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(0)
	bus.Log = logx.Discard()
	delivered := 0
	bus.Subscribe(func(domain.Event) { panic("listener bug") })
	bus.Subscribe(func(domain.Event) { delivered++ })
	bus.Publish(domain.Event{Type: "a"})
	bus.Publish(domain.Event{Type: "b"})
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}
}

func TestWriterPersistsPublishedEvents(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := NewBus(0)
	detach := Writer{DB: conn, Log: logx.Discard()}.Attach(bus)
	bus.Publish(domain.Event{Type: "role_created", ContextID: "ctx", Stage: "role", ExecutionID: "r1", Payload: EventPayload{"role_id": "r1"}})
	bus.Publish(domain.Event{Type: "module_initialized"})
	detach()
	bus.Publish(domain.Event{Type: "after_detach"})

	rows, err := conn.QueryContext(context.Background(), `SELECT seq,type,COALESCE(context_id,''),COALESCE(stage,''),payload_json FROM events ORDER BY id`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	type row struct {
		seq                    int64
		typ, ctxID, stage, raw string
	}
	var got []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.seq, &r.typ, &r.ctxID, &r.stage, &r.raw); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, r)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 stored events, got %+v", got)
	}
	if got[0].seq != 1 || got[0].typ != "role_created" || got[0].ctxID != "ctx" || got[0].stage != "role" {
		t.Fatalf("unexpected first row %+v", got[0])
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(got[0].raw), &payload); err != nil || payload["role_id"] != "r1" {
		t.Fatalf("payload %s: %v", got[0].raw, err)
	}
	if got[1].ctxID != "" || got[1].raw != "{}" {
		t.Fatalf("unexpected second row %+v", got[1])
	}
}

func TestQueuePublishesWithoutWaitingOnDisk(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := NewBus(0)
	q := Writer{DB: conn, Log: logx.Discard()}.Start(bus, 0)

	// Hold the only connection so the writer cannot store anything yet.
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	published := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			bus.Publish(domain.Event{Type: fmt.Sprintf("evt_%02d", i)})
		}
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on the event log")
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	q.Flush()
	rows, err := conn.QueryContext(context.Background(), `SELECT seq,type FROM events ORDER BY id`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var n int64
	for rows.Next() {
		var seq int64
		var typ string
		if err := rows.Scan(&seq, &typ); err != nil {
			t.Fatalf("scan: %v", err)
		}
		n++
		if seq != n || typ != fmt.Sprintf("evt_%02d", n-1) {
			t.Fatalf("row %d out of order: seq=%d type=%s", n, seq, typ)
		}
	}
	rows.Close()
	if n != 20 {
		t.Fatalf("expected 20 stored events, got %d", n)
	}

	bus.Publish(domain.Event{Type: "before_close"})
	q.Close()
	bus.Publish(domain.Event{Type: "after_close"})
	q.Flush()
	var stored int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&stored); err != nil {
		t.Fatalf("count: %v", err)
	}
	if stored != 21 {
		t.Fatalf("close should drain pending events and stop, got %d rows", stored)
	}
}
