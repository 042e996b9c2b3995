package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now(), AgentID: "analyst"}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventTaskCompleted, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventTaskCompleted {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskCompleted))
	bus.Publish(context.Background(), newEvent(domain.EventTaskFailed))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskEnqueued))
	bus.Publish(context.Background(), newEvent(domain.EventToolCallCompleted))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var typed, all atomic.Int32
	unsubTyped := bus.Subscribe(domain.EventTaskStarted, func(_ context.Context, _ domain.Event) {
		typed.Add(1)
	})
	unsubAll := bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		all.Add(1)
	})
	// A second handler keeps the slice non-trivial after removal.
	var kept atomic.Int32
	bus.Subscribe(domain.EventTaskStarted, func(_ context.Context, _ domain.Event) {
		kept.Add(1)
	})

	unsubTyped()
	unsubAll()
	unsubTyped() // idempotent
	bus.Publish(context.Background(), newEvent(domain.EventTaskStarted))
	bus.Close()

	if typed.Load() != 0 || all.Load() != 0 {
		t.Fatalf("unsubscribed handlers fired: typed=%d all=%d", typed.Load(), all.Load())
	}
	if kept.Load() != 1 {
		t.Fatalf("expected remaining handler to fire once, got %d", kept.Load())
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventToolCallCompleted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventToolCallCompleted))
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
	if n := bus.Counts()[domain.EventToolCallCompleted]; n != 100 {
		t.Fatalf("Counts = %d, want 100", n)
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventTaskFailed, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventTaskFailed, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskFailed))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1 (second handler), got %d", got.Load())
	}
}

func TestPublishStampsTimestampAndOutlivesContext(t *testing.T) {
	bus := newTestBus()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.now = func() time.Time { return fixed }

	got := make(chan domain.Event, 1)
	var ctxErr error
	var mu sync.Mutex
	bus.SubscribeAll(func(ctx context.Context, e domain.Event) {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		ctxErr = ctx.Err()
		mu.Unlock()
		got <- e
	})

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, domain.Event{Type: domain.EventScheduledPrompt})
	cancel()
	bus.Close()

	e := <-got
	if !e.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, fixed)
	}
	mu.Lock()
	defer mu.Unlock()
	if ctxErr != nil {
		t.Errorf("handler context cancelled: %v", ctxErr)
	}
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventDebateFinished, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventDebateFinished))
	bus.Close() // should block until the handler finishes

	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}

	bus.Publish(context.Background(), newEvent(domain.EventDebateFinished))
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
	bus.Close() // idempotent
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	sink := LogSink(logger)

	sink(context.Background(), domain.Event{Type: domain.EventTaskEnqueued, AgentID: "analyst"})
	sink(context.Background(), domain.Event{
		Type:     domain.EventTaskFailed,
		AgentID:  "analyst",
		ThreadID: "t1",
		Payload:  json.RawMessage(`{"error":"boom"}`),
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected only the warn line at info level, got %d: %s", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["level"] != "WARN" || rec["event"] != "task.failed" || rec["thread_id"] != "t1" {
		t.Errorf("unexpected record: %v", rec)
	}
	if rec["payload"] != `{"error":"boom"}` {
		t.Errorf("payload = %v", rec["payload"])
	}
}
