package materializer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"calendar-live/domain"
	"calendar-live/storage"
)

type memEvents struct {
	mu      sync.Mutex
	events  map[string]domain.Event
	listErr error
	// afterList runs once the listing is taken, outside the lock.
	afterList func()
}

func newMemEvents(events ...domain.Event) *memEvents {
	m := &memEvents{events: map[string]domain.Event{}}
	for _, ev := range events {
		m.events[ev.ID] = ev
	}
	return m
}

func (m *memEvents) put(ev domain.Event) {
	m.mu.Lock()
	m.events[ev.ID] = ev
	m.mu.Unlock()
}

func (m *memEvents) drop(id string) {
	m.mu.Lock()
	delete(m.events, id)
	m.mu.Unlock()
}

func (m *memEvents) List(ctx context.Context) ([]domain.Event, error) {
	m.mu.Lock()
	if m.listErr != nil {
		m.mu.Unlock()
		return nil, m.listErr
	}
	out := make([]domain.Event, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	hook := m.afterList
	m.mu.Unlock()
	storage.SortByStart(out)
	if hook != nil {
		hook()
	}
	return out, nil
}

func (m *memEvents) onList(fn func()) {
	m.mu.Lock()
	m.afterList = fn
	m.mu.Unlock()
}

func (m *memEvents) Get(ctx context.Context, id string) (domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return domain.Event{}, &domain.NotFoundError{ID: id}
	}
	return ev, nil
}

type memTable struct {
	*memEvents
	writeErr error
}

func newMemTable() *memTable { return &memTable{memEvents: newMemEvents()} }

func (t *memTable) Upsert(ctx context.Context, ev domain.Event) error {
	if t.writeErr != nil {
		return t.writeErr
	}
	t.put(ev)
	return nil
}

func (t *memTable) Remove(ctx context.Context, id string) error {
	if t.writeErr != nil {
		return t.writeErr
	}
	t.drop(id)
	return nil
}

func (t *memTable) Replace(ctx context.Context, events []domain.Event) error {
	if t.writeErr != nil {
		return t.writeErr
	}
	t.mu.Lock()
	t.events = map[string]domain.Event{}
	for _, ev := range events {
		t.events[ev.ID] = ev
	}
	t.mu.Unlock()
	return nil
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []storage.ProjectionAlert
}

func (r *recordingAlerts) Enqueue(ctx context.Context, alert storage.ProjectionAlert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, alert)
	r.mu.Unlock()
	return nil
}

func newTestCache(t *testing.T) *storage.Cache {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return storage.NewCache(rc, time.Hour)
}

var errTableDown = errors.New("table unavailable")

func sampleEvent(id string, start time.Time) domain.Event {
	loc := "Room 1"
	return domain.Event{
		ID:       id,
		Name:     "Event " + id,
		Start:    start,
		End:      start.Add(30 * time.Minute),
		Location: &loc,
	}
}
