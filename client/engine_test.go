package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calendar-live/domain"
)

type fakeAPI struct {
	mu        sync.Mutex
	events    map[string]domain.Event
	listErr   error
	updateErr error
	gate      chan struct{}
	lists     int
}

func newFakeAPI(events ...domain.Event) *fakeAPI {
	f := &fakeAPI{events: map[string]domain.Event{}}
	for _, ev := range events {
		f.events[ev.ID] = ev
	}
	return f
}

func (f *fakeAPI) List(ctx context.Context) ([]domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.Event, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev)
	}
	return out, nil
}

func (f *fakeAPI) Get(ctx context.Context, id string) (domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return domain.Event{}, &domain.NotFoundError{ID: id}
	}
	return ev, nil
}

func (f *fakeAPI) Update(ctx context.Context, id string, in domain.EventInput) (domain.Event, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return domain.Event{}, f.updateErr
	}
	if _, ok := f.events[id]; !ok {
		return domain.Event{}, &domain.NotFoundError{ID: id}
	}
	ev := domain.NewEvent(id, in)
	f.events[id] = ev
	return ev, nil
}

func (f *fakeAPI) set(ev domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[ev.ID] = ev
}

func (f *fakeAPI) drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, id)
}

func startEngine(t *testing.T, api EventAPI) (*Engine, chan<- Message) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	eng := NewEngine(api, time.UTC, logger)
	eng.RetryInterval = 10 * time.Millisecond
	msgs := make(chan Message)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx, msgs)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return eng, msgs
}

func update(kind domain.ChangeKind, id string) Message {
	return Message{Kind: MessageUpdate, Record: domain.ChangeRecord{Kind: kind, EventID: id}}
}

func refresh() Message {
	return Message{Kind: MessageUpdate, Record: domain.RefreshRecord()}
}

func snapshotIDs(t *testing.T, eng *Engine) []string {
	t.Helper()
	events, err := eng.Snapshot(context.Background())
	require.NoError(t, err)
	return ids(events)
}

func TestEngineIgnoresRecordsUntilRefresh(t *testing.T) {
	api := newFakeAPI(event("e1", "2025-03-03T09:00:00Z", 15))
	eng, msgs := startEngine(t, api)

	msgs <- Message{Kind: MessageConnected, Ack: "sub-1"}
	msgs <- update(domain.Inserted, "e1")
	assert.Empty(t, snapshotIDs(t, eng))

	msgs <- refresh()
	assert.Equal(t, []string{"e1"}, snapshotIDs(t, eng))
	synced, err := eng.Synced(context.Background())
	require.NoError(t, err)
	assert.True(t, synced)
}

func TestEngineAppliesChanges(t *testing.T) {
	api := newFakeAPI(event("e1", "2025-03-03T09:00:00Z", 15))
	eng, msgs := startEngine(t, api)
	msgs <- Message{Kind: MessageConnected}
	msgs <- refresh()

	api.set(event("e2", "2025-03-02T10:00:00Z", 30))
	msgs <- update(domain.Inserted, "e2")
	assert.Equal(t, []string{"e2", "e1"}, snapshotIDs(t, eng))

	moved := event("e1", "2025-03-04T09:00:00Z", 15)
	api.set(moved)
	msgs <- update(domain.Updated, "e1")
	day, err := eng.Day(context.Background(), "2025-03-04")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids(day))

	api.drop("e2")
	msgs <- update(domain.Deleted, "e2")
	assert.Equal(t, []string{"e1"}, snapshotIDs(t, eng))
}

func TestEngineResyncsWhenChangedEventVanished(t *testing.T) {
	api := newFakeAPI(event("e1", "2025-03-03T09:00:00Z", 15))
	eng, msgs := startEngine(t, api)
	msgs <- Message{Kind: MessageConnected}
	msgs <- refresh()

	// e1 is updated and then deleted before the engine fetches it.
	api.drop("e1")
	msgs <- update(domain.Updated, "e1")
	assert.Empty(t, snapshotIDs(t, eng))
}

func TestEngineDistrustsStateAfterDisconnect(t *testing.T) {
	api := newFakeAPI(event("e1", "2025-03-03T09:00:00Z", 15))
	eng, msgs := startEngine(t, api)
	msgs <- Message{Kind: MessageConnected}
	msgs <- refresh()

	msgs <- Message{Kind: MessageClosed, Err: &domain.TransportError{Err: errors.New("reset")}}
	synced, err := eng.Synced(context.Background())
	require.NoError(t, err)
	assert.False(t, synced)

	api.set(event("e2", "2025-03-05T09:00:00Z", 15))
	msgs <- Message{Kind: MessageConnected}
	msgs <- update(domain.Inserted, "e2")
	assert.Equal(t, []string{"e1"}, snapshotIDs(t, eng))

	msgs <- refresh()
	assert.Equal(t, []string{"e1", "e2"}, snapshotIDs(t, eng))
}

func TestEngineRetriesFailedRefresh(t *testing.T) {
	api := newFakeAPI(event("e1", "2025-03-03T09:00:00Z", 15))
	api.listErr = errors.New("unavailable")
	eng, msgs := startEngine(t, api)
	msgs <- Message{Kind: MessageConnected}
	msgs <- refresh()
	assert.Empty(t, snapshotIDs(t, eng))

	api.mu.Lock()
	api.listErr = nil
	api.mu.Unlock()

	require.Eventually(t, func() bool {
		synced, err := eng.Synced(context.Background())
		return err == nil && synced
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"e1"}, snapshotIDs(t, eng))
}

func TestEngineRescheduleShowsChangeBeforeServerAnswers(t *testing.T) {
	orig := event("e1", "2025-03-03T09:00:00Z", 15)
	api := newFakeAPI(orig)
	api.gate = make(chan struct{})
	eng, msgs := startEngine(t, api)
	msgs <- Message{Kind: MessageConnected}
	msgs <- refresh()

	ctx := context.Background()
	require.NoError(t, eng.Reschedule(ctx, "e1", time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)))

	day, err := eng.Day(ctx, "2025-03-04")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids(day))
	pending, err := eng.Pending(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, pending)

	close(api.gate)
	require.Eventually(t, func() bool {
		pending, err := eng.Pending(ctx, "e1")
		return err == nil && !pending
	}, 2*time.Second, 5*time.Millisecond)

	ev, ok, err := eng.Event(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2025-03-04", ev.Day(time.UTC))
	assert.Equal(t, orig.End.Sub(orig.Start), ev.End.Sub(ev.Start))
	assert.Equal(t, 9, ev.Start.Hour())
}

func TestEngineRescheduleRollsBackOnRejection(t *testing.T) {
	orig := event("e1", "2025-03-03T09:00:00Z", 15)
	api := newFakeAPI(orig)
	api.updateErr = &domain.ValidationError{Problems: []string{"room is booked"}}
	eng, msgs := startEngine(t, api)
	msgs <- Message{Kind: MessageConnected}
	msgs <- refresh()

	ctx := context.Background()
	require.NoError(t, eng.Reschedule(ctx, "e1", time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)))

	select {
	case n := <-eng.Notices():
		assert.Equal(t, "e1", n.EventID)
		assert.True(t, domain.IsValidation(n.Err))
		assert.NotEmpty(t, n.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no notice after rejected reschedule")
	}

	ev, ok, err := eng.Event(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ev.Equal(orig))
	pending, err := eng.Pending(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestEngineRescheduleUnknownEvent(t *testing.T) {
	eng, msgs := startEngine(t, newFakeAPI())
	msgs <- Message{Kind: MessageConnected}
	msgs <- refresh()

	err := eng.Reschedule(context.Background(), "ghost", time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC))
	assert.True(t, domain.IsNotFound(err))
}

func TestEngineStopsWhenMessagesClose(t *testing.T) {
	logger, _ := test.NewNullLogger()
	eng := NewEngine(newFakeAPI(), time.UTC, logger)
	msgs := make(chan Message)
	close(msgs)

	require.NoError(t, eng.Run(context.Background(), msgs))
	_, err := eng.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestEngineServerRecordBeatsSpeculation(t *testing.T) {
	orig := event("e1", "2025-03-03T09:00:00Z", 15)
	api := newFakeAPI(orig)
	api.gate = make(chan struct{})
	eng, msgs := startEngine(t, api)
	msgs <- Message{Kind: MessageConnected}
	msgs <- refresh()

	ctx := context.Background()
	require.NoError(t, eng.Reschedule(ctx, "e1", time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)))

	// Another client renamed the event before our write landed.
	renamed := orig
	renamed.Name = "Renamed"
	api.set(renamed)
	msgs <- update(domain.Updated, "e1")

	ev, _, err := eng.Event(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", ev.Name)
	assert.Equal(t, "2025-03-03", ev.Day(time.UTC))
	pending, err := eng.Pending(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, pending)

	close(api.gate)
}

func TestEngineRescheduleUsesCalendarZone(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	orig := event("e1", "2025-12-03T09:00:00Z", 30)
	api := newFakeAPI(orig)
	logger, _ := test.NewNullLogger()
	eng := NewEngine(api, berlin, logger)
	msgs := make(chan Message)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx, msgs)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	msgs <- Message{Kind: MessageConnected}
	msgs <- refresh()

	require.NoError(t, eng.Reschedule(ctx, "e1", time.Date(2025, 12, 4, 0, 0, 0, 0, berlin)))
	day, err := eng.Day(ctx, "2025-12-04")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids(day))

	require.Eventually(t, func() bool {
		pending, err := eng.Pending(ctx, "e1")
		return err == nil && !pending
	}, 2*time.Second, 5*time.Millisecond)
	stored, err := api.Get(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, stored.Start.Equal(time.Date(2025, 12, 4, 9, 0, 0, 0, time.UTC)), "got %v", stored.Start)
	assert.Equal(t, 30*time.Minute, stored.End.Sub(stored.Start))
}

func TestEngineRescheduleWithCancelledContextLeavesNoOverlay(t *testing.T) {
	api := newFakeAPI(event("e1", "2025-03-03T09:00:00Z", 15))
	eng, msgs := startEngine(t, api)
	msgs <- Message{Kind: MessageConnected}
	msgs <- refresh()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := eng.Reschedule(ctx, "e1", time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, context.Canceled)
	pending, err := eng.Pending(context.Background(), "e1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestEngineRescheduleRacingCancelAlwaysSettles(t *testing.T) {
	api := newFakeAPI(event("e1", "2025-03-03T09:00:00Z", 15))
	eng, msgs := startEngine(t, api)
	msgs <- Message{Kind: MessageConnected}
	msgs <- refresh()

	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		go cancel()
		_ = eng.Reschedule(ctx, "e1", time.Date(2025, 3, 4+i%5, 0, 0, 0, 0, time.UTC))
		require.Eventually(t, func() bool {
			pending, err := eng.Pending(context.Background(), "e1")
			return err == nil && !pending
		}, 2*time.Second, time.Millisecond, "overlay stranded on iteration %d", i)
	}
}

func TestEngineKeepsEveryNotice(t *testing.T) {
	api := newFakeAPI(event("e1", "2025-03-03T09:00:00Z", 15))
	api.updateErr = errors.New("server down")
	eng, msgs := startEngine(t, api)
	msgs <- Message{Kind: MessageConnected}
	msgs <- refresh()

	const attempts = 40
	for i := 0; i < attempts; i++ {
		require.NoError(t, eng.Reschedule(context.Background(), "e1", time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)))
	}
	for i := 0; i < attempts; i++ {
		select {
		case n := <-eng.Notices():
			assert.Equal(t, "e1", n.EventID)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d notices", i, attempts)
		}
	}
}
