// Package materializer keeps the read projection in step with the event store.
package materializer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"calendar-live/domain"
	"calendar-live/storage"
)

var (
	projectionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calendar_projection_failures_total",
		Help: "Mutations the read projection failed to follow.",
	}, []string{"op"})
	projectionRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calendar_projection_rebuilds_total",
		Help: "Full projection rebuilds by outcome.",
	}, []string{"outcome"})
)

// Source is the system of record the projection is derived from.
type Source interface {
	List(ctx context.Context) ([]domain.Event, error)
	Get(ctx context.Context, id string) (domain.Event, error)
}

// Table is the per-event projection.
type Table interface {
	Upsert(ctx context.Context, ev domain.Event) error
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (domain.Event, error)
	List(ctx context.Context) ([]domain.Event, error)
	Replace(ctx context.Context, events []domain.Event) error
}

// Snapshot caches the full ordered list and the degraded marker.
type Snapshot interface {
	StoreSnapshot(ctx context.Context, events []domain.Event) error
	LoadSnapshot(ctx context.Context) ([]domain.Event, error)
	EvictSnapshot(ctx context.Context) error
	MarkDegraded(ctx context.Context, reason string) error
	ClearDegraded(ctx context.Context) error
	Degraded(ctx context.Context) (bool, error)
	BumpGeneration(ctx context.Context) error
	Generation(ctx context.Context) (int64, error)
}

// ErrRebuildContended is returned when incremental writes kept overtaking a
// rebuild. The projection stays degraded.
var ErrRebuildContended = errors.New("projection changed during every rebuild attempt")

const rebuildAttempts = 3

// Alerts receives projection failures for out-of-band repair.
type Alerts interface {
	Enqueue(ctx context.Context, alert storage.ProjectionAlert) error
}

// Materializer applies confirmed store mutations to the projection. Calls are
// serialized so snapshot writes never go backwards.
type Materializer struct {
	source   Source
	table    Table
	snapshot Snapshot
	alerts   Alerts
	log      log.FieldLogger
	now      func() time.Time

	mu sync.Mutex
}

// New creates a Materializer. alerts may be nil.
func New(source Source, table Table, snapshot Snapshot, alerts Alerts, logger log.FieldLogger) *Materializer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Materializer{
		source:   source,
		table:    table,
		snapshot: snapshot,
		alerts:   alerts,
		log:      logger,
		now:      time.Now,
	}
}

// Upserted projects an inserted or updated event.
func (m *Materializer) Upserted(ctx context.Context, ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.snapshot.BumpGeneration(ctx); err != nil {
		return m.fail(ctx, "upsert", ev.ID, err)
	}
	if err := m.table.Upsert(ctx, ev); err != nil {
		return m.fail(ctx, "upsert", ev.ID, err)
	}
	return m.refreshSnapshot(ctx, "upsert", ev.ID)
}

// Removed drops a deleted event from the projection.
func (m *Materializer) Removed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.snapshot.BumpGeneration(ctx); err != nil {
		return m.fail(ctx, "remove", id, err)
	}
	if err := m.table.Remove(ctx, id); err != nil {
		return m.fail(ctx, "remove", id, err)
	}
	return m.refreshSnapshot(ctx, "remove", id)
}

// Rebuild recomputes the whole projection from the store. Other processes may
// project mutations meanwhile, so readers are sent to the store for the
// duration and the degraded marker is only cleared by a pass that no
// incremental write overtook.
func (m *Materializer) Rebuild(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for attempt := 1; ; attempt++ {
		clean, n, err := m.rebuildPass(ctx)
		if err != nil {
			projectionRebuilds.WithLabelValues("error").Inc()
			return err
		}
		if clean {
			projectionRebuilds.WithLabelValues("ok").Inc()
			m.log.WithFields(log.Fields{"events": n, "attempt": attempt}).Info("projection rebuilt")
			return nil
		}
		if attempt == rebuildAttempts {
			projectionRebuilds.WithLabelValues("contended").Inc()
			if err := m.snapshot.MarkDegraded(ctx, ErrRebuildContended.Error()); err != nil {
				m.log.WithError(err).Error("mark degraded")
			}
			return ErrRebuildContended
		}
		m.log.WithField("attempt", attempt).Warn("projection changed during rebuild, retrying")
	}
}

// rebuildPass reports clean when no incremental write started between its
// first and last generation reads.
func (m *Materializer) rebuildPass(ctx context.Context) (clean bool, n int, err error) {
	if err := m.snapshot.MarkDegraded(ctx, "rebuild in progress"); err != nil {
		return false, 0, err
	}
	before, err := m.snapshot.Generation(ctx)
	if err != nil {
		return false, 0, err
	}
	events, err := m.source.List(ctx)
	if err != nil {
		return false, 0, err
	}
	if err := m.table.Replace(ctx, events); err != nil {
		return false, 0, err
	}
	if err := m.snapshot.StoreSnapshot(ctx, events); err != nil {
		return false, 0, err
	}
	if err := m.snapshot.ClearDegraded(ctx); err != nil {
		return false, 0, err
	}
	after, err := m.snapshot.Generation(ctx)
	if err != nil {
		return false, 0, err
	}
	return before == after, len(events), nil
}

// refreshSnapshot re-reads the store so the snapshot contains the mutation
// that was just committed. If the snapshot cannot be written it is evicted so
// readers fall back to the table.
func (m *Materializer) refreshSnapshot(ctx context.Context, op, id string) error {
	events, err := m.source.List(ctx)
	if err == nil {
		err = m.snapshot.StoreSnapshot(ctx, events)
	}
	if err == nil {
		return nil
	}
	m.log.WithError(err).WithField("event", id).Warn("snapshot refresh failed")
	if evictErr := m.snapshot.EvictSnapshot(ctx); evictErr != nil {
		return m.fail(ctx, op, id, errors.Join(err, evictErr))
	}
	return nil
}

func (m *Materializer) fail(ctx context.Context, op, id string, cause error) error {
	projectionFailures.WithLabelValues(op).Inc()
	perr := &domain.ProjectionError{Op: op, EventID: id, Err: cause}
	entry := m.log.WithError(cause).WithFields(log.Fields{"op": op, "event": id})
	entry.Error("projection failed")

	if err := m.snapshot.MarkDegraded(ctx, perr.Error()); err != nil {
		entry.WithField("cause", err).Error("mark degraded")
	}
	if err := m.snapshot.EvictSnapshot(ctx); err != nil {
		entry.WithField("cause", err).Warn("evict snapshot")
	}
	if m.alerts != nil {
		alert := storage.ProjectionAlert{Op: op, EventID: id, Error: cause.Error(), RaisedAt: m.now().UTC()}
		if err := m.alerts.Enqueue(ctx, alert); err != nil {
			entry.WithField("cause", err).Error("enqueue projection alert")
		}
	}
	return perr
}
