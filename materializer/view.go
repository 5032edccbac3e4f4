package materializer

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"calendar-live/domain"
	"calendar-live/storage"
)

// View answers queries from the projection. While the projection is marked
// degraded every read goes to the store instead.
type View struct {
	source   Source
	table    Table
	snapshot Snapshot
	log      log.FieldLogger
}

// NewView creates a View over the same collaborators as the Materializer.
func NewView(source Source, table Table, snapshot Snapshot, logger log.FieldLogger) *View {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &View{source: source, table: table, snapshot: snapshot, log: logger}
}

func (v *View) degraded(ctx context.Context) bool {
	degraded, err := v.snapshot.Degraded(ctx)
	if err != nil {
		v.log.WithError(err).Warn("degraded check failed, reading store")
		return true
	}
	return degraded
}

// List returns every event ordered by start.
func (v *View) List(ctx context.Context) ([]domain.Event, error) {
	if v.degraded(ctx) {
		return v.source.List(ctx)
	}
	events, err := v.snapshot.LoadSnapshot(ctx)
	if err == nil {
		return events, nil
	}
	if !errors.Is(err, storage.ErrSnapshotMissing) {
		v.log.WithError(err).Warn("load snapshot")
	}
	return v.table.List(ctx)
}

// ListDay returns the events starting on day (YYYY-MM-DD) in loc.
func (v *View) ListDay(ctx context.Context, day string, loc *time.Location) ([]domain.Event, error) {
	if _, err := time.ParseInLocation(domain.DayLayout, day, time.UTC); err != nil {
		return nil, &domain.ValidationError{Problems: []string{"day must be YYYY-MM-DD"}}
	}
	all, err := v.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(all))
	for _, ev := range all {
		if ev.Day(loc) == day {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Get returns a single event or a *domain.NotFoundError.
func (v *View) Get(ctx context.Context, id string) (domain.Event, error) {
	if v.degraded(ctx) {
		return v.source.Get(ctx, id)
	}
	return v.table.Get(ctx, id)
}
