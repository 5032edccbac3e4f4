// Package events runs the write pipeline: store, then projection, then publish.
package events

import (
	"context"
	"errors"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"calendar-live/domain"
)

const tracerName = "calendar-live/events"

// Store is the system of record.
type Store interface {
	Create(ctx context.Context, id string, in domain.EventInput) (domain.Event, error)
	Update(ctx context.Context, id string, in domain.EventInput) (domain.Event, error)
	Delete(ctx context.Context, id string) error
}

// Projector follows committed mutations into the read model.
type Projector interface {
	Upserted(ctx context.Context, ev domain.Event) error
	Removed(ctx context.Context, id string) error
}

// Publisher fans change records out to live subscribers.
type Publisher interface {
	Publish(kind domain.ChangeKind, eventID string) error
}

// Service applies mutations. A call returns only after the store, the
// projection and the publisher have all seen the change, and calls for the
// same id run one at a time so subscribers observe them in commit order.
type Service struct {
	store     Store
	projector Projector
	publisher Publisher
	locks     *keyedMutex
	newID     func() string
	log       log.FieldLogger
}

// NewService wires the write pipeline.
func NewService(store Store, projector Projector, publisher Publisher, logger log.FieldLogger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{
		store:     store,
		projector: projector,
		publisher: publisher,
		locks:     newKeyedMutex(),
		newID:     uuid.NewString,
		log:       logger,
	}
}

// Create validates and stores a new event.
func (s *Service) Create(ctx context.Context, in domain.EventInput) (domain.Event, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "events.create")
	defer span.End()

	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return domain.Event{}, endWithError(span, err)
	}
	id := s.newID()
	span.SetAttributes(attribute.String("event.id", id))

	// The id is visible to readers as soon as the insert commits.
	unlock := s.locks.Lock(id)
	defer unlock()
	ev, err := s.store.Create(ctx, id, in)
	if err != nil {
		return domain.Event{}, endWithError(span, err)
	}
	s.follow(span, domain.Inserted, ev.ID, s.projector.Upserted(ctx, ev))
	return ev, nil
}

// Update fully replaces the mutable fields of the event with the given id.
func (s *Service) Update(ctx context.Context, id string, in domain.EventInput) (domain.Event, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "events.update",
		trace.WithAttributes(attribute.String("event.id", id)))
	defer span.End()

	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return domain.Event{}, endWithError(span, err)
	}

	unlock := s.locks.Lock(id)
	defer unlock()
	ev, err := s.store.Update(ctx, id, in)
	if err != nil {
		return domain.Event{}, endWithError(span, err)
	}
	s.follow(span, domain.Updated, id, s.projector.Upserted(ctx, ev))
	return ev, nil
}

// Delete removes the event with the given id.
func (s *Service) Delete(ctx context.Context, id string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "events.delete",
		trace.WithAttributes(attribute.String("event.id", id)))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()
	if err := s.store.Delete(ctx, id); err != nil {
		return endWithError(span, err)
	}
	s.follow(span, domain.Deleted, id, s.projector.Removed(ctx, id))
	return nil
}

// follow publishes the precise record, or refresh when the projection missed
// the change. The mutation is committed either way.
func (s *Service) follow(span trace.Span, kind domain.ChangeKind, id string, projErr error) {
	entry := s.log.WithFields(log.Fields{"event": id, "kind": kind})
	if projErr != nil {
		var perr *domain.ProjectionError
		if !errors.As(projErr, &perr) {
			perr = &domain.ProjectionError{Op: string(kind), EventID: id, Err: projErr}
		}
		span.AddEvent("projection.degraded", trace.WithAttributes(attribute.String("error.message", perr.Error())))
		entry.WithError(perr).Warn("projection behind store, publishing refresh")
		kind, id = domain.Refresh, ""
	}
	span.SetAttributes(attribute.String("change.kind", string(kind)))
	if err := s.publisher.Publish(kind, id); err != nil {
		entry.WithError(err).Error("publish change")
		return
	}
	entry.Debug("change published")
	span.SetStatus(codes.Ok, "")
}

func endWithError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
