package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"calendar-live/domain"
	"calendar-live/notifier"
)

// Writer applies mutations through the write pipeline.
type Writer interface {
	Create(ctx context.Context, in domain.EventInput) (domain.Event, error)
	Update(ctx context.Context, id string, in domain.EventInput) (domain.Event, error)
	Delete(ctx context.Context, id string) error
}

// Reader answers queries from the read model.
type Reader interface {
	List(ctx context.Context) ([]domain.Event, error)
	ListDay(ctx context.Context, day string, loc *time.Location) ([]domain.Event, error)
	Get(ctx context.Context, id string) (domain.Event, error)
}

// Subscriptions hands out live-update subscribers.
type Subscriptions interface {
	Subscribe() *notifier.Subscriber
	Unsubscribe(s *notifier.Subscriber)
}

// Pinger reports whether the event store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tunes the HTTP surface.
type Options struct {
	Heartbeat    time.Duration
	MaxBodyBytes int64
	Logger       *log.Logger
	// Replays enables Idempotency-Key handling on create when set.
	Replays Replays
}

const defaultMaxBodyBytes = 64 << 10

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, w Writer, r Reader, subs Subscriptions, store Pinger, opts Options) {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}

	obs := observeRequests(opts.Logger)
	e.POST("/events", createEvent(w, r, opts), obs)
	e.GET("/events", listEvents(r), obs)
	e.GET("/events.ics", exportCalendar(r), obs)
	e.GET("/events/:id", getEvent(r), obs)
	e.PUT("/events/:id", updateEvent(w, opts), obs)
	e.DELETE("/events/:id", deleteEvent(w), obs)
	e.GET("/healthz", healthz(store), obs)
	// The stream outlives any request budget; it is observed separately.
	e.GET("/events/stream", streamChanges(subs, opts))
}

type errorResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
	ID       string   `json:"id,omitempty"`
}

type eventBody struct {
	ID *string `json:"id,omitempty"`
	domain.EventInput
}

func decodeInput(c echo.Context, maxBytes int64) (eventBody, error) {
	lr := io.LimitReader(c.Request().Body, maxBytes)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()

	var body eventBody
	if err := dec.Decode(&body); err != nil {
		return eventBody{}, &domain.ValidationError{Problems: []string{"invalid body: " + err.Error()}}
	}
	return body, nil
}

func createEvent(w Writer, r Reader, opts Options) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		body, err := decodeInput(c, opts.MaxBodyBytes)
		if err != nil {
			return writeError(c, err)
		}
		if body.ID != nil {
			return writeError(c, &domain.ValidationError{Problems: []string{"id is assigned by the server"}})
		}

		key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
		if key != "" && opts.Replays != nil {
			observe(c).SetStage("idempotency")
			prior, claimed, err := opts.Replays.Claim(ctx, key)
			if err != nil {
				return writeError(c, err)
			}
			if !claimed {
				return replayCreate(c, r, prior)
			}
		}

		observe(c).SetStage("store")
		ev, err := w.Create(ctx, body.EventInput)
		if err != nil {
			if key != "" && opts.Replays != nil {
				if rerr := opts.Replays.Release(context.WithoutCancel(ctx), key); rerr != nil {
					requestLogger(c).WithError(rerr).WithField("key", key).Error("release idempotency key")
				}
			}
			return writeError(c, err)
		}
		if key != "" && opts.Replays != nil {
			if err := opts.Replays.Complete(context.WithoutCancel(ctx), key, ev.ID); err != nil {
				requestLogger(c).WithError(err).WithField("key", key).Error("complete idempotency key")
			}
		}
		return c.JSON(http.StatusCreated, ev)
	}
}

func replayCreate(c echo.Context, r Reader, eventID string) error {
	if eventID == "" {
		observe(c).SetErrorStage("idempotency")
		return c.JSON(http.StatusConflict, errorResponse{Error: "a request with this idempotency key is in progress"})
	}
	ev, err := r.Get(c.Request().Context(), eventID)
	if domain.IsNotFound(err) {
		observe(c).SetErrorStage("idempotency")
		return c.JSON(http.StatusConflict, errorResponse{Error: "idempotency key belongs to a deleted event", ID: eventID})
	}
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set("Idempotent-Replayed", "true")
	return c.JSON(http.StatusCreated, ev)
}

func updateEvent(w Writer, opts Options) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		body, err := decodeInput(c, opts.MaxBodyBytes)
		if err != nil {
			return writeError(c, err)
		}
		if body.ID != nil && *body.ID != id {
			return writeError(c, &domain.ValidationError{Problems: []string{"id does not match path"}})
		}
		observe(c).SetStage("store")
		ev, err := w.Update(c.Request().Context(), id, body.EventInput)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, ev)
	}
}

func deleteEvent(w Writer) echo.HandlerFunc {
	return func(c echo.Context) error {
		observe(c).SetStage("store")
		if err := w.Delete(c.Request().Context(), c.Param("id")); err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func listEvents(r Reader) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		m := observe(c)
		m.SetStage("read")

		var (
			events []domain.Event
			err    error
		)
		if day := strings.TrimSpace(c.QueryParam("day")); day != "" {
			loc, locErr := queryLocation(c)
			if locErr != nil {
				return writeError(c, locErr)
			}
			events, err = r.ListDay(ctx, day, loc)
		} else {
			events, err = r.List(ctx)
		}
		if err != nil {
			return writeError(c, err)
		}
		m.SetEventsReturned(len(events))
		m.SetStage("encode")
		return c.JSON(http.StatusOK, events)
	}
}

func getEvent(r Reader) echo.HandlerFunc {
	return func(c echo.Context) error {
		observe(c).SetStage("read")
		ev, err := r.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, ev)
	}
}

func healthz(store Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			requestLogger(c).WithError(err).Error("store unreachable")
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

func queryLocation(c echo.Context) (*time.Location, error) {
	tz := strings.TrimSpace(c.QueryParam("tz"))
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &domain.ValidationError{Problems: []string{"unknown time zone " + tz}}
	}
	return loc, nil
}

// writeError maps domain errors to status codes.
func writeError(c echo.Context, err error) error {
	var (
		verr *domain.ValidationError
		nerr *domain.NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		observe(c).SetErrorStage("validation")
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "validation failed", Problems: verr.Problems})
	case errors.As(err, &nerr):
		observe(c).SetErrorStage("not_found")
		return c.JSON(http.StatusNotFound, errorResponse{Error: "event not found", ID: nerr.ID})
	default:
		observe(c).Fail(err)
		requestLogger(c).WithError(err).Error("request failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
