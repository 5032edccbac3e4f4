package client

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"calendar-live/domain"
)

// ErrEngineStopped is returned by calls made after Run has returned.
var ErrEngineStopped = errors.New("engine stopped")

// EventAPI is the part of the server API the engine needs.
type EventAPI interface {
	List(ctx context.Context) ([]domain.Event, error)
	Get(ctx context.Context, id string) (domain.Event, error)
	Update(ctx context.Context, id string, in domain.EventInput) (domain.Event, error)
}

// Notice tells the user that a local change did not stick.
type Notice struct {
	EventID string
	Message string
	Err     error
}

// Engine keeps a Mirror consistent with the server. All mirror access happens
// on the goroutine running Run; everything else talks to it through channels.
type Engine struct {
	api    EventAPI
	mirror *Mirror
	log    log.FieldLogger

	cmds    chan func(context.Context)
	notices chan Notice
	stopped chan struct{}

	// RetryInterval spaces attempts to resynchronize after a failed refresh.
	RetryInterval time.Duration

	awaitingResync bool
	resyncFailed   bool
	seq            uint64
	backlog        []Notice
}

// NewEngine creates an engine whose mirror buckets days in loc.
func NewEngine(api EventAPI, loc *time.Location, logger log.FieldLogger) *Engine {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Engine{
		api:            api,
		mirror:         NewMirror(loc),
		log:            logger,
		cmds:           make(chan func(context.Context)),
		notices:        make(chan Notice, 16),
		stopped:        make(chan struct{}),
		RetryInterval:  2 * time.Second,
		awaitingResync: true,
	}
}

// Notices yields user-visible failures of speculative changes.
func (e *Engine) Notices() <-chan Notice { return e.notices }

// Run applies stream messages until ctx ends or messages is closed.
func (e *Engine) Run(ctx context.Context, messages <-chan Message) error {
	defer close(e.stopped)
	interval := e.RetryInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	retry := time.NewTicker(interval)
	defer retry.Stop()
	for {
		var (
			pending chan<- Notice
			head    Notice
		)
		if len(e.backlog) > 0 {
			pending, head = e.notices, e.backlog[0]
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pending <- head:
			e.backlog = e.backlog[1:]
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			e.handle(ctx, msg)
		case fn := <-e.cmds:
			fn(ctx)
		case <-retry.C:
			if e.resyncFailed {
				e.resync(ctx)
			}
		}
	}
}

func (e *Engine) handle(ctx context.Context, msg Message) {
	switch msg.Kind {
	case MessageConnected:
		e.log.WithField("ack", msg.Ack).Info("stream connected, waiting for refresh")
		e.awaitingResync = true
	case MessageClosed:
		e.log.WithError(msg.Err).WithField("transport", IsTransport(msg.Err)).Warn("stream lost, state untrusted until refresh")
		e.awaitingResync = true
	case MessageUpdate:
		e.apply(ctx, msg.Record)
	}
}

func (e *Engine) apply(ctx context.Context, rec domain.ChangeRecord) {
	if rec.Kind == domain.Refresh {
		e.resync(ctx)
		return
	}
	if e.awaitingResync {
		e.log.WithField("record", rec.String()).Debug("ignoring record before refresh")
		return
	}
	switch rec.Kind {
	case domain.Inserted, domain.Updated:
		ev, err := e.api.Get(ctx, rec.EventID)
		if err != nil {
			e.log.WithError(err).WithField("event", rec.EventID).Warn("fetch after change failed, resyncing")
			e.resync(ctx)
			return
		}
		e.mirror.Upsert(ev)
	case domain.Deleted:
		e.mirror.Remove(rec.EventID)
	}
}

func (e *Engine) resync(ctx context.Context) {
	events, err := e.api.List(ctx)
	if err != nil {
		e.log.WithError(err).Error("refresh failed")
		e.awaitingResync = true
		e.resyncFailed = true
		return
	}
	e.mirror.Reset(events)
	e.awaitingResync = false
	e.resyncFailed = false
	e.log.WithField("events", len(events)).Debug("mirror refreshed")
}

// exec runs fn on the engine goroutine and waits for it. Once fn has been
// handed over it always runs to completion, so exec waits for it regardless of
// ctx; fn must not block.
func (e *Engine) exec(ctx context.Context, fn func(context.Context)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	wrapped := func(loopCtx context.Context) {
		fn(loopCtx)
		close(done)
	}
	select {
	case e.cmds <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrEngineStopped
	}
	<-done
	return nil
}

// post hands fn to the engine goroutine without waiting.
func (e *Engine) post(fn func(context.Context)) {
	select {
	case e.cmds <- fn:
	case <-e.stopped:
	}
}

// Reschedule moves the event to the calendar day day falls on in the
// engine's zone, keeping its local time of day and duration.
// The mirror shows the new date as soon as Reschedule returns; the server
// write completes in the background and is either confirmed or rolled back
// with a Notice.
func (e *Engine) Reschedule(ctx context.Context, id string, day time.Time) error {
	var (
		seq    uint64
		target domain.Event
		err    error
	)
	if execErr := e.exec(ctx, func(context.Context) {
		cur, ok := e.mirror.Get(id)
		if !ok {
			err = &domain.NotFoundError{ID: id}
			return
		}
		target = cur.MoveToDayIn(day, e.mirror.loc)
		e.seq++
		seq = e.seq
		e.mirror.Speculate(target, seq)
	}); execErr != nil {
		return execErr
	}
	if err != nil {
		return err
	}

	writeCtx := context.WithoutCancel(ctx)
	go func() {
		ev, werr := e.api.Update(writeCtx, id, target.Input())
		e.post(func(loopCtx context.Context) { e.settle(loopCtx, id, seq, ev, werr) })
	}()
	return nil
}

func (e *Engine) settle(ctx context.Context, id string, seq uint64, ev domain.Event, err error) {
	if err == nil {
		e.mirror.Confirm(seq, ev)
		return
	}
	rolledBack := e.mirror.Rollback(id, seq)
	e.log.WithError(err).WithFields(log.Fields{"event": id, "rolled_back": rolledBack}).Warn("reschedule rejected")
	e.notify(Notice{EventID: id, Message: "Could not move event; it was restored to its previous date.", Err: err})
	if domain.IsNotFound(err) {
		e.resync(ctx)
	}
}

// notify never blocks the loop and never drops: notices the reader has not
// picked up yet wait in the backlog, which Run drains in order.
func (e *Engine) notify(n Notice) {
	if len(e.backlog) == 0 {
		select {
		case e.notices <- n:
			return
		default:
		}
	}
	e.backlog = append(e.backlog, n)
	e.log.WithFields(log.Fields{"event": n.EventID, "backlog": len(e.backlog)}).Debug("notice queued")
}

// Snapshot returns the visible events ordered by start.
func (e *Engine) Snapshot(ctx context.Context) ([]domain.Event, error) {
	var out []domain.Event
	err := e.exec(ctx, func(context.Context) { out = e.mirror.List() })
	return out, err
}

// Day returns the visible events starting on day (YYYY-MM-DD).
func (e *Engine) Day(ctx context.Context, day string) ([]domain.Event, error) {
	var out []domain.Event
	err := e.exec(ctx, func(context.Context) { out = e.mirror.Day(day) })
	return out, err
}

// Days returns the visible events grouped by start day.
func (e *Engine) Days(ctx context.Context) (map[string][]domain.Event, error) {
	var out map[string][]domain.Event
	err := e.exec(ctx, func(context.Context) { out = e.mirror.Days() })
	return out, err
}

// Event returns the visible value of one event.
func (e *Engine) Event(ctx context.Context, id string) (domain.Event, bool, error) {
	var (
		ev domain.Event
		ok bool
	)
	err := e.exec(ctx, func(context.Context) { ev, ok = e.mirror.Get(id) })
	return ev, ok, err
}

// Pending reports whether id has an unconfirmed local change.
func (e *Engine) Pending(ctx context.Context, id string) (bool, error) {
	var pending bool
	err := e.exec(ctx, func(context.Context) { pending = e.mirror.Pending(id) })
	return pending, err
}

// Synced reports whether the mirror is trusted, i.e. a refresh has been
// applied since the last (re)connect.
func (e *Engine) Synced(ctx context.Context) (bool, error) {
	var synced bool
	err := e.exec(ctx, func(context.Context) { synced = !e.awaitingResync })
	return synced, err
}
