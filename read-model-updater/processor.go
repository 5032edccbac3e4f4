package main

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"calendar-live/domain"
	"calendar-live/notifier"
	"calendar-live/storage"
)

type rebuilder interface {
	Rebuild(ctx context.Context) error
}

// repairer rebuilds the projection and tells every calendar-api instance to
// resynchronize its subscribers.
type repairer struct {
	projection rebuilder
	rc         *redis.Client
	channel    string
	log        log.FieldLogger
	now        func() time.Time

	mu        sync.Mutex
	lastStart time.Time
}

func newRepairer(projection rebuilder, rc *redis.Client, channel string, logger log.FieldLogger) *repairer {
	return &repairer{projection: projection, rc: rc, channel: channel, log: logger, now: time.Now}
}

// HandleAlert repairs the projection unless a rebuild that started after the
// alert was raised has already completed.
func (r *repairer) HandleAlert(ctx context.Context, alert storage.ProjectionAlert) error {
	r.mu.Lock()
	covered := !alert.RaisedAt.IsZero() && alert.RaisedAt.Before(r.lastStart)
	r.mu.Unlock()
	entry := r.log.WithFields(log.Fields{"op": alert.Op, "event": alert.EventID})
	if covered {
		entry.Debug("alert already covered by a later rebuild")
		return nil
	}
	entry.WithField("cause", alert.Error).Info("repairing projection")
	return r.Rebuild(ctx, "alert")
}

// Rebuild recomputes the projection and publishes a refresh.
func (r *repairer) Rebuild(ctx context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := r.now()
	if err := r.projection.Rebuild(ctx); err != nil {
		r.log.WithError(err).WithField("reason", reason).Error("projection rebuild failed")
		return err
	}
	r.lastStart = start
	if err := notifier.PublishRemote(ctx, r.rc, r.channel, domain.RefreshRecord()); err != nil {
		r.log.Errorf("Unable to publish refresh to %s: %v", r.channel, err)
	}
	return nil
}
