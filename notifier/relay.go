package notifier

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"calendar-live/domain"
)

// PublishRemote sends rec to other processes over the Redis channel.
func PublishRemote(ctx context.Context, rc *redis.Client, channel string, rec domain.ChangeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	payload, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}
	return rc.Publish(ctx, channel, payload).Err()
}

// Relay forwards refresh records published on the Redis channel by other
// processes into n until ctx is cancelled, resubscribing when the channel
// closes. Precise records are ignored because their order relative to local
// writes cannot be known.
func Relay(ctx context.Context, logger log.FieldLogger, rc *redis.Client, channel string, n *Notifier) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	receive:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				var rec domain.ChangeRecord
				if err := sonic.UnmarshalString(msg.Payload, &rec); err != nil {
					logger.Errorf("unable to parse update: %v", err)
					continue
				}
				if rec.Kind != domain.Refresh {
					logger.WithField("kind", rec.Kind).Debug("ignoring remote record")
					continue
				}
				if err := n.PublishRecord(rec); err != nil {
					logger.Errorf("relay update: %v", err)
				}
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
