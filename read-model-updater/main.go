package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"calendar-live/config"
	"calendar-live/materializer"
	"calendar-live/storage"
)

type alertQueue interface {
	Dequeue(ctx context.Context) (*storage.RepairMessage, error)
	Delete(ctx context.Context, msg *storage.RepairMessage) error
}

func main() {
	log.Println("Read-Model Updater Service starting")

	cfg, err := config.LoadUpdater()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.Close()
	projection, err := storage.NewProjection(cfg.StorageConnectionString, cfg.EventsReadTable)
	if err != nil {
		log.Fatalf("projection: %v", err)
	}
	queue, err := storage.NewRepairQueue(cfg.StorageConnectionString, cfg.RepairQueue)
	if err != nil {
		log.Fatalf("queue client: %v", err)
	}
	redisOpts, err := config.RedisOptions(cfg.RedisConnectionString)
	if err != nil {
		log.Fatal(err)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()

	mat := materializer.New(store, projection, storage.NewCache(rc, cfg.SnapshotTTL), nil, logger)
	rep := newRepairer(mat, rc, cfg.UpdatesChannel, logger)

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.RebuildCron, func() {
		_ = rep.Rebuild(ctx, "schedule")
	}); err != nil {
		log.Fatalf("invalid PROJECTION_REBUILD_CRON: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	consume(ctx, queue, rep, cfg.PollInterval, logger)
}

// consume drains the repair queue until ctx is cancelled. Alerts whose repair
// fails stay on the queue and reappear after their visibility timeout.
func consume(ctx context.Context, queue alertQueue, rep *repairer, poll time.Duration, logger log.FieldLogger) {
	for ctx.Err() == nil {
		msg, err := queue.Dequeue(ctx)
		if err != nil {
			logger.Errorf("receive: %v", err)
			sleep(ctx, poll)
			continue
		}
		if msg == nil {
			sleep(ctx, poll)
			continue
		}
		if err := rep.HandleAlert(ctx, msg.Alert); err != nil {
			continue
		}
		if err := queue.Delete(ctx, msg); err != nil {
			logger.Errorf("delete message %s: %v", msg.ID, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
