package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"calendar-live/config"
	"calendar-live/storage"
)

func main() {
	cfg, err := config.LoadStorage()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store, err := storage.New(ctx, cfg.DatabaseURL, 1)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("create schema: %v", err)
	}

	projection, err := storage.NewProjection(cfg.StorageConnectionString, cfg.EventsReadTable)
	if err != nil {
		log.Fatalf("projection: %v", err)
	}
	if err := projection.EnsureTable(ctx); err != nil {
		log.Fatalf("create table %s: %v", cfg.EventsReadTable, err)
	}

	queue, err := storage.NewRepairQueue(cfg.StorageConnectionString, cfg.RepairQueue)
	if err != nil {
		log.Fatalf("queue client: %v", err)
	}
	if err := queue.EnsureQueue(ctx); err != nil {
		log.Fatalf("create queue %s: %v", cfg.RepairQueue, err)
	}

	log.Info("storage init complete")
}
