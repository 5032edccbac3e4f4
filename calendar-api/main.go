package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"calendar-live/calendar-api/api"
	"calendar-live/config"
	"calendar-live/events"
	"calendar-live/materializer"
	"calendar-live/notifier"
	"calendar-live/storage"
)

func main() {
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		logger.SetLevel(log.DebugLevel)
	}
	policy, err := notifier.ParseOverflowPolicy(cfg.SubscriberOverflow)
	if err != nil {
		log.Fatalf("invalid SUBSCRIBER_OVERFLOW: %v", err)
	}

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
	repair, err := storage.NewRepairQueue(cfg.StorageConnectionString, cfg.RepairQueue)
	if err != nil {
		log.Fatalf("repair queue: %v", err)
	}

	redisOpts, err := config.RedisOptions(cfg.RedisConnectionString)
	if err != nil {
		log.Fatal(err)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()
	cache := storage.NewCache(rc, cfg.SnapshotTTL)

	mat := materializer.New(store, projection, cache, repair, logger)
	if cfg.RebuildOnStart {
		if err := mat.Rebuild(ctx); err != nil {
			logger.WithError(err).Error("initial projection rebuild failed, serving reads from store")
			if err := cache.MarkDegraded(ctx, "startup rebuild: "+err.Error()); err != nil {
				logger.WithError(err).Error("mark degraded")
			}
		}
	}

	n := notifier.New(cfg.SubscriberBuffer, policy, logger)
	go notifier.Relay(ctx, logger, rc, cfg.UpdatesChannel, n)

	svc := events.NewService(store, mat, n, logger)
	view := materializer.NewView(store, projection, cache, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, api.HeaderIdempotencyKey},
	}))
	e.Use(middleware.Decompress())
	e.Use(echoprometheus.NewMiddleware("calendar_api"))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, svc, view, n, store, api.Options{
		Heartbeat:    cfg.StreamHeartbeat,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       logger,
		Replays:      api.NewRedisReplays(rc, cfg.IdempotencyTTL),
	})

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown")
	}
}
