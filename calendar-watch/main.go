// Command calendar-watch keeps a live mirror of the calendar and periodically
// reports it per day. With "move <id> <YYYY-MM-DD>" it reschedules one event
// through the mirror and reports whether the server accepted the change.
package main

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"calendar-live/client"
	"calendar-live/config"
	"calendar-live/domain"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatalf("invalid CALENDAR_TZ: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.NewAPI(cfg.BaseURL, cfg.RequestTimeout)
	stream := client.NewStream(cfg.BaseURL, cfg.MaxBackoff, logger)
	engine := client.NewEngine(api, loc, logger)

	msgs := make(chan client.Message)
	go stream.Run(ctx, msgs)
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx, msgs) }()

	if len(os.Args) == 4 && os.Args[1] == "move" {
		os.Exit(move(ctx, engine, os.Args[2], os.Args[3], loc, logger))
	}

	ticker := time.NewTicker(cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("engine stopped")
			}
			return
		case n := <-engine.Notices():
			logger.WithError(n.Err).WithField("event", n.EventID).Warn(n.Message)
		case <-ticker.C:
			report(ctx, engine, logger)
		}
	}
}

func report(ctx context.Context, engine *client.Engine, logger *log.Logger) {
	synced, err := engine.Synced(ctx)
	if err != nil {
		return
	}
	if !synced {
		logger.Info("waiting for refresh")
		return
	}
	days, err := engine.Days(ctx)
	if err != nil {
		return
	}
	keys := make([]string, 0, len(days))
	for day := range days {
		keys = append(keys, day)
	}
	sort.Strings(keys)
	for _, day := range keys {
		names := make([]string, 0, len(days[day]))
		for _, ev := range days[day] {
			names = append(names, ev.Start.Format("15:04")+" "+ev.Name)
		}
		logger.WithFields(log.Fields{"day": day, "events": names}).Info("calendar")
	}
}

func move(ctx context.Context, engine *client.Engine, id, day string, loc *time.Location, logger *log.Logger) int {
	target, err := time.ParseInLocation(domain.DayLayout, day, loc)
	if err != nil {
		logger.WithError(err).Error("day must be YYYY-MM-DD")
		return 2
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for {
		synced, err := engine.Synced(waitCtx)
		if err != nil {
			logger.WithError(err).Error("mirror never synchronized")
			return 1
		}
		if synced {
			break
		}
		select {
		case <-waitCtx.Done():
		case <-time.After(100 * time.Millisecond):
		}
	}

	if err := engine.Reschedule(waitCtx, id, target); err != nil {
		logger.WithError(err).WithField("event", id).Error("reschedule")
		return 1
	}
	for {
		select {
		case n := <-engine.Notices():
			if n.EventID == id {
				logger.WithError(n.Err).WithField("event", id).Error(n.Message)
				return 1
			}
		case <-time.After(100 * time.Millisecond):
			pending, err := engine.Pending(waitCtx, id)
			if err != nil {
				logger.WithError(err).Error("reschedule outcome unknown")
				return 1
			}
			if pending {
				continue
			}
			ev, ok, err := engine.Event(waitCtx, id)
			if err != nil || !ok || ev.Day(loc) != day {
				logger.WithField("event", id).Error("reschedule was not applied")
				return 1
			}
			logger.WithFields(log.Fields{"event": id, "day": day}).Info("event moved")
			return 0
		}
	}
}
