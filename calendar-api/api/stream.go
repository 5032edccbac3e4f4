package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// streamChanges serves the live-update channel as server-sent events. The
// subscriber is detached as soon as the request context ends.
func streamChanges(subs Subscriptions, opts Options) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		sub := subs.Subscribe()
		defer subs.Unsubscribe(sub)
		logger := opts.Logger.WithField("subscriber", sub.ID)
		logger.Debug("stream opened")

		c.Response().WriteHeader(http.StatusOK)
		if _, err := fmt.Fprintf(c.Response(), "event: connected\ndata: %s\n\n", sub.ID); err != nil {
			return nil
		}
		flusher.Flush()

		heartbeat := time.NewTicker(opts.Heartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Debug("stream closed by client")
				return nil
			case <-sub.Done():
				logger.WithError(sub.Err()).Warn("stream closed by server")
				return nil
			case <-heartbeat.C:
				if _, err := c.Response().Write([]byte(": heartbeat\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case rec := <-sub.Records():
				data, err := sonic.Marshal(rec)
				if err != nil {
					logger.WithError(err).Error("encode change")
					continue
				}
				if _, err := fmt.Fprintf(c.Response(), "event: update\ndata: %s\n\n", data); err != nil {
					logger.WithFields(log.Fields{"kind": rec.Kind, "event": rec.EventID}).Debug("write failed, closing stream")
					return nil
				}
				flusher.Flush()
			}
		}
	}
}
