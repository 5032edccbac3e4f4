package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "calendar-live/api"
	requestSpanName    = "calendar.request"
	requestEventName   = "calendar.request"
	requestEventDomain = "calendar-live"
	observabilityEvent = "observability.event"
	metricsKey         = "calendar.request.metrics"
)

type requestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	start          time.Time
	method         string
	route          string
	stage          string
	errorStage     string
	eventsReturned int
	failure        error
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		))
	return &requestMetrics{
		logger:         logger,
		span:           span,
		start:          time.Now(),
		method:         method,
		route:          route,
		eventsReturned: -1,
	}, ctx
}

// observeRequests opens a span per request and emits one observability
// event when the handler returns.
func observeRequests(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			m, ctx := newRequestMetrics(req.Context(), logger, req.Method, c.Path())
			c.SetRequest(req.WithContext(ctx))
			c.Set(metricsKey, m)

			err := next(c)
			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			m.Log(status, err)
			return err
		}
	}
}

// observe returns the request's metrics; unobserved requests get nil, which
// is safe to use.
func observe(c echo.Context) *requestMetrics {
	m, _ := c.Get(metricsKey).(*requestMetrics)
	return m
}

// requestLogger returns the logger scoped to the observed request.
func requestLogger(c echo.Context) log.FieldLogger {
	m := observe(c)
	if m == nil || m.logger == nil {
		return log.StandardLogger()
	}
	return m.logger.WithFields(log.Fields{"method": m.method, "route": m.route})
}

func (m *requestMetrics) SetStage(stage string) {
	if m == nil || stage == "" {
		return
	}
	m.stage = stage
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if m == nil || stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *requestMetrics) SetEventsReturned(n int) {
	if m == nil {
		return
	}
	if n < 0 {
		n = 0
	}
	m.eventsReturned = n
}

// Fail records an unexpected error raised during the current stage.
func (m *requestMetrics) Fail(err error) {
	if m == nil || err == nil {
		return
	}
	m.failure = err
	if m.errorStage == "" {
		m.errorStage = m.stage
	}
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.failure
	}
	total := durationToMillis(time.Since(m.start))

	attrs := map[string]any{
		"http.method":               m.method,
		"http.route":                m.route,
		"http.status_code":          status,
		"calendar.request.total_ms": total,
	}
	spanAttrs := []attribute.KeyValue{
		attribute.String("http.method", m.method),
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64("calendar.request.total_ms", total),
	}
	if m.eventsReturned >= 0 {
		attrs["calendar.request.events_returned"] = m.eventsReturned
		spanAttrs = append(spanAttrs, attribute.Int("calendar.request.events_returned", m.eventsReturned))
	}
	if m.errorStage != "" {
		attrs["calendar.request.error_stage"] = m.errorStage
		spanAttrs = append(spanAttrs, attribute.String("calendar.request.error_stage", m.errorStage))
	}
	if err != nil {
		attrs["error.message"] = err.Error()
		spanAttrs = append(spanAttrs, attribute.String("error.message", err.Error()))
	}

	severityText, severityNumber := severityForStatus(status, err)

	if m.span != nil {
		m.span.SetAttributes(spanAttrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", requestEventName),
			attribute.String("event.domain", requestEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, spanAttrs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		switch {
		case err != nil:
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		case status >= http.StatusInternalServerError:
			m.span.SetStatus(codes.Error, http.StatusText(status))
		default:
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrs,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(observabilityEvent)
	case "WARN":
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
