package api

import (
	"net/http"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/labstack/echo/v4"

	"calendar-live/domain"
)

const calendarProductID = "-//calendar-live//events//EN"

func exportCalendar(r Reader) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := observe(c)
		m.SetStage("read")
		events, err := r.List(c.Request().Context())
		if err != nil {
			return writeError(c, err)
		}
		m.SetEventsReturned(len(events))
		m.SetStage("encode")
		body := renderCalendar(events, time.Now().UTC())
		return c.Blob(http.StatusOK, "text/calendar; charset=utf-8", []byte(body))
	}
}

func renderCalendar(events []domain.Event, stamp time.Time) string {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(calendarProductID)
	for _, ev := range events {
		vev := cal.AddEvent(ev.ID + "@calendar-live")
		vev.SetDtStampTime(stamp)
		vev.SetStartAt(ev.Start)
		vev.SetEndAt(ev.End)
		vev.SetSummary(ev.Name)
		if ev.Description != "" {
			vev.SetDescription(ev.Description)
		}
		if ev.Location != nil {
			vev.SetLocation(*ev.Location)
		}
		if ev.OnlineLink != nil {
			vev.SetURL(*ev.OnlineLink)
		}
	}
	return cal.Serialize()
}
