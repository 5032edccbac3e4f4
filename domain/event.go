package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DayLayout is the bucket key format used to group events by calendar day.
const DayLayout = "2006-01-02"

// Event is a calendar entry as held by the store and served by the read path.
type Event struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	Location         *string   `json:"location"`
	OnlineLink       *string   `json:"online_link"`
	MinAttendees     *int      `json:"min_attendees"`
	MaxAttendees     *int      `json:"max_attendees"`
	LocationNotes    *string   `json:"location_notes"`
	PreparationNotes *string   `json:"preparation_notes"`
}

// EventInput carries the mutable fields of an Event. Updates replace all of them.
type EventInput struct {
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	Location         *string   `json:"location,omitempty"`
	OnlineLink       *string   `json:"online_link,omitempty"`
	MinAttendees     *int      `json:"min_attendees,omitempty"`
	MaxAttendees     *int      `json:"max_attendees,omitempty"`
	LocationNotes    *string   `json:"location_notes,omitempty"`
	PreparationNotes *string   `json:"preparation_notes,omitempty"`
}

// Validate checks the invariants that shape the stored payload.
func (in EventInput) Validate() error {
	var problems []string
	if strings.TrimSpace(in.Name) == "" {
		problems = append(problems, "name is required")
	}
	if in.Start.IsZero() {
		problems = append(problems, "start is required")
	}
	if in.End.IsZero() {
		problems = append(problems, "end is required")
	}
	if !in.Start.IsZero() && !in.End.IsZero() && !in.End.After(in.Start) {
		problems = append(problems, "end must be after start")
	}
	if blank(in.Location) && blank(in.OnlineLink) {
		problems = append(problems, "provide either location or online_link")
	}
	problems = appendCountProblems(problems, "min_attendees", in.MinAttendees)
	problems = appendCountProblems(problems, "max_attendees", in.MaxAttendees)
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Normalize drops blank optional text so that "" and absent are stored the same way.
func (in EventInput) Normalize() EventInput {
	in.Location = nonBlank(in.Location)
	in.OnlineLink = nonBlank(in.OnlineLink)
	in.LocationNotes = nonBlank(in.LocationNotes)
	in.PreparationNotes = nonBlank(in.PreparationNotes)
	return in
}

// NewEvent builds the stored form of an input under the given id.
func NewEvent(id string, in EventInput) Event {
	return Event{
		ID:               id,
		Name:             in.Name,
		Description:      in.Description,
		Start:            in.Start,
		End:              in.End,
		Location:         in.Location,
		OnlineLink:       in.OnlineLink,
		MinAttendees:     in.MinAttendees,
		MaxAttendees:     in.MaxAttendees,
		LocationNotes:    in.LocationNotes,
		PreparationNotes: in.PreparationNotes,
	}
}

// Input returns the mutable fields of e, suitable for a full-replace update.
func (e Event) Input() EventInput {
	return EventInput{
		Name:             e.Name,
		Description:      e.Description,
		Start:            e.Start,
		End:              e.End,
		Location:         e.Location,
		OnlineLink:       e.OnlineLink,
		MinAttendees:     e.MinAttendees,
		MaxAttendees:     e.MaxAttendees,
		LocationNotes:    e.LocationNotes,
		PreparationNotes: e.PreparationNotes,
	}
}

// Day returns the bucket key of the event's start in loc. A nil loc means UTC.
func (e Event) Day(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return e.Start.In(loc).Format(DayLayout)
}

// MoveToDay moves the event to the calendar day of day, keeping the start's
// time-of-day (in the start's own zone) and the event duration.
func (e Event) MoveToDay(day time.Time) Event {
	return e.MoveToDayIn(day, e.Start.Location())
}

// MoveToDayIn moves the event to the calendar day that day falls on in loc.
// The start keeps the time-of-day it shows in loc, the duration is unchanged
// and the result stays in the start's original zone.
func (e Event) MoveToDayIn(day time.Time, loc *time.Location) Event {
	if loc == nil {
		loc = time.UTC
	}
	d := day.In(loc)
	s := e.Start.In(loc)
	duration := e.End.Sub(e.Start)
	start := time.Date(d.Year(), d.Month(), d.Day(),
		s.Hour(), s.Minute(), s.Second(), s.Nanosecond(), loc).In(e.Start.Location())
	e.Start = start
	e.End = start.Add(duration)
	return e
}

// Equal reports whether two events carry the same values.
func (e Event) Equal(o Event) bool {
	return e.ID == o.ID &&
		e.Name == o.Name &&
		e.Description == o.Description &&
		e.Start.Equal(o.Start) &&
		e.End.Equal(o.End) &&
		eqPtr(e.Location, o.Location) &&
		eqPtr(e.OnlineLink, o.OnlineLink) &&
		eqPtr(e.MinAttendees, o.MinAttendees) &&
		eqPtr(e.MaxAttendees, o.MaxAttendees) &&
		eqPtr(e.LocationNotes, o.LocationNotes) &&
		eqPtr(e.PreparationNotes, o.PreparationNotes)
}

// MaxAttendees is the largest attendee count the store can hold.
const MaxAttendees = math.MaxInt32

func appendCountProblems(problems []string, field string, v *int) []string {
	switch {
	case v == nil:
	case *v < 0:
		problems = append(problems, field+" must not be negative")
	case *v > MaxAttendees:
		problems = append(problems, fmt.Sprintf("%s must not exceed %d", field, MaxAttendees))
	}
	return problems
}

func blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

func nonBlank(s *string) *string {
	if blank(s) {
		return nil
	}
	return s
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
