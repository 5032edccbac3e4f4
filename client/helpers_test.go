package client

import (
	"time"

	"calendar-live/domain"
)

func strPtr(s string) *string { return &s }

func event(id, start string, minutes int) domain.Event {
	st, err := time.Parse(time.RFC3339, start)
	if err != nil {
		panic(err)
	}
	return domain.Event{
		ID:       id,
		Name:     "Event " + id,
		Start:    st,
		End:      st.Add(time.Duration(minutes) * time.Minute),
		Location: strPtr("Room 1"),
	}
}

func ids(events []domain.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.ID)
	}
	return out
}
