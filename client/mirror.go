package client

import (
	"sort"
	"time"

	"calendar-live/domain"
)

type overlay struct {
	seq   uint64
	value domain.Event
}

type entry struct {
	base    domain.Event
	overlay *overlay
}

func (e *entry) visible() domain.Event {
	if e.overlay != nil {
		return e.overlay.value
	}
	return e.base
}

// Mirror is a client's local copy of the event list. Each entry holds the
// last server-confirmed value plus an optional speculative overlay, which is
// what the user sees until it is confirmed or rolled back. A Mirror is not
// safe for concurrent use; the Engine owns it.
type Mirror struct {
	entries map[string]*entry
	loc     *time.Location
}

// NewMirror creates an empty mirror that buckets days in loc.
func NewMirror(loc *time.Location) *Mirror {
	if loc == nil {
		loc = time.UTC
	}
	return &Mirror{entries: make(map[string]*entry), loc: loc}
}

// Reset replaces the contents with events and drops every overlay.
func (m *Mirror) Reset(events []domain.Event) {
	m.entries = make(map[string]*entry, len(events))
	for _, ev := range events {
		m.entries[ev.ID] = &entry{base: ev}
	}
}

// Upsert stores a server-confirmed value and drops any overlay for it. It
// reports whether the id was already present.
func (m *Mirror) Upsert(ev domain.Event) bool {
	_, existed := m.entries[ev.ID]
	m.entries[ev.ID] = &entry{base: ev}
	return existed
}

// Remove drops id and its overlay.
func (m *Mirror) Remove(id string) bool {
	_, existed := m.entries[id]
	delete(m.entries, id)
	return existed
}

// Get returns the visible value for id.
func (m *Mirror) Get(id string) (domain.Event, bool) {
	e, ok := m.entries[id]
	if !ok {
		return domain.Event{}, false
	}
	return e.visible(), true
}

// Confirmed returns the last server-confirmed value for id.
func (m *Mirror) Confirmed(id string) (domain.Event, bool) {
	e, ok := m.entries[id]
	if !ok {
		return domain.Event{}, false
	}
	return e.base, true
}

// Pending reports whether id carries a speculative overlay.
func (m *Mirror) Pending(id string) bool {
	e, ok := m.entries[id]
	return ok && e.overlay != nil
}

// Len returns the number of events.
func (m *Mirror) Len() int { return len(m.entries) }

// List returns the visible events ordered by start, then id.
func (m *Mirror) List() []domain.Event {
	out := make([]domain.Event, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.visible())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// Day returns the visible events whose start falls on day (YYYY-MM-DD).
func (m *Mirror) Day(day string) []domain.Event {
	var out []domain.Event
	for _, ev := range m.List() {
		if ev.Day(m.loc) == day {
			out = append(out, ev)
		}
	}
	return out
}

// Days groups the visible events by start day.
func (m *Mirror) Days() map[string][]domain.Event {
	out := make(map[string][]domain.Event)
	for _, ev := range m.List() {
		key := ev.Day(m.loc)
		out[key] = append(out[key], ev)
	}
	return out
}

// Speculate shows value for its id until the write tagged seq resolves.
func (m *Mirror) Speculate(value domain.Event, seq uint64) bool {
	e, ok := m.entries[value.ID]
	if !ok {
		return false
	}
	e.overlay = &overlay{seq: seq, value: value}
	return true
}

// Confirm records the server's answer to write seq. The overlay is cleared
// only if it still belongs to that write; a newer overlay stays on top of the
// updated base.
func (m *Mirror) Confirm(seq uint64, ev domain.Event) bool {
	e, ok := m.entries[ev.ID]
	if !ok || e.overlay == nil {
		return false
	}
	e.base = ev
	if e.overlay.seq != seq {
		return false
	}
	e.overlay = nil
	return true
}

// Rollback drops the overlay of write seq, restoring the confirmed value.
func (m *Mirror) Rollback(id string, seq uint64) bool {
	e, ok := m.entries[id]
	if !ok || e.overlay == nil || e.overlay.seq != seq {
		return false
	}
	e.overlay = nil
	return true
}
