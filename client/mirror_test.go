package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calendar-live/domain"
)

func TestMirrorListOrdersByStartThenID(t *testing.T) {
	m := NewMirror(time.UTC)
	m.Reset([]domain.Event{
		event("b", "2025-03-03T09:00:00Z", 15),
		event("c", "2025-03-02T09:00:00Z", 15),
		event("a", "2025-03-03T09:00:00Z", 15),
	})

	assert.Equal(t, []string{"c", "a", "b"}, ids(m.List()))
	assert.Equal(t, 3, m.Len())
}

func TestMirrorDaysUseLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	late := event("late", "2025-03-03T20:00:00Z", 30)
	utc := NewMirror(time.UTC)
	utc.Reset([]domain.Event{late})
	local := NewMirror(tokyo)
	local.Reset([]domain.Event{late})

	assert.Equal(t, []string{"late"}, ids(utc.Day("2025-03-03")))
	assert.Empty(t, local.Day("2025-03-03"))
	assert.Equal(t, []string{"late"}, ids(local.Days()["2025-03-04"]))
}

func TestMirrorSpeculateThenConfirm(t *testing.T) {
	m := NewMirror(time.UTC)
	orig := event("e1", "2025-03-03T09:00:00Z", 15)
	m.Reset([]domain.Event{orig})

	moved := orig.MoveToDay(time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC))
	require.True(t, m.Speculate(moved, 1))
	assert.True(t, m.Pending("e1"))

	got, ok := m.Get("e1")
	require.True(t, ok)
	assert.True(t, got.Equal(moved))
	base, _ := m.Confirmed("e1")
	assert.True(t, base.Equal(orig))
	assert.Equal(t, []string{"e1"}, ids(m.Day("2025-03-04")))
	assert.Empty(t, m.Day("2025-03-03"))

	assert.True(t, m.Confirm(1, moved))
	assert.False(t, m.Pending("e1"))
	base, _ = m.Confirmed("e1")
	assert.True(t, base.Equal(moved))
}

func TestMirrorRollbackRestoresConfirmed(t *testing.T) {
	m := NewMirror(time.UTC)
	orig := event("e1", "2025-03-03T09:00:00Z", 15)
	m.Reset([]domain.Event{orig})
	m.Speculate(orig.MoveToDay(time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)), 7)

	assert.False(t, m.Rollback("e1", 6), "stale write must not drop a newer overlay")
	assert.True(t, m.Pending("e1"))

	assert.True(t, m.Rollback("e1", 7))
	got, _ := m.Get("e1")
	assert.True(t, got.Equal(orig))
}

func TestMirrorConfirmOfOlderWriteKeepsNewerOverlay(t *testing.T) {
	m := NewMirror(time.UTC)
	orig := event("e1", "2025-03-03T09:00:00Z", 15)
	m.Reset([]domain.Event{orig})
	first := orig.MoveToDay(time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC))
	second := orig.MoveToDay(time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC))
	m.Speculate(first, 1)
	m.Speculate(second, 2)

	assert.False(t, m.Confirm(1, first))
	got, _ := m.Get("e1")
	assert.True(t, got.Equal(second))

	// The newer write fails: the user sees the server's answer to the older one.
	assert.True(t, m.Rollback("e1", 2))
	got, _ = m.Get("e1")
	assert.True(t, got.Equal(first))
}

func TestMirrorUpsertAndResetDropOverlays(t *testing.T) {
	m := NewMirror(time.UTC)
	orig := event("e1", "2025-03-03T09:00:00Z", 15)
	m.Reset([]domain.Event{orig})
	m.Speculate(orig.MoveToDay(time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)), 1)

	assert.True(t, m.Upsert(orig))
	assert.False(t, m.Pending("e1"))

	m.Speculate(orig.MoveToDay(time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)), 2)
	m.Reset([]domain.Event{orig})
	assert.False(t, m.Pending("e1"))
	assert.False(t, m.Rollback("e1", 2))
}

func TestMirrorSpeculateUnknownID(t *testing.T) {
	m := NewMirror(time.UTC)
	assert.False(t, m.Speculate(event("ghost", "2025-03-03T09:00:00Z", 15), 1))
	assert.False(t, m.Remove("ghost"))
	_, ok := m.Get("ghost")
	assert.False(t, ok)
}
