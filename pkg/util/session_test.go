package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newYorkSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession("America/New_York", "09:30", "16:00")
	require.NoError(t, err)
	return s
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("15:45")
	require.NoError(t, err)
	assert.Equal(t, Clock{Hour: 15, Minute: 45}, c)
	assert.Equal(t, "15:45", c.String())

	_, err = ParseClock("25:00")
	assert.Error(t, err)
}

func TestNewSessionRejectsBadInput(t *testing.T) {
	_, err := NewSession("Mars/Olympus", "09:30", "16:00")
	assert.Error(t, err)
	_, err = NewSession("UTC", "9.30", "16:00")
	assert.Error(t, err)
}

func TestSessionStart(t *testing.T) {
	s := newYorkSession(t)

	midday := time.Date(2024, 6, 3, 12, 0, 0, 0, s.Loc)
	assert.True(t, s.SessionStart(midday).Equal(time.Date(2024, 6, 3, 9, 30, 0, 0, s.Loc)))

	early := time.Date(2024, 6, 4, 8, 0, 0, 0, s.Loc)
	assert.True(t, s.SessionStart(early).Equal(time.Date(2024, 6, 3, 9, 30, 0, 0, s.Loc)))
	assert.True(t, s.NextOpen(early).Equal(time.Date(2024, 6, 4, 9, 30, 0, 0, s.Loc)))
}

func TestSameSessionAndIsOpen(t *testing.T) {
	s := newYorkSession(t)
	open := time.Date(2024, 6, 3, 9, 30, 0, 0, s.Loc)

	assert.True(t, s.SameSession(open, open.Add(6*time.Hour)))
	assert.False(t, s.SameSession(open, open.Add(24*time.Hour)))

	assert.True(t, s.IsOpen(open))
	assert.True(t, s.IsOpen(open.Add(6*time.Hour+29*time.Minute)))
	assert.False(t, s.IsOpen(open.Add(-time.Minute)))
	assert.False(t, s.IsOpen(s.CloseOn(open)))
}

func TestSessionSkipsNonTradingDays(t *testing.T) {
	s, err := NewSession("America/New_York", "09:30", "16:00", "2024-07-04")
	require.NoError(t, err)
	friday := time.Date(2024, 6, 7, 9, 30, 0, 0, s.Loc)
	monday := time.Date(2024, 6, 10, 9, 30, 0, 0, s.Loc)

	t.Run("weekend", func(t *testing.T) {
		saturday := time.Date(2024, 6, 8, 12, 0, 0, 0, s.Loc)
		assert.False(t, s.IsTradingDay(saturday))
		assert.False(t, s.IsOpen(saturday))
		assert.True(t, s.SessionStart(saturday).Equal(friday))
		assert.True(t, s.SessionStart(monday.Add(-time.Hour)).Equal(friday))
		assert.True(t, s.NextOpen(saturday).Equal(monday))
		assert.True(t, s.NextOpen(friday).Equal(monday))
		assert.True(t, s.SameSession(friday.Add(time.Hour), saturday))
	})

	t.Run("holiday", func(t *testing.T) {
		holiday := time.Date(2024, 7, 4, 11, 0, 0, 0, s.Loc)
		wednesday := time.Date(2024, 7, 3, 9, 30, 0, 0, s.Loc)
		assert.False(t, s.IsTradingDay(holiday))
		assert.False(t, s.IsOpen(holiday))
		assert.True(t, s.SessionStart(holiday).Equal(wednesday))
		assert.True(t, s.NextOpen(holiday).Equal(time.Date(2024, 7, 5, 9, 30, 0, 0, s.Loc)))
	})

	_, err = NewSession("America/New_York", "09:30", "16:00", "July 4")
	assert.Error(t, err)
}
