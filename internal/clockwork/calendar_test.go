package clockwork

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triframe/triframe/internal/domain"
)

// 2024-07-15 is a Monday.
func istTime(hour, min, sec int) time.Time {
	return time.Date(2024, 7, 15, hour, min, sec, 0, IST)
}

func TestIsOpen_SessionBoundaries(t *testing.T) {
	cal := NewSessionCalendar(DefaultCalendarConfig())

	assert.False(t, cal.IsOpen(istTime(9, 14, 59)))
	assert.True(t, cal.IsOpen(istTime(9, 15, 0)))
	assert.True(t, cal.IsOpen(istTime(14, 30, 0)))
	assert.True(t, cal.IsOpen(istTime(15, 29, 59)))
	assert.False(t, cal.IsOpen(istTime(15, 30, 0)))
}

func TestIsOpen_WeekendAndHoliday(t *testing.T) {
	cfg := DefaultCalendarConfig()
	cfg.Holidays = []string{"2024-07-17"}
	cal := NewSessionCalendar(cfg)

	saturday := time.Date(2024, 7, 13, 11, 0, 0, 0, IST)
	assert.False(t, cal.IsOpen(saturday))

	holiday := time.Date(2024, 7, 17, 11, 0, 0, 0, IST)
	assert.False(t, cal.IsOpen(holiday))
	assert.False(t, cal.IsTradingDay(holiday))
	assert.True(t, cal.IsTradingDay(istTime(11, 0, 0)))
}

func TestBucketStart_OneMinute(t *testing.T) {
	cal := NewSessionCalendar(DefaultCalendarConfig())

	got := cal.BucketStart(istTime(14, 30, 42), domain.TimeframeM1)
	assert.True(t, got.Equal(istTime(14, 30, 0)), "got %v", got)
}

func TestBucketStart_SessionAnchoredTimeframes(t *testing.T) {
	cal := NewSessionCalendar(DefaultCalendarConfig())

	// First 25m bucket runs 09:15-09:40, second 09:40-10:05.
	got := cal.BucketStart(istTime(9, 39, 59), domain.TimeframeM25)
	assert.True(t, got.Equal(istTime(9, 15, 0)), "got %v", got)

	got = cal.BucketStart(istTime(9, 40, 0), domain.TimeframeM25)
	assert.True(t, got.Equal(istTime(9, 40, 0)), "got %v", got)

	// First 125m bucket runs 09:15-11:20.
	got = cal.BucketStart(istTime(11, 19, 59), domain.TimeframeM125)
	assert.True(t, got.Equal(istTime(9, 15, 0)), "got %v", got)

	got = cal.BucketStart(istTime(11, 20, 0), domain.TimeframeM125)
	assert.True(t, got.Equal(istTime(11, 20, 0)), "got %v", got)

	// Five 1m buckets never straddle a 25m boundary: 14:30 falls in the
	// 25m bucket that started at 14:25.
	got = cal.BucketStart(istTime(14, 30, 0), domain.TimeframeM25)
	assert.True(t, got.Equal(istTime(14, 25, 0)), "got %v", got)
}

func TestBucketStart_Daily(t *testing.T) {
	cal := NewSessionCalendar(DefaultCalendarConfig())

	got := cal.BucketStart(istTime(14, 30, 42), domain.TimeframeDaily)
	assert.True(t, got.Equal(time.Date(2024, 7, 15, 0, 0, 0, 0, IST)), "got %v", got)
}

func TestInCloseWindow(t *testing.T) {
	cal := NewSessionCalendar(DefaultCalendarConfig())

	assert.False(t, cal.InCloseWindow(istTime(15, 28, 59), 60*time.Second))
	assert.True(t, cal.InCloseWindow(istTime(15, 29, 0), 60*time.Second))
	assert.True(t, cal.InCloseWindow(istTime(15, 29, 59), 60*time.Second))
	// Outside the session entirely.
	assert.False(t, cal.InCloseWindow(istTime(15, 30, 1), 60*time.Second))
}

func TestNextOpen_SkipsWeekend(t *testing.T) {
	cal := NewSessionCalendar(DefaultCalendarConfig())

	// Friday after close rolls to Monday 09:15.
	friday := time.Date(2024, 7, 12, 16, 0, 0, 0, IST)
	got := cal.NextOpen(friday)
	require.True(t, got.Equal(istTime(9, 15, 0)), "got %v", got)

	// Before open on a trading day returns the same day's open.
	got = cal.NextOpen(istTime(8, 0, 0))
	require.True(t, got.Equal(istTime(9, 15, 0)), "got %v", got)
}

func TestFakeClock(t *testing.T) {
	start := istTime(10, 0, 0)
	clk := NewFakeClock(start)

	assert.True(t, clk.Now().Equal(start))
	clk.Advance(90 * time.Second)
	assert.True(t, clk.Now().Equal(istTime(10, 1, 30)))
	clk.Set(istTime(14, 0, 0))
	assert.True(t, clk.Now().Equal(istTime(14, 0, 0)))
}
