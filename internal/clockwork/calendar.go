package clockwork

import (
	"time"

	"github.com/triframe/triframe/internal/domain"
)

// IST is the exchange timezone. A fixed zone keeps the calendar independent
// of the host tzdata installation.
var IST = time.FixedZone("IST", 5*3600+30*60)

// CalendarConfig describes the trading session shape.
type CalendarConfig struct {
	OpenHour    int      `yaml:"open_hour"`
	OpenMinute  int      `yaml:"open_minute"`
	CloseHour   int      `yaml:"close_hour"`
	CloseMinute int      `yaml:"close_minute"`
	Holidays    []string `yaml:"holidays"` // YYYY-MM-DD in exchange time
}

// DefaultCalendarConfig returns the NSE equities session, 09:15 to 15:30 IST.
func DefaultCalendarConfig() CalendarConfig {
	return CalendarConfig{
		OpenHour:    9,
		OpenMinute:  15,
		CloseHour:   15,
		CloseMinute: 30,
	}
}

// SessionCalendar answers market-hours and timeframe-bucket questions. The
// 25m and 125m buckets anchor at session open so that twenty-five 1m bars
// complete a 25m bar and five 25m bars complete a 125m bar; 1m floors to the
// minute and DAILY floors to exchange midnight.
type SessionCalendar struct {
	cfg      CalendarConfig
	holidays map[string]bool
}

// NewSessionCalendar builds a calendar from config.
func NewSessionCalendar(cfg CalendarConfig) *SessionCalendar {
	holidays := make(map[string]bool, len(cfg.Holidays))
	for _, d := range cfg.Holidays {
		holidays[d] = true
	}
	return &SessionCalendar{cfg: cfg, holidays: holidays}
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func (c *SessionCalendar) IsTradingDay(t time.Time) bool {
	t = t.In(IST)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[t.Format("2006-01-02")]
}

// SessionOpen returns the session open instant on t's exchange date.
func (c *SessionCalendar) SessionOpen(t time.Time) time.Time {
	t = t.In(IST)
	return time.Date(t.Year(), t.Month(), t.Day(), c.cfg.OpenHour, c.cfg.OpenMinute, 0, 0, IST)
}

// SessionClose returns the session close instant on t's exchange date.
func (c *SessionCalendar) SessionClose(t time.Time) time.Time {
	t = t.In(IST)
	return time.Date(t.Year(), t.Month(), t.Day(), c.cfg.CloseHour, c.cfg.CloseMinute, 0, 0, IST)
}

// IsOpen reports whether t lies inside market hours on a trading day.
// The open boundary is inclusive, the close boundary exclusive.
func (c *SessionCalendar) IsOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	t = t.In(IST)
	return !t.Before(c.SessionOpen(t)) && t.Before(c.SessionClose(t))
}

// TradingDay returns exchange midnight of t's date, the day key signals
// deduplicate on.
func (c *SessionCalendar) TradingDay(t time.Time) time.Time {
	t = t.In(IST)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, IST)
}

// WeekStart returns exchange midnight of the Monday of t's week. Weekly
// loss windows anchor here.
func (c *SessionCalendar) WeekStart(t time.Time) time.Time {
	t = t.In(IST)
	back := (int(t.Weekday()) + 6) % 7
	monday := t.AddDate(0, 0, -back)
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, IST)
}

// InCloseWindow reports whether t is within the last n seconds before close.
// Signal emission is suppressed inside this window.
func (c *SessionCalendar) InCloseWindow(t time.Time, n time.Duration) bool {
	if !c.IsOpen(t) {
		return false
	}
	return !t.In(IST).Before(c.SessionClose(t).Add(-n))
}

// BucketStart floors t to the start of its (timeframe) bucket.
func (c *SessionCalendar) BucketStart(t time.Time, tf domain.Timeframe) time.Time {
	t = t.In(IST)
	switch tf {
	case domain.TimeframeM1:
		return t.Truncate(time.Minute)
	case domain.TimeframeDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, IST)
	default:
		open := c.SessionOpen(t)
		if t.Before(open) {
			return open
		}
		elapsed := t.Sub(open)
		return open.Add(elapsed.Truncate(tf.Duration()))
	}
}

// NextBucketStart returns the first instant after t that begins a new bucket.
func (c *SessionCalendar) NextBucketStart(t time.Time, tf domain.Timeframe) time.Time {
	return c.BucketStart(t, tf).Add(tf.Duration())
}

// NextOpen returns the next session open at or after t, skipping weekends
// and holidays.
func (c *SessionCalendar) NextOpen(t time.Time) time.Time {
	t = t.In(IST)
	day := t
	if !t.Before(c.SessionOpen(t)) {
		day = day.AddDate(0, 0, 1)
	}
	for i := 0; i < 366; i++ {
		if c.IsTradingDay(day) {
			return c.SessionOpen(day)
		}
		day = day.AddDate(0, 0, 1)
	}
	return c.SessionOpen(day)
}
