package billing

import (
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultTimezone is the business timezone that defines a billing day (UTC+8).
const DefaultTimezone = "Asia/Shanghai"

// Clock maps instants onto business days.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// NewClock loads the named timezone, falling back to a fixed UTC+8 zone when the tz database is unavailable.
// A nil now uses time.Now.
func NewClock(name string, now func() time.Time) *Clock {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultTimezone
	}
	loc, errLoad := time.LoadLocation(name)
	if errLoad != nil {
		log.WithError(errLoad).Warnf("billing: load timezone %q failed, using fixed UTC+8", name)
		loc = time.FixedZone("UTC+8", 8*60*60)
	}
	if now == nil {
		now = time.Now
	}
	return &Clock{loc: loc, now: now}
}

// Location returns the business timezone.
func (c *Clock) Location() *time.Location { return c.loc }

// Now returns the current instant in the business timezone.
func (c *Clock) Now() time.Time { return c.now().In(c.loc) }

// Day returns the YYYY-MM-DD business day containing t.
func (c *Clock) Day(t time.Time) string {
	return t.In(c.loc).Format(time.DateOnly)
}

// StartOfDay returns midnight of the business day containing t.
func (c *Clock) StartOfDay(t time.Time) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
}

// RemainingDays counts the business days from the one containing now through the last day
// before the exclusive endAt, today included. It is zero once endAt has passed.
func (c *Clock) RemainingDays(endAt, now time.Time) int {
	if !endAt.After(now) {
		return 0
	}
	today := c.StartOfDay(now)
	lastDay := c.StartOfDay(endAt.Add(-time.Nanosecond))
	days := 0
	for day := today; !day.After(lastDay); day = day.AddDate(0, 0, 1) {
		days++
	}
	return days
}
