package policy

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// DefaultTimezone is the civil timezone that defines a quota day.
const DefaultTimezone = "America/New_York"

const dayLayout = "2006-01-02"

// Clock maps instants onto quota days in one fixed location.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// NewClock loads the named IANA zone. An empty name selects DefaultTimezone.
func NewClock(tz string) (*Clock, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", tz, err)
	}
	return &Clock{loc: loc, now: time.Now}, nil
}

// WithNow returns a copy of c that reads the current time from now.
func (c *Clock) WithNow(now func() time.Time) *Clock {
	cp := *c
	cp.now = now
	return &cp
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	return c.now()
}

// Location is the configured timezone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Day formats t as the quota day (YYYY-MM-DD) in the configured zone.
func (c *Clock) Day(t time.Time) string {
	return t.In(c.loc).Format(dayLayout)
}

// NextMidnight returns the first local midnight strictly after t.
func (c *Clock) NextMidnight(t time.Time) time.Time {
	local := t.In(c.loc)
	y, m, d := local.Date()
	// time.Date normalises day overflow and resolves DST for the zone.
	return time.Date(y, m, d+1, 0, 0, 0, 0, c.loc)
}
