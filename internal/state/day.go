package state

import (
	"fmt"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// Day is a calendar day index: whole days since 1970-01-01 UTC.
type Day int64

// DayOf truncates t to its UTC day index.
func DayOf(t time.Time) Day {
	secs := t.UTC().Unix()
	d := secs / secondsPerDay
	if secs < 0 && secs%secondsPerDay != 0 {
		d--
	}
	return Day(d)
}

// ParseDay accepts YYYY-MM-DD.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return 0, fmt.Errorf("parse day %q: %w", s, err)
	}
	return DayOf(t), nil
}

// Time returns midnight UTC of the day.
func (d Day) Time() time.Time {
	return time.Unix(int64(d)*secondsPerDay, 0).UTC()
}

func (d Day) String() string {
	return d.Time().Format(time.DateOnly)
}

func (d Day) AddDays(n int) Day {
	return d + Day(n)
}

// Identity is an opaque principal: an asset holder, an operator or the engine itself.
type Identity string

func (id Identity) IsZero() bool {
	return id == ""
}
