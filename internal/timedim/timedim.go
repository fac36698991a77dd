// Package timedim derives the time dimension from epoch-millisecond timestamps.
package timedim

import "time"

// Row is one time dimension row. StartTime is the primary key.
type Row struct {
	StartTime time.Time
	Hour      int
	Day       int
	Week      int // ISO 8601 week of year, 1..53
	Month     int
	Year      int
	Weekday   string
}

// FromMillis converts epoch milliseconds to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Derive computes the calendar fields for ms. All fields are derived in UTC so
// the same input always yields the same row regardless of host timezone.
//
// Year is the calendar year of the date, not the ISO week-numbering year; the
// two differ for a few days around New Year (e.g. 2018-12-31 is ISO week 1).
func Derive(ms int64) Row {
	t := FromMillis(ms)
	_, week := t.ISOWeek()
	return Row{
		StartTime: t,
		Hour:      t.Hour(),
		Day:       t.Day(),
		Week:      week,
		Month:     int(t.Month()),
		Year:      t.Year(),
		Weekday:   t.Weekday().String(),
	}
}

// WeekdayIndex returns the weekday with Monday=0 .. Sunday=6.
func (r Row) WeekdayIndex() int {
	return (int(r.StartTime.Weekday()) + 6) % 7
}
