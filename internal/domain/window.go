package domain

import (
	"fmt"
	"time"
)

// Window is a half-open harvest range [Start, End) of whole days in the
// reference timezone.
type Window struct {
	Start time.Time
	End   time.Time
}

// HarvestWindow computes the window that follows a checkpoint: from midnight
// of collectionDate up to midnight of the current day, so the current
// (possibly incomplete) day is never harvested.
func HarvestWindow(collectionDate, now time.Time, loc *time.Location) Window {
	return Window{
		Start: Midnight(collectionDate, loc),
		End:   Midnight(now, loc),
	}
}

// Empty reports whether the window contains no whole day.
func (w Window) Empty() bool {
	return !w.Start.Before(w.End)
}

// Days returns the midnight of every calendar day in the window, in order.
func (w Window) Days() []time.Time {
	var days []time.Time
	loc := w.Start.Location()
	for d := Midnight(w.Start, loc); d.Before(w.End); d = nextDay(d) {
		days = append(days, d)
	}
	return days
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Midnight returns the start of t's calendar day in loc.
func Midnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func nextDay(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day()+1, 0, 0, 0, 0, d.Location())
}

// HourlyWindow is an inclusive range of hour stamps [First, Last], stepping
// one hour at a time.
type HourlyWindow struct {
	First time.Time
	Last  time.Time
}

// AssemblyWindow returns the hourly window covering the last days whole days
// before now: from minute offset of the first hour of day now-days up to minute
// offset of the last hour of yesterday. With days=30 and offset=50 that is
// 00:50 thirty days ago through 23:50 yesterday.
func AssemblyWindow(now time.Time, days, offset int, loc *time.Location) HourlyWindow {
	today := Midnight(now, loc)
	minute := time.Duration(offset) * time.Minute
	first := time.Date(today.Year(), today.Month(), today.Day()-days, 0, 0, 0, 0, loc).Add(minute)
	return HourlyWindow{
		First: first,
		Last:  today.Add(-time.Hour).Add(minute),
	}
}

// Hours returns the number of hour stamps in the window.
func (w HourlyWindow) Hours() int {
	if w.Last.Before(w.First) {
		return 0
	}
	return int(w.Last.Sub(w.First)/time.Hour) + 1
}

// Hour returns the i-th hour stamp of the window.
func (w HourlyWindow) Hour(i int) time.Time {
	return w.First.Add(time.Duration(i) * time.Hour)
}

// Contains reports whether t falls within [First, Last].
func (w HourlyWindow) Contains(t time.Time) bool {
	return !t.Before(w.First) && !t.After(w.Last)
}
