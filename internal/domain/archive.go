package domain

import (
	"fmt"
	"path/filepath"
	"time"
)

// Source identifies where a day's archive was resolved from.
type Source string

const (
	SourceRecent     Source = "recent"
	SourceHistorical Source = "historical"
	SourceSkipped    Source = "skipped"
)

// DownloadUnit is one calendar day of source data.
type DownloadUnit struct {
	Day    time.Time
	Source Source
}

// MonthKey returns the YYYYMM key of the unit's month.
func (u DownloadUnit) MonthKey() string {
	return u.Day.Format("200601")
}

// DailyArchiveName returns the recent-source archive name for day, e.g.
// "RW-20240426.tar.gz".
func DailyArchiveName(day time.Time) string {
	return fmt.Sprintf("RW-%s.tar.gz", day.Format("20060102"))
}

// MonthlyArchiveName returns the historical-source archive name for the month
// containing day, e.g. "RW-202404.tar".
func MonthlyArchiveName(day time.Time) string {
	return fmt.Sprintf("RW-%s.tar", day.Format("200601"))
}

const hourlyLayout = "RW_20060102-1504.asc"

// HourlyFileName returns the name of the hourly raster file stamped at t.
func HourlyFileName(t time.Time) string {
	return t.UTC().Format(hourlyLayout)
}

// ParseHourlyFileName extracts the UTC measurement time from a path whose base
// name follows RW_YYYYMMDD-HHMM.asc.
func ParseHourlyFileName(path string) (time.Time, error) {
	t, err := time.ParseInLocation(hourlyLayout, filepath.Base(path), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse hourly file name %q: %w", filepath.Base(path), err)
	}
	return t, nil
}
