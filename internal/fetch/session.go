package fetch

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/couchcryptid/radolan-harvester/internal/observability"
)

// Source downloads a named archive to a local path. Missing archives are
// reported as domain.ErrNotFound.
type Source interface {
	Download(ctx context.Context, name, dst string) (int64, error)
}

// Downloader resolves download units against the recent and historical sources.
type Downloader struct {
	recent     Source
	historical Source
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewDownloader creates a Downloader.
func NewDownloader(recent, historical Source, logger *slog.Logger, metrics *observability.Metrics) *Downloader {
	return &Downloader{recent: recent, historical: historical, logger: logger, metrics: metrics}
}

// NewSession starts a fetch session for plan inside workDir. Monthly archives
// are downloaded at most once per session and removed after the last planned
// day of their month has been fetched.
func (d *Downloader) NewSession(plan []domain.DownloadUnit, workDir string) *Session {
	last := make(map[string]time.Time)
	for _, u := range plan {
		if t, ok := last[u.MonthKey()]; !ok || u.Day.After(t) {
			last[u.MonthKey()] = u.Day
		}
	}
	return &Session{
		d:           d,
		workDir:     workDir,
		lastOfMonth: last,
		months:      make(map[string]*monthArchive),
	}
}

// Session is the per-cycle fetch state. It is not safe for concurrent use.
type Session struct {
	d           *Downloader
	workDir     string
	lastOfMonth map[string]time.Time
	months      map[string]*monthArchive
	resolved    []domain.DownloadUnit
}

type monthArchive struct {
	path string
	err  error
}

// Fetch makes the hourly files of unit's day available locally and returns
// their paths. When both sources fail it returns a *domain.FetchError.
func (s *Session) Fetch(ctx context.Context, unit domain.DownloadUnit) ([]string, error) {
	defer s.releaseMonth(unit)

	dayDir := s.dayDir(unit)
	files, primaryErr := s.fetchRecent(ctx, unit, dayDir)
	if primaryErr == nil {
		s.record(unit, domain.SourceRecent)
		return files, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	_ = os.RemoveAll(dayDir)
	s.d.logger.Warn("recent archive unavailable, using monthly archive",
		"day", unit.Day.Format(time.DateOnly),
		"error", primaryErr,
	)

	files, fallbackErr := s.fetchHistorical(ctx, unit, dayDir)
	if fallbackErr == nil {
		s.record(unit, domain.SourceHistorical)
		return files, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	_ = os.RemoveAll(dayDir)
	s.record(unit, domain.SourceSkipped)
	return nil, &domain.FetchError{Day: unit.Day, Primary: primaryErr, Fallback: fallbackErr}
}

// Discard removes the extracted hourly files of unit's day.
func (s *Session) Discard(unit domain.DownloadUnit) error {
	return os.RemoveAll(s.dayDir(unit))
}

// Resolved returns the fetched units with the source that served each.
func (s *Session) Resolved() []domain.DownloadUnit {
	return slices.Clone(s.resolved)
}

// Close removes every file the session left in its working directory.
func (s *Session) Close() error {
	return errors.Join(
		os.RemoveAll(filepath.Join(s.workDir, "days")),
		os.RemoveAll(filepath.Join(s.workDir, "months")),
	)
}

func (s *Session) dayDir(unit domain.DownloadUnit) string {
	return filepath.Join(s.workDir, "days", unit.Day.Format("20060102"))
}

func (s *Session) record(unit domain.DownloadUnit, src domain.Source) {
	unit.Source = src
	s.resolved = append(s.resolved, unit)
	s.d.metrics.DaysFetched.WithLabelValues(string(src)).Inc()
}

func (s *Session) fetchRecent(ctx context.Context, unit domain.DownloadUnit, dayDir string) ([]string, error) {
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return nil, err
	}
	archive := filepath.Join(dayDir, domain.DailyArchiveName(unit.Day))
	n, err := s.d.recent.Download(ctx, domain.DailyArchiveName(unit.Day), archive)
	if err != nil {
		return nil, err
	}
	s.d.metrics.DownloadedBytes.Add(float64(n))

	files, err := unpackDailyFile(archive, dayDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s holds no hourly files", domain.DailyArchiveName(unit.Day))
	}
	return files, nil
}

func (s *Session) fetchHistorical(ctx context.Context, unit domain.DownloadUnit, dayDir string) ([]string, error) {
	path, err := s.monthlyArchive(ctx, unit)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	files, err := extractDay(f, unit.Day, dayDir)
	if err != nil {
		return nil, fmt.Errorf("extract day from %s: %w", filepath.Base(path), err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s missing from %s: %w",
			unit.Day.Format(time.DateOnly), domain.MonthlyArchiveName(unit.Day), domain.ErrNotFound)
	}
	return files, nil
}

// monthlyArchive returns the local path of unit's monthly archive, downloading
// it on first use. A failed download is remembered for the rest of the session.
func (s *Session) monthlyArchive(ctx context.Context, unit domain.DownloadUnit) (string, error) {
	key := unit.MonthKey()
	if m, ok := s.months[key]; ok {
		return m.path, m.err
	}

	dir := filepath.Join(s.workDir, "months", key)
	m := &monthArchive{path: filepath.Join(dir, domain.MonthlyArchiveName(unit.Day))}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	n, err := s.d.historical.Download(ctx, historicalName(unit), m.path)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		m.err = err
	} else {
		s.d.metrics.DownloadedBytes.Add(float64(n))
		s.d.logger.Info("monthly archive downloaded", "month", key, "bytes", n)
	}
	s.months[key] = m
	return m.path, m.err
}

// releaseMonth deletes the monthly archive once unit is the last planned day
// of its month.
func (s *Session) releaseMonth(unit domain.DownloadUnit) {
	key := unit.MonthKey()
	if last, ok := s.lastOfMonth[key]; !ok || !last.Equal(unit.Day) {
		return
	}
	if _, ok := s.months[key]; !ok {
		return
	}
	if err := os.RemoveAll(filepath.Join(s.workDir, "months", key)); err != nil {
		s.d.logger.Warn("remove monthly archive failed", "month", key, "error", err)
	}
}

// extractDay copies the hourly files of day out of a monthly tar. The month
// holds either one gzip-compressed daily tar per day or the hourly files
// directly.
func extractDay(r io.Reader, day time.Time, dir string) ([]string, error) {
	daily := domain.DailyArchiveName(day)
	hourlyPrefix := "RW_" + day.Format("20060102") + "-"

	var files []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Base(hdr.Name)
		switch {
		case name == daily:
			got, err := unpackDaily(tr, dir)
			if err != nil {
				return nil, fmt.Errorf("unpack %s: %w", name, err)
			}
			files = append(files, got...)
		case strings.HasPrefix(name, hourlyPrefix) && strings.HasSuffix(name, ".asc"):
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
			path := filepath.Join(dir, name)
			if err := writeFile(path, tr); err != nil {
				return nil, err
			}
			files = append(files, path)
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}
