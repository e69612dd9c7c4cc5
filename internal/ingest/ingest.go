// Package ingest is the only writer of the measurement store: it inserts
// extracted values, removes duplicates and applies the retention horizon.
package ingest

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/couchcryptid/radolan-harvester/internal/observability"
	"github.com/jonboulle/clockwork"
)

// Store is the measurement store as seen by ingestion.
type Store interface {
	// InsertExtracted resolves the owning grid cell of every row (cell
	// centroid within the extracted polygon) and inserts one measurement per
	// match. It returns the number of inserted measurements.
	InsertExtracted(ctx context.Context, rows []domain.Extracted) (int, error)
	// DeleteDuplicates keeps the lowest-ID row of every (cell, measured_at)
	// pair and returns the number of deleted rows.
	DeleteDuplicates(ctx context.Context) (int64, error)
	// DeleteOlderThan deletes rows with measured_at < cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	// SummarizeMonth computes and upserts the monthly aggregate described by
	// sum (AvgLitersPerSqm is filled in by the store).
	SummarizeMonth(ctx context.Context, sum domain.MonthlySummary) error
}

// Service wraps a Store with filtering, error classification and metrics.
type Service struct {
	store   Store
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewService creates an ingestion service.
func NewService(store Store, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Service {
	return &Service{store: store, clock: clock, logger: logger, metrics: metrics}
}

// Ingest stores the extracted rows for one hourly file. Zero, negative and
// null (NaN) values are dropped: absence of a row is how "no precipitation"
// is represented.
func (s *Service) Ingest(ctx context.Context, rows []domain.Extracted) (int, error) {
	kept := make([]domain.Extracted, 0, len(rows))
	for _, r := range rows {
		if math.IsNaN(r.Value) || r.Value <= 0 {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		return 0, nil
	}

	n, err := s.store.InsertExtracted(ctx, kept)
	if err != nil {
		return 0, &domain.StoreError{Op: "insert measurements", Err: err}
	}
	s.metrics.MeasurementsIngested.Add(float64(n))
	s.logger.Debug("measurements ingested", "polygons", len(kept), "measurements", n)
	return n, nil
}

// Dedup removes rows that duplicate an earlier-inserted row for the same cell
// and hour. The lowest ID survives regardless of value.
func (s *Service) Dedup(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteDuplicates(ctx)
	if err != nil {
		return 0, &domain.StoreError{Op: "delete duplicates", Err: err}
	}
	s.metrics.DuplicatesRemoved.Add(float64(n))
	s.logger.Info("duplicates removed", "rows", n)
	return n, nil
}

// RetentionCutoff returns the oldest instant kept by ApplyRetention.
func (s *Service) RetentionCutoff(limitDays int) time.Time {
	return s.clock.Now().Add(-time.Duration(limitDays) * 24 * time.Hour)
}

// ApplyRetention deletes rows measured before now minus limitDays. A row
// measured exactly at the cutoff is kept.
func (s *Service) ApplyRetention(ctx context.Context, limitDays int) (int64, error) {
	cutoff := s.RetentionCutoff(limitDays)
	n, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, &domain.StoreError{Op: "delete expired", Err: err}
	}
	s.metrics.RetentionDeleted.Add(float64(n))
	s.logger.Info("expired measurements removed", "rows", n, "cutoff", cutoff)
	return n, nil
}

// SummarizeMonths refreshes the monthly aggregate of every month touched by w
// that ends after cutoff. It must run before retention so the cycle that
// harvests a month's last day still sees every row of that month. Months that
// ended before cutoff have lost rows to retention, so their stored summary is
// left frozen.
func (s *Service) SummarizeMonths(ctx context.Context, w domain.Window, cutoff time.Time) error {
	if w.Empty() {
		return nil
	}
	lastDay := w.End.Add(-time.Nanosecond)
	for _, month := range monthsOf(w) {
		next := month.AddDate(0, 1, 0)
		if next.Before(cutoff) {
			s.logger.Info("month summary frozen", "month", month.Format("2006-01"))
			continue
		}
		sum := domain.MonthlySummary{Year: month.Year(), Month: month.Month()}
		if lastDay.Before(next) {
			sum.LastHarvestDay = lastDay.Day()
		} else {
			sum.LastHarvestDay = next.AddDate(0, 0, -1).Day()
		}
		sum.Finished = !w.End.Before(next)

		if err := s.store.SummarizeMonth(ctx, sum); err != nil {
			return &domain.StoreError{Op: "summarize month", Err: err}
		}
		s.logger.Info("month summarized", "month", month.Format("2006-01"), "finished", sum.Finished)
	}
	return nil
}

// monthsOf returns the first instant of every calendar month overlapping w,
// in w's location.
func monthsOf(w domain.Window) []time.Time {
	loc := w.Start.Location()
	var months []time.Time
	m := time.Date(w.Start.Year(), w.Start.Month(), 1, 0, 0, 0, 0, loc)
	for m.Before(w.End) {
		months = append(months, m)
		m = m.AddDate(0, 1, 0)
	}
	return months
}
