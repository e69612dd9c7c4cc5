// Package grid assembles the dense cell x hour precipitation matrix that
// downstream consumers are updated from.
package grid

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/couchcryptid/radolan-harvester/internal/observability"
	"github.com/jonboulle/clockwork"
)

// Source is the read side of the measurement store.
type Source interface {
	ListCells(ctx context.Context) ([]domain.GridCell, error)
	// MeasurementsBetween returns rows with first <= measured_at <= last.
	MeasurementsBetween(ctx context.Context, first, last time.Time) ([]domain.Measurement, error)
}

// Options control the assembly window and cell selection.
type Options struct {
	// Days is the number of whole days before today covered by the window.
	Days int
	// Offset is the publication minute of every hourly stamp.
	Offset int
	// Location resolves day boundaries.
	Location *time.Location
	// Sparse restricts the output to cells with at least one measurement.
	Sparse bool
}

// Assembler builds CellSeries from stored measurements. It never writes.
type Assembler struct {
	source  Source
	clock   clockwork.Clock
	opts    Options
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewAssembler creates an Assembler.
func NewAssembler(source Source, clock clockwork.Clock, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Assembler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Assembler{source: source, clock: clock, opts: opts, logger: logger, metrics: metrics}
}

// Window returns the hourly window an assembly run at the current time covers.
func (a *Assembler) Window() domain.HourlyWindow {
	return domain.AssemblyWindow(a.clock.Now(), a.opts.Days, a.opts.Offset, a.opts.Location)
}

// Assemble returns one series per cell, ordered by cell ID. Hours without a
// stored measurement are zero.
func (a *Assembler) Assemble(ctx context.Context) (domain.HourlyWindow, []domain.CellSeries, error) {
	w := a.Window()
	series, err := a.AssembleWindow(ctx, w)
	return w, series, err
}

// AssembleWindow is Assemble over an explicit window.
func (a *Assembler) AssembleWindow(ctx context.Context, w domain.HourlyWindow) ([]domain.CellSeries, error) {
	cells, err := a.source.ListCells(ctx)
	if err != nil {
		return nil, &domain.StoreError{Op: "list cells", Err: err}
	}
	rows, err := a.source.MeasurementsBetween(ctx, w.First, w.Last)
	if err != nil {
		return nil, &domain.StoreError{Op: "read measurements", Err: err}
	}

	byCell := index(rows)
	hours := w.Hours()
	out := make([]domain.CellSeries, 0, len(cells))
	for _, c := range cells {
		values, ok := byCell[c.ID]
		if !ok && a.opts.Sparse {
			continue
		}
		out = append(out, build(c, values, w, hours))
	}
	slices.SortFunc(out, func(x, y domain.CellSeries) int { return cmp.Compare(x.CellID, y.CellID) })

	if a.metrics != nil {
		a.metrics.GridCells.Set(float64(len(out)))
		a.metrics.GridHours.Set(float64(hours))
	}
	a.logger.Info("grid assembled",
		"first", w.First,
		"last", w.Last,
		"hours", hours,
		"cell_count", len(out),
		"measurements", len(rows),
	)
	return out, nil
}

// index groups measurement values by cell, then by hour stamp.
func index(rows []domain.Measurement) map[int64]map[int64]float64 {
	byCell := make(map[int64]map[int64]float64)
	for _, m := range rows {
		hours, ok := byCell[m.CellID]
		if !ok {
			hours = make(map[int64]float64)
			byCell[m.CellID] = hours
		}
		hours[m.MeasuredAt.Unix()] = m.Value
	}
	return byCell
}

func build(c domain.GridCell, values map[int64]float64, w domain.HourlyWindow, hours int) domain.CellSeries {
	s := domain.CellSeries{
		CellID:   c.ID,
		Values:   make([]float64, hours),
		Geometry: c.Geometry,
	}
	for i := range hours {
		v := values[w.Hour(i).Unix()]
		s.Values[i] = v
		s.Sum += v
	}
	return s
}

// Check verifies the shape invariants of an assembled grid.
func Check(w domain.HourlyWindow, series []domain.CellSeries) error {
	hours := w.Hours()
	for _, s := range series {
		if len(s.Values) != hours {
			return fmt.Errorf("cell %d: %d values, want %d", s.CellID, len(s.Values), hours)
		}
		var sum float64
		for _, v := range s.Values {
			sum += v
		}
		if sum != s.Sum {
			return fmt.Errorf("cell %d: sum %v, values add up to %v", s.CellID, s.Sum, sum)
		}
	}
	return nil
}
