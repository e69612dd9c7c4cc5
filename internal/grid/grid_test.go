package grid_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/couchcryptid/radolan-harvester/internal/grid"
	"github.com/couchcryptid/radolan-harvester/internal/observability"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	cells []domain.GridCell
	rows  []domain.Measurement
	err   error
}

func (f *fakeSource) ListCells(context.Context) ([]domain.GridCell, error) {
	return f.cells, f.err
}

func (f *fakeSource) MeasurementsBetween(_ context.Context, first, last time.Time) ([]domain.Measurement, error) {
	var out []domain.Measurement
	for _, m := range f.rows {
		if !m.MeasuredAt.Before(first) && !m.MeasuredAt.After(last) {
			out = append(out, m)
		}
	}
	return out, f.err
}

func berlin(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	return loc
}

func newAssembler(src grid.Source, now time.Time, opts grid.Options) *grid.Assembler {
	return grid.NewAssembler(src, clockwork.NewFakeClockAt(now), opts, slog.Default(), observability.NewMetricsForTesting())
}

var ignoreGeometry = cmpopts.IgnoreFields(domain.CellSeries{}, "Geometry")

func TestAssembleWindow_TwoCellsThreeHours(t *testing.T) {
	t0 := time.Date(2024, 4, 26, 0, 50, 0, 0, time.UTC)
	src := &fakeSource{
		cells: []domain.GridCell{{ID: 2}, {ID: 1}},
		rows: []domain.Measurement{
			{ID: 1, CellID: 1, Value: 5, MeasuredAt: t0},
			{ID: 2, CellID: 1, Value: 3, MeasuredAt: t0.Add(2 * time.Hour)},
		},
	}
	w := domain.HourlyWindow{First: t0, Last: t0.Add(2 * time.Hour)}

	got, err := newAssembler(src, t0, grid.Options{}).AssembleWindow(context.Background(), w)
	require.NoError(t, err)

	want := []domain.CellSeries{
		{CellID: 1, Values: []float64{5, 0, 3}, Sum: 8},
		{CellID: 2, Values: []float64{0, 0, 0}, Sum: 0},
	}
	if diff := cmp.Diff(want, got, ignoreGeometry); diff != "" {
		t.Errorf("series mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, grid.Check(w, got))
}

func TestAssembleWindow_Sparse(t *testing.T) {
	t0 := time.Date(2024, 4, 26, 0, 50, 0, 0, time.UTC)
	src := &fakeSource{
		cells: []domain.GridCell{{ID: 1}, {ID: 2}},
		rows:  []domain.Measurement{{ID: 1, CellID: 1, Value: 5, MeasuredAt: t0}},
	}
	w := domain.HourlyWindow{First: t0, Last: t0.Add(2 * time.Hour)}

	got, err := newAssembler(src, t0, grid.Options{Sparse: true}).AssembleWindow(context.Background(), w)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].CellID)
}

func TestAssemble_ThirtyDayWindow(t *testing.T) {
	loc := berlin(t)
	now := time.Date(2024, 5, 15, 8, 0, 0, 0, loc)
	src := &fakeSource{cells: []domain.GridCell{{ID: 1, Geometry: orb.Point{13.4, 52.5}}}}

	w, got, err := newAssembler(src, now, grid.Options{Days: 30, Offset: 50, Location: loc}).Assemble(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 720, w.Hours())
	assert.True(t, w.First.Equal(time.Date(2024, 4, 15, 0, 50, 0, 0, loc)))
	assert.True(t, w.Last.Equal(time.Date(2024, 5, 14, 23, 50, 0, 0, loc)))
	require.Len(t, got, 1)
	assert.Len(t, got[0].Values, 720)
	assert.Equal(t, orb.Point{13.4, 52.5}, got[0].Geometry)
}

func TestAssemble_SkippedDayIsZeroFilled(t *testing.T) {
	loc := berlin(t)
	now := time.Date(2024, 5, 4, 6, 0, 0, 0, loc)
	opts := grid.Options{Days: 3, Offset: 50, Location: loc}
	w := domain.AssemblyWindow(now, opts.Days, opts.Offset, loc)

	// Every hour has data except the middle day, which failed both sources.
	var rows []domain.Measurement
	for i := range w.Hours() {
		at := w.Hour(i)
		if domain.Midnight(at, loc).Equal(time.Date(2024, 5, 2, 0, 0, 0, 0, loc)) {
			continue
		}
		rows = append(rows, domain.Measurement{ID: int64(i + 1), CellID: 7, Value: 1, MeasuredAt: at})
	}
	src := &fakeSource{cells: []domain.GridCell{{ID: 7}, {ID: 8}}, rows: rows}

	_, got, err := newAssembler(src, now, opts).Assemble(context.Background())
	require.NoError(t, err)
	require.NoError(t, grid.Check(w, got))
	require.Len(t, got, 2)

	want := make([]float64, 72)
	for i := range want {
		if i < 24 || i >= 48 {
			want[i] = 1
		}
	}
	if diff := cmp.Diff(want, got[0].Values); diff != "" {
		t.Errorf("cell 7 mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 48, got[0].Sum, 0)
	assert.Equal(t, make([]float64, 72), got[1].Values)
}

func TestAssemble_SpringForward(t *testing.T) {
	loc := berlin(t)
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, loc)
	src := &fakeSource{cells: []domain.GridCell{{ID: 1}}}

	w, got, err := newAssembler(src, now, grid.Options{Days: 3, Offset: 50, Location: loc}).Assemble(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 71, w.Hours())
	assert.Len(t, got[0].Values, 71)
}

func TestAssemble_IgnoresRowsOutsideWindow(t *testing.T) {
	t0 := time.Date(2024, 4, 26, 0, 50, 0, 0, time.UTC)
	src := &fakeSource{
		cells: []domain.GridCell{{ID: 1}},
		rows: []domain.Measurement{
			{ID: 1, CellID: 1, Value: 9, MeasuredAt: t0.Add(-time.Hour)},
			{ID: 2, CellID: 1, Value: 2, MeasuredAt: t0.Add(time.Hour)},
		},
	}
	w := domain.HourlyWindow{First: t0, Last: t0.Add(2 * time.Hour)}

	got, err := newAssembler(src, t0, grid.Options{}).AssembleWindow(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 2, 0}, got[0].Values)
	assert.InDelta(t, 2, got[0].Sum, 0)
}

func TestAssemble_StoreError(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}

	_, _, err := newAssembler(src, time.Now(), grid.Options{Days: 1}).Assemble(context.Background())
	var se *domain.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "list cells", se.Op)
}

func TestCheck_DetectsMismatch(t *testing.T) {
	t0 := time.Date(2024, 4, 26, 0, 50, 0, 0, time.UTC)
	w := domain.HourlyWindow{First: t0, Last: t0.Add(time.Hour)}

	require.Error(t, grid.Check(w, []domain.CellSeries{{CellID: 1, Values: []float64{1}, Sum: 1}}))
	require.Error(t, grid.Check(w, []domain.CellSeries{{CellID: 1, Values: []float64{1, 1}, Sum: 3}}))
}
