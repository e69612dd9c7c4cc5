package ingest_test

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/couchcryptid/radolan-harvester/internal/adapter/memory"
	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/couchcryptid/radolan-harvester/internal/ingest"
	"github.com/couchcryptid/radolan-harvester/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/project"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hour = time.Date(2024, 4, 26, 0, 50, 0, 0, time.UTC)

func polygon(lon, lat, size float64) orb.Polygon {
	return orb.Polygon{{
		{lon, lat}, {lon + size, lat}, {lon + size, lat + size}, {lon, lat + size}, {lon, lat},
	}}
}

// coveringWKT is an EPSG:3857 polygon containing the centroid of the test cell.
var coveringWKT = wkt.MarshalString(project.Geometry(polygon(13.399, 52.499, 0.02), project.WGS84.ToMercator))

func newStore() *memory.Store {
	s := memory.NewStore()
	s.AddCells(domain.GridCell{ID: 1, Geometry: polygon(13.40, 52.50, 0.01), Centroid: orb.Point{13.405, 52.505}})
	return s
}

func newService(store ingest.Store, clock clockwork.Clock) (*ingest.Service, *observability.Metrics) {
	m := observability.NewMetricsForTesting()
	return ingest.NewService(store, clock, slog.Default(), m), m
}

func TestIngest_FiltersZeroAndNull(t *testing.T) {
	store := newStore()
	svc, metrics := newService(store, clockwork.NewFakeClock())

	n, err := svc.Ingest(context.Background(), []domain.Extracted{
		{WKT: coveringWKT, Value: 0, MeasuredAt: hour},
		{WKT: coveringWKT, Value: math.NaN(), MeasuredAt: hour.Add(time.Hour)},
		{WKT: coveringWKT, Value: -1, MeasuredAt: hour.Add(2 * time.Hour)},
		{WKT: coveringWKT, Value: 4, MeasuredAt: hour.Add(3 * time.Hour)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, store.Measurements(), 1)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.MeasurementsIngested), 0)
}

func TestIngest_AllFilteredSkipsStore(t *testing.T) {
	svc, _ := newService(&failingStore{}, clockwork.NewFakeClock())

	n, err := svc.Ingest(context.Background(), []domain.Extracted{{WKT: coveringWKT, Value: 0}})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestTwiceThenDedup_OneRowPerHour(t *testing.T) {
	store := newStore()
	svc, metrics := newService(store, clockwork.NewFakeClock())
	ctx := context.Background()
	rows := []domain.Extracted{
		{WKT: coveringWKT, Value: 5, MeasuredAt: hour},
		{WKT: coveringWKT, Value: 3, MeasuredAt: hour.Add(2 * time.Hour)},
	}

	_, err := svc.Ingest(ctx, rows)
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, rows)
	require.NoError(t, err)
	require.Len(t, store.Measurements(), 4)

	removed, err := svc.Dedup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.DuplicatesRemoved), 0)

	seen := map[domain.Key]bool{}
	for _, m := range store.Measurements() {
		assert.False(t, seen[m.Key()], "duplicate key %v", m.Key())
		seen[m.Key()] = true
	}

	removed, err = svc.Dedup(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestApplyRetention_BoundaryKept(t *testing.T) {
	store := newStore()
	now := time.Date(2024, 5, 1, 0, 50, 0, 0, time.UTC)
	svc, metrics := newService(store, clockwork.NewFakeClockAt(now))
	ctx := context.Background()
	cutoff := svc.RetentionCutoff(30)
	require.True(t, cutoff.Equal(now.Add(-30*24*time.Hour)))

	_, err := svc.Ingest(ctx, []domain.Extracted{
		{WKT: coveringWKT, Value: 1, MeasuredAt: cutoff.Add(-time.Hour)},
		{WKT: coveringWKT, Value: 2, MeasuredAt: cutoff},
		{WKT: coveringWKT, Value: 3, MeasuredAt: now.Add(-time.Hour)},
	})
	require.NoError(t, err)

	n, err := svc.ApplyRetention(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RetentionDeleted), 0)

	left := store.Measurements()
	require.Len(t, left, 2)
	assert.True(t, left[0].MeasuredAt.Equal(cutoff))
}

func TestSummarizeMonths_FreezesEndedMonths(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	store := newStore()
	svc, _ := newService(store, clockwork.NewFakeClock())
	ctx := context.Background()

	_, err = svc.Ingest(ctx, []domain.Extracted{
		{WKT: coveringWKT, Value: 40, MeasuredAt: time.Date(2024, 4, 29, 10, 50, 0, 0, time.UTC)},
		{WKT: coveringWKT, Value: 20, MeasuredAt: time.Date(2024, 5, 2, 10, 50, 0, 0, time.UTC)},
	})
	require.NoError(t, err)

	w := domain.Window{
		Start: time.Date(2024, 3, 28, 0, 0, 0, 0, loc),
		End:   time.Date(2024, 5, 3, 0, 0, 0, 0, loc),
	}
	// March ended before the cutoff; April started before it but is still
	// summarized.
	cutoff := time.Date(2024, 4, 3, 0, 0, 0, 0, loc)
	require.NoError(t, svc.SummarizeMonths(ctx, w, cutoff))

	_, ok := store.Summary(2024, time.March)
	assert.False(t, ok, "march ended before the cutoff")

	april, ok := store.Summary(2024, time.April)
	require.True(t, ok)
	assert.True(t, april.Finished)
	assert.Equal(t, 30, april.LastHarvestDay)
	assert.InDelta(t, 4.0, april.AvgLitersPerSqm, 1e-9)

	may, ok := store.Summary(2024, time.May)
	require.True(t, ok)
	assert.False(t, may.Finished)
	assert.Equal(t, 2, may.LastHarvestDay)
	assert.InDelta(t, 2.0, may.AvgLitersPerSqm, 1e-9)
}

// Daily cycles with the default retention must still finish a 31-day month
// with every one of its days counted.
func TestSummarizeMonths_DailyCyclesFinishMonth(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	const limitDays = 30
	store := newStore()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 2, 0, 1, 0, 0, loc))
	svc, _ := newService(store, clock)
	ctx := context.Background()

	for !clock.Now().After(time.Date(2024, 6, 1, 0, 1, 0, 0, loc)) {
		end := domain.Midnight(clock.Now(), loc)
		w := domain.Window{Start: end.AddDate(0, 0, -1), End: end}
		_, err := svc.Ingest(ctx, []domain.Extracted{
			{WKT: coveringWKT, Value: 1, MeasuredAt: w.Start.Add(12*time.Hour + 50*time.Minute).UTC()},
		})
		require.NoError(t, err)
		require.NoError(t, svc.SummarizeMonths(ctx, w, svc.RetentionCutoff(limitDays)))
		_, err = svc.ApplyRetention(ctx, limitDays)
		require.NoError(t, err)
		clock.Advance(24 * time.Hour)
	}

	may, ok := store.Summary(2024, time.May)
	require.True(t, ok)
	assert.True(t, may.Finished)
	assert.Equal(t, 31, may.LastHarvestDay)
	assert.InDelta(t, 3.1, may.AvgLitersPerSqm, 1e-9)

	june, ok := store.Summary(2024, time.June)
	assert.False(t, ok, "no june day harvested yet")
	assert.Zero(t, june.LastHarvestDay)
}

func TestSummarizeMonths_EmptyWindow(t *testing.T) {
	svc, _ := newService(&failingStore{}, clockwork.NewFakeClock())
	w := domain.Window{Start: hour, End: hour}
	require.NoError(t, svc.SummarizeMonths(context.Background(), w, time.Time{}))
}

func TestStoreFailuresAreStoreErrors(t *testing.T) {
	svc, _ := newService(&failingStore{}, clockwork.NewFakeClock())
	ctx := context.Background()

	_, err := svc.Ingest(ctx, []domain.Extracted{{WKT: coveringWKT, Value: 1, MeasuredAt: hour}})
	assertStoreError(t, err)

	_, err = svc.Dedup(ctx)
	assertStoreError(t, err)

	_, err = svc.ApplyRetention(ctx, 30)
	assertStoreError(t, err)

	err = svc.SummarizeMonths(ctx, domain.Window{Start: hour, End: hour.Add(24 * time.Hour)}, time.Time{})
	assertStoreError(t, err)
}

func assertStoreError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var se *domain.StoreError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, errStore)
}

var errStore = errors.New("connection reset")

type failingStore struct{}

func (failingStore) InsertExtracted(context.Context, []domain.Extracted) (int, error) {
	return 0, errStore
}
func (failingStore) DeleteDuplicates(context.Context) (int64, error) { return 0, errStore }
func (failingStore) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, errStore
}
func (failingStore) SummarizeMonth(context.Context, domain.MonthlySummary) error { return errStore }
