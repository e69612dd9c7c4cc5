package downstream_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/couchcryptid/radolan-harvester/internal/adapter/memory"
	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/couchcryptid/radolan-harvester/internal/downstream"
	"github.com/couchcryptid/radolan-harvester/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	first  = time.Date(2024, 4, 26, 0, 50, 0, 0, time.UTC)
	window = domain.HourlyWindow{First: first, Last: first.Add(2 * time.Hour)}
)

func square(lon, lat, size float64) orb.Polygon {
	return orb.Polygon{{
		{lon, lat}, {lon + size, lat}, {lon + size, lat + size}, {lon, lat + size}, {lon, lat},
	}}
}

func testGrid() []domain.CellSeries {
	return []domain.CellSeries{
		{CellID: 1, Values: []float64{5, 0, 3}, Sum: 8, Geometry: square(13.40, 52.50, 0.01)},
		{CellID: 2, Values: []float64{0, 0, 0}, Sum: 0, Geometry: square(13.41, 52.50, 0.01)},
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(v float64) *float64 { return &v }

// --- TreeUpdater ---

func TestTreeUpdater_Apply(t *testing.T) {
	store := memory.NewStore()
	store.AddTrees(domain.Tree{ID: "a", Location: orb.Point{13.405, 52.505}})
	metrics := observability.NewMetricsForTesting()

	n, err := downstream.NewTreeUpdater(store, 0.0002, discard(), metrics).Apply(context.Background(), testGrid())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.TreesUpdated), 0)

	trees, err := store.ListTrees(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, 8, *trees[0].RadolanSum, 0)
}

type failingTrees struct{}

func (failingTrees) UpdateTrees(context.Context, []domain.CellSeries, float64) (int64, error) {
	return 0, errors.New("deadlock detected")
}

func (failingTrees) ListTrees(context.Context, time.Time) ([]domain.Tree, error) {
	return nil, errors.New("deadlock detected")
}

func TestTreeUpdater_StoreError(t *testing.T) {
	_, err := downstream.NewTreeUpdater(failingTrees{}, 0, discard(), observability.NewMetricsForTesting()).
		Apply(context.Background(), testGrid())
	var se *domain.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "update trees", se.Op)
}

// --- Exporter ---

func TestExport_Weather(t *testing.T) {
	dir := t.TempDir()
	a, err := downstream.NewExporter(dir, false).Export(window, testGrid(), nil, 2024)
	require.NoError(t, err)

	data, err := os.ReadFile(a.Weather)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)

	props, ok := fc.ExtraMembers["properties"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2024-04-26T00:50:00Z", props["start"])
	assert.Equal(t, "2024-04-26T02:50:00Z", props["end"])

	require.Len(t, fc.Features, 2)
	assert.InDelta(t, 1, fc.Features[0].Properties["id"], 0)
	assert.Equal(t, []any{5.0, 0.0, 3.0}, fc.Features[0].Properties["data"])
	assert.Equal(t, "Polygon", fc.Features[0].Geometry.GeoJSONType())

	data, err = os.ReadFile(a.WeatherLight)
	require.NoError(t, err)
	light, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	assert.InDelta(t, 8, light.Features[0].Properties["data"], 0)
	assert.InDelta(t, 0, light.Features[1].Properties["data"], 0)
}

func TestExport_TreesCSV(t *testing.T) {
	trees := []domain.Tree{
		{ID: "t1", Location: orb.Point{13.405, 52.505}, RadolanSum: ptr(380), PlantingYear: 2000, WateringSum: 12.5},
		{ID: "t2", Location: orb.Point{13.415, 52.505}},
	}

	a, err := downstream.NewExporter(t.TempDir(), true).Export(window, nil, trees, 2024)
	require.NoError(t, err)
	data, err := os.ReadFile(a.Trees)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{
		"id,lat,lng,radolan_sum,age,watering_sum,total_water_sum_liters",
		"t1,52.505,13.405,380,24,12.5,50.5",
		"t2,52.505,13.415,0,,0,0",
	}, lines)
}

func TestExport_TreesCSVWithoutWaterings(t *testing.T) {
	trees := []domain.Tree{{ID: "t1", Location: orb.Point{13.4, 52.5}, RadolanSum: ptr(8)}}

	a, err := downstream.NewExporter(t.TempDir(), false).Export(window, nil, trees, 2024)
	require.NoError(t, err)
	data, err := os.ReadFile(a.Trees)
	require.NoError(t, err)
	assert.Equal(t, "id,lat,lng,radolan_sum,age\nt1,52.5,13.4,8,\n", string(data))
}

// --- Syncer ---

type recordingUploader struct {
	names []string
	fail  string
}

func (r *recordingUploader) Upload(_ context.Context, name, path, _ string) error {
	r.names = append(r.names, name)
	if name == r.fail {
		return errors.New("bucket unavailable")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return nil
}

type recordingTileset struct {
	path string
	err  error
}

func (r *recordingTileset) Publish(_ context.Context, path string) error {
	r.path = path
	return r.err
}

type recordingPublisher struct{ cells int }

func (r *recordingPublisher) PublishGrid(_ context.Context, _ domain.HourlyWindow, grid []domain.CellSeries) error {
	r.cells = len(grid)
	return nil
}

func newSyncer(t *testing.T, store downstream.TreeStore, targets downstream.Targets, metrics *observability.Metrics) (*downstream.Syncer, string) {
	t.Helper()
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 4, 27, 3, 0, 0, 0, time.UTC))
	syncer := downstream.NewSyncer(
		downstream.NewTreeUpdater(store, 0.0002, discard(), metrics),
		store,
		downstream.NewExporter(dir, true),
		targets,
		30,
		clock,
		discard(),
		metrics,
	)
	return syncer, dir
}

func TestSync_UploadFailuresDoNotAbort(t *testing.T) {
	store := memory.NewStore()
	store.AddTrees(domain.Tree{ID: "a", Location: orb.Point{13.405, 52.505}})
	objects := &recordingUploader{fail: downstream.WeatherLightFile}
	tileset := &recordingTileset{err: errors.New("tileset processing failed")}
	grid := &recordingPublisher{}
	metrics := observability.NewMetricsForTesting()

	syncer, dir := newSyncer(t, store, downstream.Targets{Objects: objects, Tileset: tileset, Grid: grid}, metrics)
	require.NoError(t, syncer.Sync(context.Background(), window, testGrid()))

	assert.Equal(t, []string{downstream.WeatherFile, downstream.WeatherLightFile, downstream.TreesFile}, objects.names)
	assert.Equal(t, filepath.Join(dir, downstream.TreesFile), tileset.path)
	assert.Equal(t, 2, grid.cells)

	assert.InDelta(t, 2, testutil.ToFloat64(metrics.UploadsTotal.WithLabelValues("objectstore", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.UploadsTotal.WithLabelValues("objectstore", "error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.UploadsTotal.WithLabelValues("tileset", "error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.UploadsTotal.WithLabelValues("kafka", "success")), 0)
}

func TestSync_NoTargets(t *testing.T) {
	syncer, dir := newSyncer(t, memory.NewStore(), downstream.Targets{}, observability.NewMetricsForTesting())
	require.NoError(t, syncer.Sync(context.Background(), window, testGrid()))
	assert.FileExists(t, filepath.Join(dir, downstream.WeatherFile))
}

func TestSync_StoreFailureAborts(t *testing.T) {
	objects := &recordingUploader{}
	syncer, _ := newSyncer(t, failingTrees{}, downstream.Targets{Objects: objects}, observability.NewMetricsForTesting())

	err := syncer.Sync(context.Background(), window, testGrid())
	var se *domain.StoreError
	require.ErrorAs(t, err, &se)
	assert.Empty(t, objects.names)
}
