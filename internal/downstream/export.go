package downstream

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/paulmach/orb/geojson"
)

// Artifact file names.
const (
	WeatherFile      = "weather.geojson"
	WeatherLightFile = "weather_light.geojson"
	TreesFile        = "trees.csv"
)

// Artifacts are the paths of one export run.
type Artifacts struct {
	Weather      string
	WeatherLight string
	Trees        string
}

// Exporter writes grid and tree artifacts into a directory.
type Exporter struct {
	dir       string
	waterings bool
}

// NewExporter creates an Exporter writing into dir. With waterings set the
// tree CSV carries the watering columns.
func NewExporter(dir string, waterings bool) *Exporter {
	return &Exporter{dir: dir, waterings: waterings}
}

// Export writes weather.geojson (full hourly series), weather_light.geojson
// (sums only) and trees.csv. year is the reference year for tree ages.
func (e *Exporter) Export(w domain.HourlyWindow, grid []domain.CellSeries, trees []domain.Tree, year int) (Artifacts, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return Artifacts{}, fmt.Errorf("create export dir: %w", err)
	}
	a := Artifacts{
		Weather:      filepath.Join(e.dir, WeatherFile),
		WeatherLight: filepath.Join(e.dir, WeatherLightFile),
		Trees:        filepath.Join(e.dir, TreesFile),
	}

	full, light := weatherCollections(w, grid)
	for path, fc := range map[string]*geojson.FeatureCollection{a.Weather: full, a.WeatherLight: light} {
		data, err := fc.MarshalJSON()
		if err != nil {
			return Artifacts{}, fmt.Errorf("encode %s: %w", filepath.Base(path), err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return Artifacts{}, fmt.Errorf("write %s: %w", filepath.Base(path), err)
		}
	}

	if err := e.writeTrees(a.Trees, trees, year); err != nil {
		return Artifacts{}, err
	}
	return a, nil
}

func weatherCollections(w domain.HourlyWindow, grid []domain.CellSeries) (full, light *geojson.FeatureCollection) {
	window := map[string]any{
		"start": w.First.UTC().Format(time.RFC3339),
		"end":   w.Last.UTC().Format(time.RFC3339),
	}
	full = geojson.NewFeatureCollection()
	light = geojson.NewFeatureCollection()
	full.ExtraMembers = geojson.Properties{"properties": window}
	light.ExtraMembers = geojson.Properties{"properties": window}

	for _, c := range grid {
		f := geojson.NewFeature(c.Geometry)
		f.Properties["id"] = c.CellID
		f.Properties["data"] = c.Values
		full.Append(f)

		l := geojson.NewFeature(c.Geometry)
		l.Properties["id"] = c.CellID
		l.Properties["data"] = c.Sum
		light.Append(l)
	}
	return full, light
}

func (e *Exporter) writeTrees(path string, trees []domain.Tree, year int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", TreesFile, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	header := []string{"id", "lat", "lng", "radolan_sum", "age"}
	if e.waterings {
		header = append(header, "watering_sum", "total_water_sum_liters")
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write %s: %w", TreesFile, err)
	}

	for _, t := range trees {
		var sum float64
		if t.RadolanSum != nil {
			sum = *t.RadolanSum
		}
		age := ""
		if a := t.Age(year); a >= 0 {
			age = strconv.Itoa(a)
		}
		rec := []string{
			t.ID,
			formatFloat(t.Location.Lat()),
			formatFloat(t.Location.Lon()),
			formatFloat(sum),
			age,
		}
		if e.waterings {
			// sum is in tenths of mm, one mm on a square meter is one liter.
			rec = append(rec, formatFloat(t.WateringSum), formatFloat(sum/10+t.WateringSum))
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write %s: %w", TreesFile, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", TreesFile, err)
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
