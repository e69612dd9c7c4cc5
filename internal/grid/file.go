package grid

import (
	"fmt"
	"os"

	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// ReadFile loads grid cells from a GeoJSON FeatureCollection in EPSG:4326.
// Each feature needs a numeric "id" property (or feature id) and a polygon
// geometry; the centroid is computed from the polygon.
func ReadFile(path string) ([]domain.GridCell, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read grid file: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode grid file: %w", err)
	}

	cells := make([]domain.GridCell, 0, len(fc.Features))
	for i, f := range fc.Features {
		id, ok := featureID(f)
		if !ok {
			return nil, fmt.Errorf("grid feature %d has no numeric id", i)
		}
		if f.Geometry == nil || f.Geometry.Dimensions() != 2 {
			return nil, fmt.Errorf("grid feature %d is not a polygon", id)
		}
		centroid, _ := planar.CentroidArea(f.Geometry)
		cells = append(cells, domain.GridCell{ID: id, Geometry: f.Geometry, Centroid: centroid})
	}
	return cells, nil
}

func featureID(f *geojson.Feature) (int64, bool) {
	for _, v := range []any{f.Properties["id"], f.ID} {
		switch n := v.(type) {
		case float64:
			return int64(n), true
		case int:
			return int64(n), true
		case int64:
			return n, true
		}
	}
	return 0, false
}
