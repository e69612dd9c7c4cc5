package domain

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// GridCell is one polygon of the pre-built tessellation over the area of interest.
type GridCell struct {
	ID       int64
	Geometry orb.Geometry
	Centroid orb.Point
}

// Measurement is one hourly precipitation value for a grid cell.
type Measurement struct {
	ID         int64
	CellID     int64
	Value      float64 // tenths of mm
	MeasuredAt time.Time
}

// Key identifies the logical slot a measurement occupies. Two rows with the
// same key are duplicates.
type Key struct {
	CellID     int64
	MeasuredAt int64 // unix seconds
}

// Key returns the dedup key of m.
func (m Measurement) Key() Key {
	return Key{CellID: m.CellID, MeasuredAt: m.MeasuredAt.Unix()}
}

// Extracted is a single polygon/value pair produced by the raster extraction
// collaborator for one hourly file. WKT is in EPSG:3857; a NaN Value means
// the collaborator reported no value.
type Extracted struct {
	WKT        string
	Value      float64
	MeasuredAt time.Time
}

// CellSeries is the dense hourly series of one cell over an assembly window.
type CellSeries struct {
	CellID   int64
	Values   []float64
	Sum      float64
	Geometry orb.Geometry
}

// GeoJSON renders the cell geometry as a GeoJSON geometry object.
func (s CellSeries) GeoJSON() ([]byte, error) {
	return geojson.NewGeometry(s.Geometry).MarshalJSON()
}

// Tree is a downstream consumer record that receives the precipitation sum of
// the cell covering it.
type Tree struct {
	ID           string
	Location     orb.Point // lon, lat
	RadolanSum   *float64
	RadolanDays  []float64
	PlantingYear int
	WateringSum  float64
}

// Age returns the tree age in years relative to year, or -1 when the
// planting year is unknown.
func (t Tree) Age(year int) int {
	if t.PlantingYear <= 0 {
		return -1
	}
	return year - t.PlantingYear
}

// MonthlySummary is the per-month precipitation aggregate kept beyond the
// measurement retention horizon.
type MonthlySummary struct {
	Year            int
	Month           time.Month
	LastHarvestDay  int
	AvgLitersPerSqm float64
	Finished        bool
}

// Checkpoint is the persisted boundary of already-harvested time.
type Checkpoint struct {
	CollectionDate time.Time
	WindowStart    time.Time
	WindowEnd      time.Time
}
