// Package memory provides an in-process implementation of the measurement,
// checkpoint and tree stores. Geometry predicates mirror the PostGIS queries
// of the postgres adapter using planar math on EPSG:4326 coordinates.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
)

// Store keeps all harvester state in memory. It is safe for concurrent use.
type Store struct {
	mu           sync.Mutex
	cells        []domain.GridCell
	measurements []domain.Measurement
	nextID       int64
	checkpoint   *domain.Checkpoint
	trees        []domain.Tree
	waterings    []Watering
	summaries    map[monthKey]domain.MonthlySummary
}

// Watering is a manual watering of a tree, in liters.
type Watering struct {
	TreeID    string
	Amount    float64
	WateredAt time.Time
}

type monthKey struct {
	year  int
	month time.Month
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{summaries: make(map[monthKey]domain.MonthlySummary)}
}

// AddCells registers grid cells. Cells are kept ordered by ID.
func (s *Store) AddCells(cells ...domain.GridCell) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells = append(s.cells, cells...)
	slices.SortFunc(s.cells, func(a, b domain.GridCell) int { return cmp.Compare(a.ID, b.ID) })
}

// ImportCells registers grid cells, ignoring IDs that already exist.
func (s *Store) ImportCells(_ context.Context, cells []domain.GridCell) (int, error) {
	s.mu.Lock()
	known := make(map[int64]bool, len(s.cells))
	for _, c := range s.cells {
		known[c.ID] = true
	}
	var fresh []domain.GridCell
	for _, c := range cells {
		if !known[c.ID] {
			known[c.ID] = true
			fresh = append(fresh, c)
		}
	}
	s.mu.Unlock()

	s.AddCells(fresh...)
	return len(fresh), nil
}

// SetCheckpoint overwrites the checkpoint row.
func (s *Store) SetCheckpoint(cp domain.Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = &cp
}

// AddTrees registers downstream tree records.
func (s *Store) AddTrees(trees ...domain.Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees = append(s.trees, trees...)
}

// AddWaterings registers manual waterings.
func (s *Store) AddWaterings(w ...Watering) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waterings = append(s.waterings, w...)
}

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error { return nil }

// --- checkpoint ---

func (s *Store) LoadCheckpoint(_ context.Context) (domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoint == nil {
		return domain.Checkpoint{}, domain.ErrCheckpointMissing
	}
	return *s.checkpoint, nil
}

// SeedCheckpoint creates the checkpoint row unless one exists.
func (s *Store) SeedCheckpoint(_ context.Context, cp domain.Checkpoint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoint != nil {
		return false, nil
	}
	s.checkpoint = &cp
	return true, nil
}

func (s *Store) SaveCheckpoint(_ context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoint == nil {
		return domain.ErrCheckpointMissing
	}
	s.checkpoint = &cp
	return nil
}

// --- measurements ---

// InsertExtracted appends one measurement for every cell whose centroid lies
// within an extracted polygon. Extracted WKT is in EPSG:3857. A batch with an
// undecodable row inserts nothing.
func (s *Store) InsertExtracted(_ context.Context, rows []domain.Extracted) (int, error) {
	shapes := make([]orb.Geometry, len(rows))
	for i, row := range rows {
		g, err := wkt.Unmarshal(row.WKT)
		if err != nil {
			return 0, fmt.Errorf("decode extracted polygon %d: %w", i, err)
		}
		shapes[i] = project.Geometry(orb.Clone(g), project.Mercator.ToWGS84)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for i, row := range rows {
		for _, c := range s.cells {
			if !contains(shapes[i], c.Centroid) {
				continue
			}
			s.nextID++
			s.measurements = append(s.measurements, domain.Measurement{
				ID:         s.nextID,
				CellID:     c.ID,
				Value:      row.Value,
				MeasuredAt: row.MeasuredAt.UTC(),
			})
			inserted++
		}
	}
	return inserted, nil
}

// DeleteDuplicates removes every measurement that shares its cell and hour
// with a row of lower ID.
func (s *Store) DeleteDuplicates(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lowest := make(map[domain.Key]int64, len(s.measurements))
	for _, m := range s.measurements {
		if id, ok := lowest[m.Key()]; !ok || m.ID < id {
			lowest[m.Key()] = m.ID
		}
	}

	before := len(s.measurements)
	s.measurements = slices.DeleteFunc(s.measurements, func(m domain.Measurement) bool {
		return lowest[m.Key()] != m.ID
	})
	return int64(before - len(s.measurements)), nil
}

// DeleteOlderThan removes measurements strictly before cutoff.
func (s *Store) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.measurements)
	s.measurements = slices.DeleteFunc(s.measurements, func(m domain.Measurement) bool {
		return m.MeasuredAt.Before(cutoff)
	})
	return int64(before - len(s.measurements)), nil
}

// Measurements returns a snapshot of all rows in insertion order.
func (s *Store) Measurements() []domain.Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.measurements)
}

func (s *Store) ListCells(_ context.Context) ([]domain.GridCell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cells), nil
}

// MeasurementsBetween returns rows with first <= measured_at <= last.
func (s *Store) MeasurementsBetween(_ context.Context, first, last time.Time) ([]domain.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Measurement
	for _, m := range s.measurements {
		if !m.MeasuredAt.Before(first) && !m.MeasuredAt.After(last) {
			out = append(out, m)
		}
	}
	return out, nil
}

// --- monthly summaries ---

// SummarizeMonth stores the average over cells of the per-cell precipitation
// sum for the month, in liters per square meter.
func (s *Store) SummarizeMonth(_ context.Context, sum domain.MonthlySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Date(sum.Year, sum.Month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	perCell := make(map[int64]float64)
	for _, m := range s.measurements {
		if !m.MeasuredAt.Before(start) && m.MeasuredAt.Before(end) {
			perCell[m.CellID] += m.Value
		}
	}

	var total float64
	for _, v := range perCell {
		total += v
	}
	if len(perCell) > 0 {
		sum.AvgLitersPerSqm = total / float64(len(perCell)) / 10
	}
	s.summaries[monthKey{sum.Year, sum.Month}] = sum
	return nil
}

// Summary returns the stored summary for a month.
func (s *Store) Summary(year int, month time.Month) (domain.MonthlySummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[monthKey{year, month}]
	return sum, ok
}

// --- trees ---

// UpdateTrees assigns each cell's series to the trees it covers, then assigns
// the remaining trees without a sum to cells within buffer degrees.
func (s *Store) UpdateTrees(_ context.Context, grid []domain.CellSeries, buffer float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated int64
	for _, cell := range grid {
		for i := range s.trees {
			if contains(cell.Geometry, s.trees[i].Location) {
				s.assign(i, cell)
				updated++
			}
		}
	}
	for _, cell := range grid {
		for i := range s.trees {
			if s.trees[i].RadolanSum != nil {
				continue
			}
			if planar.DistanceFrom(cell.Geometry, s.trees[i].Location) <= buffer {
				s.assign(i, cell)
				updated++
			}
		}
	}
	return updated, nil
}

func (s *Store) assign(i int, cell domain.CellSeries) {
	sum := cell.Sum
	s.trees[i].RadolanSum = &sum
	s.trees[i].RadolanDays = slices.Clone(cell.Values)
}

// ListTrees returns all trees with their watering sum since the given time.
func (s *Store) ListTrees(_ context.Context, wateredSince time.Time) ([]domain.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Tree, len(s.trees))
	for i, t := range s.trees {
		t.WateringSum = 0
		for _, w := range s.waterings {
			if w.TreeID == t.ID && !w.WateredAt.Before(wateredSince) {
				t.WateringSum += w.Amount
			}
		}
		out[i] = t
	}
	return out, nil
}

func contains(g orb.Geometry, p orb.Point) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(geom, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(geom, p)
	case orb.Bound:
		return geom.Contains(p)
	default:
		return false
	}
}
