package downstream

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/couchcryptid/radolan-harvester/internal/observability"
	"github.com/jonboulle/clockwork"
)

// Uploader stores an artifact file under name.
type Uploader interface {
	Upload(ctx context.Context, name, path, contentType string) error
}

// TilesetPublisher turns an artifact into a hosted tileset.
type TilesetPublisher interface {
	Publish(ctx context.Context, path string) error
}

// GridPublisher announces an assembled grid.
type GridPublisher interface {
	PublishGrid(ctx context.Context, w domain.HourlyWindow, grid []domain.CellSeries) error
}

// Targets are the optional upload collaborators. Nil fields are skipped.
type Targets struct {
	Objects Uploader
	Tileset TilesetPublisher
	Grid    GridPublisher
}

// Syncer runs the downstream step of a cycle.
type Syncer struct {
	trees        *TreeUpdater
	store        TreeStore
	exporter     *Exporter
	targets      Targets
	wateringDays int
	clock        clockwork.Clock
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// NewSyncer creates a Syncer. wateringDays is the lookback for the watering
// sums in the tree export.
func NewSyncer(
	trees *TreeUpdater,
	store TreeStore,
	exporter *Exporter,
	targets Targets,
	wateringDays int,
	clock clockwork.Clock,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Syncer {
	return &Syncer{
		trees:        trees,
		store:        store,
		exporter:     exporter,
		targets:      targets,
		wateringDays: wateringDays,
		clock:        clock,
		logger:       logger,
		metrics:      metrics,
	}
}

// Sync updates the trees, then exports and uploads the artifacts. Store
// failures are returned; export and upload failures are logged as
// *domain.UploadError and never abort the cycle.
func (s *Syncer) Sync(ctx context.Context, w domain.HourlyWindow, grid []domain.CellSeries) error {
	if _, err := s.trees.Apply(ctx, grid); err != nil {
		return err
	}

	now := s.clock.Now()
	since := now.AddDate(0, 0, -s.wateringDays)
	trees, err := s.store.ListTrees(ctx, since)
	if err != nil {
		return &domain.StoreError{Op: "list trees", Err: err}
	}

	artifacts, err := s.exporter.Export(w, grid, trees, now.Year())
	if err != nil {
		s.report(&domain.UploadError{Target: "export", Err: err})
		return nil
	}
	s.logger.Info("artifacts exported", "dir", filepath.Dir(artifacts.Weather), "trees", len(trees))

	if s.targets.Objects != nil {
		for _, a := range []struct{ path, contentType string }{
			{artifacts.Weather, "application/geo+json"},
			{artifacts.WeatherLight, "application/geo+json"},
			{artifacts.Trees, "text/csv"},
		} {
			name := filepath.Base(a.path)
			s.try("objectstore", func() error {
				return s.targets.Objects.Upload(ctx, name, a.path, a.contentType)
			})
		}
	}
	if s.targets.Tileset != nil {
		s.try("tileset", func() error { return s.targets.Tileset.Publish(ctx, artifacts.Trees) })
	}
	if s.targets.Grid != nil {
		s.try("kafka", func() error { return s.targets.Grid.PublishGrid(ctx, w, grid) })
	}
	return nil
}

func (s *Syncer) try(target string, fn func() error) {
	start := s.clock.Now()
	if err := fn(); err != nil {
		s.report(&domain.UploadError{Target: target, Err: err})
		return
	}
	s.metrics.UploadsTotal.WithLabelValues(target, "success").Inc()
	s.logger.Info("upload finished", "target", target, "duration", s.clock.Since(start))
}

func (s *Syncer) report(err *domain.UploadError) {
	s.metrics.UploadsTotal.WithLabelValues(err.Target, "error").Inc()
	s.logger.Error("upload failed", "target", err.Target, "error", err)
}
