// Package downstream pushes an assembled grid to its consumers: tree records
// in the store, exported artifacts and the upload collaborators.
package downstream

import (
	"context"
	"log/slog"
	"time"

	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/couchcryptid/radolan-harvester/internal/observability"
)

// TreeStore is the tree side of the store.
type TreeStore interface {
	// UpdateTrees assigns each cell's series to the trees its polygon covers,
	// then to trees still without a sum within buffer degrees of the polygon.
	UpdateTrees(ctx context.Context, grid []domain.CellSeries, buffer float64) (int64, error)
	ListTrees(ctx context.Context, wateredSince time.Time) ([]domain.Tree, error)
}

// TreeUpdater writes grid sums to the trees covered by each cell.
type TreeUpdater struct {
	store   TreeStore
	buffer  float64
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewTreeUpdater creates a TreeUpdater using buffer degrees for the second pass.
func NewTreeUpdater(store TreeStore, buffer float64, logger *slog.Logger, metrics *observability.Metrics) *TreeUpdater {
	return &TreeUpdater{store: store, buffer: buffer, logger: logger, metrics: metrics}
}

// Apply updates the trees from grid and returns the number of updated rows.
func (u *TreeUpdater) Apply(ctx context.Context, grid []domain.CellSeries) (int64, error) {
	n, err := u.store.UpdateTrees(ctx, grid, u.buffer)
	if err != nil {
		return 0, &domain.StoreError{Op: "update trees", Err: err}
	}
	u.metrics.TreesUpdated.Add(float64(n))
	u.logger.Info("trees updated", "rows", n, "cell_count", len(grid))
	return n, nil
}
