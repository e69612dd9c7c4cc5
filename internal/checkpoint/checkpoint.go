// Package checkpoint owns the single harvest checkpoint record and is the only
// component allowed to advance it.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/jonboulle/clockwork"
)

// Repository persists the checkpoint row.
type Repository interface {
	// LoadCheckpoint returns domain.ErrCheckpointMissing when no row exists.
	LoadCheckpoint(ctx context.Context) (domain.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error
	// SeedCheckpoint creates the row unless it exists and reports whether it did.
	SeedCheckpoint(ctx context.Context, cp domain.Checkpoint) (bool, error)
}

// Manager computes harvest windows from the stored checkpoint and advances it
// after a completed cycle.
type Manager struct {
	repo   Repository
	clock  clockwork.Clock
	loc    *time.Location
	logger *slog.Logger
}

// NewManager creates a Manager that resolves day boundaries in loc.
func NewManager(repo Repository, clock clockwork.Clock, loc *time.Location, logger *slog.Logger) *Manager {
	return &Manager{repo: repo, clock: clock, loc: loc, logger: logger}
}

// GetWindow returns the next window to harvest: from midnight of the stored
// collection date up to the end of the previous calendar day.
func (m *Manager) GetWindow(ctx context.Context) (domain.Window, error) {
	cp, err := m.repo.LoadCheckpoint(ctx)
	if err != nil {
		return domain.Window{}, fmt.Errorf("load checkpoint: %w", err)
	}
	w := domain.HarvestWindow(cp.CollectionDate, m.clock.Now(), m.loc)
	m.logger.Info("harvest window computed",
		"collection_date", cp.CollectionDate,
		"start", w.Start,
		"end", w.End,
		"days", len(w.Days()),
	)
	return w, nil
}

// Advance records w as harvested. The collection date never moves backwards;
// an attempt to do so returns domain.ErrCheckpointRegression and leaves the
// stored record untouched.
func (m *Manager) Advance(ctx context.Context, w domain.Window) error {
	cp, err := m.repo.LoadCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if w.End.Before(cp.CollectionDate) {
		return fmt.Errorf("%w: %s < %s", domain.ErrCheckpointRegression,
			w.End.Format(time.RFC3339), cp.CollectionDate.Format(time.RFC3339))
	}

	next := domain.Checkpoint{
		CollectionDate: w.End,
		WindowStart:    w.Start,
		WindowEnd:      w.End,
	}
	if err := m.repo.SaveCheckpoint(ctx, next); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	m.logger.Info("checkpoint advanced", "collection_date", next.CollectionDate)
	return nil
}

// Seed creates the checkpoint with collection date day when none exists yet,
// so a fresh installation harvests from that day on. An existing checkpoint
// is left untouched.
func (m *Manager) Seed(ctx context.Context, day time.Time) error {
	start := domain.Midnight(day, m.loc)
	created, err := m.repo.SeedCheckpoint(ctx, domain.Checkpoint{
		CollectionDate: start,
		WindowStart:    start,
		WindowEnd:      start,
	})
	if err != nil {
		return fmt.Errorf("seed checkpoint: %w", err)
	}
	if created {
		m.logger.Info("checkpoint seeded", "collection_date", start)
	}
	return nil
}
