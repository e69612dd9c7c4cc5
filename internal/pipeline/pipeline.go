// Package pipeline runs the harvest cycle: plan, fetch, extract, ingest,
// clean, assemble, sync and finally advance the checkpoint.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/couchcryptid/radolan-harvester/internal/fetch"
	"github.com/couchcryptid/radolan-harvester/internal/grid"
	"github.com/couchcryptid/radolan-harvester/internal/observability"
	"github.com/jonboulle/clockwork"
)

// ErrCycleRunning is returned when a cycle is requested while another runs.
var ErrCycleRunning = errors.New("harvest cycle already running")

// Checkpointer reads the next window and advances it after a completed cycle.
type Checkpointer interface {
	GetWindow(ctx context.Context) (domain.Window, error)
	Advance(ctx context.Context, w domain.Window) error
}

// Extractor turns one hourly raster file into polygon rows.
type Extractor interface {
	Extract(ctx context.Context, ascFile, aoiShape string, measuredAt time.Time) ([]domain.Extracted, error)
}

// Ingester owns every write to the measurement store.
type Ingester interface {
	Ingest(ctx context.Context, rows []domain.Extracted) (int, error)
	Dedup(ctx context.Context) (int64, error)
	RetentionCutoff(limitDays int) time.Time
	ApplyRetention(ctx context.Context, limitDays int) (int64, error)
	SummarizeMonths(ctx context.Context, w domain.Window, cutoff time.Time) error
}

// Assembler builds the hourly grid for the current assembly window.
type Assembler interface {
	Assemble(ctx context.Context) (domain.HourlyWindow, []domain.CellSeries, error)
}

// Syncer pushes an assembled grid downstream.
type Syncer interface {
	Sync(ctx context.Context, w domain.HourlyWindow, grid []domain.CellSeries) error
}

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Stages are the collaborators of a cycle, in control-flow order.
type Stages struct {
	Checkpoint Checkpointer
	Downloader *fetch.Downloader
	Extractor  Extractor
	Ingester   Ingester
	Assembler  Assembler
	Syncer     Syncer
	Store      Pinger
}

// Options tune a cycle.
type Options struct {
	WorkDir   string
	AOIShape  string
	LimitDays int
	Policy    fetch.Policy
}

// Harvester runs harvest cycles one at a time.
type Harvester struct {
	stages  Stages
	opts    Options
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex // held for the duration of a cycle
	stateMu sync.RWMutex
	state   State
}

// New creates a Harvester.
func New(stages Stages, opts Options, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Harvester {
	return &Harvester{
		stages:  stages,
		opts:    opts,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		state:   StateIdle,
	}
}

// State returns the stage the current cycle is in.
func (h *Harvester) State() State {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.state
}

// CheckReadiness returns nil when the store answers.
func (h *Harvester) CheckReadiness(ctx context.Context) error {
	if err := h.stages.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	return nil
}

// RunCycle runs one harvest cycle. The checkpoint is advanced only after every
// stage has succeeded; any returned error leaves it untouched.
func (h *Harvester) RunCycle(ctx context.Context) error {
	if !h.mu.TryLock() {
		return ErrCycleRunning
	}
	defer h.mu.Unlock()

	start := h.clock.Now()
	h.metrics.PipelineRunning.Set(1)
	defer h.metrics.PipelineRunning.Set(0)
	defer h.setState(StateIdle)

	outcome, err := h.runCycle(ctx)
	h.metrics.CyclesTotal.WithLabelValues(outcome).Inc()
	h.metrics.CycleDuration.Observe(h.clock.Since(start).Seconds())
	if err != nil {
		h.logger.Error("harvest cycle failed", "stage", h.State(), "error", err)
		return err
	}
	h.logger.Info("harvest cycle finished", "outcome", outcome, "duration", h.clock.Since(start))
	return nil
}

func (h *Harvester) runCycle(ctx context.Context) (string, error) {
	h.setState(StatePlanning)
	w, err := h.stages.Checkpoint.GetWindow(ctx)
	if err != nil {
		return outcomeFailed, err
	}

	outcome := outcomeSuccess
	if w.Empty() {
		h.logger.Info("no new days to harvest", "window", w.String())
		outcome = outcomeNoop
	} else if err := h.harvest(ctx, w); err != nil {
		return outcomeFailed, err
	}

	h.setState(StateCleaning)
	if err := h.clean(ctx, w); err != nil {
		return outcomeFailed, err
	}

	h.setState(StateAssembling)
	hw, series, err := h.stages.Assembler.Assemble(ctx)
	if err != nil {
		return outcomeFailed, err
	}
	if err := grid.Check(hw, series); err != nil {
		return outcomeFailed, err
	}

	h.setState(StateSyncing)
	if err := h.stages.Syncer.Sync(ctx, hw, series); err != nil {
		return outcomeFailed, err
	}

	if outcome == outcomeNoop {
		// A checkpoint seeded ahead of today yields a window that would
		// move it backwards.
		return outcome, nil
	}
	if err := h.stages.Checkpoint.Advance(ctx, w); err != nil {
		return outcomeFailed, err
	}
	h.setState(StateCheckpointAdvanced)
	h.metrics.CheckpointTime.Set(float64(w.End.Unix()))
	return outcome, nil
}

// harvest fetches, extracts and ingests every day of w inside a cycle
// working directory that is removed on every exit path.
func (h *Harvester) harvest(ctx context.Context, w domain.Window) error {
	plan := fetch.Plan(w)
	h.logger.Info("harvest planned", "window", w.String(), "days", len(plan))

	workDir, err := os.MkdirTemp(h.opts.WorkDir, "radolan-cycle-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	session := h.stages.Downloader.NewSession(plan, workDir)
	defer func() {
		if err := session.Close(); err != nil {
			h.logger.Warn("clean fetch session failed", "error", err)
		}
	}()

	for _, unit := range plan {
		if err := h.harvestDay(ctx, session, unit); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harvester) harvestDay(ctx context.Context, session *fetch.Session, unit domain.DownloadUnit) error {
	day := unit.Day.Format(time.DateOnly)

	h.setState(StateFetching)
	files, err := session.Fetch(ctx, unit)
	var fe *domain.FetchError
	switch {
	case errors.As(err, &fe) && h.opts.Policy == fetch.PolicySkip:
		h.logger.Warn("day skipped", "day", day, "error", err)
		return nil
	case err != nil:
		return err
	}
	defer func() {
		if err := session.Discard(unit); err != nil {
			h.logger.Warn("discard day files failed", "day", day, "error", err)
		}
	}()

	var ingested int
	for _, file := range files {
		measuredAt, err := domain.ParseHourlyFileName(file)
		if err != nil {
			h.logger.Warn("unexpected file in archive", "day", day, "file", file, "error", err)
			continue
		}

		h.setState(StateExtracting)
		rows, err := h.stages.Extractor.Extract(ctx, file, h.opts.AOIShape, measuredAt)
		if err != nil {
			return err
		}

		h.setState(StateIngesting)
		n, err := h.stages.Ingester.Ingest(ctx, rows)
		if err != nil {
			return err
		}
		ingested += n
	}
	h.logger.Info("day harvested", "day", day, "files", len(files), "measurements", ingested)
	return nil
}

// clean deduplicates, refreshes the monthly summaries touched by w and then
// applies retention.
func (h *Harvester) clean(ctx context.Context, w domain.Window) error {
	if _, err := h.stages.Ingester.Dedup(ctx); err != nil {
		return err
	}
	if !w.Empty() {
		cutoff := h.stages.Ingester.RetentionCutoff(h.opts.LimitDays)
		if err := h.stages.Ingester.SummarizeMonths(ctx, w, cutoff); err != nil {
			return err
		}
	}
	_, err := h.stages.Ingester.ApplyRetention(ctx, h.opts.LimitDays)
	return err
}

func (h *Harvester) setState(s State) {
	h.stateMu.Lock()
	prev := h.state
	h.state = s
	h.stateMu.Unlock()

	if prev != s {
		h.metrics.CycleStage.WithLabelValues(string(prev)).Set(0)
		h.metrics.CycleStage.WithLabelValues(string(s)).Set(1)
	}
}
