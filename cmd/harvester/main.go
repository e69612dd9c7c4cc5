package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/radolan-harvester/internal/adapter/dwd"
	"github.com/couchcryptid/radolan-harvester/internal/adapter/gdal"
	httpadapter "github.com/couchcryptid/radolan-harvester/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/radolan-harvester/internal/adapter/kafka"
	"github.com/couchcryptid/radolan-harvester/internal/adapter/mapbox"
	"github.com/couchcryptid/radolan-harvester/internal/adapter/memory"
	"github.com/couchcryptid/radolan-harvester/internal/adapter/objectstore"
	"github.com/couchcryptid/radolan-harvester/internal/adapter/postgres"
	"github.com/couchcryptid/radolan-harvester/internal/checkpoint"
	"github.com/couchcryptid/radolan-harvester/internal/config"
	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/couchcryptid/radolan-harvester/internal/downstream"
	"github.com/couchcryptid/radolan-harvester/internal/fetch"
	"github.com/couchcryptid/radolan-harvester/internal/grid"
	"github.com/couchcryptid/radolan-harvester/internal/ingest"
	"github.com/couchcryptid/radolan-harvester/internal/observability"
	"github.com/couchcryptid/radolan-harvester/internal/pipeline"
)

// store is everything the harvester needs from persistence.
type store interface {
	checkpoint.Repository
	ingest.Store
	grid.Source
	downstream.TreeStore
	pipeline.Pinger
	ImportCells(ctx context.Context, cells []domain.GridCell) (int, error)
}

func main() {
	once := flag.Bool("once", false, "run a single harvest cycle and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	if err := run(cfg, logger, *once); err != nil {
		logger.Error("harvester stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, once bool) error {
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := bootstrap(ctx, cfg, st, clock, logger); err != nil {
		return err
	}

	policy, err := fetch.ParsePolicy(cfg.FetchPolicy)
	if err != nil {
		return err
	}

	targets, closeTargets, err := buildTargets(cfg, clock, logger, metrics)
	if err != nil {
		return err
	}
	defer closeTargets()

	syncer := downstream.NewSyncer(
		downstream.NewTreeUpdater(st, cfg.TreeBufferDegrees, logger, metrics),
		st,
		downstream.NewExporter(cfg.ExportDir, cfg.WateringsEnabled),
		targets,
		cfg.WateringDays,
		clock,
		logger,
		metrics,
	)

	harvester := pipeline.New(pipeline.Stages{
		Checkpoint: checkpoint.NewManager(st, clock, cfg.Location, logger),
		Downloader: fetch.NewDownloader(
			dwd.NewClient(cfg.DWDRecentURL, cfg.DWDTimeout, logger),
			dwd.NewClient(cfg.DWDHistoricalURL, cfg.DWDTimeout, logger),
			logger,
			metrics,
		),
		Extractor: gdal.NewExtractor(gdal.Binaries{
			Warp:       cfg.GDALWarp,
			Polygonize: cfg.GDALPolygonize,
			Ogr2ogr:    cfg.OGR2OGR,
		}, logger, metrics),
		Ingester: ingest.NewService(st, clock, logger, metrics),
		Assembler: grid.NewAssembler(st, clock, grid.Options{
			Days:     cfg.LimitDays,
			Offset:   cfg.PublicationMinute,
			Location: cfg.Location,
			Sparse:   cfg.SparseGrid,
		}, logger, metrics),
		Syncer: syncer,
		Store:  st,
	}, pipeline.Options{
		WorkDir:   cfg.WorkDir,
		AOIShape:  cfg.AOIShapefile,
		LimitDays: cfg.LimitDays,
		Policy:    policy,
	}, clock, logger, metrics)

	if once {
		return harvester.RunCycle(ctx)
	}

	scheduler, err := pipeline.NewScheduler(harvester, cfg.HarvestSchedule, cfg.Location, logger)
	if err != nil {
		return err
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, harvester, harvester, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	if err := scheduler.Run(ctx, cfg.RunOnStart); err != nil {
		logger.Error("scheduler error", "error", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store, func(), error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory store, measurements are lost on exit")
		return memory.NewStore(), func() {}, nil
	}

	pg, err := postgres.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

// bootstrap imports the grid file and seeds the checkpoint when configured.
func bootstrap(ctx context.Context, cfg *config.Config, st store, clock clockwork.Clock, logger *slog.Logger) error {
	if cfg.GridGeoJSON != "" {
		cells, err := grid.ReadFile(cfg.GridGeoJSON)
		if err != nil {
			return err
		}
		n, err := st.ImportCells(ctx, cells)
		if err != nil {
			return fmt.Errorf("import grid: %w", err)
		}
		logger.Info("grid imported", "file", cfg.GridGeoJSON, "cells", len(cells), "new", n)
	}

	if !cfg.InitialCollectionDate.IsZero() {
		d := cfg.InitialCollectionDate
		day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, cfg.Location)
		if err := checkpoint.NewManager(st, clock, cfg.Location, logger).Seed(ctx, day); err != nil {
			return err
		}
	}
	return nil
}

func buildTargets(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) (downstream.Targets, func(), error) {
	var targets downstream.Targets
	closeFn := func() {}

	if cfg.ObjectStoreEnabled {
		up, err := objectstore.NewUploader(objectstore.Config{
			Endpoint:  cfg.ObjectStoreEndpoint,
			AccessKey: cfg.ObjectStoreAccessKey,
			SecretKey: cfg.ObjectStoreSecretKey,
			Bucket:    cfg.ObjectStoreBucket,
			Prefix:    cfg.ObjectStorePrefix,
			Region:    cfg.ObjectStoreRegion,
			UseSSL:    cfg.ObjectStoreUseSSL,
		}, logger)
		if err != nil {
			return downstream.Targets{}, nil, err
		}
		targets.Objects = up
		logger.Info("object storage upload enabled", "bucket", cfg.ObjectStoreBucket)
	}

	if cfg.MapboxEnabled {
		targets.Tileset = mapbox.NewClient(mapbox.Config{
			Token:     cfg.MapboxToken,
			Username:  cfg.MapboxUsername,
			Tileset:   cfg.MapboxTileset,
			LayerName: cfg.MapboxLayer,
			Timeout:   cfg.MapboxTimeout,
		}, clock, logger, metrics)
		logger.Info("mapbox tileset upload enabled", "tileset", cfg.MapboxUsername+"."+cfg.MapboxTileset)
	}

	if cfg.KafkaEnabled {
		writer := kafkaadapter.NewWriter(cfg, logger)
		targets.Grid = writer
		closeFn = func() {
			if err := writer.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}
		logger.Info("kafka grid publication enabled", "topic", cfg.KafkaTopic)
	}

	return targets, closeFn, nil
}
