package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "radolan_harvester"

// Metrics holds the Prometheus counters, histograms, and gauges for the harvester.
type Metrics struct {
	PipelineRunning prometheus.Gauge
	CyclesTotal     *prometheus.CounterVec // labels: outcome={success,failed,noop}
	CycleDuration   prometheus.Histogram
	CycleStage      *prometheus.GaugeVec // labels: stage; 1 for the active stage
	CheckpointTime  prometheus.Gauge

	// Fetch metrics.
	DaysFetched     *prometheus.CounterVec // labels: source={recent,historical,skipped}
	DownloadedBytes prometheus.Counter

	// Extraction and ingestion metrics.
	HourlyFilesProcessed prometheus.Counter
	ExtractionDuration   prometheus.Histogram
	MeasurementsIngested prometheus.Counter
	DuplicatesRemoved    prometheus.Counter
	RetentionDeleted     prometheus.Counter

	// Assembly and sync metrics.
	GridCells         prometheus.Gauge
	GridHours         prometheus.Gauge
	TreesUpdated      prometheus.Counter
	UploadsTotal      *prometheus.CounterVec // labels: target, outcome={success,error}
	TilesetProcessing prometheus.Histogram
}

func newMetrics() *Metrics {
	return &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the scheduler is active, 0 when shut down.",
		}),
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Harvest cycles by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a complete harvest cycle.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 2400, 3600},
		}),
		CycleStage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_stage",
			Help:      "1 for the stage the current harvest cycle is in.",
		}, []string{"stage"}),
		CheckpointTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_collection_timestamp_seconds",
			Help:      "Collection date of the last advanced checkpoint.",
		}),
		DaysFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "days_fetched_total",
			Help:      "Archive days by the source that served them.",
		}, []string{"source"}),
		DownloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes downloaded from DWD.",
		}),
		HourlyFilesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hourly_files_processed_total",
			Help:      "Hourly raster files run through extraction.",
		}),
		ExtractionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_duration_seconds",
			Help:      "Duration of one hourly raster extraction.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		MeasurementsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "measurements_ingested_total",
			Help:      "Measurement rows inserted.",
		}),
		DuplicatesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_removed_total",
			Help:      "Duplicate measurement rows deleted.",
		}),
		RetentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Measurement rows deleted by the retention horizon.",
		}),
		GridCells: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grid_cells",
			Help:      "Cells in the last assembled grid.",
		}),
		GridHours: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grid_hours",
			Help:      "Hours per cell in the last assembled grid.",
		}),
		TreesUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trees_updated_total",
			Help:      "Tree rows updated with precipitation data.",
		}),
		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Artifact uploads by target and outcome.",
		}, []string{"target", "outcome"}),
		TilesetProcessing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tileset_processing_seconds",
			Help:      "Time from tileset upload creation until complete or error.",
			Buckets:   []float64{2, 5, 10, 30, 60, 120, 300, 600},
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PipelineRunning,
		m.CyclesTotal,
		m.CycleDuration,
		m.CycleStage,
		m.CheckpointTime,
		m.DaysFetched,
		m.DownloadedBytes,
		m.HourlyFilesProcessed,
		m.ExtractionDuration,
		m.MeasurementsIngested,
		m.DuplicatesRemoved,
		m.RetentionDeleted,
		m.GridCells,
		m.GridHours,
		m.TreesUpdated,
		m.UploadsTotal,
		m.TilesetProcessing,
	}
}

// NewMetrics creates and registers all harvester metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics registered on a throwaway registry to
// avoid "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}
