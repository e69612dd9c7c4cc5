package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
)

const (
	defaultRecentURL     = "https://opendata.dwd.de/climate_environment/CDC/grids_germany/hourly/radolan/recent/asc"
	defaultHistoricalURL = "https://opendata.dwd.de/climate_environment/CDC/grids_germany/hourly/radolan/historical/asc"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Store selection: "postgres" or "memory".
	StoreDriver string
	DatabaseURL string

	GridGeoJSON           string
	AOIShapefile          string
	WorkDir               string
	ExportDir             string
	InitialCollectionDate time.Time

	LimitDays         int
	Location          *time.Location
	PublicationMinute int
	SparseGrid        bool

	DWDRecentURL     string
	DWDHistoricalURL string
	DWDTimeout       time.Duration
	FetchPolicy      string

	HarvestSchedule string
	RunOnStart      bool

	TreeBufferDegrees float64
	WateringsEnabled  bool
	WateringDays      int

	GDALWarp       string
	GDALPolygonize string
	OGR2OGR        string

	// Mapbox tileset upload.
	MapboxEnabled  bool
	MapboxToken    string
	MapboxUsername string
	MapboxTileset  string
	MapboxLayer    string
	MapboxTimeout  time.Duration

	// S3 compatible artifact storage.
	ObjectStoreEnabled   bool
	ObjectStoreEndpoint  string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string
	ObjectStoreBucket    string
	ObjectStorePrefix    string
	ObjectStoreRegion    string
	ObjectStoreUseSSL    bool

	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads configuration from environment variables, applying defaults where
// unset. A .env file in the working directory is read first; variables already
// present in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	var p parser
	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		StoreDriver: sharedcfg.EnvOrDefault("STORE_DRIVER", "postgres"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		GridGeoJSON:           os.Getenv("GRID_GEOJSON"),
		AOIShapefile:          sharedcfg.EnvOrDefault("AOI_SHAPEFILE", "assets/buffered-shape.shp"),
		WorkDir:               sharedcfg.EnvOrDefault("WORK_DIR", os.TempDir()),
		ExportDir:             sharedcfg.EnvOrDefault("EXPORT_DIR", "export"),
		InitialCollectionDate: p.date("INITIAL_COLLECTION_DATE"),

		LimitDays:         p.positiveInt("LIMIT_DAYS", 30),
		Location:          p.location("REFERENCE_TIMEZONE", "Europe/Berlin"),
		PublicationMinute: p.intInRange("PUBLICATION_MINUTE", 50, 0, 59),
		SparseGrid:        p.bool("SPARSE_GRID", false),

		DWDRecentURL:     sharedcfg.EnvOrDefault("DWD_RECENT_URL", defaultRecentURL),
		DWDHistoricalURL: sharedcfg.EnvOrDefault("DWD_HISTORICAL_URL", defaultHistoricalURL),
		DWDTimeout:       p.duration("DWD_TIMEOUT", 5*time.Minute),
		FetchPolicy:      sharedcfg.EnvOrDefault("FETCH_FAILURE_POLICY", "skip"),

		HarvestSchedule: sharedcfg.EnvOrDefault("HARVEST_SCHEDULE", "1 0 * * *"),
		RunOnStart:      p.bool("RUN_ON_START", false),

		TreeBufferDegrees: p.float("TREE_BUFFER_DEGREES", 0.0002),
		WateringsEnabled:  p.bool("WATERINGS_ENABLED", false),
		WateringDays:      p.positiveInt("WATERING_DAYS", 30),

		GDALWarp:       sharedcfg.EnvOrDefault("GDAL_WARP", "gdalwarp"),
		GDALPolygonize: sharedcfg.EnvOrDefault("GDAL_POLYGONIZE", "gdal_polygonize.py"),
		OGR2OGR:        sharedcfg.EnvOrDefault("OGR2OGR", "ogr2ogr"),

		MapboxToken:    os.Getenv("MAPBOX_TOKEN"),
		MapboxUsername: os.Getenv("MAPBOX_USERNAME"),
		MapboxTileset:  os.Getenv("MAPBOX_TILESET"),
		MapboxLayer:    sharedcfg.EnvOrDefault("MAPBOX_LAYERNAME", "trees"),
		MapboxTimeout:  p.duration("MAPBOX_TIMEOUT", 30*time.Second),

		ObjectStoreEndpoint:  os.Getenv("OBJECT_STORE_ENDPOINT"),
		ObjectStoreAccessKey: os.Getenv("OBJECT_STORE_ACCESS_KEY"),
		ObjectStoreSecretKey: os.Getenv("OBJECT_STORE_SECRET_KEY"),
		ObjectStoreBucket:    sharedcfg.EnvOrDefault("OBJECT_STORE_BUCKET", "data_assets"),
		ObjectStorePrefix:    os.Getenv("OBJECT_STORE_PREFIX"),
		ObjectStoreRegion:    os.Getenv("OBJECT_STORE_REGION"),
		ObjectStoreUseSSL:    p.bool("OBJECT_STORE_USE_SSL", true),

		KafkaEnabled: p.bool("KAFKA_ENABLED", false),
		KafkaBrokers: sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "radolan-grid"),
	}
	if p.err != nil {
		return nil, p.err
	}

	cfg.MapboxEnabled = p.bool("MAPBOX_ENABLED", cfg.MapboxToken != "")
	cfg.ObjectStoreEnabled = p.bool("OBJECT_STORE_ENABLED", cfg.ObjectStoreEndpoint != "")
	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.FetchPolicy {
	case "skip", "fail-fast":
	default:
		return fmt.Errorf("invalid FETCH_FAILURE_POLICY %q", c.FetchPolicy)
	}
	if c.TreeBufferDegrees < 0 {
		return errors.New("invalid TREE_BUFFER_DEGREES")
	}
	if c.MapboxEnabled && (c.MapboxToken == "" || c.MapboxUsername == "" || c.MapboxTileset == "") {
		return errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN, MAPBOX_USERNAME or MAPBOX_TILESET is not set")
	}
	if c.ObjectStoreEnabled && c.ObjectStoreEndpoint == "" {
		return errors.New("OBJECT_STORE_ENABLED is true but OBJECT_STORE_ENDPOINT is not set")
	}
	if c.KafkaEnabled {
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required")
		}
		if c.KafkaTopic == "" {
			return errors.New("KAFKA_TOPIC is required")
		}
	}
	return nil
}

// parser collects the first parse error so Load can build the struct in one
// literal.
type parser struct {
	err error
}

func (p *parser) fail(key string) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s", key)
	}
}

func (p *parser) bool(key string, def bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		p.fail(key)
		return def
	}
	return v
}

func (p *parser) positiveInt(key string, def int) int {
	return p.intInRange(key, def, 1, int(^uint(0)>>1))
}

func (p *parser) intInRange(key string, def, lo, hi int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		p.fail(key)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(key)
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def.String()))
	if err != nil || d <= 0 {
		p.fail(key)
		return def
	}
	return d
}

func (p *parser) location(key, def string) *time.Location {
	loc, err := time.LoadLocation(sharedcfg.EnvOrDefault(key, def))
	if err != nil {
		p.fail(key)
		return time.UTC
	}
	return loc
}

func (p *parser) date(key string) time.Time {
	s := os.Getenv(key)
	if s == "" {
		return time.Time{}
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		p.fail(key)
		return time.Time{}
	}
	return d
}
