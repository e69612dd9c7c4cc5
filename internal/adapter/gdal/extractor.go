// Package gdal runs the GDAL command line tools that turn one hourly RADOLAN
// raster into value polygons clipped to the area of interest.
package gdal

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/couchcryptid/radolan-harvester/internal/observability"
)

// radolanProj is the polar stereographic projection of the RADOLAN composite.
const radolanProj = "+proj=stere +lon_0=10.0 +lat_0=90.0 +lat_ts=60.0 +a=6370040 +b=6370040 +units=m"

const (
	layerName  = "RDLLAYER"
	valueField = "RDLFIELD"
)

// Binaries names the GDAL executables. Empty fields use the tool name on PATH.
type Binaries struct {
	Warp       string
	Polygonize string
	Ogr2ogr    string
}

func (b Binaries) withDefaults() Binaries {
	if b.Warp == "" {
		b.Warp = "gdalwarp"
	}
	if b.Polygonize == "" {
		b.Polygonize = "gdal_polygonize.py"
	}
	if b.Ogr2ogr == "" {
		b.Ogr2ogr = "ogr2ogr"
	}
	return b
}

// runFunc runs a command and returns its captured stderr.
type runFunc func(ctx context.Context, name string, args ...string) (stderr string, err error)

// Extractor converts hourly raster files into domain.Extracted rows.
type Extractor struct {
	bin     Binaries
	run     runFunc
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewExtractor creates an Extractor that shells out to the given binaries.
func NewExtractor(bin Binaries, logger *slog.Logger, metrics *observability.Metrics) *Extractor {
	return &Extractor{bin: bin.withDefaults(), run: runCommand, logger: logger, metrics: metrics}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stderr.String()), err
}

// Extract reprojects ascFile, clips it to the aoiShape cutline, polygonizes
// the result and returns one row per polygon, with WKT in EPSG:3857. All
// intermediate files live in a temporary directory removed on return.
func (e *Extractor) Extract(ctx context.Context, ascFile, aoiShape string, measuredAt time.Time) ([]domain.Extracted, error) {
	start := time.Now()
	defer func() { e.metrics.ExtractionDuration.Observe(time.Since(start).Seconds()) }()
	e.metrics.HourlyFilesProcessed.Inc()

	dir, err := os.MkdirTemp("", "radolan-extract-*")
	if err != nil {
		return nil, &domain.ExtractionError{File: ascFile, Err: err}
	}
	defer os.RemoveAll(dir)

	base := filepath.Base(ascFile)
	tiff := filepath.Join(dir, base+".tiff")
	shp := filepath.Join(dir, base+".shp")
	out := filepath.Join(dir, base+".csv")

	steps := []struct {
		name string
		args []string
	}{
		{e.bin.Warp, []string{
			ascFile, tiff,
			"-s_srs", radolanProj,
			"-t_srs", radolanProj,
			"-r", "near",
			"-of", "GTiff",
			"-cutline", aoiShape,
		}},
		{e.bin.Polygonize, []string{tiff, "-f", "ESRI Shapefile", shp, layerName, valueField}},
		{e.bin.Ogr2ogr, []string{
			"-f", "CSV",
			"-lco", "GEOMETRY=AS_WKT",
			"-t_srs", "EPSG:3857",
			out, shp,
		}},
	}
	for _, step := range steps {
		if stderr, err := e.run(ctx, step.name, step.args...); err != nil {
			return nil, &domain.ExtractionError{File: ascFile, Stderr: stderr, Err: fmt.Errorf("%s: %w", filepath.Base(step.name), err)}
		}
	}

	f, err := os.Open(out)
	if err != nil {
		return nil, &domain.ExtractionError{File: ascFile, Err: fmt.Errorf("open polygons: %w", err)}
	}
	defer f.Close()

	rows, err := parsePolygons(f, measuredAt)
	if err != nil {
		return nil, &domain.ExtractionError{File: ascFile, Err: err}
	}
	e.logger.Debug("raster extracted", "file", base, "polygons", len(rows))
	return rows, nil
}

// parsePolygons reads the ogr2ogr CSV output: a WKT column plus the value
// field written by gdal_polygonize. Empty values become NaN.
func parsePolygons(r io.Reader, measuredAt time.Time) ([]domain.Extracted, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read polygon header: %w", err)
	}

	wktCol, valueCol := -1, -1
	for i, h := range header {
		switch strings.ToUpper(strings.TrimSpace(h)) {
		case "WKT":
			wktCol = i
		case valueField:
			valueCol = i
		}
	}
	if wktCol < 0 || valueCol < 0 {
		return nil, fmt.Errorf("polygon csv lacks WKT or %s column: %v", valueField, header)
	}

	var rows []domain.Extracted
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read polygon row: %w", err)
		}
		v := math.NaN()
		if s := strings.TrimSpace(rec[valueCol]); s != "" {
			if v, err = strconv.ParseFloat(s, 64); err != nil {
				return nil, fmt.Errorf("parse value %q: %w", s, err)
			}
		}
		rows = append(rows, domain.Extracted{WKT: rec[wktCol], Value: v, MeasuredAt: measuredAt})
	}
	return rows, nil
}
