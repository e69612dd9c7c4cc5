package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/radolan-harvester/internal/config"
	"github.com/couchcryptid/radolan-harvester/internal/domain"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes assembled grids to a Kafka topic.
// It implements downstream.GridPublisher.
type Writer struct {
	writer messageWriter
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured grid topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// CellMessage is the value of one published grid cell.
type CellMessage struct {
	CellID int64     `json:"cell_id"`
	Sum    float64   `json:"sum"`
	Hours  []float64 `json:"hours"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// PublishGrid writes one message per cell in a single WriteMessages call.
// All messages of a call share a run_id header.
func (w *Writer) PublishGrid(ctx context.Context, window domain.HourlyWindow, grid []domain.CellSeries) error {
	if len(grid) == 0 {
		return nil
	}
	runID := uuid.NewString()
	msgs := make([]kafkago.Message, len(grid))
	for i := range grid {
		msg, err := serializeToMessage(runID, window, grid[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish grid: %w", err)
	}
	w.logger.Info("grid published", "run_id", runID, "cell_count", len(grid))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a cell series into a Kafka message keyed by cell id.
func serializeToMessage(runID string, window domain.HourlyWindow, cell domain.CellSeries) (kafkago.Message, error) {
	data, err := json.Marshal(CellMessage{
		CellID: cell.CellID,
		Sum:    cell.Sum,
		Hours:  cell.Values,
		Start:  window.First.UTC(),
		End:    window.Last.UTC(),
	})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize cell %d: %w", cell.CellID, err)
	}
	return kafkago.Message{
		Key:   fmt.Appendf(nil, "%d", cell.CellID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "run_id", Value: []byte(runID)},
			{Key: "window_end", Value: []byte(window.Last.UTC().Format(time.RFC3339))},
		},
	}, nil
}
