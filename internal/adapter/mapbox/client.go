package mapbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	awscreds "github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/couchcryptid/radolan-harvester/internal/observability"
	"github.com/jonboulle/clockwork"
)

const defaultPollInterval = 2 * time.Second

// Config identifies the tileset to replace.
type Config struct {
	Token     string
	Username  string
	Tileset   string
	LayerName string
	Timeout   time.Duration
}

// Client publishes artifacts as Mapbox tilesets through the Uploads API.
type Client struct {
	cfg          Config
	httpClient   *http.Client
	baseURL      string
	stage        stageFunc
	clock        clockwork.Clock
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// stageFunc copies a file into the Mapbox staging bucket.
type stageFunc func(ctx context.Context, creds stagingCredentials, path string) error

// NewClient creates a Mapbox uploads client.
func NewClient(cfg Config, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:      "https://api.mapbox.com/uploads/v1",
		stage:        stageToS3,
		clock:        clock,
		pollInterval: defaultPollInterval,
		logger:       logger,
		metrics:      metrics,
	}
}

// Publish stages the file at path and replaces the configured tileset with
// it, blocking until Mapbox reports the upload complete or failed.
func (c *Client) Publish(ctx context.Context, path string) error {
	creds, err := c.requestCredentials(ctx)
	if err != nil {
		return err
	}
	if err := c.stage(ctx, creds, path); err != nil {
		return fmt.Errorf("stage %s: %w", path, err)
	}

	id, err := c.createUpload(ctx, creds)
	if err != nil {
		return err
	}
	c.logger.Info("tileset upload created", "upload_id", id, "tileset", c.tilesetID())

	start := c.clock.Now()
	err = c.waitForUpload(ctx, id)
	c.metrics.TilesetProcessing.Observe(c.clock.Since(start).Seconds())
	return err
}

func (c *Client) tilesetID() string {
	return c.cfg.Username + "." + c.cfg.Tileset
}

func (c *Client) requestCredentials(ctx context.Context) (stagingCredentials, error) {
	var creds stagingCredentials
	err := c.do(ctx, http.MethodPost, c.endpoint("credentials"), nil, http.StatusOK, &creds)
	if err != nil {
		return stagingCredentials{}, fmt.Errorf("request credentials: %w", err)
	}
	return creds, nil
}

func (c *Client) createUpload(ctx context.Context, creds stagingCredentials) (string, error) {
	body, err := json.Marshal(createRequest{
		URL:     fmt.Sprintf("http://%s.s3.amazonaws.com/%s", creds.Bucket, creds.Key),
		Tileset: c.tilesetID(),
		Name:    c.cfg.LayerName,
	})
	if err != nil {
		return "", fmt.Errorf("encode upload request: %w", err)
	}

	var status uploadStatus
	if err := c.do(ctx, http.MethodPost, c.endpoint(""), body, http.StatusCreated, &status); err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	return status.ID, nil
}

// waitForUpload polls the upload status until it completes or reports an error.
func (c *Client) waitForUpload(ctx context.Context, id string) error {
	for {
		var status uploadStatus
		if err := c.do(ctx, http.MethodGet, c.endpoint(id), nil, http.StatusOK, &status); err != nil {
			return fmt.Errorf("poll upload %s: %w", id, err)
		}
		c.logger.Debug("tileset upload progress",
			"upload_id", id,
			"progress", status.Progress,
			"complete", status.Complete,
		)
		if status.Error != nil && *status.Error != "" {
			return fmt.Errorf("upload %s failed: %s", id, *status.Error)
		}
		if status.Complete {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.pollInterval):
		}
	}
}

func (c *Client) endpoint(suffix string) string {
	u := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(c.cfg.Username))
	if suffix != "" {
		u += "/" + url.PathEscape(suffix)
	}
	return u + "?" + url.Values{"access_token": {c.cfg.Token}}.Encode()
}

func (c *Client) do(ctx context.Context, method, fullURL string, body []byte, want int, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("mapbox API error: status %d: %s", resp.StatusCode, msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// stageToS3 uploads path to the staging bucket with the temporary credentials
// handed out by Mapbox.
func stageToS3(ctx context.Context, creds stagingCredentials, path string) error {
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String("us-east-1"),
		Credentials: awscreds.NewStaticCredentials(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = s3manager.NewUploader(sess).UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(creds.Bucket),
		Key:    aws.String(creds.Key),
		Body:   f,
	})
	return err
}

// Mapbox Uploads API types.

type stagingCredentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken"`
	Bucket          string `json:"bucket"`
	Key             string `json:"key"`
	URL             string `json:"url"`
}

type createRequest struct {
	URL     string `json:"url"`
	Tileset string `json:"tileset"`
	Name    string `json:"name"`
}

type uploadStatus struct {
	ID       string  `json:"id"`
	Complete bool    `json:"complete"`
	Error    *string `json:"error"`
	Progress float64 `json:"progress"`
}
