// Package objectstore uploads exported artifacts to an S3 compatible bucket.
package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config locates the bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Region    string
	UseSSL    bool
}

// Uploader writes files into a bucket, creating it on first use.
type Uploader struct {
	client *minio.Client
	bucket string
	prefix string
	region string
	logger *slog.Logger
}

// NewUploader creates a minio backed Uploader.
func NewUploader(cfg Config, logger *slog.Logger) (*Uploader, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		region: region,
		logger: logger,
	}, nil
}

// Upload stores the file at filePath under prefix/name.
func (u *Uploader) Upload(ctx context.Context, name, filePath, contentType string) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", u.bucket, err)
		}
		u.logger.Info("bucket created", "bucket", u.bucket)
	}

	key := u.key(name)
	info, err := u.client.FPutObject(ctx, u.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	u.logger.Debug("object uploaded", "bucket", u.bucket, "key", key, "bytes", info.Size)
	return nil
}

func (u *Uploader) key(name string) string {
	if u.prefix == "" {
		return name
	}
	return path.Join(u.prefix, name)
}
