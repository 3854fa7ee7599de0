package export

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"codepad/api/internal/logging"
)

// MinioConfig holds object storage settings for archive uploads.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// LinkTTL bounds presigned download links; zero means one hour.
	LinkTTL time.Duration
}

// MinioSink uploads archives to an S3-compatible bucket.
type MinioSink struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
	now    func() time.Time
}

// NewMinioSink connects to object storage and makes sure the bucket exists.
func NewMinioSink(ctx context.Context, cfg MinioConfig) (*MinioSink, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", cfg.Bucket, err)
		}
		logging.L().Info("created archive bucket", zap.String("bucket", cfg.Bucket))
	}
	ttl := cfg.LinkTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MinioSink{client: client, bucket: cfg.Bucket, ttl: ttl, now: time.Now}, nil
}

func (m *MinioSink) Put(ctx context.Context, key string, data []byte, contentType string) (Upload, error) {
	info, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Upload{}, fmt.Errorf("put object %s: %w", key, err)
	}
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	link, err := m.client.PresignedGetObject(ctx, m.bucket, key, m.ttl, params)
	if err != nil {
		return Upload{}, fmt.Errorf("presign %s: %w", key, err)
	}
	return Upload{
		Key:       key,
		URL:       link.String(),
		Size:      info.Size,
		ExpiresAt: m.now().Add(m.ttl).UTC(),
	}, nil
}
