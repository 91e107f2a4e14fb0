package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures the MinIO backend.
type MinioConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	// PublicBase, when set, is used to build object URLs. Otherwise URLs are
	// presigned GETs valid for PresignExpiry.
	PublicBase    string
	PresignExpiry time.Duration
}

// Validate checks required fields.
func (c *MinioConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("minio endpoint is required")
	}
	if c.AccessKeyID == "" {
		return fmt.Errorf("minio access key ID is required")
	}
	if c.SecretAccessKey == "" {
		return fmt.Errorf("minio secret access key is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("minio bucket name is required")
	}
	return nil
}

// MinioStore writes objects to a MinIO bucket.
type MinioStore struct {
	client *minio.Client
	cfg    MinioConfig
}

// NewMinio connects to MinIO and makes sure the bucket exists.
func NewMinio(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = 7 * 24 * time.Hour
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	m := &MinioStore{client: client, cfg: cfg}
	if err = m.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MinioStore) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err = m.client.MakeBucket(ctx, m.cfg.Bucket, minio.MakeBucketOptions{Region: m.cfg.Region}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// Put uploads data and returns its public or presigned URL.
func (m *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := m.client.PutObject(ctx, m.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("minio put: %w", err)
	}

	if m.cfg.PublicBase != "" {
		return strings.TrimRight(m.cfg.PublicBase, "/") + "/" + m.cfg.Bucket + "/" + key, nil
	}
	u, err := m.client.PresignedGetObject(ctx, m.cfg.Bucket, key, m.cfg.PresignExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("minio presign: %w", err)
	}
	return u.String(), nil
}

// HealthCheck lists buckets to verify connectivity.
func (m *MinioStore) HealthCheck(ctx context.Context) error {
	if _, err := m.client.ListBuckets(ctx); err != nil {
		return fmt.Errorf("minio health check failed: %w", err)
	}
	return nil
}

var _ Backend = (*MinioStore)(nil)
