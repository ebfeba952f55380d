package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// PublicBaseURL prefixes object paths in PublicURL. When empty the
	// endpoint is used.
	PublicBaseURL string
}

// MinioBucket stores objects in MinIO or any S3-compatible service.
type MinioBucket struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

func NewMinioBucket(cfg MinioConfig) (*MinioBucket, error) {
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
		return nil, fmt.Errorf("minio client: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		base = strings.TrimRight(client.EndpointURL().String(), "/") + "/" + bucket
	}
	return &MinioBucket{client: client, bucket: bucket, baseURL: base}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (b *MinioBucket) EnsureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", b.bucket, err)
	}
	if exists {
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", b.bucket, err)
	}
	return nil
}

func (b *MinioBucket) Upload(ctx context.Context, path string, r io.Reader, size int64, mime string) error {
	_, err := b.client.PutObject(ctx, b.bucket, path, r, size, minio.PutObjectOptions{ContentType: mime})
	return err
}

func (b *MinioBucket) PublicURL(path string) string {
	return b.baseURL + "/" + strings.TrimLeft(path, "/")
}
