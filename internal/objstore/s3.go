package objstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// S3Config addresses an S3-compatible bucket (Cloudflare R2, MinIO, AWS).
type S3Config struct {
	Endpoint      string `yaml:"endpoint"` // host[:port], no scheme
	Region        string `yaml:"region"`
	Bucket        string `yaml:"bucket"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	UseSSL        bool   `yaml:"use_ssl"`
	PublicBaseURL string `yaml:"public_base_url"` // prefix for returned URLs
}

// S3 uploads objects with minio-go.
type S3 struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// Compile-time interface check.
var _ Uploader = (*S3)(nil)

// NewS3 creates an uploader. It does not contact the endpoint.
func NewS3(cfg S3Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: s3 client: %w", err)
	}

	base := cfg.PublicBaseURL
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	return &S3{client: client, bucket: cfg.Bucket, baseURL: base}, nil
}

// Upload puts data at key and returns its public URL.
func (s *S3) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("objstore: put %s: %w", key, err)
	}
	log.Debug().Str("key", key).Int64("size", info.Size).Msg("objstore: uploaded")
	return joinURL(s.baseURL, key), nil
}

// Ping checks that the bucket exists.
func (s *S3) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("objstore: bucket exists: %w", err)
	}
	if !ok {
		return fmt.Errorf("objstore: bucket %q not found", s.bucket)
	}
	return nil
}
