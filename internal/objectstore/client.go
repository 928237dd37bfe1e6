// Package objectstore wraps the S3-compatible object store used for source
// retrieval and artifact publication. Uploads go through a checkpointed
// multipart transfer that can resume an interrupted push instead of
// restarting from offset zero.
package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config declares the object store connection and bucket layout. Endpoint,
// AccessKey, and SecretKey are required; the process refuses to start
// without them.
type Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	PublicEndpoint string
	Bucket         string
	ScratchBucket  string
}

const sourceURLExpiry = time.Hour

// Store is a client for one S3-compatible endpoint.
type Store struct {
	client *minio.Client
	mp     multipartAPI
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("object store endpoint is required")
	}
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("object store credentials are required")
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse object store endpoint: %w", err)
		}
		if strings.EqualFold(parsed.Scheme, "https") {
			cfg.UseSSL = true
		}
		endpoint = parsed.Host
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise object store client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		mp:     minio.Core{Client: client},
		cfg:    cfg,
		logger: logger,
	}, nil
}

func (s *Store) Bucket() string        { return s.cfg.Bucket }
func (s *Store) ScratchBucket() string { return s.cfg.ScratchBucket }

// EnsureBuckets creates the configured buckets when they do not exist yet.
func (s *Store) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.cfg.Bucket, s.cfg.ScratchBucket} {
		bucket = strings.TrimSpace(bucket)
		if bucket == "" {
			continue
		}
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		s.logger.Info("created bucket", "bucket", bucket)
	}
	return nil
}

// ResolveSource turns a source reference into a fetchable URL. Absolute http
// and https references pass through untouched with direct=true; storage paths
// are presigned against the primary bucket with direct=false, since the
// presigned URL carries its own query-string authentication and tolerates no
// additional Authorization header.
func (s *Store) ResolveSource(ctx context.Context, ref string) (string, bool, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return "", false, fmt.Errorf("source reference is required")
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return trimmed, true, nil
	}
	key := strings.TrimLeft(trimmed, "/")
	presigned, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, key, sourceURLExpiry, nil)
	if err != nil {
		return "", false, fmt.Errorf("presign source %s: %w", key, err)
	}
	return presigned.String(), false, nil
}

// PublicURL derives the address at which an uploaded object is readable.
func (s *Store) PublicURL(bucket, key string) string {
	base := strings.TrimSpace(s.cfg.PublicEndpoint)
	if base == "" {
		base = s.client.EndpointURL().String()
	}
	return strings.TrimRight(base, "/") + "/" + bucket + "/" + strings.TrimLeft(key, "/")
}
