package r2

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/phrazzld/storyboard-worker/internal/artifact"
	"github.com/phrazzld/storyboard-worker/internal/redact"
)

const cacheControl = "public, max-age=31536000, immutable"

// Config holds the bucket settings.
type Config struct {
	// Endpoint is the S3 API endpoint. Empty uses AWS S3 for Region.
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// PublicBaseURL is the CDN origin that serves the bucket.
	PublicBaseURL string
}

// Store is an artifact.Store backed by S3-compatible storage.
type Store struct {
	client        s3iface.S3API
	bucket        string
	publicBaseURL string
	logger        *slog.Logger
}

var _ artifact.Store = (*Store)(nil)

// New creates a Store using static credentials and path-style addressing.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("r2: bucket is required")
	}
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("r2: create session: %w", err)
	}
	return NewWithClient(s3.New(sess), cfg.Bucket, cfg.PublicBaseURL, logger), nil
}

// NewWithClient creates a Store around an existing S3 client.
func NewWithClient(client s3iface.S3API, bucket, publicBaseURL string, logger *slog.Logger) *Store {
	return &Store{
		client:        client,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        logger.With("component", "r2"),
	}
}

// Put uploads obj and returns its key and public URL.
func (s *Store) Put(ctx context.Context, obj artifact.Object) (artifact.Ref, error) {
	if obj.Key == "" || len(obj.Body) == 0 {
		return artifact.Ref{}, fmt.Errorf("%w: empty key or body", artifact.ErrUploadFailed)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(obj.Key),
		Body:          bytes.NewReader(obj.Body),
		ContentLength: aws.Int64(int64(len(obj.Body))),
		CacheControl:  aws.String(cacheControl),
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}

	if _, err := s.client.PutObjectWithContext(ctx, input); err != nil {
		return artifact.Ref{}, fmt.Errorf("%w: put %s: %s", artifact.ErrUploadFailed, obj.Key, redact.Error(err))
	}

	ref := artifact.Ref{Key: obj.Key, URL: s.URL(obj.Key)}
	s.logger.DebugContext(ctx, "artifact stored", "key", obj.Key, "bytes", len(obj.Body))
	return ref, nil
}

// URL returns the public address of key.
func (s *Store) URL(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.publicBaseURL + "/" + strings.Join(segments, "/")
}

// Ping checks that the bucket is reachable with the configured credentials.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("r2: head bucket %s: %s", s.bucket, redact.Error(err))
	}
	return nil
}
