// Package publish uploads finalized tile artifacts.
package publish

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
	"github.com/ajitpratap0/clearmap/pkg/config"
)

// Publisher makes a finalized artifact available outside the output
// directory.
type Publisher interface {
	Publish(ctx context.Context, jobKey, artifactPath string) error
}

// Nop publishes nothing.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, string) error { return nil }

// Uploader is the part of manager.Uploader used by S3Publisher.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Publisher uploads artifacts to <bucket>/<prefix>/<file name>.
type S3Publisher struct {
	bucket   string
	prefix   string
	uploader Uploader
	logger   *zap.Logger
}

// NewS3Publisher creates a publisher using the default AWS credential
// chain.
func NewS3Publisher(ctx context.Context, cfg config.S3Config, logger *zap.Logger) (*S3Publisher, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeConfig, "failed to load AWS configuration")
	}

	uploader := manager.NewUploader(s3.NewFromConfig(awsCfg), func(u *manager.Uploader) {
		u.PartSize = 64 * 1024 * 1024
		u.Concurrency = 4
	})
	return NewS3PublisherWithUploader(cfg, uploader, logger), nil
}

// NewS3PublisherWithUploader creates a publisher over an existing uploader.
func NewS3PublisherWithUploader(cfg config.S3Config, uploader Uploader, logger *zap.Logger) *S3Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Publisher{
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		uploader: uploader,
		logger:   logger.With(zap.String("component", "s3_publisher")),
	}
}

// Key returns the object key of an artifact.
func (p *S3Publisher) Key(artifactPath string) string {
	return path.Join(p.prefix, filepath.Base(artifactPath))
}

// Publish uploads the artifact at artifactPath.
func (p *S3Publisher) Publish(ctx context.Context, jobKey, artifactPath string) error {
	start := time.Now()

	f, err := os.Open(artifactPath) //nolint:gosec // G304: path is the finalized artifact
	if err != nil {
		return clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeFile, "failed to open artifact").
			WithDetail("job_key", jobKey)
	}
	defer f.Close()

	key := p.Key(artifactPath)
	result, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/vnd.pmtiles"),
		Metadata: map[string]string{
			"job-key": jobKey,
			"created": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return clearmaperrors.Wrap(err, clearmaperrors.ErrorTypePublish, "failed to upload artifact").
			WithDetail("job_key", jobKey).
			WithDetail("bucket", p.bucket).
			WithDetail("key", key)
	}

	p.logger.Info("artifact published",
		zap.String("job_key", jobKey),
		zap.String("location", result.Location),
		zap.Duration("duration", time.Since(start)))
	return nil
}
