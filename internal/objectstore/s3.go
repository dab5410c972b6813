// Package objectstore wraps the external blob store. Uploads and
// downloads go browser-to-store via presigned URLs; this system only
// issues URLs and verifies that announced uploads actually landed.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/rs/zerolog"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/config"
)

// ErrObjectMissing reports that an announced upload is not in the store.
var ErrObjectMissing = errors.New("objectstore: object not found")

// ObjectInfo is what Head reveals about a stored object.
type ObjectInfo struct {
	Size        int64
	ContentType string
}

// Store is the surface the file endpoints need.
type Store interface {
	PresignUpload(ctx context.Context, key, mimetype string, size int64) (string, error)
	PresignDownload(ctx context.Context, key, filename string) (string, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	ObjectURL(key string) string
	Bucket() string
}

// S3Store implements Store over the AWS SDK.
type S3Store struct {
	svc    *s3.S3
	bucket string
	region string
	expiry time.Duration
	logger zerolog.Logger
}

// NewS3 builds the store from configuration. Static credentials when
// provided, otherwise the SDK default chain (instance profile, env).
func NewS3(cfg *config.Config, logger zerolog.Logger) (*S3Store, error) {
	if cfg.S3BucketName == "" {
		return nil, fmt.Errorf("objectstore: S3_BUCKET_NAME is required")
	}
	awsCfg := aws.NewConfig().WithRegion(cfg.AWSRegion)
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		awsCfg = awsCfg.WithCredentials(
			credentials.NewStaticCredentials(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("objectstore: session: %w", err)
	}
	return &S3Store{
		svc:    s3.New(sess),
		bucket: cfg.S3BucketName,
		region: cfg.AWSRegion,
		expiry: cfg.S3PresignedURLExpiry,
		logger: logger.With().Str("component", "objectstore").Logger(),
	}, nil
}

// PresignUpload issues a PUT URL for the client to upload directly.
func (s *S3Store) PresignUpload(ctx context.Context, key, mimetype string, size int64) (string, error) {
	req, _ := s.svc.PutObjectRequest(&s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(mimetype),
		ContentLength: aws.Int64(size),
	})
	req.SetContext(ctx)
	url, err := req.Presign(s.expiry)
	if err != nil {
		return "", fmt.Errorf("objectstore: presign upload: %w", err)
	}
	return url, nil
}

// PresignDownload issues a GET URL that forces a download with the
// original filename.
func (s *S3Store) PresignDownload(ctx context.Context, key, filename string) (string, error) {
	req, _ := s.svc.GetObjectRequest(&s3.GetObjectInput{
		Bucket:                     aws.String(s.bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String(fmt.Sprintf("attachment; filename=%q", filename)),
	})
	req.SetContext(ctx)
	url, err := req.Presign(s.expiry)
	if err != nil {
		return "", fmt.Errorf("objectstore: presign download: %w", err)
	}
	return url, nil
}

// Head checks that the object exists and returns its stored metadata.
func (s *S3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.RequestFailure
		if errors.As(err, &aerr) && aerr.StatusCode() == 404 {
			return nil, ErrObjectMissing
		}
		return nil, fmt.Errorf("objectstore: head %s: %w", key, err)
	}
	info := &ObjectInfo{}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.ContentType != nil {
		info.ContentType = *out.ContentType
	}
	return info, nil
}

// ObjectURL is the canonical public URL for a stored object.
func (s *S3Store) ObjectURL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

func (s *S3Store) Bucket() string {
	return s.bucket
}
