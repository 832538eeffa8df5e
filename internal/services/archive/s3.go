package archive

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Hi-Media/pg-staging/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectGetter downloads an object to a local file. *minio.Client implements it.
type ObjectGetter interface {
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
}

// S3ClientFactory builds an ObjectGetter for a bucket.
type S3ClientFactory func(cfg models.S3Source) (ObjectGetter, error)

// NewMinioClient connects to an S3 compatible endpoint.
func NewMinioClient(cfg models.S3Source) (ObjectGetter, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	return client, nil
}

func (s *Impl) fetchS3(ctx context.Context, cfg models.ArchiveConfig, destDir string) (*models.ArchiveResult, error) {
	if cfg.S3 == nil {
		return nil, fmt.Errorf("s3 source is not configured")
	}

	client, err := s.s3(*cfg.S3)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("bucket", cfg.S3.Bucket).
		Str("key", cfg.Path).
		Msg("downloading archive from s3")

	out, err := tempPath(destDir, cfg.Path)
	if err != nil {
		return nil, err
	}

	if err := client.FGetObject(ctx, cfg.S3.Bucket, cfg.Path, out, minio.GetObjectOptions{}); err != nil {
		_ = os.Remove(out)
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("archive s3://%s/%s not found", cfg.S3.Bucket, cfg.Path)
		}
		return nil, fmt.Errorf("s3 download failed: %w", err)
	}

	return fetched(out)
}
