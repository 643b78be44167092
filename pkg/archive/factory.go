package archive

import (
	"context"
	"fmt"
	"os"
)

// Supported archive backends.
const (
	TypeFS  = "fs"
	TypeS3  = "s3"
	TypeGCS = "gcs"
)

// NewFromEnv builds the archive selected by ARCHIVE_STORAGE_TYPE. An
// empty type means archival is off and both returns are nil. defaultDir
// is the fs backend's directory when ARCHIVE_FS_DIR is unset.
//
// For s3: ARCHIVE_S3_BUCKET (required), ARCHIVE_S3_REGION or AWS_REGION,
// ARCHIVE_S3_ENDPOINT (MinIO/LocalStack), ARCHIVE_S3_PREFIX.
// For gcs: ARCHIVE_GCS_BUCKET (required), ARCHIVE_GCS_PREFIX; needs a
// build with -tags gcp.
func NewFromEnv(ctx context.Context, defaultDir string) (Store, error) {
	typ := os.Getenv("ARCHIVE_STORAGE_TYPE")
	switch typ {
	case "":
		return nil, nil
	case TypeFS:
		dir := os.Getenv("ARCHIVE_FS_DIR")
		if dir == "" {
			dir = defaultDir
		}
		return NewFileStore(dir)
	case TypeS3:
		return newS3FromEnv(ctx)
	case TypeGCS:
		return newGCSFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported archive storage type: %s", typ)
	}
}

func newS3FromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ARCHIVE_S3_BUCKET is required for s3 archival")
	}
	region := os.Getenv("ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("ARCHIVE_S3_PREFIX"),
	})
}
