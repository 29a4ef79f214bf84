package ledger

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver uploads compacted ledger segments to object storage.
type Archiver interface {
	ArchiveSegment(ctx context.Context, key string, body []byte) (string, error)
}

// S3Archiver writes compacted ledger segments to S3 paths like:
//
//	s3://<bucket>/<prefix>/compaction/<key>.ndjson
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials are resolved
// from the environment by the SDK (AWS_REGION, AWS_PROFILE, key pairs).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// ArchiveSegment uploads one segment and returns the object URI.
func (a *S3Archiver) ArchiveSegment(ctx context.Context, key string, body []byte) (string, error) {
	objectKey := path.Join(a.prefix, "compaction", key+".ndjson")
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("upload segment %s: %w", objectKey, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, objectKey), nil
}
