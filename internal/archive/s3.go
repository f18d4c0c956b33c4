// Package archive writes committed plan revisions to object storage as
// canonical JSON.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

const (
	KindForecast   = "forecast"
	KindAllocation = "allocation"
	KindMarkdown   = "markdown"
)

type Record struct {
	WorkflowID uuid.UUID
	Kind       string
	Revision   int
	Payload    interface{}
}

type Archiver interface {
	Archive(ctx context.Context, rec Record) (string, error)
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver stores records at
//
//	s3://<bucket>/<prefix>/workflows/<id>/<kind>/rev-<n>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
	now      func() time.Time
}

// NewS3Archiver picks up region and credentials from the standard AWS
// environment.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newS3Archiver(bucket, prefix, manager.NewUploader(s3.NewFromConfig(cfg))), nil
}

func newS3Archiver(bucket, prefix string, up uploader) *S3Archiver {
	return &S3Archiver{bucket: bucket, prefix: prefix, uploader: up, now: time.Now}
}

func ObjectKey(prefix string, rec Record) string {
	return path.Join(prefix, "workflows", rec.WorkflowID.String(), rec.Kind, fmt.Sprintf("rev-%d.json", rec.Revision))
}

// Archive uploads the canonical envelope of rec and returns its object key.
func (a *S3Archiver) Archive(ctx context.Context, rec Record) (string, error) {
	digest, err := Digest(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("digest payload: %w", err)
	}
	envelope := map[string]interface{}{
		"workflow_id": rec.WorkflowID.String(),
		"kind":        rec.Kind,
		"revision":    rec.Revision,
		"sha256":      digest,
		"archived_at": a.now().UTC().Format(time.RFC3339Nano),
		"payload":     rec.Payload,
	}
	body, err := Canonical(envelope)
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}

	key := ObjectKey(a.prefix, rec)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		Metadata:             map[string]string{"sha256": digest},
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
