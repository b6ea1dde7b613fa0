package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/haasonsaas/voicecall/internal/voice"
)

// S3ArchiveConfig configures an S3-compatible transcript archive.
type S3ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes the final record of each ended call to a bucket.
type S3Archiver struct {
	client s3PutAPI
	bucket string
	prefix string
}

// NewS3Archiver creates a new S3-backed archiver.
func NewS3Archiver(ctx context.Context, cfg S3ArchiveConfig) (*S3Archiver, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Archiver(client, bucket, cfg.Prefix), nil
}

func newS3Archiver(client s3PutAPI, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Archive uploads the record as JSON and returns its s3:// location.
func (a *S3Archiver) Archive(ctx context.Context, record *voice.CallRecord) (string, error) {
	if record == nil || record.CallID == "" {
		return "", errInvalidRecord
	}
	doc, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal call: %w", err)
	}

	key := a.objectKey(record)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(doc),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"call-id":    record.CallID,
			"end-reason": string(record.EndReason),
			"direction":  string(record.Direction),
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

// objectKey partitions archives by the day the call started.
func (a *S3Archiver) objectKey(record *voice.CallRecord) string {
	name := path.Join(record.StartedAt.UTC().Format("2006/01/02"), record.CallID+".json")
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}
