package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config selects the bucket that archives audit entries. Endpoint and
// PathStyle target S3-compatible stores such as MinIO.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	Prefix    string
}

// ObjectPutter is the part of *s3.Client the sink uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3AuditSink stores every audit entry as one JSON object keyed by date,
// kind and entity.
type S3AuditSink struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewS3AuditSink creates a sink writing to cfg.Bucket through client.
func NewS3AuditSink(client ObjectPutter, cfg S3Config) (*S3AuditSink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 audit sink: bucket required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "audit"
	}
	return &S3AuditSink{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// Key returns the object key for e.
func (s *S3AuditSink) Key(e AuditEntry) string {
	return path.Join(s.prefix, e.At.UTC().Format("2006/01/02"), string(e.Kind), e.EntityID, e.ID+".json")
}

func (s *S3AuditSink) Record(ctx context.Context, e AuditEntry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(e)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put audit object: %w", err)
	}
	return nil
}
