package racelog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the part of the S3 client the archiver needs.
// *s3.Client implements it.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config describes the archive bucket. Endpoint and PathStyle support
// S3-compatible stores such as MinIO. Without static keys the default AWS
// credential chain is used.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Archiver uploads finished race logs to a bucket.
type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	host   string
	now    func() time.Time
}

// NewArchiver creates an archiver writing under prefix in bucket.
func NewArchiver(client ObjectPutter, bucket, prefix string) (*Archiver, error) {
	if bucket == "" {
		return nil, errors.New("racelog: s3 bucket required")
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return &Archiver{client: client, bucket: bucket, prefix: prefix, host: host, now: time.Now}, nil
}

// Key returns the object key for an upload made at t.
func (a *Archiver) Key(t time.Time) string {
	name := fmt.Sprintf("%s-%s.jsonl", a.host, t.UTC().Format("20060102T150405Z"))
	return path.Join(a.prefix, name)
}

// Archive validates the race log at file and uploads it. It returns the
// object key.
func (a *Archiver) Archive(ctx context.Context, file string) (string, error) {
	if _, _, err := ReadFile(file); err != nil {
		return "", err
	}
	f, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("open race log: %w", err)
	}
	defer func() { _ = f.Close() }()

	key := a.Key(a.now())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("upload race log to s3://%s/%s: %w", a.bucket, key, err)
	}
	return key, nil
}
