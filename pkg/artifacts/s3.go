package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

// S3Config configures the s3 artifact backend.
//
// Authentication follows AWS SDK v2's default credential chain unless
// explicit keys are provided. For S3-compatible stores (MinIO, Wasabi,
// Spaces) set Endpoint and usually ForcePathStyle.
type S3Config struct {
	// Bucket is the destination bucket (required).
	Bucket string

	// Prefix is prepended to every stored key.
	Prefix string

	// Region is the AWS region. Empty lets the SDK resolve it from the
	// environment or profile.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile selects a shared-config profile.
	Profile string

	// AccessKeyID/SecretAccessKey take precedence over the default
	// credential chain. Both must be set together.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs (bucket in path). Required
	// for most S3-compatible stores.
	ForcePathStyle bool
}

func (c *S3Config) validate() error {
	if c.Bucket == "" {
		return errors.New("s3 artifact backend requires a bucket")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return errors.New("access key ID and secret access key must be provided together")
	}
	return nil
}

// s3Store uploads artifacts to s3://<bucket>/<prefix>/<run_id>/<name>.
type s3Store struct {
	client   *s3.Client
	bucket   string
	prefix   string
	patterns []string
}

func newS3Store(ctx context.Context, cfg S3Config, patterns []string) (*s3Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &s3Store{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		patterns: patterns,
	}, nil
}

func (s *s3Store) Archive(ctx context.Context, run *schedstore.JobRun) ([]string, error) {
	selected := selectArtifacts(run.Artifacts, s.patterns)
	if len(selected) == 0 {
		return nil, nil
	}

	var stored []string
	for _, src := range selected {
		key := path.Join(s.prefix, run.RunID, filepath.Base(src))
		if err := s.upload(ctx, src, key); err != nil {
			return stored, fmt.Errorf("upload %s: %w", src, describeS3Error(err))
		}
		stored = append(stored, "s3://"+s.bucket+"/"+key)
	}
	return stored, nil
}

func (s *s3Store) upload(ctx context.Context, src, key string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return err
}

// describeS3Error surfaces the S3 API error code when available.
func describeS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return err
}
