package storage

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client abstracts the S3 API operations used by [S3Store].
// The [s3.Client] type satisfies this interface.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store writes objects to Amazon S3 or an S3-compatible store. URLs are
// built from publicBase, which should point at the bucket (or a CDN in
// front of it).
type S3Store struct {
	client     S3Client
	bucket     string
	prefix     string
	publicBase string
}

// S3Config configures an S3 client created by NewS3Client.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// NewS3Client builds an s3.Client from static configuration. Without an
// access key it falls back to anonymous credentials.
func NewS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		creds := aws.Credentials{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Source:          "qbot-static",
		}
		opts.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) { return creds, nil },
		))
	} else {
		opts.Credentials = aws.AnonymousCredentials{}
	}
	return s3.New(opts)
}

// NewS3 creates an S3 backend. Prefix is prepended to all object keys;
// pass "" for no prefix.
func NewS3(client S3Client, bucket, prefix, publicBase string) *S3Store {
	return &S3Store{
		client:     client,
		bucket:     bucket,
		prefix:     strings.Trim(prefix, "/"),
		publicBase: strings.TrimRight(publicBase, "/"),
	}
}

func (s *S3Store) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + "/" + k
}

// Put uploads data with PutObject.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	full := s.key(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(full),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", describeS3Error(err)
	}
	return s.publicBase + "/" + full, nil
}

// describeS3Error keeps the API error code visible in logs.
func describeS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &S3Error{Code: apiErr.ErrorCode(), Err: err}
	}
	return err
}

// S3Error carries the S3 error code of a failed upload.
type S3Error struct {
	Code string
	Err  error
}

func (e *S3Error) Error() string { return "s3 " + e.Code + ": " + e.Err.Error() }
func (e *S3Error) Unwrap() error { return e.Err }

var _ Backend = (*S3Store)(nil)
