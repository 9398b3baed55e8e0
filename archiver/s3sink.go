package archiver

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awshttp "github.com/aws/smithy-go/transport/http"
)

// Sink stores archive objects.
type Sink interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, body io.Reader) error
	PutEmpty(ctx context.Context, key string) error
	URI(key string) string
}

type S3Sink struct {
	Bucket string
	Client *s3.Client
	Up     *manager.Uploader
}

var _ Sink = (*S3Sink)(nil)

func NewS3Sink(ctx context.Context, bucket, region string) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg)
	return &S3Sink{Bucket: bucket, Client: client, Up: manager.NewUploader(client)}, nil
}

func (s *S3Sink) URI(key string) string { return "s3://" + s.Bucket + "/" + key }

func (s *S3Sink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == 404 {
		return false, nil
	}
	return false, err
}

func (s *S3Sink) Put(ctx context.Context, key string, body io.Reader) error {
	_, err := s.Up.Upload(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.Bucket),
		Key:             aws.String(key),
		Body:            body,
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	return err
}

func (s *S3Sink) PutEmpty(ctx context.Context, key string) error {
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(""),
	})
	return err
}
