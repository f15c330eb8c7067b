// utils/storage.go
package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var ErrMediaNotFound = errors.New("media not found")

var storageClient *s3.Client
var storageBucket string

// InitStorage configures the S3-compatible client for submission media.
// Works against MinIO in dev and any S3-compatible store in prod.
func InitStorage() error {
	endpoint := os.Getenv("S3_ENDPOINT")
	accessKey := os.Getenv("S3_ACCESS_KEY")
	secretKey := os.Getenv("S3_SECRET_KEY")
	storageBucket = os.Getenv("S3_BUCKET_UPLOADS")
	if endpoint == "" || accessKey == "" || secretKey == "" || storageBucket == "" {
		return fmt.Errorf("S3_ENDPOINT, S3_ACCESS_KEY, S3_SECRET_KEY and S3_BUCKET_UPLOADS must be set")
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)),
		config.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint}, nil
			}),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to load S3 config: %w", err)
	}

	storageClient = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // MinIO needs path-style addressing
	})
	return nil
}

// PutMedia stores submission bytes under key.
func PutMedia(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := storageClient.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(storageBucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to store media %s: %w", key, err)
	}
	return nil
}

// GetMedia re-reads stored submission bytes. A missing key surfaces as
// ErrMediaNotFound so callers can fail a submission closed instead of
// silently accepting it.
func GetMedia(ctx context.Context, key string) ([]byte, error) {
	out, err := storageClient.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(storageBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrMediaNotFound
		}
		return nil, fmt.Errorf("failed to read media %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
