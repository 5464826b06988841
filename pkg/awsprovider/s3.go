package awsprovider

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cuemby/flotilla/pkg/batch"
	"github.com/cuemby/flotilla/pkg/clusterdef"
	"github.com/cuemby/flotilla/pkg/types"
)

// S3API is the subset of the S3 client used by S3
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 reads cluster definitions and checks batch output
type S3 struct {
	client S3API
}

var (
	_ clusterdef.ObjectGetter = (*S3)(nil)
	_ batch.OutputLister      = (*S3)(nil)
)

// NewS3 wraps an S3 client
func NewS3(client S3API) *S3 {
	return &S3{client: client}
}

// GetObject returns the body of an object
func (s *S3) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, types.ErrNotFound)
		}
		return nil, classify(fmt.Sprintf("get s3://%s/%s", bucket, key), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// PrefixExists reports whether at least one object exists under prefix
func (s *S3) PrefixExists(ctx context.Context, bucket, prefix string) (bool, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, classify(fmt.Sprintf("list s3://%s/%s", bucket, prefix), err)
	}
	return aws.ToInt32(out.KeyCount) > 0 || len(out.Contents) > 0, nil
}
