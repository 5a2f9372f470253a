package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3ArtifactStore ships artifacts to an Amazon S3 bucket
type S3ArtifactStore struct {
	client     *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	bucket     string
	prefix     string
}

// NewS3ArtifactStore creates an S3 store. Without static keys the default
// AWS credential chain is used.
func NewS3ArtifactStore(config *S3Config, prefix string) (*S3ArtifactStore, error) {
	if config == nil {
		return nil, NewValidationError("S3 storage configuration is required", nil)
	}

	awsConfig := &aws.Config{Region: aws.String(config.Region)}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, NewStorageError("failed to create AWS session", err)
	}

	return &S3ArtifactStore{
		client:     s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
		bucket:     config.Bucket,
		prefix:     prefix,
	}, nil
}

// Upload streams localPath to the bucket using multipart uploads for large artifacts
func (s *S3ArtifactStore) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return NewStorageError("failed to open artifact", err).WithContext("path", localPath)
	}
	defer f.Close()

	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(s.prefix, key)),
		Body:   f,
		Metadata: map[string]*string{
			"artifact-type": aws.String(ClassifyByFilename(localPath).String()),
		},
	})
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to upload %s to S3", key), err)
	}
	return nil
}

// Download writes the object to localPath
func (s *S3ArtifactStore) Download(ctx context.Context, key, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return NewStorageError("failed to create local artifact", err).WithContext("path", localPath)
	}

	_, err = s.downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(s.prefix, key)),
	})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(localPath)
		return NewStorageError(fmt.Sprintf("failed to download %s from S3", key), err)
	}
	return nil
}

// Delete removes the object
func (s *S3ArtifactStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(s.prefix, key)),
	})
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to delete %s from S3", key), err)
	}
	return nil
}

// Exists reports whether the object exists
func (s *S3ArtifactStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(s.prefix, key)),
	})
	if err == nil {
		return true, nil
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey) {
		return false, nil
	}
	return false, NewStorageError(fmt.Sprintf("failed to check %s in S3", key), err)
}

// List returns keys under prefix
func (s *S3ArtifactStore) List(ctx context.Context, prefix string) ([]string, error) {
	base := keyBase(s.prefix)
	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(base + prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.StringValue(obj.Key), base))
		}
		return true
	})
	if err != nil {
		return nil, NewStorageError("failed to list artifacts in S3", err)
	}
	return keys, nil
}

// Location returns the s3:// URL of key
func (s *S3ArtifactStore) Location(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectKey(s.prefix, key))
}
