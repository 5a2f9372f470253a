package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSArtifactStore ships artifacts to a Google Cloud Storage bucket
type GCSArtifactStore struct {
	client     *storage.Client
	bucketName string
	prefix     string
}

// NewGCSArtifactStore creates a GCS store. Without a credentials file the
// application default credentials are used.
func NewGCSArtifactStore(ctx context.Context, config *GCSConfig, prefix string) (*GCSArtifactStore, error) {
	if config == nil {
		return nil, NewValidationError("GCS storage configuration is required", nil)
	}

	var opts []option.ClientOption
	if config.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, NewStorageError("failed to create GCS client", err)
	}

	return &GCSArtifactStore{client: client, bucketName: config.Bucket, prefix: prefix}, nil
}

func (s *GCSArtifactStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucketName).Object(objectKey(s.prefix, key))
}

// Upload streams localPath to the bucket
func (s *GCSArtifactStore) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return NewStorageError("failed to open artifact", err).WithContext("path", localPath)
	}
	defer f.Close()

	w := s.object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{
		"artifact-type": ClassifyByFilename(localPath).String(),
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return NewStorageError(fmt.Sprintf("failed to write %s to GCS", key), err)
	}
	if err := w.Close(); err != nil {
		return NewStorageError(fmt.Sprintf("failed to upload %s to GCS", key), err)
	}
	return nil
}

// Download writes the object to localPath
func (s *GCSArtifactStore) Download(ctx context.Context, key, localPath string) error {
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to open %s in GCS", key), err)
	}
	defer r.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return NewStorageError("failed to create local artifact", err).WithContext("path", localPath)
	}
	_, err = io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(localPath)
		return NewStorageError(fmt.Sprintf("failed to download %s from GCS", key), err)
	}
	return nil
}

// Delete removes the object
func (s *GCSArtifactStore) Delete(ctx context.Context, key string) error {
	if err := s.object(key).Delete(ctx); err != nil {
		return NewStorageError(fmt.Sprintf("failed to delete %s from GCS", key), err)
	}
	return nil
}

// Exists reports whether the object exists
func (s *GCSArtifactStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, NewStorageError(fmt.Sprintf("failed to check %s in GCS", key), err)
	}
	return true, nil
}

// List returns object keys under prefix
func (s *GCSArtifactStore) List(ctx context.Context, prefix string) ([]string, error) {
	base := keyBase(s.prefix)
	it := s.client.Bucket(s.bucketName).Objects(ctx, &storage.Query{Prefix: base + prefix})

	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, NewStorageError("failed to list artifacts in GCS", err)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, base))
	}
	return keys, nil
}

// Location returns the gs:// URL of key
func (s *GCSArtifactStore) Location(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucketName, objectKey(s.prefix, key))
}

// Close releases the GCS client
func (s *GCSArtifactStore) Close() error {
	return s.client.Close()
}
