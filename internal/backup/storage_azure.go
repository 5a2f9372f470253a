package backup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureArtifactStore ships artifacts to an Azure Blob Storage container
type AzureArtifactStore struct {
	container     azblob.ContainerURL
	containerName string
	prefix        string
}

// NewAzureArtifactStore creates a store for config.ContainerName
func NewAzureArtifactStore(config *AzureConfig, prefix string) (*AzureArtifactStore, error) {
	if config == nil {
		return nil, NewValidationError("Azure storage configuration is required", nil)
	}

	credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
	if err != nil {
		return nil, NewStorageError("failed to create Azure credentials", err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", config.AccountName))
	if err != nil {
		return nil, NewStorageError("failed to parse Azure service URL", err)
	}

	return &AzureArtifactStore{
		container:     azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(config.ContainerName),
		containerName: config.ContainerName,
		prefix:        prefix,
	}, nil
}

func (s *AzureArtifactStore) blob(key string) azblob.BlockBlobURL {
	return s.container.NewBlockBlobURL(objectKey(s.prefix, key))
}

// Upload uploads localPath as a block blob
func (s *AzureArtifactStore) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return NewStorageError("failed to open artifact", err).WithContext("path", localPath)
	}
	defer f.Close()

	_, err = azblob.UploadFileToBlockBlob(ctx, f, s.blob(key), azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 16,
		Metadata: azblob.Metadata{
			"artifacttype": ClassifyByFilename(localPath).String(),
		},
	})
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to upload %s to Azure", key), err)
	}
	return nil
}

// Download writes the blob to localPath
func (s *AzureArtifactStore) Download(ctx context.Context, key, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return NewStorageError("failed to create local artifact", err).WithContext("path", localPath)
	}

	err = azblob.DownloadBlobToFile(ctx, s.blob(key).BlobURL, 0, azblob.CountToEnd, f, azblob.DownloadFromBlobOptions{
		RetryReaderOptionsPerBlock: azblob.RetryReaderOptions{MaxRetryRequests: 20},
	})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(localPath)
		return NewStorageError(fmt.Sprintf("failed to download %s from Azure", key), err)
	}
	return nil
}

// Delete removes the blob and its snapshots
func (s *AzureArtifactStore) Delete(ctx context.Context, key string) error {
	_, err := s.blob(key).Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to delete %s from Azure", key), err)
	}
	return nil
}

// Exists reports whether the blob exists
func (s *AzureArtifactStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.blob(key).GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err == nil {
		return true, nil
	}
	var serr azblob.StorageError
	if errors.As(err, &serr) && serr.ServiceCode() == azblob.ServiceCodeBlobNotFound {
		return false, nil
	}
	return false, NewStorageError(fmt.Sprintf("failed to check %s in Azure", key), err)
}

// List returns blob keys under prefix
func (s *AzureArtifactStore) List(ctx context.Context, prefix string) ([]string, error) {
	base := keyBase(s.prefix)
	var keys []string
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := s.container.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: base + prefix,
		})
		if err != nil {
			return nil, NewStorageError("failed to list artifacts in Azure", err)
		}
		marker = resp.NextMarker
		for _, item := range resp.Segment.BlobItems {
			keys = append(keys, strings.TrimPrefix(item.Name, base))
		}
	}
	return keys, nil
}

// Location returns the azure:// URL of key
func (s *AzureArtifactStore) Location(key string) string {
	return fmt.Sprintf("azure://%s/%s", s.containerName, objectKey(s.prefix, key))
}
