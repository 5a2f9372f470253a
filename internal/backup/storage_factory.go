package backup

import (
	"context"
	"fmt"
)

// NewArtifactStore creates the store selected by config. It returns nil and no
// error when no store is configured.
func NewArtifactStore(ctx context.Context, config StorageConfig) (ArtifactStore, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid storage configuration", err)
	}

	switch config.Provider {
	case StorageProviderNone:
		return nil, nil
	case StorageProviderLocal:
		return NewLocalArtifactStore(config.Local, config.Prefix)
	case StorageProviderS3:
		return NewS3ArtifactStore(config.S3, config.Prefix)
	case StorageProviderAzure:
		return NewAzureArtifactStore(config.Azure, config.Prefix)
	case StorageProviderGCS:
		return NewGCSArtifactStore(ctx, config.GCS, config.Prefix)
	default:
		return nil, NewValidationError(fmt.Sprintf("unsupported storage provider: %s", config.Provider), nil)
	}
}

// SupportedProviders returns the store backends
func SupportedProviders() []StorageProviderType {
	return []StorageProviderType{
		StorageProviderLocal,
		StorageProviderS3,
		StorageProviderAzure,
		StorageProviderGCS,
	}
}
