package backup

import (
	"context"
	"os"
	"path"
	"strconv"
	"strings"
)

// ArtifactStore ships backup artifacts to and from offsite storage. Keys are
// slash-separated and relative to the store's prefix.
type ArtifactStore interface {
	Upload(ctx context.Context, localPath, key string) error
	Download(ctx context.Context, key, localPath string) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	// Location describes where key is stored, for logs and history.
	Location(key string) string
}

// StoreRefScheme marks a restore argument that names an artifact in the configured store
const StoreRefScheme = "store://"

// IsStoreRef reports whether ref names an artifact in the configured store
func IsStoreRef(ref string) bool {
	return strings.HasPrefix(ref, StoreRefScheme)
}

// StoreKey returns the key of a store ref
func StoreKey(ref string) string {
	return strings.TrimPrefix(ref, StoreRefScheme)
}

// StorageProviderType identifies an artifact store backend
type StorageProviderType string

const (
	StorageProviderNone  StorageProviderType = "none"
	StorageProviderLocal StorageProviderType = "local"
	StorageProviderS3    StorageProviderType = "s3"
	StorageProviderAzure StorageProviderType = "azure"
	StorageProviderGCS   StorageProviderType = "gcs"
)

// StorageConfig selects and configures the artifact store
type StorageConfig struct {
	Provider StorageProviderType `yaml:"provider" mapstructure:"provider"`
	Prefix   string              `yaml:"prefix" mapstructure:"prefix"`
	Local    *LocalConfig        `yaml:"local,omitempty" mapstructure:"local"`
	S3       *S3Config           `yaml:"s3,omitempty" mapstructure:"s3"`
	Azure    *AzureConfig        `yaml:"azure,omitempty" mapstructure:"azure"`
	GCS      *GCSConfig          `yaml:"gcs,omitempty" mapstructure:"gcs"`
}

// LocalConfig configures a directory-backed store
type LocalConfig struct {
	BasePath    string      `yaml:"base_path" mapstructure:"base_path"`
	Permissions os.FileMode `yaml:"permissions" mapstructure:"permissions"`
}

// S3Config configures an Amazon S3 store
type S3Config struct {
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Region    string `yaml:"region" mapstructure:"region"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Endpoint  string `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
}

// AzureConfig configures an Azure Blob Storage store
type AzureConfig struct {
	AccountName   string `yaml:"account_name" mapstructure:"account_name"`
	AccountKey    string `yaml:"account_key" mapstructure:"account_key"`
	ContainerName string `yaml:"container_name" mapstructure:"container_name"`
}

// GCSConfig configures a Google Cloud Storage store
type GCSConfig struct {
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	CredentialsPath string `yaml:"credentials_path" mapstructure:"credentials_path"`
	ProjectID       string `yaml:"project_id" mapstructure:"project_id"`
}

// Enabled reports whether a store is configured
func (sc *StorageConfig) Enabled() bool {
	return sc.Provider != "" && sc.Provider != StorageProviderNone
}

// SetDefaults sets default values for the selected provider
func (sc *StorageConfig) SetDefaults() {
	if sc.Provider == "" {
		sc.Provider = StorageProviderNone
	}
	if sc.Prefix == "" {
		sc.Prefix = "backups/"
	}

	switch sc.Provider {
	case StorageProviderLocal:
		if sc.Local == nil {
			sc.Local = &LocalConfig{}
		}
		if sc.Local.BasePath == "" {
			sc.Local.BasePath = "./offsite"
		}
		if sc.Local.Permissions == 0 {
			sc.Local.Permissions = 0755
		}
	case StorageProviderS3:
		if sc.S3 == nil {
			sc.S3 = &S3Config{}
		}
		if sc.S3.Region == "" {
			sc.S3.Region = "us-east-1"
		}
	case StorageProviderAzure:
		if sc.Azure == nil {
			sc.Azure = &AzureConfig{}
		}
	case StorageProviderGCS:
		if sc.GCS == nil {
			sc.GCS = &GCSConfig{}
		}
		if sc.GCS.CredentialsPath == "" {
			sc.GCS.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
		}
	}
}

// LoadFromEnvironment overrides credentials from MSSQL_RECOVERY_* variables
func (sc *StorageConfig) LoadFromEnvironment() {
	if val := os.Getenv("MSSQL_RECOVERY_STORAGE_PROVIDER"); val != "" {
		sc.Provider = StorageProviderType(strings.ToLower(val))
	}

	switch sc.Provider {
	case StorageProviderLocal:
		if sc.Local == nil {
			sc.Local = &LocalConfig{}
		}
		if val := os.Getenv("MSSQL_RECOVERY_LOCAL_BASE_PATH"); val != "" {
			sc.Local.BasePath = val
		}
		if val := os.Getenv("MSSQL_RECOVERY_LOCAL_PERMISSIONS"); val != "" {
			if parsed, err := strconv.ParseUint(val, 8, 32); err == nil {
				sc.Local.Permissions = os.FileMode(parsed)
			}
		}
	case StorageProviderS3:
		if sc.S3 == nil {
			sc.S3 = &S3Config{}
		}
		if val := os.Getenv("MSSQL_RECOVERY_S3_BUCKET"); val != "" {
			sc.S3.Bucket = val
		}
		if val := os.Getenv("MSSQL_RECOVERY_S3_REGION"); val != "" {
			sc.S3.Region = val
		}
		if val := os.Getenv("MSSQL_RECOVERY_S3_ACCESS_KEY"); val != "" {
			sc.S3.AccessKey = val
		}
		if val := os.Getenv("MSSQL_RECOVERY_S3_SECRET_KEY"); val != "" {
			sc.S3.SecretKey = val
		}
	case StorageProviderAzure:
		if sc.Azure == nil {
			sc.Azure = &AzureConfig{}
		}
		if val := os.Getenv("MSSQL_RECOVERY_AZURE_ACCOUNT_NAME"); val != "" {
			sc.Azure.AccountName = val
		}
		if val := os.Getenv("MSSQL_RECOVERY_AZURE_ACCOUNT_KEY"); val != "" {
			sc.Azure.AccountKey = val
		}
		if val := os.Getenv("MSSQL_RECOVERY_AZURE_CONTAINER_NAME"); val != "" {
			sc.Azure.ContainerName = val
		}
	case StorageProviderGCS:
		if sc.GCS == nil {
			sc.GCS = &GCSConfig{}
		}
		if val := os.Getenv("MSSQL_RECOVERY_GCS_BUCKET"); val != "" {
			sc.GCS.Bucket = val
		}
		if val := os.Getenv("MSSQL_RECOVERY_GCS_CREDENTIALS_PATH"); val != "" {
			sc.GCS.CredentialsPath = val
		}
		if val := os.Getenv("MSSQL_RECOVERY_GCS_PROJECT_ID"); val != "" {
			sc.GCS.ProjectID = val
		}
	}
}

// Validate validates the StorageConfig struct
func (sc *StorageConfig) Validate() error {
	var errors ValidationErrors

	switch sc.Provider {
	case "", StorageProviderNone:
		return nil
	case StorageProviderLocal:
		if sc.Local == nil || sc.Local.BasePath == "" {
			errors.Add("storage.local.base_path", "base path is required for local storage", nil)
		}
	case StorageProviderS3:
		if sc.S3 == nil {
			errors.Add("storage.s3", "S3 storage configuration is required", nil)
			break
		}
		if sc.S3.Bucket == "" {
			errors.Add("storage.s3.bucket", "S3 bucket name is required", sc.S3.Bucket)
		}
		if sc.S3.Region == "" {
			errors.Add("storage.s3.region", "S3 region is required", sc.S3.Region)
		}
		if (sc.S3.AccessKey == "") != (sc.S3.SecretKey == "") {
			errors.Add("storage.s3.access_key", "S3 access key and secret key must be set together", nil)
		}
	case StorageProviderAzure:
		if sc.Azure == nil {
			errors.Add("storage.azure", "Azure storage configuration is required", nil)
			break
		}
		if sc.Azure.AccountName == "" {
			errors.Add("storage.azure.account_name", "Azure account name is required", sc.Azure.AccountName)
		}
		if sc.Azure.AccountKey == "" {
			errors.Add("storage.azure.account_key", "Azure account key is required", nil)
		}
		if sc.Azure.ContainerName == "" {
			errors.Add("storage.azure.container_name", "Azure container name is required", sc.Azure.ContainerName)
		}
	case StorageProviderGCS:
		if sc.GCS == nil || sc.GCS.Bucket == "" {
			errors.Add("storage.gcs.bucket", "GCS bucket name is required", nil)
		}
	default:
		errors.Add("storage.provider", "invalid storage provider type", sc.Provider)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// objectKey joins the store prefix and a key
func objectKey(prefix, key string) string {
	return path.Join(prefix, strings.TrimPrefix(key, "/"))
}

// ArtifactKey is the default store key for an artifact: <database>/<file name>
func ArtifactKey(database, localPath string) string {
	return path.Join(database, path.Base(strings.ReplaceAll(localPath, "\\", "/")))
}

// keyBase is the listing prefix of a store, with a trailing slash unless empty
func keyBase(prefix string) string {
	base := objectKey(prefix, "")
	if base == "" || base == "." {
		return ""
	}
	return base + "/"
}
