package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mssql-recovery/internal/engine"
	"mssql-recovery/internal/logging"

	"gopkg.in/yaml.v3"
)

// DefaultMetadataSuffix replaces the artifact extension to form the sidecar path
const DefaultMetadataSuffix = ".meta.json"

// ArtifactMetadata is the provenance record stored next to a backup artifact
type ArtifactMetadata struct {
	DatabaseName   string    `json:"database_name" yaml:"database_name"`
	BackupType     string    `json:"backup_type" yaml:"backup_type"`
	BackupFilePath string    `json:"backup_file_path" yaml:"backup_file_path"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
	Description    string    `json:"description" yaml:"description"`
}

// ArtifactType parses the declared type, returning ArtifactUnknown when it does not parse
func (m *ArtifactMetadata) ArtifactType() ArtifactType {
	return ParseArtifactType(m.BackupType)
}

// DeriveArtifactType maps a backup action and its incremental flag to an artifact type:
// database without incremental is full, database with incremental is differential,
// log is transaction log.
func DeriveArtifactType(action engine.Action, incremental bool) ArtifactType {
	switch action {
	case engine.ActionBackupDatabase:
		if incremental {
			return ArtifactDifferential
		}
		return ArtifactFull
	case engine.ActionBackupLog:
		return ArtifactTransactionLog
	default:
		return ArtifactUnknown
	}
}

// MetadataRecorder writes and reads sidecar metadata files
type MetadataRecorder struct {
	suffix string
	now    func() time.Time
	logger *logging.Logger
}

// RecorderOption configures a MetadataRecorder
type RecorderOption func(*MetadataRecorder)

// WithMetadataSuffix sets the sidecar suffix. A suffix ending in .yaml or .yml
// selects YAML, anything else JSON.
func WithMetadataSuffix(suffix string) RecorderOption {
	return func(r *MetadataRecorder) {
		if suffix == "" {
			return
		}
		if !strings.HasPrefix(suffix, ".") {
			suffix = "." + suffix
		}
		r.suffix = suffix
	}
}

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) RecorderOption {
	return func(r *MetadataRecorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRecorderLogger sets the recorder logger
func WithRecorderLogger(logger *logging.Logger) RecorderOption {
	return func(r *MetadataRecorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewMetadataRecorder creates a recorder using .meta.json sidecars by default
func NewMetadataRecorder(opts ...RecorderOption) *MetadataRecorder {
	r := &MetadataRecorder{
		suffix: DefaultMetadataSuffix,
		now:    time.Now,
		logger: logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Suffix returns the configured sidecar suffix
func (r *MetadataRecorder) Suffix() string {
	return r.suffix
}

// SidecarPath returns the artifact path with its extension replaced by the suffix
func (r *MetadataRecorder) SidecarPath(artifactPath string) string {
	return strings.TrimSuffix(artifactPath, filepath.Ext(artifactPath)) + r.suffix
}

func (r *MetadataRecorder) isYAML() bool {
	lower := strings.ToLower(r.suffix)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

// Write records provenance for a completed backup and returns the sidecar path.
// The type is derived from the request action and incremental flag.
func (r *MetadataRecorder) Write(op Operation) (string, error) {
	if op == nil {
		return "", NewMetadataError("cannot record metadata for a nil operation", ErrNilOperation)
	}
	if op.Direction() != DirectionBackup {
		return "", NewMetadataError("metadata is only recorded for backups", nil)
	}
	if op.Status() != StatusCompleted {
		return "", NewMetadataError(fmt.Sprintf("backup is %s, not Completed", op.Status()), nil)
	}

	req := op.Request()
	now := r.now().UTC()
	kind := DeriveArtifactType(req.Action, req.Options.Incremental)

	meta := ArtifactMetadata{
		DatabaseName:   op.DatabaseName(),
		BackupType:     kind.String(),
		BackupFilePath: op.ArtifactPath(),
		CreatedAt:      now,
		Description:    fmt.Sprintf("%s backup of %s taken %s", kind.DisplayName(), op.DatabaseName(), now.Format(time.RFC3339)),
	}

	path := r.SidecarPath(op.ArtifactPath())
	if err := r.Save(path, &meta); err != nil {
		return "", err
	}

	r.logger.WithFields(map[string]interface{}{
		"database": meta.DatabaseName,
		"type":     meta.BackupType,
		"sidecar":  path,
	}).Info("Backup metadata recorded")
	return path, nil
}

// Save serializes meta to path, replacing any existing file atomically
func (r *MetadataRecorder) Save(path string, meta *ArtifactMetadata) error {
	var (
		data []byte
		err  error
	)
	if r.isYAML() {
		data, err = yaml.Marshal(meta)
	} else {
		data, err = json.MarshalIndent(meta, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".meta-*")
	if err != nil {
		return fmt.Errorf("failed to create metadata file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close metadata file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to set metadata permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move metadata file into place: %w", err)
	}
	return nil
}

// Read loads the sidecar of artifactPath
func (r *MetadataRecorder) Read(artifactPath string) (*ArtifactMetadata, error) {
	path := r.SidecarPath(artifactPath)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta ArtifactMetadata
	if r.isYAML() {
		err = yaml.Unmarshal(data, &meta)
	} else {
		err = json.Unmarshal(data, &meta)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse metadata %s: %w", path, err)
	}
	return &meta, nil
}
