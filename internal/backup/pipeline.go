package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"mssql-recovery/internal/engine"
	"mssql-recovery/internal/logging"
)

// CompressionSettings selects artifact compression for shipping
type CompressionSettings struct {
	Enabled   bool            `yaml:"enabled" mapstructure:"enabled"`
	Algorithm CompressionType `yaml:"algorithm" mapstructure:"algorithm"`
	Level     int             `yaml:"level" mapstructure:"level"`
}

// PipelineResult describes what a pipeline run produced
type PipelineResult struct {
	ArtifactPath   string
	SidecarPath    string
	CompressedPath string
	Stats          *CompressionStats
	EncryptedPath  string
	Encryption     *EncryptionStats
	Locations      []string
}

// Pipeline runs a backup, then compresses and ships its artifact and sidecar
type Pipeline struct {
	recorder    *MetadataRecorder
	compression CompressionSettings
	compressor  *CompressionManager
	encryptor   *Encryptor
	store       ArtifactStore
	logger      *BackupLogger
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithPipelineRecorder sets the recorder whose suffix names the sidecar to ship.
// It must be the recorder the backup operations were built with.
func WithPipelineRecorder(recorder *MetadataRecorder) PipelineOption {
	return func(p *Pipeline) {
		if recorder != nil {
			p.recorder = recorder
		}
	}
}

// WithCompression enables artifact compression before shipping
func WithCompression(settings CompressionSettings) PipelineOption {
	return func(p *Pipeline) {
		p.compression = settings
	}
}

// WithEncryption encrypts the artifact after compression. The sidecar is
// shipped in the clear so stores can be inventoried without the key.
func WithEncryption(encryptor *Encryptor) PipelineOption {
	return func(p *Pipeline) {
		p.encryptor = encryptor
	}
}

// WithStore ships artifacts to store
func WithStore(store ArtifactStore) PipelineOption {
	return func(p *Pipeline) {
		p.store = store
	}
}

// WithBackupLogger sets the structured backup logger
func WithBackupLogger(logger *BackupLogger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline creates a pipeline. Without options it only runs the backup.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		recorder:   NewMetadataRecorder(),
		compressor: NewCompressionManager(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger, _ = NewBackupLogger(BackupLoggerConfig{Logger: logging.NewNopLogger()})
	}
	return p
}

// Run executes op against server. A metadata failure is returned after the
// artifact has still been compressed and shipped.
func (p *Pipeline) Run(ctx context.Context, server engine.Server, op BackupOperation) (*PipelineResult, error) {
	if op == nil {
		return nil, NewPreconditionError("cannot run a nil backup", ErrNilOperation)
	}
	ctx = p.logger.Context(ctx)
	done := p.logger.LogBackupStart(ctx, op)

	result := &PipelineResult{ArtifactPath: op.ArtifactPath()}
	runErr := op.Execute(ctx, server)
	if runErr != nil && !IsMetadataError(runErr) {
		done(runErr)
		return result, runErr
	}

	if runErr == nil {
		sidecar := p.recorder.SidecarPath(op.ArtifactPath())
		if _, err := os.Stat(sidecar); err == nil {
			result.SidecarPath = sidecar
		}
	}

	shipped := op.ArtifactPath()
	if p.compression.Enabled && p.compression.Algorithm != CompressionTypeNone {
		compressed := op.ArtifactPath() + p.compression.Algorithm.Extension()
		stats, err := p.compressor.CompressFile(op.ArtifactPath(), compressed, p.compression.Algorithm, p.compression.Level)
		if err != nil {
			done(err)
			return result, err
		}
		result.CompressedPath = compressed
		result.Stats = stats
		shipped = compressed
	}

	if p.encryptor != nil {
		encrypted := shipped + EncryptedExtension
		stats, err := p.encryptor.EncryptFile(shipped, encrypted)
		if err != nil {
			done(err)
			return result, err
		}
		result.EncryptedPath = encrypted
		result.Encryption = stats
		shipped = encrypted
	}

	if p.store != nil {
		files := []string{shipped}
		if result.SidecarPath != "" {
			files = append(files, result.SidecarPath)
		}
		for _, file := range files {
			key := ArtifactKey(op.DatabaseName(), file)
			err := p.store.Upload(ctx, file, key)

			var size int64
			if info, statErr := os.Stat(file); statErr == nil {
				size = info.Size()
			}
			p.logger.LogShipment(ctx, op.DatabaseName(), p.store.Location(key), size, err)
			if err != nil {
				done(err)
				return result, err
			}
			result.Locations = append(result.Locations, p.store.Location(key))
		}
	}

	done(runErr)
	return result, runErr
}

// Stager turns restore arguments into local artifact paths. A ref is either a
// local path or store://<key> naming an artifact in the configured store.
// Encrypted and compressed artifacts are restored to plain files next to a
// copy of their sidecar. Staged files must be readable by the engine host.
type Stager struct {
	store      ArtifactStore
	recorder   *MetadataRecorder
	compressor *CompressionManager
	encryptor  *Encryptor
	dir        string
	logger     *logging.Logger
}

// NewStager creates a stager writing into dir (the system temp dir when empty)
func NewStager(store ArtifactStore, recorder *MetadataRecorder, dir string, logger *logging.Logger) *Stager {
	if recorder == nil {
		recorder = NewMetadataRecorder()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Stager{
		store:      store,
		recorder:   recorder,
		compressor: NewCompressionManager(),
		dir:        dir,
		logger:     logger,
	}
}

// SetEncryptor sets the key material used for .enc artifacts
func (s *Stager) SetEncryptor(encryptor *Encryptor) {
	s.encryptor = encryptor
}

// Stage returns a restorable local path for ref and a cleanup func removing
// anything staged. Plain local paths are returned unchanged.
func (s *Stager) Stage(ctx context.Context, ref string) (string, func(), error) {
	noop := func() {}
	if !IsStoreRef(ref) && !IsEncrypted(ref) && DetectCompression(ref) == CompressionTypeNone {
		return ref, noop, nil
	}

	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0755); err != nil {
			return "", noop, NewStorageError("failed to create staging directory", err).WithContext("path", s.dir)
		}
	}
	tmp, err := os.MkdirTemp(s.dir, "stage-*")
	if err != nil {
		return "", noop, NewStorageError("failed to create staging directory", err)
	}
	cleanup := func() { os.RemoveAll(tmp) }

	local := ref
	if IsStoreRef(ref) {
		local, err = s.fetch(ctx, StoreKey(ref), tmp)
		if err != nil {
			cleanup()
			return "", noop, err
		}
	} else if err := s.copySidecar(ctx, ref, tmp); err != nil {
		cleanup()
		return "", noop, err
	}

	if IsEncrypted(local) {
		if s.encryptor == nil {
			cleanup()
			return "", noop, NewConfigurationError(fmt.Sprintf("%s is encrypted but no encryption key is configured", ref), nil)
		}
		out := filepath.Join(tmp, filepath.Base(StripEncryptionExtension(local)))
		if err := s.encryptor.DecryptFile(local, out); err != nil {
			cleanup()
			return "", noop, err
		}
		if local != ref {
			os.Remove(local)
		}
		local = out
	}

	algorithm := DetectCompression(local)
	if algorithm != CompressionTypeNone {
		out := filepath.Join(tmp, filepath.Base(StripCompressionExtension(local)))
		if err := s.compressor.DecompressFile(local, out, algorithm); err != nil {
			cleanup()
			return "", noop, err
		}
		if local != ref && filepath.Dir(local) == tmp {
			os.Remove(local)
		}
		local = out
	}

	s.logger.WithFields(map[string]interface{}{
		"ref":    ref,
		"staged": local,
	}).Debug("Artifact staged")
	return local, cleanup, nil
}

// fetch downloads key and, when present, its sidecar into dir
func (s *Stager) fetch(ctx context.Context, key, dir string) (string, error) {
	if s.store == nil {
		return "", NewConfigurationError(fmt.Sprintf("cannot fetch %s: no artifact store is configured", key), nil)
	}

	local := filepath.Join(dir, path.Base(key))
	if err := s.store.Download(ctx, key, local); err != nil {
		return "", err
	}

	sidecarKey := s.recorder.SidecarPath(ArtifactBase(key))
	exists, err := s.store.Exists(ctx, sidecarKey)
	if err != nil {
		s.logger.WithField("key", sidecarKey).Warn("Could not check for artifact metadata")
		return local, nil
	}
	if exists {
		target := s.recorder.SidecarPath(filepath.Join(dir, filepath.Base(ArtifactBase(local))))
		if err := s.store.Download(ctx, sidecarKey, target); err != nil {
			return "", err
		}
	}
	return local, nil
}

// copySidecar copies the sidecar of a local compressed artifact into dir
func (s *Stager) copySidecar(ctx context.Context, artifact, dir string) error {
	original := ArtifactBase(artifact)
	sidecar := s.recorder.SidecarPath(original)
	if _, err := os.Stat(sidecar); err != nil {
		return nil
	}
	target := s.recorder.SidecarPath(filepath.Join(dir, filepath.Base(original)))
	if err := copyFile(ctx, sidecar, target); err != nil {
		return NewStorageError("failed to stage artifact metadata", err).WithContext("path", sidecar)
	}
	return nil
}
