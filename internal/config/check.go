package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"mssql-recovery/internal/backup"
)

// CheckResult is the outcome of a configuration health check
type CheckResult struct {
	Success          bool
	ConfigValid      bool
	StorageReady     bool
	PathsWritable    bool
	Warnings         []string
	Errors           []string
	RecommendedFixes []string
}

// Checker verifies that a configuration can be used before running jobs
type Checker struct {
	config   *Config
	newStore func(context.Context, backup.StorageConfig) (backup.ArtifactStore, error)
}

// NewChecker creates a checker for cfg
func NewChecker(cfg *Config) *Checker {
	return &Checker{config: cfg, newStore: backup.NewArtifactStore}
}

// Run validates the configuration, reaches the artifact store and checks that
// local output paths are writable. Problems are collected, not returned.
func (c *Checker) Run(ctx context.Context) *CheckResult {
	result := &CheckResult{
		Success:       true,
		ConfigValid:   true,
		StorageReady:  true,
		PathsWritable: true,
	}

	if err := c.config.Validate(); err != nil {
		result.Success = false
		result.ConfigValid = false
		if errs, ok := err.(backup.ValidationErrors); ok {
			for _, e := range errs {
				result.Errors = append(result.Errors, e.Error())
			}
		} else {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	if err := c.checkStorage(ctx); err != nil {
		result.Success = false
		result.StorageReady = false
		result.Errors = append(result.Errors, fmt.Sprintf("Storage check failed: %v", err))
	}

	if c.config.Encryption.Enabled && c.config.Encryption.KeyFile != "" {
		if _, err := backup.LoadKeyFile(c.config.Encryption.KeyFile); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("Encryption key check failed: %v", err))
		}
	}

	for _, p := range c.outputPaths() {
		if err := checkWritableDir(filepath.Dir(p)); err != nil {
			result.PathsWritable = false
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", p, err))
		}
	}

	c.recommend(result)
	return result
}

func (c *Checker) checkStorage(ctx context.Context) error {
	if !c.config.Storage.Enabled() {
		return nil
	}
	store, err := c.newStore(ctx, c.config.Storage)
	if err != nil {
		return err
	}
	if _, err := store.List(ctx, ""); err != nil {
		return fmt.Errorf("cannot list %s: %w", store.Location(""), err)
	}
	return nil
}

func (c *Checker) outputPaths() []string {
	var paths []string
	if c.config.History.Enabled && c.config.History.Path != "" {
		paths = append(paths, c.config.History.Path)
	}
	if c.config.Logging.File != "" {
		paths = append(paths, c.config.Logging.File)
	}
	if c.config.Logging.AuditFile != "" {
		paths = append(paths, c.config.Logging.AuditFile)
	}
	return paths
}

func (c *Checker) recommend(result *CheckResult) {
	if c.config.Server.Password != "" {
		result.RecommendedFixes = append(result.RecommendedFixes,
			fmt.Sprintf("Move the server password out of the config file: export %s_PASSWORD=...", EnvPrefix))
	}
	if c.config.Encryption.Passphrase != "" {
		result.RecommendedFixes = append(result.RecommendedFixes,
			fmt.Sprintf("Move the encryption passphrase out of the config file: export %s_ENCRYPTION_PASSPHRASE=...", EnvPrefix))
	}
	if c.config.Storage.Enabled() && c.config.Storage.Provider != backup.StorageProviderLocal && !c.config.Encryption.Enabled {
		result.RecommendedFixes = append(result.RecommendedFixes,
			"Enable encryption before shipping artifacts to cloud storage")
	}
	if c.config.Storage.Enabled() && !c.config.Compression.Enabled {
		result.RecommendedFixes = append(result.RecommendedFixes,
			"Enable compression to reduce offsite transfer size")
	}
	if c.config.FinalizePolicy() == backup.FinalizeAsConfigured {
		result.RecommendedFixes = append(result.RecommendedFixes,
			"finalize: as_configured leaves databases restoring unless the last restore is marked final")
	}
}

// checkWritableDir creates dir if needed and probes it with a temporary file
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".permission_test")
	if err != nil {
		return fmt.Errorf("insufficient write permissions: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}
