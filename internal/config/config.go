// Package config holds the application configuration and its loading rules.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"mssql-recovery/internal/backup"
	"mssql-recovery/internal/engine/sqlserver"
	"mssql-recovery/internal/logging"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MSSQL_RECOVERY"

// Config is the complete application configuration
type Config struct {
	Server        ServerConfig               `mapstructure:"server" yaml:"server"`
	Metadata      MetadataConfig             `mapstructure:"metadata" yaml:"metadata"`
	Recovery      RecoveryConfig             `mapstructure:"recovery" yaml:"recovery"`
	Compression   backup.CompressionSettings `mapstructure:"compression" yaml:"compression"`
	Encryption    backup.EncryptionSettings  `mapstructure:"encryption" yaml:"encryption"`
	Storage       backup.StorageConfig       `mapstructure:"storage" yaml:"storage"`
	Retention     backup.RetentionPolicy     `mapstructure:"retention" yaml:"retention"`
	History       HistoryConfig              `mapstructure:"history" yaml:"history"`
	Notifications backup.NotificationConfig  `mapstructure:"notifications" yaml:"notifications"`
	Logging       LoggingConfig              `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds the SQL Server connection settings
type ServerConfig struct {
	Host             string        `mapstructure:"host" yaml:"host"`
	Port             int           `mapstructure:"port" yaml:"port"`
	Instance         string        `mapstructure:"instance" yaml:"instance,omitempty"`
	Username         string        `mapstructure:"username" yaml:"username"`
	Password         string        `mapstructure:"password" yaml:"password"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout" yaml:"statement_timeout"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// MetadataConfig selects the sidecar format
type MetadataConfig struct {
	Suffix string `mapstructure:"suffix" yaml:"suffix"`
}

// RecoveryConfig holds recovery job defaults
type RecoveryConfig struct {
	Finalize    string `mapstructure:"finalize" yaml:"finalize"`
	VerifyFiles bool   `mapstructure:"verify_files" yaml:"verify_files"`
	StagingDir  string `mapstructure:"staging_dir" yaml:"staging_dir,omitempty"`
}

// HistoryConfig locates the run history database
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig configures application and audit logging
type LoggingConfig struct {
	Level     string `mapstructure:"level" yaml:"level"`
	Format    string `mapstructure:"format" yaml:"format"`
	File      string `mapstructure:"file" yaml:"file,omitempty"`
	AuditFile string `mapstructure:"audit_file" yaml:"audit_file,omitempty"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{
		Recovery: RecoveryConfig{VerifyFiles: true},
		History:  HistoryConfig{Enabled: true},
	}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values with defaults
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = sqlserver.DefaultPort
	}
	if c.Server.ConnectTimeout == 0 {
		c.Server.ConnectTimeout = sqlserver.DefaultConnectTimeout
	}
	if c.Server.StatementTimeout == 0 {
		c.Server.StatementTimeout = sqlserver.DefaultStatementTimeout
	}
	if c.Server.ProgressInterval == 0 {
		c.Server.ProgressInterval = sqlserver.DefaultProgressInterval
	}
	if c.Server.MaxRetries == 0 {
		c.Server.MaxRetries = 3
	}

	if c.Metadata.Suffix == "" {
		c.Metadata.Suffix = backup.DefaultMetadataSuffix
	}

	if c.Recovery.Finalize == "" {
		c.Recovery.Finalize = backup.FinalizeLastStep.String()
	}

	if c.Compression.Enabled && c.Compression.Algorithm == "" {
		c.Compression.Algorithm = backup.CompressionTypeGzip
	}

	c.Storage.SetDefaults()

	if c.Retention.KeepChains == 0 {
		c.Retention.KeepChains = backup.DefaultKeepChains
	}

	if c.History.Path == "" {
		c.History.Path = "mssql-recovery.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = string(logging.LogLevelNormal)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// LoadFromEnvironment applies MSSQL_RECOVERY_* overrides
func (c *Config) LoadFromEnvironment() {
	if val := os.Getenv(EnvPrefix + "_HOST"); val != "" {
		c.Server.Host = val
	}
	if val := os.Getenv(EnvPrefix + "_PORT"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			c.Server.Port = parsed
		}
	}
	if val := os.Getenv(EnvPrefix + "_INSTANCE"); val != "" {
		c.Server.Instance = val
	}
	if val := os.Getenv(EnvPrefix + "_USERNAME"); val != "" {
		c.Server.Username = val
	}
	if val := os.Getenv(EnvPrefix + "_PASSWORD"); val != "" {
		c.Server.Password = val
	}
	if val := os.Getenv(EnvPrefix + "_STATEMENT_TIMEOUT"); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			c.Server.StatementTimeout = parsed
		}
	}

	if val := os.Getenv(EnvPrefix + "_METADATA_SUFFIX"); val != "" {
		c.Metadata.Suffix = val
	}
	if val := os.Getenv(EnvPrefix + "_FINALIZE"); val != "" {
		c.Recovery.Finalize = strings.ToLower(val)
	}

	if val := os.Getenv(EnvPrefix + "_COMPRESSION_ENABLED"); val != "" {
		c.Compression.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv(EnvPrefix + "_COMPRESSION_ALGORITHM"); val != "" {
		c.Compression.Algorithm = backup.CompressionType(strings.ToLower(val))
	}
	if val := os.Getenv(EnvPrefix + "_COMPRESSION_LEVEL"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			c.Compression.Level = parsed
		}
	}

	if val := os.Getenv(EnvPrefix + "_ENCRYPTION_ENABLED"); val != "" {
		c.Encryption.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv(EnvPrefix + "_ENCRYPTION_KEY_FILE"); val != "" {
		c.Encryption.KeyFile = val
	}
	if val := os.Getenv(EnvPrefix + "_ENCRYPTION_PASSPHRASE"); val != "" {
		c.Encryption.Passphrase = val
	}

	c.Storage.LoadFromEnvironment()

	if val := os.Getenv(EnvPrefix + "_HISTORY_ENABLED"); val != "" {
		c.History.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv(EnvPrefix + "_HISTORY_PATH"); val != "" {
		c.History.Path = val
	}

	if val := os.Getenv(EnvPrefix + "_LOG_LEVEL"); val != "" {
		c.Logging.Level = strings.ToLower(val)
	}
	if val := os.Getenv(EnvPrefix + "_AUDIT_FILE"); val != "" {
		c.Logging.AuditFile = val
	}
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	var errs backup.ValidationErrors

	server := c.SQLServer()
	if err := server.Validate(); err != nil {
		errs.Add("server", err.Error(), c.Server.Host)
	}
	if c.Server.MaxRetries < 0 {
		errs.Add("server.max_retries", "max retries cannot be negative", c.Server.MaxRetries)
	}

	if !strings.HasPrefix(c.Metadata.Suffix, ".") || len(c.Metadata.Suffix) < 2 {
		errs.Add("metadata.suffix", "suffix must start with '.'", c.Metadata.Suffix)
	}

	if _, ok := backup.ParseFinalizePolicy(c.Recovery.Finalize); !ok {
		errs.Add("recovery.finalize", "finalize must be as_configured or last_step", c.Recovery.Finalize)
	}

	if c.Compression.Enabled {
		if _, err := backup.ParseCompressionType(string(c.Compression.Algorithm)); err != nil || c.Compression.Algorithm == backup.CompressionTypeNone {
			errs.Add("compression.algorithm", "algorithm must be gzip, lz4 or zstd", c.Compression.Algorithm)
		}
		if c.Compression.Level < 0 {
			errs.Add("compression.level", "level cannot be negative", c.Compression.Level)
		}
	}

	if err := c.Encryption.Validate(); err != nil {
		if encErrs, ok := err.(backup.ValidationErrors); ok {
			errs = append(errs, encErrs...)
		}
	}

	if err := c.Storage.Validate(); err != nil {
		if storageErrs, ok := err.(backup.ValidationErrors); ok {
			errs = append(errs, storageErrs...)
		} else {
			errs.Add("storage", err.Error(), nil)
		}
	}

	if err := c.Retention.Validate(); err != nil {
		if retentionErrs, ok := err.(backup.ValidationErrors); ok {
			errs = append(errs, retentionErrs...)
		}
	}

	if err := c.Notifications.Validate(); err != nil {
		if notifyErrs, ok := err.(backup.ValidationErrors); ok {
			errs = append(errs, notifyErrs...)
		}
	}

	if c.History.Enabled && c.History.Path == "" {
		errs.Add("history.path", "path is required when history is enabled", nil)
	}

	switch logging.LogLevel(c.Logging.Level) {
	case logging.LogLevelQuiet, logging.LogLevelNormal, logging.LogLevelVerbose, logging.LogLevelDebug:
	default:
		errs.Add("logging.level", "level must be quiet, normal, verbose or debug", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs.Add("logging.format", "format must be text or json", c.Logging.Format)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// SQLServer returns the engine connection settings
func (c *Config) SQLServer() sqlserver.Config {
	return sqlserver.Config{
		Host:             c.Server.Host,
		Port:             c.Server.Port,
		Instance:         c.Server.Instance,
		Username:         c.Server.Username,
		Password:         c.Server.Password,
		ConnectTimeout:   c.Server.ConnectTimeout,
		StatementTimeout: c.Server.StatementTimeout,
		ProgressInterval: c.Server.ProgressInterval,
		MaxRetries:       c.Server.MaxRetries,
	}
}

// FinalizePolicy returns the parsed recovery finalize policy
func (c *Config) FinalizePolicy() backup.FinalizePolicy {
	policy, _ := backup.ParseFinalizePolicy(c.Recovery.Finalize)
	return policy
}

// LoggerConfig returns the application logger settings
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:   logging.ParseLevel(c.Logging.Level),
		Format:  c.Logging.Format,
		LogFile: c.Logging.File,
	}
}

// String summarizes the configuration without secrets
func (c *Config) String() string {
	return fmt.Sprintf("server=%s storage=%s compression=%t encryption=%t finalize=%s history=%t",
		c.Server.Host, c.Storage.Provider, c.Compression.Enabled, c.Encryption.Enabled, c.Recovery.Finalize, c.History.Enabled)
}

const redacted = "********"

// Redacted returns a copy of c with credentials masked
func (c *Config) Redacted() *Config {
	out := *c
	if out.Server.Password != "" {
		out.Server.Password = redacted
	}
	if out.Encryption.Passphrase != "" {
		out.Encryption.Passphrase = redacted
	}
	if c.Notifications.Slack != nil {
		slack := *c.Notifications.Slack
		if slack.WebhookURL != "" {
			slack.WebhookURL = redacted
		}
		out.Notifications.Slack = &slack
	}
	if c.Notifications.Webhook != nil && len(c.Notifications.Webhook.Headers) > 0 {
		webhook := *c.Notifications.Webhook
		webhook.Headers = make(map[string]string, len(c.Notifications.Webhook.Headers))
		for k := range c.Notifications.Webhook.Headers {
			webhook.Headers[k] = redacted
		}
		out.Notifications.Webhook = &webhook
	}
	if c.Storage.S3 != nil {
		s3 := *c.Storage.S3
		if s3.SecretKey != "" {
			s3.SecretKey = redacted
		}
		out.Storage.S3 = &s3
	}
	if c.Storage.Azure != nil {
		azure := *c.Storage.Azure
		if azure.AccountKey != "" {
			azure.AccountKey = redacted
		}
		out.Storage.Azure = &azure
	}
	return &out
}
