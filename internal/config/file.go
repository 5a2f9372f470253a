package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked up in the working directory when no file is given
const DefaultFileName = "mssql-recovery.yaml"

// Load builds the configuration from defaults, then the YAML file at path
// (optional when empty), then environment variables. Nested keys map to
// MSSQL_RECOVERY_<SECTION>_<KEY>, for example MSSQL_RECOVERY_SERVER_HOST.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// NewViper returns a viper instance seeded with defaults and merged with the
// file at path. Callers may bind command flags to it before FromViper.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to encode default configuration: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load default configuration: %w", err)
	}

	if path == "" {
		if _, err := os.Stat(DefaultFileName); err == nil {
			path = DefaultFileName
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

// FromViper decodes v and applies the short environment aliases and defaults
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.LoadFromEnvironment()
	cfg.SetDefaults()
	return &cfg, nil
}

// Save writes cfg as YAML. The file may hold credentials and is created 0600.
func Save(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateDefault writes the default configuration to path, refusing to
// replace an existing file unless force is set
func GenerateDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists", path)
	}
	return Save(path, Default())
}

// serverYAML writes durations in their string form
type serverYAML struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	Instance         string `yaml:"instance,omitempty"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	ConnectTimeout   string `yaml:"connect_timeout"`
	StatementTimeout string `yaml:"statement_timeout"`
	ProgressInterval string `yaml:"progress_interval"`
	MaxRetries       int    `yaml:"max_retries"`
}

// MarshalYAML implements yaml.Marshaler
func (s ServerConfig) MarshalYAML() (interface{}, error) {
	return serverYAML{
		Host:             s.Host,
		Port:             s.Port,
		Instance:         s.Instance,
		Username:         s.Username,
		Password:         s.Password,
		ConnectTimeout:   s.ConnectTimeout.String(),
		StatementTimeout: s.StatementTimeout.String(),
		ProgressInterval: s.ProgressInterval.String(),
		MaxRetries:       s.MaxRetries,
	}, nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (s *ServerConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw serverYAML
	if err := node.Decode(&raw); err != nil {
		return err
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &s.ConnectTimeout},
		{"statement_timeout", raw.StatementTimeout, &s.StatementTimeout},
		{"progress_interval", raw.ProgressInterval, &s.ProgressInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("server.%s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	s.Host = raw.Host
	s.Port = raw.Port
	s.Instance = raw.Instance
	s.Username = raw.Username
	s.Password = raw.Password
	s.MaxRetries = raw.MaxRetries
	return nil
}
