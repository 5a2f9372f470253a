package sqlserver

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPort             = 1433
	DefaultConnectTimeout   = 30 * time.Second
	DefaultStatementTimeout = 600 * time.Second
	DefaultProgressInterval = time.Second
)

var serverNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Config holds connection settings for a SQL Server instance
type Config struct {
	Host             string
	Port             int
	Instance         string
	Username         string
	Password         string
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
	ProgressInterval time.Duration
	MaxRetries       int
}

// SetDefaults fills zero values with defaults
func (c *Config) SetDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.StatementTimeout == 0 {
		c.StatementTimeout = DefaultStatementTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Validate checks the connection settings
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if !serverNamePattern.MatchString(c.Host) {
		return fmt.Errorf("invalid server name %q: only letters, digits, '.', '_' and '-' are allowed", c.Host)
	}
	if c.Instance != "" && !serverNamePattern.MatchString(c.Instance) {
		return fmt.Errorf("invalid instance name %q", c.Instance)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.Port)
	}
	if c.StatementTimeout < 0 {
		return fmt.Errorf("statement timeout cannot be negative")
	}
	return nil
}

// DSN builds a go-mssqldb URL connection string against master
func (c *Config) DSN() string {
	query := url.Values{}
	query.Set("database", "master")
	query.Set("app name", "mssql-recovery")
	if c.ConnectTimeout > 0 {
		query.Set("connection timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}

	u := &url.URL{
		Scheme:   "sqlserver",
		Host:     c.Host,
		RawQuery: query.Encode(),
	}
	if c.Instance != "" {
		u.Path = c.Instance
	} else if c.Port > 0 {
		u.Host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u.String()
}

// Redacted returns the host description safe for logging
func (c *Config) Redacted() string {
	if c.Instance != "" {
		return c.Host + `\` + c.Instance
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
