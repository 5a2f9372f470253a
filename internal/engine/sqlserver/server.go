// Package sqlserver implements the engine capability over database/sql using
// T-SQL BACKUP and RESTORE statements.
package sqlserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mssql-recovery/internal/engine"
	apperrors "mssql-recovery/internal/errors"
	"mssql-recovery/internal/logging"

	_ "github.com/microsoft/go-mssqldb"
)

// Header codes returned by ReadHeaderType.
const (
	HeaderTypeUnknown      = 0
	HeaderTypeFull         = 1
	HeaderTypeDifferential = 2
	HeaderTypeLog          = 3
)

// Options tune statement execution
type Options struct {
	StatementTimeout time.Duration
	ProgressInterval time.Duration
}

// Server is a connected SQL Server instance
type Server struct {
	db      *sql.DB
	options Options
	logger  *logging.Logger
}

var _ engine.Server = (*Server)(nil)

// Connect opens a connection pool and verifies it, retrying transient failures
func Connect(ctx context.Context, cfg Config, logger *logging.Logger) (*Server, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeValidation, "invalid server configuration", err)
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	db, err := sql.Open("sqlserver", cfg.DSN())
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConnection, "failed to open connection", err)
	}

	start := time.Now()
	retry := apperrors.NewRetryHandler(apperrors.RetryConfig{
		MaxAttempts: cfg.MaxRetries,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
	})
	err = retry.Retry(ctx, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	logger.LogEngineConnection(cfg.Redacted(), err == nil, time.Since(start), err)
	if err != nil {
		db.Close()
		return nil, err
	}

	return New(db, Options{
		StatementTimeout: cfg.StatementTimeout,
		ProgressInterval: cfg.ProgressInterval,
	}, logger), nil
}

// New wraps an existing connection pool
func New(db *sql.DB, options Options, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Server{db: db, options: options, logger: logger}
}

// Close closes the underlying pool
func (s *Server) Close() error {
	return s.db.Close()
}

// HasDatabase reports whether a database with the given name exists
func (s *Server) HasDatabase(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, queryDatabaseCount, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to look up database %s: %w", name, err)
	}
	return count > 0, nil
}

// GetDatabase returns a handle to an existing database
func (s *Server) GetDatabase(ctx context.Context, name string) (engine.Database, error) {
	d := &database{server: s}
	err := s.db.QueryRowContext(ctx, queryDatabase, name).Scan(&d.name, &d.state, &d.access)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrDatabaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read database %s: %w", name, err)
	}
	return d, nil
}

// CreateDatabase creates an empty database and returns its handle
func (s *Server) CreateDatabase(ctx context.Context, name string) (engine.Database, error) {
	stmt := "CREATE DATABASE " + quoteIdentifier(name)
	if err := s.exec(ctx, stmt); err != nil {
		return nil, fmt.Errorf("failed to create database %s: %w", name, err)
	}
	return s.GetDatabase(ctx, name)
}

// ReadHeaderType reads the first backup set header of the artifact and maps
// its BackupType column onto the header codes.
func (s *Server) ReadHeaderType(ctx context.Context, path string) (int, error) {
	rows, err := s.db.QueryContext(ctx, queryHeaderOnly, path)
	if err != nil {
		return HeaderTypeUnknown, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return HeaderTypeUnknown, err
	}
	index := -1
	for i, c := range columns {
		if strings.EqualFold(c, "BackupType") {
			index = i
			break
		}
	}
	if index < 0 {
		return HeaderTypeUnknown, engine.ErrHeaderNotFound
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return HeaderTypeUnknown, err
		}
		return HeaderTypeUnknown, engine.ErrHeaderNotFound
	}

	values := make([]interface{}, len(columns))
	targets := make([]interface{}, len(columns))
	for i := range values {
		targets[i] = &values[i]
	}
	if err := rows.Scan(targets...); err != nil {
		return HeaderTypeUnknown, err
	}

	native, ok := toInt(values[index])
	if !ok {
		return HeaderTypeUnknown, engine.ErrHeaderNotFound
	}
	return headerCode(native), nil
}

// headerCode maps the HEADERONLY BackupType column (1 database, 2 log,
// 5 differential database) onto the header codes.
func headerCode(native int) int {
	switch native {
	case 1:
		return HeaderTypeFull
	case 5:
		return HeaderTypeDifferential
	case 2:
		return HeaderTypeLog
	default:
		return HeaderTypeUnknown
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case int16:
		return int(n), true
	case int:
		return n, true
	case uint8:
		return int(n), true
	case []byte:
		i, err := strconv.Atoi(string(n))
		return i, err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

// Start submits a backup or restore statement. The statement runs detached from
// ctx cancellation, bounded only by the statement timeout.
func (s *Server) Start(ctx context.Context, req engine.Request) (engine.Call, error) {
	stmt, args, err := BuildStatement(req)
	if err != nil {
		return nil, err
	}

	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc = func() {}
	if s.options.StatementTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, s.options.StatementTimeout)
	}

	c := newCall()
	c.emit(engine.Event{
		Kind:    engine.EventInformation,
		Message: fmt.Sprintf("%s %s started", req.Action, req.Database),
		Time:    time.Now(),
	})

	go s.run(runCtx, cancel, c, req, stmt, args)
	return c, nil
}

func (s *Server) run(ctx context.Context, cancel context.CancelFunc, c *call, req engine.Request, stmt string, args []interface{}) {
	defer cancel()

	stopPolling := make(chan struct{})
	polled := make(chan struct{})
	if s.options.ProgressInterval > 0 {
		go func() {
			defer close(polled)
			s.pollProgress(ctx, c, req, stopPolling)
		}()
	} else {
		close(polled)
	}

	start := time.Now()
	_, err := s.db.ExecContext(ctx, stmt, args...)
	s.logger.LogStatement(stmt, time.Since(start), err)

	close(stopPolling)
	<-polled

	if err == nil {
		c.emit(engine.Event{Kind: engine.EventProgress, Percent: 100, Time: time.Now()})
		c.emit(engine.Event{
			Kind:    engine.EventComplete,
			Message: fmt.Sprintf("%s %s finished", req.Action, req.Database),
			Time:    time.Now(),
		})
	}
	c.finish(err)
}

func (s *Server) pollProgress(ctx context.Context, c *call, req engine.Request, stop <-chan struct{}) {
	ticker := time.NewTicker(s.options.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			var percent sql.NullFloat64
			err := s.db.QueryRowContext(ctx, queryProgress, req.Action.String(), req.Database).Scan(&percent)
			if err != nil || !percent.Valid {
				continue
			}
			c.emit(engine.Event{Kind: engine.EventProgress, Percent: int(percent.Float64), Time: time.Now()})
		}
	}
}

func (s *Server) exec(ctx context.Context, stmt string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, stmt)
	s.logger.LogStatement(stmt, time.Since(start), err)
	return err
}

type database struct {
	server *Server
	name   string
	state  string
	access string
}

func (d *database) Name() string {
	return d.name
}

func (d *database) State() engine.DatabaseState {
	return engine.DatabaseState(d.state)
}

func (d *database) UserAccess() engine.AccessMode {
	return engine.AccessMode(d.access)
}

func (d *database) SetAccessMode(ctx context.Context, mode engine.AccessMode) error {
	switch mode {
	case engine.AccessModeSingle, engine.AccessModeMultiple, engine.AccessModeRestricted:
	default:
		return fmt.Errorf("unsupported access mode %q", mode)
	}

	stmt := fmt.Sprintf("ALTER DATABASE %s SET %s WITH ROLLBACK IMMEDIATE", quoteIdentifier(d.name), mode)
	err := d.server.exec(ctx, stmt)
	d.server.logger.LogAccessModeChange(d.name, string(mode), err)
	if err != nil {
		return fmt.Errorf("failed to set %s to %s: %w", d.name, mode, err)
	}
	d.access = string(mode)
	return nil
}
