package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"mssql-recovery/internal/logging"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BackupLogger provides structured logging for backup runs and recovery jobs
// with correlation IDs and an optional audit trail
type BackupLogger struct {
	logger        *logging.Logger
	auditLogger   *logrus.Logger
	auditCloser   io.Closer
	correlationID string
}

// BackupLoggerConfig holds configuration for backup logging
type BackupLoggerConfig struct {
	Logger        *logging.Logger
	AuditLogFile  string
	CorrelationID string
}

// LogEntry represents a structured log entry for a backup or recovery run
type LogEntry struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	Operation     string                 `json:"operation"`
	DatabaseName  string                 `json:"database_name,omitempty"`
	Status        string                 `json:"status"`
	Duration      string                 `json:"duration,omitempty"`
	Success       bool                   `json:"success"`
	Error         string                 `json:"error,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// AuditLogEntry represents an audit trail entry
type AuditLogEntry struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	User          string                 `json:"user,omitempty"`
	Operation     string                 `json:"operation"`
	Resource      string                 `json:"resource"`
	Action        string                 `json:"action"`
	Result        string                 `json:"result"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// NewBackupLogger creates a backup logger. The audit log is written as JSON
// lines when AuditLogFile is set.
func NewBackupLogger(config BackupLoggerConfig) (*BackupLogger, error) {
	correlationID := config.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	bl := &BackupLogger{
		logger:        logger,
		correlationID: correlationID,
	}

	if config.AuditLogFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.AuditLogFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
		auditFile, err := os.OpenFile(config.AuditLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}

		auditLogger := logrus.New()
		auditLogger.SetOutput(auditFile)
		auditLogger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
		auditLogger.SetLevel(logrus.InfoLevel)

		bl.auditLogger = auditLogger
		bl.auditCloser = auditFile
	}

	return bl, nil
}

// Close closes the audit log file
func (bl *BackupLogger) Close() error {
	if bl.auditCloser != nil {
		return bl.auditCloser.Close()
	}
	return nil
}

// GetCorrelationID returns the current correlation ID
func (bl *BackupLogger) GetCorrelationID() string {
	return bl.correlationID
}

// WithCorrelationID returns a logger sharing the audit trail under another correlation ID
func (bl *BackupLogger) WithCorrelationID(correlationID string) *BackupLogger {
	return &BackupLogger{
		logger:        bl.logger,
		auditLogger:   bl.auditLogger,
		correlationID: correlationID,
	}
}

// Context attaches the correlation ID to ctx
func (bl *BackupLogger) Context(ctx context.Context) context.Context {
	return logging.ContextWithCorrelationID(ctx, bl.correlationID)
}

// LogBackupStart logs the start of a backup and returns a function recording its outcome
func (bl *BackupLogger) LogBackupStart(ctx context.Context, op Operation) func(error) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: bl.correlationID,
		Operation:     "backup_" + op.ArtifactType().String(),
		DatabaseName:  op.DatabaseName(),
		Status:        "started",
		Success:       true,
		Metadata: map[string]interface{}{
			"operation_id": op.ID(),
			"path":         op.ArtifactPath(),
		},
	}
	bl.logStructured(entry)
	bl.logAudit(ctx, "database", "backup", "started", map[string]interface{}{
		"database": op.DatabaseName(),
		"type":     op.ArtifactType().String(),
		"path":     op.ArtifactPath(),
	})

	return func(err error) {
		bl.finish(ctx, entry, startTime, "backup", err)
	}
}

// LogRecoveryStart logs the start of a recovery job and returns a function recording its outcome
func (bl *BackupLogger) LogRecoveryStart(ctx context.Context, job *RecoveryJob) func(error) {
	startTime := time.Now()

	steps := job.Plan()
	files := make([]string, len(steps))
	for i, step := range steps {
		files[i] = step.Operation.ArtifactPath()
	}

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: bl.correlationID,
		Operation:     "recovery_job",
		DatabaseName:  job.DatabaseName(),
		Status:        "started",
		Success:       true,
		Metadata: map[string]interface{}{
			"steps":  len(steps),
			"policy": job.Policy().String(),
		},
	}
	bl.logStructured(entry)
	bl.logAudit(ctx, "database", "restore", "started", map[string]interface{}{
		"database": job.DatabaseName(),
		"files":    files,
	})

	return func(err error) {
		bl.finish(ctx, entry, startTime, "restore", err)
	}
}

// LogShipment records an artifact upload to the offsite store
func (bl *BackupLogger) LogShipment(ctx context.Context, database, location string, size int64, err error) {
	entry := LogEntry{
		Timestamp:     time.Now(),
		CorrelationID: bl.correlationID,
		Operation:     "artifact_ship",
		DatabaseName:  database,
		Status:        "completed",
		Success:       err == nil,
		Metadata: map[string]interface{}{
			"location": location,
			"size":     size,
		},
	}
	if err != nil {
		entry.Status = "failed"
		entry.Error = err.Error()
	}
	bl.logStructured(entry)

	bl.logAudit(ctx, "artifact", "ship", resultOf(err), map[string]interface{}{
		"database": database,
		"location": location,
	})
}

func (bl *BackupLogger) finish(ctx context.Context, entry LogEntry, startTime time.Time, action string, err error) {
	duration := time.Since(startTime)
	entry.Timestamp = time.Now()
	entry.Status = "completed"
	entry.Duration = duration.String()
	entry.Success = err == nil
	if err != nil {
		entry.Error = err.Error()
		entry.Status = "failed"
	}
	bl.logStructured(entry)

	bl.logAudit(ctx, "database", action, resultOf(err), map[string]interface{}{
		"database": entry.DatabaseName,
		"duration": duration.String(),
		"error":    entry.Error,
	})
}

func resultOf(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// logStructured logs a structured log entry
func (bl *BackupLogger) logStructured(entry LogEntry) {
	fields := map[string]interface{}{
		"correlation_id": entry.CorrelationID,
		"operation":      entry.Operation,
		"status":         entry.Status,
		"success":        entry.Success,
	}
	if entry.DatabaseName != "" {
		fields["database_name"] = entry.DatabaseName
	}
	if entry.Duration != "" {
		fields["duration"] = entry.Duration
	}
	if entry.Error != "" {
		fields["error"] = entry.Error
	}
	for k, v := range entry.Metadata {
		fields[k] = v
	}

	logEntry := bl.logger.WithFields(fields)
	switch {
	case !entry.Success:
		logEntry.Error("Operation failed")
	case entry.Status == "started":
		logEntry.Debug("Operation started")
	default:
		logEntry.Info("Operation completed successfully")
	}
}

// logAudit writes an audit trail entry
func (bl *BackupLogger) logAudit(ctx context.Context, resource, action, result string, details map[string]interface{}) {
	if bl.auditLogger == nil {
		return
	}

	entry := AuditLogEntry{
		Timestamp:     time.Now(),
		CorrelationID: bl.correlationID,
		User:          currentUser(),
		Operation:     fmt.Sprintf("%s_%s", resource, action),
		Resource:      resource,
		Action:        action,
		Result:        result,
		Details:       details,
	}
	if id := logging.CorrelationIDFromContext(ctx); id != "" {
		entry.CorrelationID = id
	}

	bl.auditLogger.WithFields(logrus.Fields{
		"correlation_id": entry.CorrelationID,
		"user":           entry.User,
		"operation":      entry.Operation,
		"resource":       entry.Resource,
		"action":         entry.Action,
		"result":         entry.Result,
		"details":        entry.Details,
	}).Info("Audit log entry")
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return os.Getenv("USERNAME")
}
