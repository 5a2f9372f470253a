package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mssql-recovery/internal/engine"
)

const (
	backupExtension = ".bak"
	logExtension    = ".trn"
)

// IsRestorableFile reports whether path has a .bak or .trn extension
func IsRestorableFile(path string) bool {
	ext := filepath.Ext(path)
	return strings.EqualFold(ext, backupExtension) || strings.EqualFold(ext, logExtension)
}

// validateRestorePath checks the artifact before a restore is constructed
func (o *operation) validateRestorePath() error {
	if !IsRestorableFile(o.path) {
		return NewValidationError(fmt.Sprintf("invalid file type %q: only %s and %s files can be restored", filepath.Ext(o.path), backupExtension, logExtension), nil).
			WithContext("path", o.path)
	}
	if o.skipFileCheck {
		return nil
	}
	info, err := os.Stat(o.path)
	if err != nil {
		return NewValidationError("backup file does not exist", err).WithContext("path", o.path)
	}
	if info.IsDir() {
		return NewValidationError("backup path is a directory", nil).WithContext("path", o.path)
	}
	return nil
}

func newRestoreOperation(database, path string, artifact ArtifactType, opts []OperationOption) (*operation, error) {
	o, err := newOperation(database, path, artifact, DirectionRestore, opts)
	if err != nil {
		return nil, err
	}
	if err := o.validateRestorePath(); err != nil {
		return nil, err
	}
	o.logger.WithFields(map[string]interface{}{
		"database":       database,
		"path":           path,
		"type":           artifact.String(),
		"keep_restoring": o.keepRestoring,
	}).Debug("Initialized restore")
	return o, nil
}

// FullRestore restores a full backup, replacing the existing database
type FullRestore struct {
	*operation
}

// NewFullRestore creates a full restore of path into database. The database is
// left in the restoring state unless WithKeepRestoring(false) is given.
func NewFullRestore(database, path string, opts ...OperationOption) (*FullRestore, error) {
	o, err := newRestoreOperation(database, path, ArtifactFull, opts)
	if err != nil {
		return nil, err
	}
	return &FullRestore{operation: o}, nil
}

// Request returns the engine request for a full restore, replacing the database
func (r *FullRestore) Request() engine.Request {
	opts := engine.Options{
		ReplaceDatabase:     true,
		NoRecovery:          r.KeepRestoring(),
		ContinueAfterError:  true,
		PercentNotification: 1,
	}
	r.applyOptions(&opts)
	return engine.Request{Action: engine.ActionRestoreDatabase, Database: r.database, Options: opts}
}

// Execute restores the full backup over the existing database
func (r *FullRestore) Execute(ctx context.Context, server engine.Server) error {
	return r.run(ctx, server, r)
}

// DifferentialRestore applies a differential backup on top of a full restore
type DifferentialRestore struct {
	*operation
}

// NewDifferentialRestore creates a differential restore of path into database
func NewDifferentialRestore(database, path string, opts ...OperationOption) (*DifferentialRestore, error) {
	o, err := newRestoreOperation(database, path, ArtifactDifferential, opts)
	if err != nil {
		return nil, err
	}
	return &DifferentialRestore{operation: o}, nil
}

// Request returns the engine request for a differential restore
func (r *DifferentialRestore) Request() engine.Request {
	opts := engine.Options{
		ReplaceDatabase:     false,
		NoRecovery:          r.KeepRestoring(),
		ContinueAfterError:  true,
		PercentNotification: 1,
	}
	r.applyOptions(&opts)
	return engine.Request{Action: engine.ActionRestoreDatabase, Database: r.database, Options: opts}
}

// Execute applies the differential backup
func (r *DifferentialRestore) Execute(ctx context.Context, server engine.Server) error {
	return r.run(ctx, server, r)
}

// TransactionLogRestore applies a transaction log backup
type TransactionLogRestore struct {
	*operation
}

// NewTransactionLogRestore creates a log restore of path into database
func NewTransactionLogRestore(database, path string, opts ...OperationOption) (*TransactionLogRestore, error) {
	o, err := newRestoreOperation(database, path, ArtifactTransactionLog, opts)
	if err != nil {
		return nil, err
	}
	return &TransactionLogRestore{operation: o}, nil
}

// Request returns the engine request for a log restore
func (r *TransactionLogRestore) Request() engine.Request {
	opts := engine.Options{
		NoRecovery:          r.KeepRestoring(),
		ContinueAfterError:  true,
		PercentNotification: 1,
	}
	r.applyOptions(&opts)
	return engine.Request{Action: engine.ActionRestoreLog, Database: r.database, Options: opts}
}

// Execute applies the log backup
func (r *TransactionLogRestore) Execute(ctx context.Context, server engine.Server) error {
	return r.run(ctx, server, r)
}

// NewRestore creates the restore variant for kind
func NewRestore(kind ArtifactType, database, path string, opts ...OperationOption) (RestoreOperation, error) {
	var (
		op  RestoreOperation
		err error
	)
	switch kind {
	case ArtifactFull:
		var r *FullRestore
		if r, err = NewFullRestore(database, path, opts...); err == nil {
			op = r
		}
	case ArtifactDifferential:
		var r *DifferentialRestore
		if r, err = NewDifferentialRestore(database, path, opts...); err == nil {
			op = r
		}
	case ArtifactTransactionLog:
		var r *TransactionLogRestore
		if r, err = NewTransactionLogRestore(database, path, opts...); err == nil {
			op = r
		}
	default:
		err = NewClassificationError(fmt.Sprintf("cannot restore %s: backup type is unknown", path), ErrUnknownArtifactType)
	}
	return op, err
}
