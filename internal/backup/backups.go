package backup

import (
	"context"
	"fmt"

	"mssql-recovery/internal/engine"
)

// BackupOperation is an Operation that writes a backup artifact
type BackupOperation interface {
	Operation
	backupOperation()
}

// FullBackup writes a complete copy of a database, overwriting the target file
type FullBackup struct {
	*operation
}

// NewFullBackup creates a full backup of database into path
func NewFullBackup(database, path string, opts ...OperationOption) (*FullBackup, error) {
	o, err := newOperation(database, path, ArtifactFull, DirectionBackup, opts)
	if err != nil {
		return nil, err
	}
	o.logger.WithFields(map[string]interface{}{"database": database, "path": path}).Debug("Initialized full backup")
	return &FullBackup{operation: o}, nil
}

func (b *FullBackup) backupOperation() {}

// Request returns the engine request for a full database backup
func (b *FullBackup) Request() engine.Request {
	opts := engine.Options{
		Initialize:          true,
		Incremental:         false,
		Checksum:            true,
		TruncateLog:         true,
		ContinueAfterError:  true,
		PercentNotification: 1,
		SetName:             fmt.Sprintf("%s Full Backup", b.database),
		Description:         fmt.Sprintf("%s Full Backup", b.database),
	}
	b.applyOptions(&opts)
	return engine.Request{Action: engine.ActionBackupDatabase, Database: b.database, Options: opts}
}

// Execute runs the backup and records sidecar metadata on success
func (b *FullBackup) Execute(ctx context.Context, server engine.Server) error {
	return b.run(ctx, server, b)
}

// DifferentialBackup captures changes since the last full backup
type DifferentialBackup struct {
	*operation
}

// NewDifferentialBackup creates a differential backup of database into path
func NewDifferentialBackup(database, path string, opts ...OperationOption) (*DifferentialBackup, error) {
	o, err := newOperation(database, path, ArtifactDifferential, DirectionBackup, opts)
	if err != nil {
		return nil, err
	}
	o.logger.WithFields(map[string]interface{}{"database": database, "path": path}).Debug("Initialized differential backup")
	return &DifferentialBackup{operation: o}, nil
}

func (b *DifferentialBackup) backupOperation() {}

// Request returns the engine request for a differential backup
func (b *DifferentialBackup) Request() engine.Request {
	opts := engine.Options{
		Incremental:         true,
		Checksum:            true,
		TruncateLog:         true,
		ContinueAfterError:  true,
		PercentNotification: 1,
		SetName:             fmt.Sprintf("%s Differential Backup", b.database),
		Description:         fmt.Sprintf("%s Differential Backup", b.database),
	}
	b.applyOptions(&opts)
	return engine.Request{Action: engine.ActionBackupDatabase, Database: b.database, Options: opts}
}

// Execute runs the backup and records sidecar metadata on success
func (b *DifferentialBackup) Execute(ctx context.Context, server engine.Server) error {
	return b.run(ctx, server, b)
}

// TransactionLogBackup backs up the transaction log, appending to the target file
type TransactionLogBackup struct {
	*operation
}

// NewTransactionLogBackup creates a log backup of database into path
func NewTransactionLogBackup(database, path string, opts ...OperationOption) (*TransactionLogBackup, error) {
	o, err := newOperation(database, path, ArtifactTransactionLog, DirectionBackup, opts)
	if err != nil {
		return nil, err
	}
	o.logger.WithFields(map[string]interface{}{"database": database, "path": path}).Debug("Initialized transaction log backup")
	return &TransactionLogBackup{operation: o}, nil
}

func (b *TransactionLogBackup) backupOperation() {}

// Request returns the engine request for a log backup
func (b *TransactionLogBackup) Request() engine.Request {
	opts := engine.Options{
		Initialize:          false,
		Checksum:            true,
		TruncateLog:         true,
		ContinueAfterError:  true,
		PercentNotification: 1,
		SetName:             fmt.Sprintf("%s Transaction Log Backup", b.database),
		Description:         fmt.Sprintf("%s Transaction Log Backup", b.database),
	}
	b.applyOptions(&opts)
	return engine.Request{Action: engine.ActionBackupLog, Database: b.database, Options: opts}
}

// Execute runs the backup and records sidecar metadata on success
func (b *TransactionLogBackup) Execute(ctx context.Context, server engine.Server) error {
	return b.run(ctx, server, b)
}

// NewBackup creates the backup variant for kind
func NewBackup(kind ArtifactType, database, path string, opts ...OperationOption) (BackupOperation, error) {
	var (
		op  BackupOperation
		err error
	)
	switch kind {
	case ArtifactFull:
		var b *FullBackup
		if b, err = NewFullBackup(database, path, opts...); err == nil {
			op = b
		}
	case ArtifactDifferential:
		var b *DifferentialBackup
		if b, err = NewDifferentialBackup(database, path, opts...); err == nil {
			op = b
		}
	case ArtifactTransactionLog:
		var b *TransactionLogBackup
		if b, err = NewTransactionLogBackup(database, path, opts...); err == nil {
			op = b
		}
	default:
		err = NewValidationError(fmt.Sprintf("unsupported backup type %s", kind), ErrUnknownArtifactType)
	}
	return op, err
}
