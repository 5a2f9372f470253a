package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"mssql-recovery/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAudit(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestNewBackupLogger_GeneratesCorrelationID(t *testing.T) {
	bl, err := NewBackupLogger(BackupLoggerConfig{})
	require.NoError(t, err)
	defer bl.Close()

	assert.Len(t, bl.GetCorrelationID(), 36)

	other := bl.WithCorrelationID("run-42")
	assert.Equal(t, "run-42", other.GetCorrelationID())
	assert.Equal(t, "run-42", logging.CorrelationIDFromContext(other.Context(context.Background())))
}

func TestBackupLogger_AuditTrail(t *testing.T) {
	audit := filepath.Join(t.TempDir(), "audit", "audit.log")
	bl, err := NewBackupLogger(BackupLoggerConfig{
		Logger:        logging.NewNopLogger(),
		AuditLogFile:  audit,
		CorrelationID: "nightly",
	})
	require.NoError(t, err)

	op, err := NewFullBackup("Sales", filepath.Join(t.TempDir(), "Sales_full.bak"))
	require.NoError(t, err)

	done := bl.LogBackupStart(context.Background(), op)
	done(errors.New("disk full"))
	bl.LogShipment(context.Background(), "Sales", "s3://bucket/Sales/Sales_full.bak", 1024, nil)
	require.NoError(t, bl.Close())

	entries := readAudit(t, audit)
	require.Len(t, entries, 3)
	for _, entry := range entries {
		assert.Equal(t, "nightly", entry["correlation_id"])
	}
	assert.Equal(t, "database_backup", entries[0]["operation"])
	assert.Equal(t, "started", entries[0]["result"])
	assert.Equal(t, "failure", entries[1]["result"])
	assert.Equal(t, "artifact_ship", entries[2]["operation"])
	assert.Equal(t, "success", entries[2]["result"])
}

func TestBackupLogger_RecoveryJob(t *testing.T) {
	dir := t.TempDir()
	audit := filepath.Join(dir, "audit.log")
	bl, err := NewBackupLogger(BackupLoggerConfig{AuditLogFile: audit})
	require.NoError(t, err)

	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)
	require.NoError(t, job.AddTransactionLogRestore(writeArtifact(t, dir, "Sales_log.trn")))
	require.NoError(t, job.AddFullRestore(writeArtifact(t, dir, "Sales_full.bak")))

	ctx := logging.ContextWithCorrelationID(context.Background(), "from-context")
	bl.LogRecoveryStart(ctx, job)(nil)
	require.NoError(t, bl.Close())

	entries := readAudit(t, audit)
	require.Len(t, entries, 2)
	assert.Equal(t, "from-context", entries[0]["correlation_id"])

	details, ok := entries[0]["details"].(map[string]interface{})
	require.True(t, ok)
	files, ok := details["files"].([]interface{})
	require.True(t, ok)
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(dir, "Sales_full.bak"), files[0])
	assert.Equal(t, "success", entries[1]["result"])
}
