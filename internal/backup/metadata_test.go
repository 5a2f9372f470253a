package backup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mssql-recovery/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataRecorder_SidecarPath(t *testing.T) {
	r := NewMetadataRecorder()
	assert.Equal(t, ".meta.json", r.Suffix())
	assert.Equal(t, "/backups/Sales_full.meta.json", r.SidecarPath("/backups/Sales_full.bak"))
	assert.Equal(t, "/backups/Sales.v2_log.meta.json", r.SidecarPath("/backups/Sales.v2_log.trn"))

	y := NewMetadataRecorder(WithMetadataSuffix("meta.yaml"))
	assert.Equal(t, "/backups/Sales_full.meta.yaml", y.SidecarPath("/backups/Sales_full.bak"))
}

func TestMetadataRecorder_WriteAfterBackup(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 2, 30, 0, 0, time.UTC)
	recorder := NewMetadataRecorder(WithClock(func() time.Time { return fixed }))
	server := newFakeServer("Sales")
	path := filepath.Join(t.TempDir(), "Sales_diff.bak")

	op, err := NewDifferentialBackup("Sales", path, WithRecorder(recorder))
	require.NoError(t, err)
	require.NoError(t, op.Execute(context.Background(), server))

	data, err := os.ReadFile(filepath.Join(filepath.Dir(path), "Sales_diff.meta.json"))
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "Sales", raw["database_name"])
	assert.Equal(t, "Differential", raw["backup_type"])
	assert.Equal(t, path, raw["backup_file_path"])
	assert.Equal(t, "2024-03-01T02:30:00Z", raw["created_at"])
	assert.Contains(t, raw["description"], "Differential backup of Sales")
}

func TestMetadataRecorder_WriteRequiresCompletedBackup(t *testing.T) {
	recorder := NewMetadataRecorder()
	path := filepath.Join(t.TempDir(), "Sales_full.bak")

	op, err := NewFullBackup("Sales", path)
	require.NoError(t, err)
	_, err = recorder.Write(op)
	assert.True(t, IsMetadataError(err))

	restore, err := NewFullRestore("Sales", path, WithoutFileCheck())
	require.NoError(t, err)
	_, err = recorder.Write(restore)
	assert.True(t, IsMetadataError(err))

	_, err = recorder.Write(nil)
	assert.True(t, IsMetadataError(err))
}

func TestMetadataRecorder_YAMLRoundTrip(t *testing.T) {
	recorder := NewMetadataRecorder(WithMetadataSuffix(".meta.yml"))
	artifact := filepath.Join(t.TempDir(), "Sales_log.trn")

	meta := &ArtifactMetadata{
		DatabaseName:   "Sales",
		BackupType:     ArtifactTransactionLog.String(),
		BackupFilePath: artifact,
		CreatedAt:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Description:    "log",
	}
	require.NoError(t, recorder.Save(recorder.SidecarPath(artifact), meta))

	data, err := os.ReadFile(recorder.SidecarPath(artifact))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "backup_type: TransactionLog"))

	got, err := recorder.Read(artifact)
	require.NoError(t, err)
	assert.Equal(t, ArtifactTransactionLog, got.ArtifactType())
	assert.True(t, meta.CreatedAt.Equal(got.CreatedAt))
}

func TestMetadataRecorder_ReadErrors(t *testing.T) {
	recorder := NewMetadataRecorder()
	dir := t.TempDir()

	_, err := recorder.Read(filepath.Join(dir, "missing.bak"))
	assert.True(t, os.IsNotExist(err))

	artifact := filepath.Join(dir, "broken.bak")
	require.NoError(t, os.WriteFile(recorder.SidecarPath(artifact), []byte("{not json"), 0644))
	_, err = recorder.Read(artifact)
	assert.Error(t, err)
}

func TestDeriveArtifactType(t *testing.T) {
	assert.Equal(t, ArtifactFull, DeriveArtifactType(engine.ActionBackupDatabase, false))
	assert.Equal(t, ArtifactDifferential, DeriveArtifactType(engine.ActionBackupDatabase, true))
	assert.Equal(t, ArtifactTransactionLog, DeriveArtifactType(engine.ActionBackupLog, false))
	assert.Equal(t, ArtifactUnknown, DeriveArtifactType(engine.ActionRestoreDatabase, false))
}

func TestParseArtifactType(t *testing.T) {
	tests := map[string]ArtifactType{
		"Full":            ArtifactFull,
		"full":            ArtifactFull,
		"DIFFERENTIAL":    ArtifactDifferential,
		"TransactionLog":  ArtifactTransactionLog,
		"Transaction Log": ArtifactTransactionLog,
		"transaction log": ArtifactTransactionLog,
		"Log":             ArtifactUnknown,
		"":                ArtifactUnknown,
	}
	for input, want := range tests {
		assert.Equal(t, want, ParseArtifactType(input), input)
	}
}

func TestArtifactTypeHelpers(t *testing.T) {
	assert.Equal(t, "Transaction Log", ArtifactTransactionLog.DisplayName())
	assert.Equal(t, "Full", ArtifactFull.DisplayName())
	assert.Less(t, ArtifactFull.Priority(), ArtifactDifferential.Priority())
	assert.Less(t, ArtifactDifferential.Priority(), ArtifactTransactionLog.Priority())
	assert.Less(t, ArtifactTransactionLog.Priority(), ArtifactUnknown.Priority())

	assert.Equal(t, ArtifactDifferential, ArtifactTypeFromHeaderCode(2))
	assert.Equal(t, ArtifactUnknown, ArtifactTypeFromHeaderCode(7))

	policy, ok := ParseFinalizePolicy("last-step")
	assert.True(t, ok)
	assert.Equal(t, FinalizeLastStep, policy)
	_, ok = ParseFinalizePolicy("sometimes")
	assert.False(t, ok)
}
