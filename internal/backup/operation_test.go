package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mssql-recovery/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupRequests(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name        string
		kind        ArtifactType
		action      engine.Action
		initialize  bool
		incremental bool
		setName     string
	}{
		{"full", ArtifactFull, engine.ActionBackupDatabase, true, false, "Sales Full Backup"},
		{"differential", ArtifactDifferential, engine.ActionBackupDatabase, false, true, "Sales Differential Backup"},
		{"log", ArtifactTransactionLog, engine.ActionBackupLog, false, false, "Sales Transaction Log Backup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := NewBackup(tt.kind, "Sales", filepath.Join(dir, tt.name+".bak"))
			require.NoError(t, err)

			req := op.Request()
			assert.Equal(t, tt.action, req.Action)
			assert.Equal(t, "Sales", req.Database)
			assert.Equal(t, tt.initialize, req.Options.Initialize)
			assert.Equal(t, tt.incremental, req.Options.Incremental)
			assert.Equal(t, tt.setName, req.Options.SetName)
			assert.True(t, req.Options.Checksum)
			assert.True(t, req.Options.ContinueAfterError)
			assert.Equal(t, 1, req.Options.PercentNotification)
			assert.Equal(t, DirectionBackup, op.Direction())
			assert.Equal(t, tt.kind, op.ArtifactType())
			assert.Equal(t, StatusNotStarted, op.Status())
		})
	}
}

func TestNewBackup_UnknownType(t *testing.T) {
	op, err := NewBackup(ArtifactUnknown, "Sales", "x.bak")
	require.Error(t, err)
	assert.Nil(t, op)
	assert.True(t, errors.Is(err, ErrUnknownArtifactType))
}

func TestNewOperation_Validation(t *testing.T) {
	_, err := NewFullBackup("  ", "x.bak")
	require.Error(t, err)
	assert.True(t, IsPrecondition(err))
	assert.True(t, errors.Is(err, ErrEmptyDatabaseName))

	_, err = NewFullBackup("Sales", "")
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeValidation, ErrorTypeOf(err))
}

func TestRestoreRequests(t *testing.T) {
	dir := t.TempDir()
	full := writeArtifact(t, dir, "Sales_full.bak")
	diff := writeArtifact(t, dir, "Sales_diff.bak")
	log := writeArtifact(t, dir, "Sales_log.trn")

	fr, err := NewFullRestore("Sales", full)
	require.NoError(t, err)
	req := fr.Request()
	assert.Equal(t, engine.ActionRestoreDatabase, req.Action)
	assert.True(t, req.Options.ReplaceDatabase)
	assert.True(t, req.Options.NoRecovery, "restores keep the database restoring by default")
	assert.True(t, req.Options.ContinueAfterError)
	assert.Equal(t, 1, req.Options.PercentNotification)

	dr, err := NewDifferentialRestore("Sales", diff, WithKeepRestoring(false))
	require.NoError(t, err)
	req = dr.Request()
	assert.Equal(t, engine.ActionRestoreDatabase, req.Action)
	assert.False(t, req.Options.ReplaceDatabase)
	assert.False(t, req.Options.NoRecovery)

	lr, err := NewTransactionLogRestore("Sales", log)
	require.NoError(t, err)
	req = lr.Request()
	assert.Equal(t, engine.ActionRestoreLog, req.Action)
	assert.False(t, req.Options.ReplaceDatabase)

	lr.SetKeepRestoring(false)
	assert.False(t, lr.Request().Options.NoRecovery)
}

func TestNewRestore_FileChecks(t *testing.T) {
	dir := t.TempDir()

	_, err := NewFullRestore("Sales", filepath.Join(dir, "Sales_full.zip"), WithoutFileCheck())
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeValidation, ErrorTypeOf(err))

	_, err = NewFullRestore("Sales", filepath.Join(dir, "missing.bak"))
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeValidation, ErrorTypeOf(err))

	op, err := NewFullRestore("Sales", `D:\backups\Sales_full.BAK`, WithoutFileCheck())
	require.NoError(t, err)
	assert.Equal(t, `D:\backups\Sales_full.BAK`, op.ArtifactPath())

	_, err = NewRestore(ArtifactUnknown, "Sales", "x.bak", WithoutFileCheck())
	assert.Equal(t, BackupErrorTypeClassification, ErrorTypeOf(err))
}

func TestExecute_NilServer(t *testing.T) {
	op, err := NewFullBackup("Sales", filepath.Join(t.TempDir(), "s.bak"))
	require.NoError(t, err)

	err = op.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsPrecondition(err))
	assert.True(t, errors.Is(err, ErrNilServer))
	assert.Equal(t, StatusNotStarted, op.Status())
}

func TestExecute_DatabaseMissing(t *testing.T) {
	server := newFakeServer()
	op, err := NewFullBackup("Sales", filepath.Join(t.TempDir(), "s.bak"))
	require.NoError(t, err)

	err = op.Execute(context.Background(), server)
	require.Error(t, err)
	assert.True(t, IsPrecondition(err))
	assert.True(t, errors.Is(err, ErrDatabaseMissing))
	assert.Equal(t, StatusNotStarted, op.Status())
	assert.Empty(t, server.Requests())
	assert.Empty(t, op.Devices())

	// a failed precondition does not consume the operation
	server.addDatabase("Sales", engine.StateNormal)
	require.NoError(t, op.Execute(context.Background(), server))
	assert.Equal(t, StatusCompleted, op.Status())
}

func TestExecute_ExistenceCheckError(t *testing.T) {
	server := newFakeServer("Sales")
	server.hasErr = errEngine

	op, err := NewFullBackup("Sales", filepath.Join(t.TempDir(), "s.bak"))
	require.NoError(t, err)

	err = op.Execute(context.Background(), server)
	assert.Equal(t, BackupErrorTypeEngine, ErrorTypeOf(err))
	assert.True(t, errors.Is(err, errEngine))
	assert.Equal(t, StatusNotStarted, op.Status())
}

func TestExecute_BackupSuccess(t *testing.T) {
	server := newFakeServer("Sales")
	path := filepath.Join(t.TempDir(), "Sales_full.bak")

	op, err := NewFullBackup("Sales", path)
	require.NoError(t, err)
	require.NoError(t, op.Execute(context.Background(), server))

	assert.Equal(t, StatusCompleted, op.Status())
	requests := server.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, []engine.Device{{Name: path, Kind: engine.DeviceKindFile}}, requests[0].Devices)
	assert.Equal(t, []engine.Device{{Name: path, Kind: engine.DeviceKindFile}}, op.Devices())

	meta, err := NewMetadataRecorder().Read(path)
	require.NoError(t, err)
	assert.Equal(t, "Sales", meta.DatabaseName)
	assert.Equal(t, "Full", meta.BackupType)
	assert.Equal(t, path, meta.BackupFilePath)
}

func TestExecute_SingleUse(t *testing.T) {
	server := newFakeServer("Sales")
	op, err := NewTransactionLogBackup("Sales", filepath.Join(t.TempDir(), "Sales_log.trn"))
	require.NoError(t, err)

	require.NoError(t, op.Execute(context.Background(), server))
	err = op.Execute(context.Background(), server)
	require.Error(t, err)
	assert.True(t, IsPrecondition(err))
	assert.True(t, errors.Is(err, ErrAlreadyExecuted))
	assert.Len(t, server.Requests(), 1)
}

func TestExecute_ConcurrentRunRejected(t *testing.T) {
	server := newFakeServer("Sales")
	server.block = make(chan struct{})

	op, err := NewFullBackup("Sales", filepath.Join(t.TempDir(), "s.bak"), WithRecorder(nil))
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() { first <- op.Execute(context.Background(), server) }()

	require.Eventually(t, func() bool { return op.Status() == StatusInProgress }, time.Second, 5*time.Millisecond)

	err = op.Execute(context.Background(), server)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	close(server.block)
	require.NoError(t, <-first)
	assert.Equal(t, StatusCompleted, op.Status())
}

func TestExecute_EngineFailure(t *testing.T) {
	server := newFakeServer("Sales")
	server.failOn = func(engine.Request) error { return errEngine }
	path := filepath.Join(t.TempDir(), "Sales_full.bak")

	op, err := NewFullBackup("Sales", path)
	require.NoError(t, err)

	err = op.Execute(context.Background(), server)
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeEngine, ErrorTypeOf(err))
	assert.True(t, errors.Is(err, errEngine))
	assert.Equal(t, StatusFailed, op.Status())

	_, statErr := os.Stat(NewMetadataRecorder().SidecarPath(path))
	assert.True(t, os.IsNotExist(statErr), "no sidecar for a failed backup")
}

func TestExecute_StartFailure(t *testing.T) {
	server := newFakeServer("Sales")
	server.startErr = errEngine

	op, err := NewFullBackup("Sales", filepath.Join(t.TempDir(), "s.bak"))
	require.NoError(t, err)

	err = op.Execute(context.Background(), server)
	assert.Equal(t, BackupErrorTypeEngine, ErrorTypeOf(err))
	assert.Equal(t, StatusFailed, op.Status())
}

func TestExecute_Cancellation(t *testing.T) {
	server := newFakeServer("Sales")
	server.block = make(chan struct{})
	defer close(server.block)

	op, err := NewFullBackup("Sales", filepath.Join(t.TempDir(), "s.bak"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- op.Execute(ctx, server) }()

	require.Eventually(t, func() bool { return op.Status() == StatusInProgress }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-result:
		require.Error(t, err)
		assert.True(t, IsCancellation(err))
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
	assert.Equal(t, StatusFailed, op.Status())
}

func TestExecute_MetadataFailure(t *testing.T) {
	server := newFakeServer("Sales")
	path := filepath.Join(t.TempDir(), "Sales_full.bak")
	recorder := NewMetadataRecorder()
	require.NoError(t, os.Mkdir(recorder.SidecarPath(path), 0755))

	op, err := NewFullBackup("Sales", path, WithRecorder(recorder))
	require.NoError(t, err)

	err = op.Execute(context.Background(), server)
	require.Error(t, err)
	assert.True(t, IsMetadataError(err))
	assert.Equal(t, StatusCompleted, op.Status(), "the backup itself succeeded")
}

func TestExecute_RestoreWritesNoSidecar(t *testing.T) {
	server := newFakeServer("Sales")
	path := writeArtifact(t, t.TempDir(), "Sales_full.bak")

	op, err := NewFullRestore("Sales", path)
	require.NoError(t, err)
	require.NoError(t, op.Execute(context.Background(), server))

	_, statErr := os.Stat(NewMetadataRecorder().SidecarPath(path))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecute_EventsAndMonotonicProgress(t *testing.T) {
	server := newFakeServer("Sales")
	server.events = []engine.Event{
		{Kind: engine.EventInformation, Message: "starting"},
		{Kind: engine.EventProgress, Percent: 40},
		{Kind: engine.EventProgress, Percent: 20},
		{Kind: engine.EventProgress, Percent: 140},
		{Kind: engine.EventComplete, Message: "done"},
	}

	op, err := NewFullBackup("Sales", filepath.Join(t.TempDir(), "s.bak"), WithRecorder(nil))
	require.NoError(t, err)

	progress, _ := op.Subscribe(engine.EventProgress)
	all, _ := op.Subscribe()
	progressEvents := collect(progress)
	allEvents := collect(all)

	require.NoError(t, op.Execute(context.Background(), server))

	var percents []int
	for _, e := range <-progressEvents {
		assert.Equal(t, op.ID(), e.OperationID)
		assert.Equal(t, "Sales", e.Database)
		percents = append(percents, e.Percent)
	}
	assert.Equal(t, []int{40, 40, 100}, percents)

	events := <-allEvents
	require.Len(t, events, 5)
	assert.Equal(t, engine.EventInformation, events[0].Kind)
	assert.Equal(t, engine.EventComplete, events[4].Kind)
}

func TestSubscribe_AfterFinishIsClosed(t *testing.T) {
	server := newFakeServer("Sales")
	op, err := NewFullBackup("Sales", filepath.Join(t.TempDir(), "s.bak"), WithRecorder(nil))
	require.NoError(t, err)
	require.NoError(t, op.Execute(context.Background(), server))

	ch, unsubscribe := op.Subscribe()
	defer unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestWithRequestOptions(t *testing.T) {
	op, err := NewFullBackup("Sales", "s.bak", WithRequestOptions(func(o *engine.Options) {
		o.Checksum = false
		o.Description = "nightly"
	}))
	require.NoError(t, err)

	req := op.Request()
	assert.False(t, req.Options.Checksum)
	assert.Equal(t, "nightly", req.Options.Description)
	assert.True(t, req.Options.Initialize)
}
