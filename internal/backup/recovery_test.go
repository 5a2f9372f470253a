package backup

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mssql-recovery/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type artifactSet struct {
	full, diff, log1, log2 string
}

func newArtifactSet(t *testing.T) artifactSet {
	dir := t.TempDir()
	return artifactSet{
		full: writeArtifact(t, dir, "Sales_full.bak"),
		diff: writeArtifact(t, dir, "Sales_diff.bak"),
		log1: writeArtifact(t, dir, "Sales_log_0100.trn"),
		log2: writeArtifact(t, dir, "Sales_log_0200.trn"),
	}
}

func restoredFiles(server *fakeServer) []string {
	var files []string
	for _, req := range server.Requests() {
		files = append(files, req.Devices[0].Name)
	}
	return files
}

func TestRecoveryJob_OrdersStepsForEveryInsertionOrder(t *testing.T) {
	a := newArtifactSet(t)
	adders := map[string]func(j *RecoveryJob) error{
		"full": func(j *RecoveryJob) error { return j.AddFullRestore(a.full) },
		"diff": func(j *RecoveryJob) error { return j.AddDifferentialRestore(a.diff) },
		"log":  func(j *RecoveryJob) error { return j.AddTransactionLogRestore(a.log1) },
	}
	orders := [][]string{
		{"full", "diff", "log"},
		{"full", "log", "diff"},
		{"diff", "full", "log"},
		{"diff", "log", "full"},
		{"log", "full", "diff"},
		{"log", "diff", "full"},
	}

	for _, order := range orders {
		t.Run(order[0]+"_"+order[1]+"_"+order[2], func(t *testing.T) {
			server := newFakeServer("Sales")
			job, err := NewRecoveryJob("Sales")
			require.NoError(t, err)
			for _, name := range order {
				require.NoError(t, adders[name](job))
			}

			require.NoError(t, job.Execute(context.Background(), server))
			assert.Equal(t, []string{a.full, a.diff, a.log1}, restoredFiles(server))

			requests := server.Requests()
			assert.Equal(t, engine.ActionRestoreDatabase, requests[0].Action)
			assert.True(t, requests[0].Options.ReplaceDatabase)
			assert.Equal(t, engine.ActionRestoreDatabase, requests[1].Action)
			assert.Equal(t, engine.ActionRestoreLog, requests[2].Action)
		})
	}
}

func TestRecoveryJob_LogsKeepInsertionOrder(t *testing.T) {
	a := newArtifactSet(t)
	server := newFakeServer("Sales")
	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)

	require.NoError(t, job.AddTransactionLogRestore(a.log2))
	require.NoError(t, job.AddTransactionLogRestore(a.log1))
	require.NoError(t, job.AddFullRestore(a.full))

	require.NoError(t, job.Execute(context.Background(), server))
	assert.Equal(t, []string{a.full, a.log2, a.log1}, restoredFiles(server))
}

func TestRecoveryJob_RejectsDuplicates(t *testing.T) {
	a := newArtifactSet(t)
	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)

	require.NoError(t, job.AddFullRestore(a.full))
	require.NoError(t, job.AddDifferentialRestore(a.diff))

	err = job.AddFullRestore(a.full)
	require.Error(t, err)
	assert.True(t, IsPrecondition(err))
	assert.True(t, errors.Is(err, ErrDuplicateFullRestore))

	err = job.AddDifferentialRestore(a.diff)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateDifferentialRestore))

	ops := job.Operations()
	require.Len(t, ops, 2)
	assert.Equal(t, ArtifactFull, ops[0].ArtifactType())
	assert.Equal(t, ArtifactDifferential, ops[1].ArtifactType())

	require.NoError(t, job.AddTransactionLogRestore(a.log1))
	require.NoError(t, job.AddTransactionLogRestore(a.log2))
	assert.Len(t, job.Operations(), 4)
}

func TestRecoveryJob_RejectsDatabaseMismatch(t *testing.T) {
	a := newArtifactSet(t)
	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)

	op, err := NewFullRestore("Inventory", a.full)
	require.NoError(t, err)

	err = job.AddOperation(op)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDatabaseMismatch))
	assert.Empty(t, job.Operations())

	assert.True(t, errors.Is(job.AddOperation(nil), ErrNilOperation))
}

func TestRecoveryJob_EmptyJobMakesNoEngineCalls(t *testing.T) {
	server := newFakeServer("Sales")
	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)

	err = job.Execute(context.Background(), server)
	require.Error(t, err)
	assert.True(t, IsPrecondition(err))
	assert.True(t, errors.Is(err, ErrNoOperations))
	assert.Contains(t, err.Error(), "no restore operations have been added to the recovery job")
	assert.Empty(t, server.Calls())
}

func TestRecoveryJob_NilServer(t *testing.T) {
	a := newArtifactSet(t)
	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)
	require.NoError(t, job.AddFullRestore(a.full))

	err = job.Execute(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrNilServer))

	// the job was not consumed
	require.NoError(t, job.Execute(context.Background(), newFakeServer("Sales")))
}

func TestRecoveryJob_RestoresMultiUserAfterSuccess(t *testing.T) {
	a := newArtifactSet(t)
	server := newFakeServer("Sales")
	job, err := NewRecoveryJob("Sales", WithFinalizePolicy(FinalizeLastStep))
	require.NoError(t, err)
	require.NoError(t, job.AddFullRestore(a.full))
	require.NoError(t, job.AddTransactionLogRestore(a.log1))

	require.NoError(t, job.Execute(context.Background(), server))

	assert.Equal(t, []string{
		"HasDatabase Sales",
		"GetDatabase Sales",
		"SetAccessMode Sales SINGLE_USER",
		"HasDatabase Sales",
		"Start RESTORE DATABASE Sales",
		"HasDatabase Sales",
		"Start RESTORE LOG Sales",
		"GetDatabase Sales",
		"SetAccessMode Sales MULTI_USER",
	}, server.Calls())
	assert.Equal(t, engine.AccessModeMultiple, server.databases["Sales"].UserAccess())

	for _, op := range job.Operations() {
		assert.Equal(t, StatusCompleted, op.Status())
	}
}

func TestRecoveryJob_FailureLeavesAccessModeUntouched(t *testing.T) {
	a := newArtifactSet(t)
	server := newFakeServer("Sales")
	server.failOn = func(req engine.Request) error {
		if req.Devices[0].Name == a.diff {
			return errEngine
		}
		return nil
	}

	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)
	require.NoError(t, job.AddFullRestore(a.full))
	require.NoError(t, job.AddDifferentialRestore(a.diff))
	require.NoError(t, job.AddTransactionLogRestore(a.log1))

	err = job.Execute(context.Background(), server)
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeRecoveryJob, ErrorTypeOf(err))
	assert.True(t, errors.Is(err, errEngine))
	assert.Contains(t, err.Error(), "step 2")

	var jobErr *BackupError
	require.True(t, errors.As(err, &jobErr))
	assert.Equal(t, 2, jobErr.Context["step"])
	assert.Equal(t, "Differential", jobErr.Context["artifact_type"])

	assert.Equal(t, []string{a.full, a.diff}, restoredFiles(server), "the log step never starts")
	assert.Equal(t, engine.AccessModeSingle, server.databases["Sales"].UserAccess())
	assert.NotContains(t, server.Calls(), "SetAccessMode Sales MULTI_USER")

	ops := job.Operations()
	assert.Equal(t, StatusCompleted, ops[0].Status())
	assert.Equal(t, StatusFailed, ops[1].Status())
	assert.Equal(t, StatusNotStarted, ops[2].Status())
}

func TestRecoveryJob_CreatesMissingDatabase(t *testing.T) {
	a := newArtifactSet(t)
	server := newFakeServer()
	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)
	require.NoError(t, job.AddFullRestore(a.full))

	require.NoError(t, job.Execute(context.Background(), server))

	calls := server.Calls()
	assert.Equal(t, []string{"HasDatabase Sales", "CreateDatabase Sales"}, calls[:2])
	for _, call := range calls {
		assert.NotContains(t, call, "SetAccessMode")
	}
}

func TestRecoveryJob_CreateFailure(t *testing.T) {
	a := newArtifactSet(t)
	server := newFakeServer()
	server.createErr = errEngine
	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)
	require.NoError(t, job.AddFullRestore(a.full))

	err = job.Execute(context.Background(), server)
	assert.Equal(t, BackupErrorTypeEngine, ErrorTypeOf(err))
	assert.Empty(t, server.Requests())
}

func TestRecoveryJob_SkipsModeChangeWhenNotOnline(t *testing.T) {
	a := newArtifactSet(t)
	server := newFakeServer()
	server.addDatabase("Sales", engine.StateRestoring)

	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)
	require.NoError(t, job.AddTransactionLogRestore(a.log1))

	require.NoError(t, job.Execute(context.Background(), server))
	for _, call := range server.Calls() {
		assert.NotContains(t, call, "SetAccessMode")
	}
}

func TestRecoveryJob_SingleUserFailureStopsJob(t *testing.T) {
	a := newArtifactSet(t)
	server := newFakeServer()
	server.addDatabase("Sales", engine.StateNormal).modeErr = errEngine

	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)
	require.NoError(t, job.AddFullRestore(a.full))

	err = job.Execute(context.Background(), server)
	assert.Equal(t, BackupErrorTypeEngine, ErrorTypeOf(err))
	assert.Empty(t, server.Requests())
}

func TestRecoveryJob_FinalizePolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy FinalizePolicy
		want   []bool
	}{
		{"as configured", FinalizeAsConfigured, []bool{true, true, true}},
		{"last step", FinalizeLastStep, []bool{true, true, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newArtifactSet(t)
			server := newFakeServer("Sales")
			job, err := NewRecoveryJob("Sales", WithFinalizePolicy(tt.policy))
			require.NoError(t, err)
			require.NoError(t, job.AddTransactionLogRestore(a.log1))
			require.NoError(t, job.AddDifferentialRestore(a.diff))
			require.NoError(t, job.AddFullRestore(a.full))

			var planned []bool
			for _, step := range job.Plan() {
				planned = append(planned, step.KeepRestoring)
			}
			assert.Equal(t, tt.want, planned)

			require.NoError(t, job.Execute(context.Background(), server))

			var got []bool
			for _, req := range server.Requests() {
				got = append(got, req.Options.NoRecovery)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecoveryJob_ExplicitKeepRestoringHonored(t *testing.T) {
	a := newArtifactSet(t)
	server := newFakeServer("Sales")
	job, err := NewRecoveryJob("Sales", WithRestoreOptions(WithKeepRestoring(false)))
	require.NoError(t, err)
	require.NoError(t, job.AddFullRestore(a.full))

	require.NoError(t, job.Execute(context.Background(), server))
	assert.False(t, server.Requests()[0].Options.NoRecovery)
}

// cancelingServer cancels the job context once the first call has finished
type cancelingServer struct {
	*fakeServer
	cancel context.CancelFunc
}

func (s *cancelingServer) Start(ctx context.Context, req engine.Request) (engine.Call, error) {
	call, err := s.fakeServer.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return &cancelAfterCall{Call: call, cancel: s.cancel}, nil
}

type cancelAfterCall struct {
	engine.Call
	cancel context.CancelFunc
}

func (c *cancelAfterCall) Wait(ctx context.Context) error {
	err := c.Call.Wait(context.Background())
	c.cancel()
	return err
}

func TestRecoveryJob_CancellationBetweenSteps(t *testing.T) {
	a := newArtifactSet(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server := &cancelingServer{fakeServer: newFakeServer("Sales"), cancel: cancel}

	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)
	require.NoError(t, job.AddFullRestore(a.full))
	require.NoError(t, job.AddTransactionLogRestore(a.log1))

	err = job.Execute(ctx, server)
	require.Error(t, err)
	assert.True(t, IsCancellation(err))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []string{a.full}, restoredFiles(server.fakeServer))

	ops := job.Operations()
	assert.Equal(t, StatusCompleted, ops[0].Status())
	assert.Equal(t, StatusNotStarted, ops[1].Status())
}

func TestRecoveryJob_CancellationDuringStep(t *testing.T) {
	a := newArtifactSet(t)
	server := newFakeServer("Sales")
	server.block = make(chan struct{})
	defer close(server.block)

	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)
	require.NoError(t, job.AddTransactionLogRestore(a.log1))
	require.NoError(t, job.AddFullRestore(a.full))
	logStep, fullStep := job.Operations()[0], job.Operations()[1]

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- job.Execute(ctx, server) }()

	require.Eventually(t, func() bool { return fullStep.Status() == StatusInProgress }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-result:
		require.Error(t, err)
		assert.True(t, IsCancellation(err))
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Contains(t, err.Error(), "step 1 (Full)")
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}

	assert.Equal(t, StatusFailed, fullStep.Status())
	assert.Equal(t, StatusNotStarted, logStep.Status())
	assert.Equal(t, []string{a.full}, restoredFiles(server))
}

func TestRecoveryJob_ForwardsEvents(t *testing.T) {
	a := newArtifactSet(t)
	server := newFakeServer("Sales")
	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)
	require.NoError(t, job.AddFullRestore(a.full))
	require.NoError(t, job.AddTransactionLogRestore(a.log1))

	ch, _ := job.Subscribe()
	events := collect(ch)

	require.NoError(t, job.Execute(context.Background(), server))
	received := <-events

	ids := map[string]bool{}
	completes := 0
	jobMessages := 0
	for _, e := range received {
		assert.Equal(t, "Sales", e.Database)
		if e.OperationID == "" {
			jobMessages++
			assert.Equal(t, engine.EventInformation, e.Kind)
			continue
		}
		ids[e.OperationID] = true
		if e.Kind == engine.EventComplete {
			completes++
		}
	}
	assert.Len(t, ids, 2)
	assert.Equal(t, 2, completes)
	assert.GreaterOrEqual(t, jobMessages, 3, "mode change, two step headers and mode restore")
}

func TestRecoveryJob_SingleUse(t *testing.T) {
	a := newArtifactSet(t)
	server := newFakeServer("Sales")
	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)
	require.NoError(t, job.AddFullRestore(a.full))
	require.NoError(t, job.Execute(context.Background(), server))

	assert.True(t, errors.Is(job.Execute(context.Background(), server), ErrAlreadyExecuted))
	assert.True(t, errors.Is(job.AddTransactionLogRestore(a.log1), ErrAlreadyExecuted))
}

func TestRecoveryJob_AddRestoreByFile(t *testing.T) {
	dir := t.TempDir()
	headerFull := writeArtifact(t, dir, "nightly.bak")
	named := writeArtifact(t, dir, "Sales_diff_0200.bak")
	mystery := writeArtifact(t, dir, "archive.bak")

	server := newFakeServer("Sales")
	server.headers[headerFull] = 1

	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)

	kind, err := job.AddRestoreByFile(context.Background(), headerFull, server)
	require.NoError(t, err)
	assert.Equal(t, ArtifactFull, kind)

	kind, err = job.AddRestoreByFile(context.Background(), named, server)
	require.NoError(t, err)
	assert.Equal(t, ArtifactDifferential, kind)

	kind, err = job.AddRestoreByFile(context.Background(), mystery, server)
	require.Error(t, err)
	assert.Equal(t, ArtifactUnknown, kind)
	assert.Equal(t, BackupErrorTypeClassification, ErrorTypeOf(err))
	assert.True(t, errors.Is(err, ErrUnknownArtifactType))

	assert.Len(t, job.Operations(), 2)
}

func TestNewRecoveryJob_EmptyDatabase(t *testing.T) {
	_, err := NewRecoveryJob(" ")
	assert.True(t, errors.Is(err, ErrEmptyDatabaseName))
}

func TestRecoveryJob_RejectsStartedOperation(t *testing.T) {
	a := newArtifactSet(t)
	op, err := NewFullRestore("Sales", a.full)
	require.NoError(t, err)
	require.NoError(t, op.Execute(context.Background(), newFakeServer("Sales")))

	job, err := NewRecoveryJob("Sales")
	require.NoError(t, err)
	assert.True(t, errors.Is(job.AddOperation(op), ErrAlreadyExecuted))
	assert.Equal(t, filepath.Base(a.full), filepath.Base(op.ArtifactPath()))
}
