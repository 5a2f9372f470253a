package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mssql-recovery/internal/engine"
	"mssql-recovery/internal/logging"
)

// RecoveryJob restores one database from a sequence of restore operations
type RecoveryJob struct {
	database   string
	policy     FinalizePolicy
	logger     *logging.Logger
	classifier *Classifier
	restore    []OperationOption

	mu         sync.Mutex
	operations []RestoreOperation
	forwards   map[string]func()
	running    bool
	executed   bool

	events     *broadcaster
	forwarders sync.WaitGroup
}

// JobOption configures a RecoveryJob
type JobOption func(*RecoveryJob)

// WithFinalizePolicy selects how the keep-restoring flag of each step is decided
func WithFinalizePolicy(policy FinalizePolicy) JobOption {
	return func(j *RecoveryJob) {
		j.policy = policy
	}
}

// WithJobLogger sets the job logger
func WithJobLogger(logger *logging.Logger) JobOption {
	return func(j *RecoveryJob) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// WithClassifier sets the classifier used by AddRestoreByFile
func WithClassifier(classifier *Classifier) JobOption {
	return func(j *RecoveryJob) {
		if classifier != nil {
			j.classifier = classifier
		}
	}
}

// WithRestoreOptions sets options applied to restores created by the Add helpers
func WithRestoreOptions(opts ...OperationOption) JobOption {
	return func(j *RecoveryJob) {
		j.restore = append(j.restore, opts...)
	}
}

// NewRecoveryJob creates an empty job for database
func NewRecoveryJob(database string, opts ...JobOption) (*RecoveryJob, error) {
	if strings.TrimSpace(database) == "" {
		return nil, NewPreconditionError("recovery job database name cannot be empty", ErrEmptyDatabaseName)
	}

	j := &RecoveryJob{
		database: database,
		policy:   FinalizeAsConfigured,
		logger:   logging.NewNopLogger(),
		forwards: make(map[string]func()),
		events:   newBroadcaster(),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.classifier == nil {
		j.classifier = NewClassifier(nil, j.logger)
	}
	return j, nil
}

// DatabaseName returns the target database
func (j *RecoveryJob) DatabaseName() string {
	return j.database
}

// Policy returns the finalize policy
func (j *RecoveryJob) Policy() FinalizePolicy {
	return j.policy
}

// Operations returns the registered operations in insertion order
func (j *RecoveryJob) Operations() []RestoreOperation {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]RestoreOperation(nil), j.operations...)
}

// Subscribe streams events from every step plus job-level information.
// Subscribers must drain the channel or unsubscribe. The channel is closed
// when Execute returns.
func (j *RecoveryJob) Subscribe(kinds ...engine.EventKind) (<-chan Event, func()) {
	return j.events.subscribe(kinds...)
}

// AddOperation registers a restore step. The job keeps at most one full and
// one differential restore, and every step must target the job's database.
func (j *RecoveryJob) AddOperation(op RestoreOperation) error {
	if op == nil {
		return NewPreconditionError("cannot add a nil operation", ErrNilOperation)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running || j.executed {
		return NewPreconditionError("recovery job has already been executed", ErrAlreadyExecuted).
			WithContext("database", j.database)
	}
	if op.DatabaseName() != j.database {
		return NewPreconditionError(
			fmt.Sprintf("operation database %s does not match recovery job database %s", op.DatabaseName(), j.database),
			ErrDatabaseMismatch).
			WithContext("database", j.database).
			WithContext("operation_database", op.DatabaseName())
	}
	if op.Status() != StatusNotStarted {
		return NewPreconditionError("operation has already been started", ErrAlreadyExecuted).
			WithContext("operation_id", op.ID())
	}

	switch op.ArtifactType() {
	case ArtifactFull:
		if j.countLocked(ArtifactFull) > 0 {
			return NewPreconditionError("a full restore operation has already been added", ErrDuplicateFullRestore).
				WithContext("database", j.database)
		}
	case ArtifactDifferential:
		if j.countLocked(ArtifactDifferential) > 0 {
			return NewPreconditionError("a differential restore operation has already been added", ErrDuplicateDifferentialRestore).
				WithContext("database", j.database)
		}
	case ArtifactTransactionLog:
	default:
		return NewPreconditionError("operation has an unknown backup type", ErrUnknownArtifactType)
	}

	j.operations = append(j.operations, op)
	j.forwardLocked(op)

	j.logger.WithFields(map[string]interface{}{
		"database": j.database,
		"type":     op.ArtifactType().String(),
		"path":     op.ArtifactPath(),
	}).Debug("Restore operation added")
	return nil
}

func (j *RecoveryJob) countLocked(kind ArtifactType) int {
	n := 0
	for _, op := range j.operations {
		if op.ArtifactType() == kind {
			n++
		}
	}
	return n
}

// forwardLocked subscribes to op and republishes its events on the job
func (j *RecoveryJob) forwardLocked(op RestoreOperation) {
	events, unsubscribe := op.Subscribe()
	j.forwards[op.ID()] = unsubscribe

	j.forwarders.Add(1)
	go func() {
		defer j.forwarders.Done()
		for e := range events {
			j.events.publish(e)
		}
	}()
}

// AddFullRestore adds a full restore of path
func (j *RecoveryJob) AddFullRestore(path string) error {
	op, err := NewFullRestore(j.database, path, j.restore...)
	if err != nil {
		return err
	}
	return j.AddOperation(op)
}

// AddDifferentialRestore adds a differential restore of path
func (j *RecoveryJob) AddDifferentialRestore(path string) error {
	op, err := NewDifferentialRestore(j.database, path, j.restore...)
	if err != nil {
		return err
	}
	return j.AddOperation(op)
}

// AddTransactionLogRestore adds a transaction log restore of path
func (j *RecoveryJob) AddTransactionLogRestore(path string) error {
	op, err := NewTransactionLogRestore(j.database, path, j.restore...)
	if err != nil {
		return err
	}
	return j.AddOperation(op)
}

// AddRestoreByFile classifies path and adds the matching restore. Nothing is
// added when the type cannot be determined.
func (j *RecoveryJob) AddRestoreByFile(ctx context.Context, path string, server engine.Server) (ArtifactType, error) {
	kind := j.classifier.Classify(ctx, path, server)
	if kind == ArtifactUnknown {
		return kind, NewClassificationError(fmt.Sprintf("unable to determine the backup type of %s", path), ErrUnknownArtifactType).
			WithContext("path", path)
	}

	op, err := NewRestore(kind, j.database, path, j.restore...)
	if err != nil {
		return kind, err
	}
	return kind, j.AddOperation(op)
}

// sortedOperations orders steps full, differential, log; equal priorities keep insertion order
func sortedOperations(ops []RestoreOperation) []RestoreOperation {
	sorted := append([]RestoreOperation(nil), ops...)
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].Priority() < sorted[b].Priority()
	})
	return sorted
}

// Plan returns the steps in execution order with the keep-restoring flag each
// will use under the job's finalize policy.
func (j *RecoveryJob) Plan() []PlannedStep {
	ops := sortedOperations(j.Operations())
	steps := make([]PlannedStep, len(ops))
	for i, op := range ops {
		keep := op.KeepRestoring()
		if j.policy == FinalizeLastStep {
			keep = i < len(ops)-1
		}
		steps[i] = PlannedStep{Index: i + 1, Operation: op, KeepRestoring: keep}
	}
	return steps
}

// PlannedStep is one step of a recovery plan
type PlannedStep struct {
	Index         int
	Operation     RestoreOperation
	KeepRestoring bool
}

func (j *RecoveryJob) begin() ([]RestoreOperation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return nil, NewPreconditionError("recovery job is already running", ErrAlreadyRunning).
			WithContext("database", j.database)
	}
	if j.executed {
		return nil, NewPreconditionError("recovery job has already been executed", ErrAlreadyExecuted).
			WithContext("database", j.database)
	}

	sorted := sortedOperations(j.operations)
	if len(sorted) == 0 {
		return nil, NewPreconditionError(ErrNoOperations.Error(), ErrNoOperations).
			WithContext("database", j.database)
	}
	j.running = true
	return sorted, nil
}

func (j *RecoveryJob) end() {
	j.mu.Lock()
	j.running = false
	j.executed = true
	forwards := j.forwards
	j.forwards = make(map[string]func())
	j.mu.Unlock()

	for _, unsubscribe := range forwards {
		unsubscribe()
	}
	j.forwarders.Wait()
	j.events.close()
}

func (j *RecoveryJob) inform(format string, args ...interface{}) {
	j.events.publish(Event{
		Kind:      engine.EventInformation,
		Database:  j.database,
		Direction: DirectionRestore,
		Message:   fmt.Sprintf(format, args...),
		Time:      time.Now(),
	})
}

// Execute runs every step in order against server. A failing step aborts the
// sequence and leaves the database access mode as the failing step left it.
func (j *RecoveryJob) Execute(ctx context.Context, server engine.Server) (err error) {
	if server == nil {
		return NewPreconditionError("engine server is required", ErrNilServer).WithContext("database", j.database)
	}
	steps, err := j.begin()
	if err != nil {
		return err
	}
	defer j.end()

	done := j.logger.LogOperationStart("recovery_job", map[string]interface{}{
		"database": j.database,
		"steps":    len(steps),
		"policy":   j.policy.String(),
	})
	defer func() { done(err) }()

	if j.policy == FinalizeLastStep {
		for i, op := range steps {
			op.SetKeepRestoring(i < len(steps)-1)
		}
	}

	wasNormal, err := j.prepareDatabase(ctx, server)
	if err != nil {
		return err
	}

	for i, op := range steps {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return NewCancellationError(
				fmt.Sprintf("recovery of %s canceled before step %d (%s)", j.database, i+1, op.ArtifactType().DisplayName()), ctxErr).
				WithContext("database", j.database).
				WithContext("step", i+1)
		}

		j.inform("Step %d/%d: %s restore from %s", i+1, len(steps), op.ArtifactType().DisplayName(), op.ArtifactPath())
		if stepErr := op.Execute(ctx, server); stepErr != nil {
			j.logger.WithFields(map[string]interface{}{
				"database": j.database,
				"step":     i + 1,
				"type":     op.ArtifactType().String(),
				"error":    stepErr.Error(),
			}).Error("Restore step failed")

			message := fmt.Sprintf("restore failed during step %d (%s) for %s", i+1, op.ArtifactType().DisplayName(), j.database)
			var wrapped *BackupError
			if IsCancellation(stepErr) {
				wrapped = NewCancellationError(message, stepErr)
			} else {
				wrapped = NewRecoveryJobError(message, stepErr)
			}
			return wrapped.
				WithContext("database", j.database).
				WithContext("step", i+1).
				WithContext("artifact_type", op.ArtifactType().String()).
				WithContext("path", op.ArtifactPath())
		}
	}

	if wasNormal {
		db, err := server.GetDatabase(ctx, j.database)
		if err != nil {
			return NewEngineError(fmt.Sprintf("failed to re-read database %s after restore", j.database), err).
				WithContext("database", j.database)
		}
		if err := db.SetAccessMode(ctx, engine.AccessModeMultiple); err != nil {
			return NewEngineError(fmt.Sprintf("failed to restore multi-user access on %s", j.database), err).
				WithContext("database", j.database)
		}
		j.inform("%s returned to multi-user access", j.database)
	}
	return nil
}

// prepareDatabase creates a missing database, or switches an online one to
// single-user access. It reports whether the access mode was changed.
func (j *RecoveryJob) prepareDatabase(ctx context.Context, server engine.Server) (bool, error) {
	exists, err := server.HasDatabase(ctx, j.database)
	if err != nil {
		return false, NewEngineError(fmt.Sprintf("failed to check database %s", j.database), err).
			WithContext("database", j.database)
	}

	if !exists {
		if _, err := server.CreateDatabase(ctx, j.database); err != nil {
			return false, NewEngineError(fmt.Sprintf("failed to create database %s", j.database), err).
				WithContext("database", j.database)
		}
		j.inform("Created empty database %s", j.database)
		return false, nil
	}

	db, err := server.GetDatabase(ctx, j.database)
	if errors.Is(err, engine.ErrDatabaseNotFound) {
		return false, NewPreconditionError(fmt.Sprintf("database %s disappeared before restore", j.database), ErrDatabaseMissing).
			WithContext("database", j.database)
	}
	if err != nil {
		return false, NewEngineError(fmt.Sprintf("failed to read database %s", j.database), err).
			WithContext("database", j.database)
	}

	if db.State() != engine.StateNormal {
		return false, nil
	}
	if err := db.SetAccessMode(ctx, engine.AccessModeSingle); err != nil {
		return false, NewEngineError(fmt.Sprintf("failed to set %s to single-user access", j.database), err).
			WithContext("database", j.database)
	}
	j.inform("%s switched to single-user access", j.database)
	return true, nil
}
