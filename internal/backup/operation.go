package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mssql-recovery/internal/engine"
	"mssql-recovery/internal/logging"

	"github.com/google/uuid"
)

// Operation is one single-use backup or restore invocation
type Operation interface {
	ID() string
	DatabaseName() string
	ArtifactType() ArtifactType
	Direction() Direction
	ArtifactPath() string
	Status() Status
	Priority() int
	Devices() []engine.Device
	// SetDevice registers the operation's canonical file device.
	SetDevice()
	// Request builds the engine request for the operation.
	Request() engine.Request
	// Subscribe streams events of the given kinds (all kinds when none are
	// given). Subscribers must drain the channel or unsubscribe; delivery
	// blocks otherwise. The channel is closed when the operation finishes.
	Subscribe(kinds ...engine.EventKind) (<-chan Event, func())
	Execute(ctx context.Context, server engine.Server) error
}

// RestoreOperation is an Operation that restores into a database
type RestoreOperation interface {
	Operation
	KeepRestoring() bool
	SetKeepRestoring(keep bool)
}

// OperationOption configures an operation at construction
type OperationOption func(*operation)

// WithLogger sets the operation logger
func WithLogger(logger *logging.Logger) OperationOption {
	return func(o *operation) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOperationID overrides the generated operation ID
func WithOperationID(id string) OperationOption {
	return func(o *operation) {
		if id != "" {
			o.id = id
		}
	}
}

// WithKeepRestoring sets whether a restore leaves the database in the restoring state
func WithKeepRestoring(keep bool) OperationOption {
	return func(o *operation) {
		o.keepRestoring = keep
	}
}

// WithoutFileCheck skips the local existence check of restore artifacts, for
// paths that are only visible to the engine host.
func WithoutFileCheck() OperationOption {
	return func(o *operation) {
		o.skipFileCheck = true
	}
}

// WithRecorder sets the sidecar recorder used after a completed backup. Nil disables it.
func WithRecorder(recorder *MetadataRecorder) OperationOption {
	return func(o *operation) {
		o.recorder = recorder
		o.recorderSet = true
	}
}

// WithRequestOptions adjusts the engine options after the variant defaults are applied
func WithRequestOptions(configure func(*engine.Options)) OperationOption {
	return func(o *operation) {
		o.configure = configure
	}
}

// operation carries the state shared by every variant
type operation struct {
	id            string
	database      string
	artifact      ArtifactType
	direction     Direction
	path          string
	keepRestoring bool
	skipFileCheck bool
	recorder      *MetadataRecorder
	recorderSet   bool
	configure     func(*engine.Options)

	mu      sync.Mutex
	status  Status
	claimed bool
	percent int

	devices *DeviceRegistry
	events  *broadcaster
	logger  *logging.Logger
}

func newOperation(database, path string, artifact ArtifactType, direction Direction, opts []OperationOption) (*operation, error) {
	if strings.TrimSpace(database) == "" {
		return nil, NewPreconditionError("database name cannot be empty", ErrEmptyDatabaseName)
	}
	if strings.TrimSpace(path) == "" {
		return nil, NewValidationError("artifact path cannot be empty", nil)
	}

	o := &operation{
		id:            uuid.New().String(),
		database:      database,
		artifact:      artifact,
		direction:     direction,
		path:          path,
		keepRestoring: true,
		percent:       -1,
		events:        newBroadcaster(),
		logger:        logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.devices = NewDeviceRegistry(o.logger)

	if direction == DirectionBackup && !o.recorderSet {
		o.recorder = NewMetadataRecorder()
	}
	return o, nil
}

func (o *operation) ID() string                 { return o.id }
func (o *operation) DatabaseName() string       { return o.database }
func (o *operation) ArtifactType() ArtifactType { return o.artifact }
func (o *operation) Direction() Direction       { return o.direction }
func (o *operation) ArtifactPath() string       { return o.path }
func (o *operation) Priority() int              { return o.artifact.Priority() }
func (o *operation) Devices() []engine.Device   { return o.devices.Devices() }

func (o *operation) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *operation) KeepRestoring() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.keepRestoring
}

func (o *operation) SetKeepRestoring(keep bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.keepRestoring = keep
}

func (o *operation) Subscribe(kinds ...engine.EventKind) (<-chan Event, func()) {
	return o.events.subscribe(kinds...)
}

func (o *operation) SetDevice() {
	o.devices.AddDevice(engine.Device{Name: o.path, Kind: engine.DeviceKindFile})
}

func (o *operation) applyOptions(opts *engine.Options) {
	if o.configure != nil {
		o.configure(opts)
	}
}

// claim reserves the operation for one run. Status stays NotStarted until the
// remaining preconditions pass.
func (o *operation) claim() *BackupError {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case o.status == StatusInProgress || o.claimed && o.status == StatusNotStarted:
		return NewPreconditionError(fmt.Sprintf("%s %s for %s is already in progress", o.artifact.DisplayName(), o.direction, o.database), ErrAlreadyRunning)
	case o.status.IsTerminal():
		return NewPreconditionError(fmt.Sprintf("%s %s for %s has already been executed", o.artifact.DisplayName(), o.direction, o.database), ErrAlreadyExecuted)
	}
	o.claimed = true
	return nil
}

func (o *operation) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.claimed = false
}

func (o *operation) setStatus(s Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = s
}

func (o *operation) errorContext(err *BackupError) *BackupError {
	return err.
		WithContext("database", o.database).
		WithContext("artifact_type", o.artifact.String()).
		WithContext("direction", o.direction.String()).
		WithContext("path", o.path)
}

// run executes the operation. op is the concrete variant embedding o; its
// SetDevice and Request supply the variant-specific parts.
func (o *operation) run(ctx context.Context, server engine.Server, op Operation) error {
	if server == nil {
		return o.errorContext(NewPreconditionError("engine server is required", ErrNilServer))
	}
	if strings.TrimSpace(o.database) == "" {
		return o.errorContext(NewPreconditionError("database name is not set", ErrEmptyDatabaseName))
	}
	if err := o.claim(); err != nil {
		return o.errorContext(err)
	}

	exists, err := server.HasDatabase(ctx, o.database)
	if err != nil {
		o.release()
		return o.errorContext(NewEngineError("failed to check database existence", err))
	}
	if !exists {
		o.release()
		return o.errorContext(NewPreconditionError(fmt.Sprintf("database %s does not exist", o.database), ErrDatabaseMissing))
	}

	op.SetDevice()
	if o.devices.Count() == 0 {
		o.release()
		return o.errorContext(NewConfigurationError("operation proceeded without a configured backup device", ErrNoDevices))
	}

	req := op.Request()
	req.Devices = o.devices.Devices()

	o.setStatus(StatusInProgress)
	done := o.logger.LogOperationStart(fmt.Sprintf("%s_%s", o.direction, strings.ToLower(o.artifact.String())), map[string]interface{}{
		"database":     o.database,
		"path":         o.path,
		"operation_id": o.id,
	})

	err = o.invoke(ctx, server, req)
	done(err)
	if err != nil {
		return err
	}

	if o.direction == DirectionBackup && o.recorder != nil {
		if _, err := o.recorder.Write(op); err != nil {
			return o.errorContext(NewMetadataError("backup completed but sidecar metadata could not be written", err))
		}
	}
	return nil
}

func (o *operation) invoke(ctx context.Context, server engine.Server, req engine.Request) error {
	call, err := server.Start(ctx, req)
	if err != nil {
		o.finish(StatusFailed)
		return o.errorContext(NewEngineError(fmt.Sprintf("%s failed to start", req.Action), err))
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for e := range call.Events() {
			o.forward(e)
		}
	}()

	err = call.Wait(ctx)
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil && errors.Is(err, ctxErr) {
		o.finish(StatusFailed)
		o.logger.WithField("database", o.database).Warn("Operation canceled while waiting for the engine")
		return o.errorContext(NewCancellationError(fmt.Sprintf("%s %s canceled", o.artifact.DisplayName(), o.direction), err))
	}

	<-drained
	if err != nil {
		o.finish(StatusFailed)
		return o.errorContext(NewEngineError(fmt.Sprintf("%s %s failed", o.artifact.DisplayName(), o.direction), err))
	}

	o.finish(StatusCompleted)
	return nil
}

// forward republishes an engine event, keeping progress monotonic
func (o *operation) forward(e engine.Event) {
	if e.Kind == engine.EventProgress {
		o.mu.Lock()
		if e.Percent < 0 {
			e.Percent = 0
		}
		if e.Percent > 100 {
			e.Percent = 100
		}
		if e.Percent < o.percent {
			e.Percent = o.percent
		}
		o.percent = e.Percent
		o.mu.Unlock()
	}

	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	o.events.publish(Event{
		Kind:        e.Kind,
		OperationID: o.id,
		Database:    o.database,
		Artifact:    o.artifact,
		Direction:   o.direction,
		Percent:     e.Percent,
		Message:     e.Message,
		Time:        ts,
	})
}

func (o *operation) finish(s Status) {
	o.setStatus(s)
	o.events.close()
}
