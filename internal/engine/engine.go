// Package engine describes the narrow capability the recovery core needs from a
// database engine: database lookup and creation, access mode changes, artifact
// header inspection, and asynchronous backup/restore calls with progress events.
package engine

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDatabaseNotFound is returned by Server.GetDatabase when the database does not exist.
	ErrDatabaseNotFound = errors.New("database not found")
	// ErrHeaderNotFound is returned by Server.ReadHeaderType when the artifact has no readable header.
	ErrHeaderNotFound = errors.New("backup header not found")
)

// Server is a connected engine instance.
type Server interface {
	HasDatabase(ctx context.Context, name string) (bool, error)
	GetDatabase(ctx context.Context, name string) (Database, error)
	CreateDatabase(ctx context.Context, name string) (Database, error)
	// ReadHeaderType returns the numeric backup type code embedded in the artifact header.
	ReadHeaderType(ctx context.Context, path string) (int, error)
	// Start submits a backup or restore request and returns immediately.
	Start(ctx context.Context, req Request) (Call, error)
}

// Database is a handle to one database on a Server.
type Database interface {
	Name() string
	State() DatabaseState
	UserAccess() AccessMode
	// SetAccessMode changes the user access mode, rolling back in-flight transactions immediately.
	SetAccessMode(ctx context.Context, mode AccessMode) error
}

// DatabaseState mirrors the engine's state_desc values.
type DatabaseState string

const (
	StateNormal     DatabaseState = "ONLINE"
	StateRestoring  DatabaseState = "RESTORING"
	StateRecovering DatabaseState = "RECOVERING"
	StateSuspect    DatabaseState = "SUSPECT"
	StateOffline    DatabaseState = "OFFLINE"
	StateEmergency  DatabaseState = "EMERGENCY"
)

// AccessMode is the database user access mode.
type AccessMode string

const (
	AccessModeMultiple   AccessMode = "MULTI_USER"
	AccessModeSingle     AccessMode = "SINGLE_USER"
	AccessModeRestricted AccessMode = "RESTRICTED_USER"
)

// Action selects what a Request does.
type Action int

const (
	ActionBackupDatabase Action = iota
	ActionBackupLog
	ActionRestoreDatabase
	ActionRestoreLog
)

func (a Action) String() string {
	switch a {
	case ActionBackupDatabase:
		return "BACKUP DATABASE"
	case ActionBackupLog:
		return "BACKUP LOG"
	case ActionRestoreDatabase:
		return "RESTORE DATABASE"
	case ActionRestoreLog:
		return "RESTORE LOG"
	default:
		return "UNKNOWN"
	}
}

// IsRestore reports whether the action restores data into the database.
func (a Action) IsRestore() bool {
	return a == ActionRestoreDatabase || a == ActionRestoreLog
}

// DeviceKind identifies the type of storage a device points at.
type DeviceKind string

const (
	DeviceKindFile DeviceKind = "file"
)

// Device is a named storage location.
type Device struct {
	Name string
	Kind DeviceKind
}

// Options carries the per-request switches.
type Options struct {
	Incremental         bool
	Initialize          bool
	Checksum            bool
	ContinueAfterError  bool
	TruncateLog         bool
	NoRecovery          bool
	ReplaceDatabase     bool
	SetName             string
	Description         string
	PercentNotification int
}

// Request is one backup or restore invocation.
type Request struct {
	Action   Action
	Database string
	Devices  []Device
	Options  Options
}

// Call is an in-flight request.
type Call interface {
	// Events streams notifications for the call. The channel is closed when the call finishes.
	Events() <-chan Event
	// Wait blocks until the call finishes or ctx is done. Returning because of ctx
	// does not stop the engine-side work.
	Wait(ctx context.Context) error
}

// EventKind classifies an Event.
type EventKind int

const (
	EventProgress EventKind = iota
	EventInformation
	EventComplete
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventInformation:
		return "information"
	case EventComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Event is a notification emitted by the engine during a call.
type Event struct {
	Kind    EventKind
	Percent int
	Message string
	Time    time.Time
}
