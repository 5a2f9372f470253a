package backup

import (
	"strings"
)

// ArtifactType is the category of a backup artifact
type ArtifactType int

const (
	ArtifactUnknown ArtifactType = iota
	ArtifactFull
	ArtifactDifferential
	ArtifactTransactionLog
)

// String returns the canonical name, as stored in sidecar metadata
func (t ArtifactType) String() string {
	switch t {
	case ArtifactFull:
		return "Full"
	case ArtifactDifferential:
		return "Differential"
	case ArtifactTransactionLog:
		return "TransactionLog"
	default:
		return "Unknown"
	}
}

// DisplayName returns a human-readable name
func (t ArtifactType) DisplayName() string {
	if t == ArtifactTransactionLog {
		return "Transaction Log"
	}
	return t.String()
}

// Priority is the restore sort key. Lower runs first.
func (t ArtifactType) Priority() int {
	switch t {
	case ArtifactFull:
		return 0
	case ArtifactDifferential:
		return 1
	case ArtifactTransactionLog:
		return 2
	default:
		return 3
	}
}

// ParseArtifactType parses a canonical or display name case-insensitively.
// Anything else yields ArtifactUnknown.
func ParseArtifactType(s string) ArtifactType {
	normalized := strings.ToLower(strings.Join(strings.Fields(s), ""))
	switch normalized {
	case "full":
		return ArtifactFull
	case "differential":
		return ArtifactDifferential
	case "transactionlog":
		return ArtifactTransactionLog
	default:
		return ArtifactUnknown
	}
}

// ArtifactTypeFromHeaderCode maps an engine header code: 1 full, 2 differential, 3 log
func ArtifactTypeFromHeaderCode(code int) ArtifactType {
	switch code {
	case 1:
		return ArtifactFull
	case 2:
		return ArtifactDifferential
	case 3:
		return ArtifactTransactionLog
	default:
		return ArtifactUnknown
	}
}

// Direction distinguishes backups from restores
type Direction int

const (
	DirectionBackup Direction = iota
	DirectionRestore
)

func (d Direction) String() string {
	if d == DirectionRestore {
		return "restore"
	}
	return "backup"
}

// Status is the lifecycle state of an operation
type Status int

const (
	StatusNotStarted Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "NotStarted"
	case StatusInProgress:
		return "InProgress"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether the status is final
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FinalizePolicy decides which restore steps recover the database
type FinalizePolicy int

const (
	// FinalizeAsConfigured uses each restore's own keep-restoring flag.
	FinalizeAsConfigured FinalizePolicy = iota
	// FinalizeLastStep keeps every step but the last in the restoring state.
	FinalizeLastStep
)

func (p FinalizePolicy) String() string {
	if p == FinalizeLastStep {
		return "last_step"
	}
	return "as_configured"
}

// ParseFinalizePolicy parses "as_configured" or "last_step"
func ParseFinalizePolicy(s string) (FinalizePolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "as_configured", "as-configured":
		return FinalizeAsConfigured, true
	case "last_step", "last-step":
		return FinalizeLastStep, true
	default:
		return FinalizeAsConfigured, false
	}
}
