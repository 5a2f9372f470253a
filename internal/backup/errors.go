package backup

import (
	"errors"
	"fmt"
)

// BackupError represents errors that occur during backup and restore operations
type BackupError struct {
	Type    BackupErrorType        `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *BackupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error
func (e *BackupError) Unwrap() error {
	return e.Cause
}

// BackupErrorType represents different types of backup errors
type BackupErrorType string

const (
	BackupErrorTypePrecondition   BackupErrorType = "PRECONDITION_ERROR"
	BackupErrorTypeConfiguration  BackupErrorType = "CONFIGURATION_ERROR"
	BackupErrorTypeEngine         BackupErrorType = "ENGINE_ERROR"
	BackupErrorTypeCancellation   BackupErrorType = "CANCELLATION"
	BackupErrorTypeMetadata       BackupErrorType = "METADATA_ERROR"
	BackupErrorTypeClassification BackupErrorType = "CLASSIFICATION_ERROR"
	BackupErrorTypeRecoveryJob    BackupErrorType = "RECOVERY_JOB_ERROR"
	BackupErrorTypeStorage        BackupErrorType = "STORAGE_ERROR"
	BackupErrorTypeValidation     BackupErrorType = "VALIDATION_ERROR"
	BackupErrorTypeCompression    BackupErrorType = "COMPRESSION_ERROR"
	BackupErrorTypeEncryption     BackupErrorType = "ENCRYPTION_ERROR"
)

// Precondition causes. Callers match them with errors.Is.
var (
	ErrNilServer                    = errors.New("engine server is nil")
	ErrEmptyDatabaseName            = errors.New("database name is not set")
	ErrAlreadyRunning               = errors.New("operation is already in progress")
	ErrAlreadyExecuted              = errors.New("operation has already been executed")
	ErrDatabaseMissing              = errors.New("database does not exist")
	ErrNoDevices                    = errors.New("no backup device configured")
	ErrNoOperations                 = errors.New("no restore operations have been added to the recovery job")
	ErrDatabaseMismatch             = errors.New("operation database does not match the recovery job database")
	ErrDuplicateFullRestore         = errors.New("recovery job already contains a full restore")
	ErrDuplicateDifferentialRestore = errors.New("recovery job already contains a differential restore")
	ErrNilOperation                 = errors.New("operation is nil")
	ErrUnknownArtifactType          = errors.New("backup type could not be determined")
	ErrDecryptionFailed             = errors.New("artifact could not be decrypted: wrong key or corrupted data")
)

// NewBackupError creates a new BackupError
func NewBackupError(errorType BackupErrorType, message string, cause error) *BackupError {
	return &BackupError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *BackupError) WithContext(key string, value interface{}) *BackupError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Common error constructors
func NewPreconditionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypePrecondition, message, cause)
}

func NewConfigurationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConfiguration, message, cause)
}

func NewEngineError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeEngine, message, cause)
}

func NewCancellationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCancellation, message, cause)
}

func NewMetadataError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeMetadata, message, cause)
}

func NewClassificationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeClassification, message, cause)
}

func NewRecoveryJobError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeRecoveryJob, message, cause)
}

func NewStorageError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeStorage, message, cause)
}

func NewValidationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeValidation, message, cause)
}

func NewCompressionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCompression, message, cause)
}

func NewEncryptionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeEncryption, message, cause)
}

// ValidationError represents validation-specific errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors represents a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// ErrorTypeOf returns the type of the outermost BackupError in err's chain
func ErrorTypeOf(err error) BackupErrorType {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Type
	}
	return ""
}

// IsPrecondition reports whether err is a precondition failure
func IsPrecondition(err error) bool {
	return ErrorTypeOf(err) == BackupErrorTypePrecondition
}

// IsCancellation reports whether err is a cancellation outcome
func IsCancellation(err error) bool {
	return ErrorTypeOf(err) == BackupErrorTypeCancellation
}

// IsMetadataError reports whether err is a sidecar write failure after a completed backup
func IsMetadataError(err error) bool {
	return ErrorTypeOf(err) == BackupErrorTypeMetadata
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	return ErrorTypeOf(err) == BackupErrorTypeStorage
}

// IsPermanent determines if an error is permanent and should not be retried
func IsPermanent(err error) bool {
	switch ErrorTypeOf(err) {
	case BackupErrorTypePrecondition, BackupErrorTypeConfiguration,
		BackupErrorTypeValidation, BackupErrorTypeClassification:
		return true
	default:
		return false
	}
}
