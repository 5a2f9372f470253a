package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError(t *testing.T) {
	cause := errors.New("underlying error")
	appErr := NewAppError(ErrorTypeConnection, "connection failed", cause)

	assert.Equal(t, ErrorTypeConnection, appErr.Type)
	assert.Equal(t, cause, appErr.Cause)
	assert.False(t, appErr.IsRecoverable())
	assert.Equal(t, "connection: connection failed (caused by: underlying error)", appErr.Error())
	assert.ErrorIs(t, appErr, cause)

	appErr.WithContext("database", "Sales")
	assert.Equal(t, "Sales", appErr.Context["database"])

	assert.True(t, NewRecoverableError(ErrorTypeBusy, "busy", nil).IsRecoverable())
}

func TestErrorClassifier_ClassifySQLServerError(t *testing.T) {
	classifier := NewErrorClassifier()

	tests := []struct {
		name         string
		number       int32
		expectedType ErrorType
		recoverable  bool
	}{
		{"login failed", 18456, ErrorTypePermission, false},
		{"cannot open database", 4060, ErrorTypeValidation, false},
		{"backup device", 3201, ErrorTypeMedia, false},
		{"abnormal termination", 3013, ErrorTypeMedia, false},
		{"log chain broken", 4305, ErrorTypeSQL, false},
		{"exclusive access", 3101, ErrorTypeBusy, true},
		{"deadlock", 1205, ErrorTypeBusy, true},
		{"other", 50000, ErrorTypeSQL, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fmt.Errorf("exec: %w", mssql.Error{Number: tt.number, Message: tt.name})
			result := classifier.ClassifyError(err)

			require.NotNil(t, result)
			assert.Equal(t, tt.expectedType, result.Type)
			assert.Equal(t, tt.recoverable, result.IsRecoverable())
			assert.Equal(t, tt.number, result.Context["sqlserver_error_code"])
		})
	}
}

func TestErrorClassifier_ClassifyDriverErrors(t *testing.T) {
	classifier := NewErrorClassifier()

	assert.Equal(t, ErrorTypeValidation, classifier.ClassifyError(sql.ErrNoRows).Type)
	assert.True(t, classifier.ClassifyError(sql.ErrConnDone).IsRecoverable())
	assert.Nil(t, classifier.ClassifyError(nil))

	existing := NewAppError(ErrorTypeMedia, "already classified", nil)
	assert.Same(t, existing, classifier.ClassifyError(existing))

	assert.Equal(t, ErrorTypeUnknown, classifier.ClassifyError(errors.New("mystery")).Type)
}

func TestErrorClassifier_ClassifyContextError(t *testing.T) {
	classifier := NewErrorClassifier()

	timeout := classifier.ClassifyError(context.DeadlineExceeded)
	assert.Equal(t, ErrorTypeTimeout, timeout.Type)
	assert.True(t, timeout.IsRecoverable())

	canceled := classifier.ClassifyError(fmt.Errorf("wait: %w", context.Canceled))
	assert.Equal(t, ErrorTypeInterruption, canceled.Type)
	assert.False(t, canceled.IsRecoverable())
}

func TestErrorClassifier_ClassifyFileSystemError(t *testing.T) {
	classifier := NewErrorClassifier()

	tests := []struct {
		name         string
		err          error
		expectedType ErrorType
	}{
		{"not found", &os.PathError{Op: "open", Path: "/x.bak", Err: syscall.ENOENT}, ErrorTypeValidation},
		{"permission", &os.PathError{Op: "open", Path: "/x.bak", Err: syscall.EACCES}, ErrorTypePermission},
		{"no space", &os.PathError{Op: "write", Path: "/x.bak", Err: syscall.ENOSPC}, ErrorTypeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedType, classifier.ClassifyError(tt.err).Type)
		})
	}
}

func TestErrorClassifier_ClassifyNetworkError(t *testing.T) {
	classifier := NewErrorClassifier()

	dial := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}
	result := classifier.ClassifyError(dial)
	assert.Equal(t, ErrorTypeConnection, result.Type)
	assert.True(t, result.IsRecoverable())
}

func TestRetryHandler_Retry(t *testing.T) {
	fast := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	t.Run("succeeds after recoverable failures", func(t *testing.T) {
		handler := NewRetryHandler(fast)
		attempts := 0
		err := handler.Retry(context.Background(), func() error {
			attempts++
			if attempts < 3 {
				return mssql.Error{Number: 1205, Message: "deadlock"}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("stops on permanent failure", func(t *testing.T) {
		handler := NewRetryHandler(fast)
		attempts := 0
		err := handler.Retry(context.Background(), func() error {
			attempts++
			return mssql.Error{Number: 18456, Message: "Login failed"}
		})
		require.Error(t, err)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, ErrorTypePermission, GetErrorType(err))
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		handler := NewRetryHandler(fast)
		attempts := 0
		err := handler.Retry(context.Background(), func() error {
			attempts++
			return sql.ErrConnDone
		})
		require.Error(t, err)
		assert.Equal(t, 3, attempts)

		var appErr *AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, 3, appErr.Context["attempts"])
	})

	t.Run("canceled context", func(t *testing.T) {
		handler := NewRetryHandler(fast)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		err := handler.Retry(ctx, func() error {
			called = true
			return nil
		})
		require.Error(t, err)
		assert.False(t, called)
		assert.Equal(t, ErrorTypeInterruption, GetErrorType(err))
	})
}

func TestRetryHandler_CalculateDelay(t *testing.T) {
	handler := NewRetryHandler(RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2,
	})

	assert.Equal(t, 100*time.Millisecond, handler.calculateDelay(1))
	assert.Equal(t, 200*time.Millisecond, handler.calculateDelay(2))
	assert.Equal(t, 400*time.Millisecond, handler.calculateDelay(3))
	assert.Equal(t, time.Second, handler.calculateDelay(5))
}

func TestGracefulShutdownHandler(t *testing.T) {
	handler := NewGracefulShutdownHandler()

	var order []int
	handler.RegisterShutdownFunc(func() error { order = append(order, 1); return nil })
	handler.RegisterShutdownFunc(func() error { order = append(order, 2); return errors.New("ignored") })

	ctx, stop := handler.Start(context.Background())
	defer stop()
	assert.NoError(t, ctx.Err())

	handler.Shutdown()
	handler.Shutdown()

	select {
	case <-handler.Done():
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.Equal(t, []int{2, 1}, order)

	stop()
	assert.Error(t, ctx.Err())
}

func TestFormatUserError(t *testing.T) {
	assert.Empty(t, FormatUserError(nil))

	appErr := NewAppError(ErrorTypeMedia, "internal", nil)
	appErr.UserMessage = "Check the backup file"
	assert.Equal(t, "Check the backup file", FormatUserError(appErr))
	assert.Equal(t, "plain", FormatUserError(errors.New("plain")))
}
