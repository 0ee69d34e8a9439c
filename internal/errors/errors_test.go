package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"plain error is retryable", goerrors.New("boom"), true},
		{"transient", Transient("network blip"), true},
		{"internal", Internal("unclassified"), true},
		{"timeout", &AppError{Code: ErrCodeTimeout, Message: "deadline"}, true},
		{"not found", NotFound("missing"), true},
		{"permanent", Permanent("bad credentials"), false},
		{"integrity", &AppError{Code: ErrCodeIntegrity, Message: "constraint"}, false},
		{"configuration", Configuration("bad cron"), false},
		{"canceled", &AppError{Code: ErrCodeCanceled, Message: "canceled"}, false},
		{"wrapped permanent", fmt.Errorf("outer: %w", Permanent("inner")), false},
		{"wrapped transient", fmt.Errorf("outer: %w", Transient("inner")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	cause := goerrors.New("root cause")
	err := Wrap(cause, ErrCodeTransient, "context")
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeTransient, GetCode(err))
	assert.Contains(t, err.Error(), "context")
	assert.Contains(t, err.Error(), "root cause")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeTransient, "context"))
	assert.Nil(t, Wrapf(nil, ErrCodeTransient, "context %d", 1))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsConfiguration(Configurationf("job %s bad", "x")))
	assert.True(t, IsPermanent(Permanent("nope")))
	assert.True(t, IsNotFound(NotFoundf("run %s", "abc")))
	assert.False(t, IsPermanent(Transient("try again")))
}

func TestMapDBError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout},
		{"canceled", context.Canceled, ErrCodeCanceled},
		{"no rows", pgx.ErrNoRows, ErrCodeNotFound},
		{"serialization", &pgconn.PgError{Code: pgerrcode.SerializationFailure}, ErrCodeTransient},
		{"deadlock", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, ErrCodeTransient},
		{"unique", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, ErrCodeIntegrity},
		{"foreign key", &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation}, ErrCodeIntegrity},
		{"connection failure", &pgconn.PgError{Code: pgerrcode.ConnectionFailure}, ErrCodeTransient},
		{"unknown pg code", &pgconn.PgError{Code: pgerrcode.DataException}, ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := MapDBError(fmt.Errorf("query: %w", tt.err))
			assert.Equal(t, tt.code, GetCode(mapped))
		})
	}

	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, MapDBError(nil))
	})

	t.Run("unrecognised error passes through", func(t *testing.T) {
		plain := goerrors.New("weird")
		assert.Equal(t, plain, MapDBError(plain))
	})
}

func TestIsUniqueViolation(t *testing.T) {
	unique := &pgconn.PgError{Code: pgerrcode.UniqueViolation}
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", unique)))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: pgerrcode.NotNullViolation}))
	assert.False(t, IsUniqueViolation(nil))
}
