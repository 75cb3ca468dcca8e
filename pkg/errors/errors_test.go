package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedConstructorsAndChecks(t *testing.T) {
	tests := []struct {
		err   error
		check func(error) bool
	}{
		{NewValidation("bad input"), IsValidation},
		{NewNotFound("missing"), IsNotFound},
		{NewConflict("collision"), IsConflict},
		{NewCancelled("superseded"), IsCancelled},
		{NewPersistence("write failed", stderrors.New("io")), IsPersistence},
		{NewInternal("bug", stderrors.New("nil map")), IsInternal},
	}
	for _, tt := range tests {
		assert.True(t, tt.check(tt.err), "%v", tt.err)
	}

	// Checks must not cross-match.
	assert.False(t, IsCancelled(NewConflict("x")))
	assert.False(t, IsNotFound(NewValidation("x")))
	assert.False(t, IsValidation(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("connection reset")
	wrapped := Wrap(cause, "failed to persist node")

	require.Error(t, wrapped)
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "failed to persist node")
}

func TestChecksUnwrap(t *testing.T) {
	inner := NewCancelled("superseded by newer request")
	outer := Wrap(inner, "operation settled")
	assert.True(t, IsCancelled(outer))
}
