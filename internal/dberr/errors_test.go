package dberr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassOfWrappedErrors(t *testing.T) {
	err := NotFound("document %s", "abc")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, ErrNotFound, Class(err))
	require.Equal(t, "not found: document abc", err.Error())

	require.Nil(t, Class(errors.New("plain")))
}

func TestExternalKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := External(cause, "send transaction")
	require.ErrorIs(t, err, ErrExternal)
	require.ErrorIs(t, err, cause)
	require.True(t, Retryable(err))
	require.False(t, Retryable(Validation("bad field")))
}
