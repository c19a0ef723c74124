package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDomainError_IsMatchesByCategoryAndCode(t *testing.T) {
	err := ErrConflict(CodeMergeConflict, "branch collided")
	wrapped := fmt.Errorf("processing item: %w", err)

	require.ErrorIs(t, wrapped, &DomainError{Category: ErrCatConflict, Code: CodeMergeConflict})
	require.NotErrorIs(t, wrapped, &DomainError{Category: ErrCatConflict, Code: CodeNonFastForward})
}

func TestDomainError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("exit status 128")
	err := ErrState(CodeStateCorrupted, "store file unreadable").WithCause(cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "exit status 128")
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(ErrRateLimit("429")))
	require.True(t, IsRetryable(ErrTimeout("slow")))
	require.False(t, IsRetryable(ErrValidation("BAD", "nope")))
	require.False(t, IsRetryable(errors.New("plain")))
}

func TestGetCategory_DefaultsToInternal(t *testing.T) {
	require.Equal(t, ErrCatRateLimit, GetCategory(ErrRateLimit("429")))
	require.Equal(t, ErrCatInternal, GetCategory(errors.New("plain")))
	require.True(t, IsCategory(ErrNotFound("task", "T1"), ErrCatNotFound))
}
