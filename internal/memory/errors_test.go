package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotFoundErrorMessage(t *testing.T) {
	err := &NotFoundError{Entity: "session", ID: "abc"}
	require.Equal(t, "session not found: abc", err.Error())
}

func TestInvariantViolationErrorMessage(t *testing.T) {
	err := &InvariantViolationError{Reason: "embedding dimension mismatch"}
	require.Equal(t, "invariant violation: embedding dimension mismatch", err.Error())
}

func TestBackendUnavailableErrorWrapsCause(t *testing.T) {
	cause := errors.New("vss0 not loadable")
	err := &BackendUnavailableError{Backend: "sidecar", Cause: cause}
	require.Equal(t, "backend unavailable (sidecar): vss0 not loadable", err.Error())
	require.ErrorIs(t, err, cause)
}

func TestConflictErrorMessage(t *testing.T) {
	err := &ConflictError{Reason: "retry exhausted"}
	require.Equal(t, "conflict: retry exhausted", err.Error())
}
