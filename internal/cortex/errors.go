package cortex

import (
	"fmt"

	"github.com/cogcortex/cortex/internal/memory"
	"github.com/cogcortex/cortex/internal/policy"
)

// The facade re-exports internal/memory's and internal/policy's error
// types as type aliases (spec.md §7) so callers of this package's public
// surface never need to import the subsystem packages directly just to
// do an errors.As check.
type (
	NotFoundError            = memory.NotFoundError
	BackendUnavailableError  = memory.BackendUnavailableError
	InvariantViolationError  = memory.InvariantViolationError
	ConflictError            = memory.ConflictError
	CognitiveRuleDeniedError = policy.CognitiveRuleDeniedError
)

// QuotaExceededError reports that a ResourceMonitor.ValidateQuota check
// denied a request (spec.md §7); this kind has no natural home in
// internal/memory since ResourceMonitor returns a QuotaResult rather than
// an error, so the facade is where a caller wanting a typed error gets one.
type QuotaExceededError struct {
	Scope  string
	Reason string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded (%s): %s", e.Scope, e.Reason)
}
