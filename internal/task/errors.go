package task

import (
	"errors"
	"fmt"
)

// ErrNoSubagentFactory is returned by SpawnSubagent when the manager was
// built without a subagent factory.
var ErrNoSubagentFactory = errors.New("no subagent factory configured")

// SpawnError reports a synchronous spawn failure. All other faults are
// carried as data in the terminal Result.
type SpawnError struct {
	Reason string
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn task: %s", e.Reason)
}

// NewSpawnError builds a SpawnError from a formatted reason.
func NewSpawnError(format string, args ...any) *SpawnError {
	return &SpawnError{Reason: fmt.Sprintf(format, args...)}
}

// IsSpawnError reports whether err is a SpawnError.
func IsSpawnError(err error) bool {
	var spawnErr *SpawnError
	return errors.As(err, &spawnErr)
}
