package services

import (
	"errors"
	"fmt"

	"github.com/skyfield-eo/granulepush/pkg/domain"
)

// ErrGateConfig marks malformed scheduling input (job index past the end of
// the array). Retrying the invocation cannot fix it.
var ErrGateConfig = errors.New("completion gate misconfigured")

// IsTerminal decides whether this invocation owns the release of the shared
// reservation. Terminal is a statically assigned role, fixed at submission
// time: array schedulers guarantee nothing about completion order, so "last
// to finish" is meaningless. Deterministic and side-effect free, callable
// before or after the upload.
func IsTerminal(jobIndex, lastJobIndex int) (bool, error) {
	if lastJobIndex == domain.NoArray {
		return true, nil
	}
	if jobIndex > lastJobIndex {
		return false, fmt.Errorf("job index %d exceeds last job index %d: %w", jobIndex, lastJobIndex, ErrGateConfig)
	}
	return jobIndex == lastJobIndex, nil
}
