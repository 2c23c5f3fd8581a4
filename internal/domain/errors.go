// Package domain provides shared domain-level sentinel errors.
//
// Errors are grouped into families. Specific errors wrap their family base
// so callers can match either the precise condition or the broad category:
//
//	errors.Is(err, domain.ErrUnknownAgent) // exact
//	errors.Is(err, domain.ErrNotFound)     // family
package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the request conflicts with current state.
var ErrConflict = errors.New("conflict")

// ErrValidation indicates invalid input.
var ErrValidation = errors.New("validation error")

// ErrUnavailable indicates the container engine is not installed or not running.
var ErrUnavailable = errors.New("unavailable")

// ErrExternal indicates an external command exited unsuccessfully.
var ErrExternal = errors.New("external failure")

// ErrChannel indicates agent subprocess I/O is broken.
var ErrChannel = errors.New("channel failure")

// ErrNoSession is returned when an operation needs an active session and none exists.
// It is deliberately outside the NotFound family.
var ErrNoSession = errors.New("no active session; initialize a session first")

var (
	ErrUnknownAgent   = fmt.Errorf("unknown agent: %w", ErrNotFound)
	ErrUnknownRequest = fmt.Errorf("unknown request: %w", ErrNotFound)
	ErrTaskNotFound   = fmt.Errorf("task %w", ErrNotFound)

	ErrDuplicateAgent = fmt.Errorf("duplicate agent: %w", ErrConflict)

	ErrSpawnFailure    = fmt.Errorf("spawn failure: %w", ErrExternal)
	ErrContainerCreate = fmt.Errorf("failed to create container: %w", ErrExternal)
	ErrImageBuild      = fmt.Errorf("failed to build image: %w", ErrExternal)

	ErrChannelClosed = fmt.Errorf("channel closed: %w", ErrChannel)
)

// InvalidPortError reports a requested container port outside [1, 65535].
// It matches both ErrConflict and ErrValidation.
type InvalidPortError struct {
	Port int
}

func (e *InvalidPortError) Error() string {
	return fmt.Sprintf("Invalid port number: %d", e.Port)
}

// Is lets errors.Is match the conflict and validation families.
func (e *InvalidPortError) Is(target error) bool {
	return target == ErrConflict || target == ErrValidation
}

// BuildError carries the captured output of a failed image build.
type BuildError struct {
	Tag    string
	Output string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("failed to build image %s: %v", e.Tag, e.Err)
}

func (e *BuildError) Unwrap() []error {
	return []error{ErrImageBuild, e.Err}
}
