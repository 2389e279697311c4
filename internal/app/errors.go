package app

import (
	"errors"

	"ctestci/internal/config"
	"ctestci/internal/revision"
)

// Exit codes for failures of ctestci itself, following sysexits.h. A run that
// reaches the build step exits with ctest's own status instead.
const (
	ExitUsage       = 64
	ExitDataErr     = 65
	ExitNoInput     = 66
	ExitUnavailable = 69
	ExitSoftware    = 70
	ExitConfig      = 78
)

var (
	ErrMissingRevision  = errors.New("revision environment variable is not set")
	ErrBuildTree        = errors.New("build tree is not usable")
	ErrCTestUnavailable = errors.New("ctest is unavailable")
	ErrUpdateFailed     = errors.New("ctest update step failed")
)

// ExitCode maps an error returned by ctestci to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrMissingRevision),
		errors.Is(err, revision.ErrMissingRevision),
		errors.Is(err, revision.ErrInvalidRevision),
		errors.Is(err, config.ErrInvalid):
		return ExitConfig
	case errors.Is(err, revision.ErrDocumentNotFound),
		errors.Is(err, ErrBuildTree):
		return ExitNoInput
	case errors.Is(err, revision.ErrMalformedDocument),
		errors.Is(err, revision.ErrFieldNotFound),
		errors.Is(err, revision.ErrAmbiguousField):
		return ExitDataErr
	case errors.Is(err, ErrCTestUnavailable),
		errors.Is(err, ErrUpdateFailed):
		return ExitUnavailable
	default:
		return ExitSoftware
	}
}
