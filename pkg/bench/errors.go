package bench

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	ExitOK      = 0
	ExitSetupIO = 3
	ExitConfig  = 123
	exitUnknown = 1
)

// ConfigError reports invalid or missing arguments.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Reason
}

// SetupIOError reports a failure to create, populate or open the workload
// file. No samples are produced when it occurs.
type SetupIOError struct {
	Phase string
	Err   error
}

func (e *SetupIOError) Error() string {
	return fmt.Sprintf("%v failed: %v", e.Phase, e.Err)
}

func (e *SetupIOError) Unwrap() error {
	return e.Err
}

func (e *SetupIOError) Cause() error {
	return e.Err
}

func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return ExitConfig
	}

	var setupErr *SetupIOError
	if errors.As(err, &setupErr) {
		return ExitSetupIO
	}

	return exitUnknown
}
