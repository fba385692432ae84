package cli

import (
	"errors"
	"fmt"
)

// Errors returned by helios commands. Matching with errors.Is lets the
// top-level printer choose exit codes without type switches.
var (
	// ErrConfig marks a configuration problem surfaced by a command.
	ErrConfig = errors.New("invalid configuration")

	// ErrCommand marks a command that ran and failed.
	ErrCommand = errors.New("command failed")
)

// ConfigError reports a configuration problem tied to a field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config error: %s", e.Message)
	}
	return fmt.Sprintf("config error in %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// CommandError wraps a failure from a command execution, keeping the
// command name for the error printer. It matches ErrCommand and
// unwraps to the underlying cause.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) Is(target error) bool {
	return target == ErrCommand
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// NewCommandError creates a new CommandError.
func NewCommandError(command string, err error) *CommandError {
	return &CommandError{
		Command: command,
		Err:     err,
	}
}
