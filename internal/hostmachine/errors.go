package hostmachine

import (
	"errors"
	"fmt"

	"github.com/edvin/podlab/internal/model"
)

// Request validation failures. Each wraps model.ErrValidation.
var (
	ErrDuplicateName    = &model.ValidationError{Subject: "container", Reason: "name already exists"}
	ErrMissingSSHPort   = &model.ValidationError{Subject: "container", Reason: "no host port is mapped to container port 22"}
	ErrPortInUse        = &model.ValidationError{Subject: "container", Reason: "host port already bound by another container"}
	ErrContainerRunning = &model.ValidationError{Subject: "container", Reason: "container is running; stop it or force"}
	ErrNotRunning       = &model.ValidationError{Subject: "container", Reason: "container is not running"}
)

// ErrNotFound is returned by Lookup for an unknown container.
var ErrNotFound = errors.New("container not found")

// CommandError is a docker command on the host that exited nonzero.
type CommandError struct {
	Op        string
	Container string
	ExitCode  int
	Stderr    string
}

func (e *CommandError) Error() string {
	if e.Container == "" {
		return fmt.Sprintf("docker %s: exit %d: %s", e.Op, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("docker %s %s: exit %d: %s", e.Op, e.Container, e.ExitCode, e.Stderr)
}

func commandError(op, container string, res model.CommandResult) error {
	return &CommandError{Op: op, Container: container, ExitCode: res.ExitCode, Stderr: res.Stderr}
}

// detail wraps a sentinel validation error with the offending value.
func detail(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
