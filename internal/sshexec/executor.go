// Package sshexec runs shell commands and moves files on remote endpoints
// over SSH. It knows nothing about containers or pods.
package sshexec

import (
	"context"
	"fmt"
	"strings"

	"github.com/edvin/podlab/internal/model"
)

// Executor runs commands on, and transfers files to, a remote endpoint.
//
// A nonzero remote exit status is returned in the CommandResult. Only
// transport failures (unreachable endpoint, rejected credentials, broken
// session) are returned as errors, and those are always *TransportError.
type Executor interface {
	Execute(ctx context.Context, ep model.Endpoint, cmd Command) (model.CommandResult, error)
	// Upload copies localPath (file or directory) to remotePath and reports
	// success only when the artifact is visible on the endpoint afterwards.
	Upload(ctx context.Context, ep model.Endpoint, localPath, remotePath string) (bool, error)
	Exists(ctx context.Context, ep model.Endpoint, remotePath string) (bool, error)
}

// Command is a sequence of shell steps joined with && so that a failing step
// stops the rest.
type Command struct {
	Steps []string
	// AcceptNewHostKey trusts whatever host key the endpoint presents and
	// records it in known_hosts. Only for first contact with a freshly
	// created container or pod.
	AcceptNewHostKey bool
	// Quiet suppresses per-command logging (readiness probes).
	Quiet bool
}

// Cmd builds a strict-host-key Command from steps.
func Cmd(steps ...string) Command {
	return Command{Steps: steps}
}

// FirstContact returns a copy of c that accepts an unknown host key.
func (c Command) FirstContact() Command {
	c.AcceptNewHostKey = true
	return c
}

// Silent returns a copy of c that is not logged.
func (c Command) Silent() Command {
	c.Quiet = true
	return c
}

// String returns the shell line sent to the endpoint.
func (c Command) String() string {
	return strings.Join(c.Steps, " && ")
}

// TransportError means the endpoint could not be reached or the session
// failed before the command produced an exit status.
type TransportError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ShellQuote single-quotes s for a POSIX shell. A leading ~/ is left outside
// the quotes so the remote shell still expands it.
func ShellQuote(s string) string {
	prefix := ""
	if s == "~" {
		return s
	}
	if strings.HasPrefix(s, "~/") {
		prefix, s = "~/", strings.TrimPrefix(s, "~/")
		if s == "" {
			return prefix
		}
	}
	return prefix + "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
