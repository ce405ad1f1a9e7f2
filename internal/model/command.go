package model

import "fmt"

// CommandResult is the outcome of one remote command. ExitCode 0 is the only
// success signal; an empty Stderr means nothing.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Success reports whether the command exited with status 0.
func (r CommandResult) Success() bool {
	return r.ExitCode == 0
}

func (r CommandResult) String() string {
	return fmt.Sprintf("exit=%d stdout=%q stderr=%q", r.ExitCode, r.Stdout, r.Stderr)
}
