package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edvin/podlab/internal/model"
)

// Runner executes a local program and returns its captured output.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)

// ExecRunner runs programs with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Mirror pulls a remote directory into a local one with rsync over SSH,
// deleting local files that no longer exist on the source.
type Mirror struct {
	logger    zerolog.Logger
	run       Runner
	acceptNew bool
}

// NewMirror creates a Mirror. acceptNewHostKey lets ssh record the source's
// key on first contact (StrictHostKeyChecking=accept-new).
func NewMirror(logger zerolog.Logger, run Runner, acceptNewHostKey bool) *Mirror {
	if run == nil {
		run = ExecRunner
	}
	return &Mirror{
		logger:    logger.With().Str("component", "mirror").Logger(),
		run:       run,
		acceptNew: acceptNewHostKey,
	}
}

// Pull mirrors src:sourceDir into targetDir.
func (m *Mirror) Pull(ctx context.Context, src model.Endpoint, sourceDir, targetDir string) error {
	args := m.Args(src, sourceDir, targetDir)
	m.logger.Info().Str("source", src.Alias+":"+sourceDir).Str("target", targetDir).Msg("mirroring directory")

	stdout, stderr, err := m.run(ctx, "rsync", args...)
	if err != nil {
		m.logger.Warn().Err(err).Str("stderr", strings.TrimSpace(stderr)).Msg("mirror failed")
		return fmt.Errorf("rsync from %s:%s: %w: %s", src.Alias, sourceDir, err, strings.TrimSpace(stderr))
	}
	m.logger.Debug().Str("stdout", strings.TrimSpace(stdout)).Msg("mirror complete")
	return nil
}

// Args returns the rsync argument vector for a pull.
func (m *Mirror) Args(src model.Endpoint, sourceDir, targetDir string) []string {
	sshCmd := []string{"ssh", "-p", strconv.Itoa(src.Port)}
	if src.IdentityFile != "" {
		sshCmd = append(sshCmd, "-i", src.IdentityPath())
	}
	if m.acceptNew {
		sshCmd = append(sshCmd, "-o", "StrictHostKeyChecking=accept-new")
	}
	return []string{
		"-avz", "--delete",
		"-e", strings.Join(sshCmd, " "),
		src.Target() + ":" + sourceDir,
		targetDir,
	}
}
