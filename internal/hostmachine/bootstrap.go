package hostmachine

import (
	"context"
	"fmt"
	"strings"

	"github.com/edvin/podlab/internal/model"
	"github.com/edvin/podlab/internal/sshexec"
)

// Transfer is one local path copied into a new container.
type Transfer struct {
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`
}

// Bootstrap prepares a freshly reachable container.
type Bootstrap struct {
	AptPackages []string
	PipPackages []string
	Transfers   []Transfer
	// Executables are globs made executable after the transfers.
	Executables []string
}

// DefaultBootstrap installs the relay tooling and uploads the relay directory
// to /root/ and the workspace to /.
func DefaultBootstrap(relayDir, workspaceDir string) Bootstrap {
	b := Bootstrap{
		AptPackages: []string{"rsync", "curl", "jq", "socat"},
		PipPackages: []string{"runpod", "matplotlib"},
		Executables: []string{"/root/DOLAB/*", "/workspace/*"},
	}
	if relayDir != "" {
		b.Transfers = append(b.Transfers, Transfer{Local: relayDir, Remote: "/root/"})
	}
	if workspaceDir != "" {
		b.Transfers = append(b.Transfers, Transfer{Local: workspaceDir, Remote: "/"})
	}
	return b
}

// installCommand is one AND chain so a failed update stops the installs.
func (b Bootstrap) installCommand() sshexec.Command {
	var steps []string
	if len(b.AptPackages) > 0 {
		steps = append(steps,
			"apt update -qq 2>/dev/null",
			"DEBIAN_FRONTEND=noninteractive apt-get install -y -qq "+strings.Join(b.AptPackages, " "),
		)
	}
	if len(b.PipPackages) > 0 {
		steps = append(steps, "pip install -qq "+strings.Join(b.PipPackages, " "))
	}
	return sshexec.Cmd(steps...)
}

func (b Bootstrap) chmodCommand() sshexec.Command {
	steps := make([]string, 0, len(b.Executables))
	for _, glob := range b.Executables {
		steps = append(steps, "chmod +x "+glob)
	}
	return sshexec.Cmd(steps...)
}

func (o *Orchestrator) bootstrap(ctx context.Context, rec model.ContainerRecord) error {
	ep := rec.Container
	log := o.logger.With().Str("container", rec.Name).Logger()

	if install := o.setup.installCommand(); len(install.Steps) > 0 {
		log.Info().Msg("installing container packages")
		res, err := o.exec.Execute(ctx, ep, install)
		if err != nil {
			return fmt.Errorf("install packages: %w", err)
		}
		if !res.Success() {
			return &CommandError{Op: "bootstrap install", Container: rec.Name, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
	}

	for _, t := range o.setup.Transfers {
		log.Info().Str("local", t.Local).Str("remote", t.Remote).Msg("uploading to container")
		ok, err := o.exec.Upload(ctx, ep, t.Local, t.Remote)
		if err != nil {
			return fmt.Errorf("upload %s: %w", t.Local, err)
		}
		if !ok {
			return fmt.Errorf("upload %s to %s:%s did not complete", t.Local, rec.Name, t.Remote)
		}
	}

	if chmod := o.setup.chmodCommand(); len(chmod.Steps) > 0 {
		res, err := o.exec.Execute(ctx, ep, chmod)
		if err != nil {
			return fmt.Errorf("chmod executables: %w", err)
		}
		if !res.Success() {
			log.Warn().Str("stderr", res.Stderr).Msg("marking uploads executable failed")
		}
	}
	return nil
}
