// Package podctl implements the operator commands behind cmd/podctl.
package podctl

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog"

	"github.com/edvin/podlab/internal/config"
	"github.com/edvin/podlab/internal/hostmachine"
	"github.com/edvin/podlab/internal/keys"
	"github.com/edvin/podlab/internal/model"
	"github.com/edvin/podlab/internal/podlink"
	"github.com/edvin/podlab/internal/runpod"
	"github.com/edvin/podlab/internal/sshexec"
	"github.com/edvin/podlab/internal/trust"
)

// App holds the wired components for one podctl invocation.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger
	out    io.Writer

	exec  sshexec.Executor
	trust *trust.Store
	orch  *hostmachine.Orchestrator
}

// NewApp wires the components from cfg. Command output goes to out.
func NewApp(cfg *config.Config, logger zerolog.Logger, out io.Writer) *App {
	exec := sshexec.NewSSHExecutor(logger, sshexec.WithKnownHosts(model.ExpandHome(cfg.KnownHostsFile)))
	return newApp(cfg, logger, out, exec)
}

func newApp(cfg *config.Config, logger zerolog.Logger, out io.Writer, exec sshexec.Executor) *App {
	store := trust.Open(cfg.TrustStorePath)
	return &App{
		cfg:    cfg,
		logger: logger,
		out:    out,
		exec:   exec,
		trust:  store,
		orch: hostmachine.New(exec, logger, hostmachine.Options{
			SSHReady:        cfg.SSHReady(),
			Bootstrap:       hostmachine.DefaultBootstrap(cfg.RelayDir, cfg.WorkspaceDir),
			JupyterPassword: cfg.JupyterPassword,
			Trust:           store,
		}),
	}
}

func (a *App) provisioner() (*runpod.Provisioner, error) {
	if err := a.cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	client := runpod.NewClient(a.cfg.RunPodAPIURL, a.cfg.RunPodAPIKey)
	return runpod.NewProvisioner(client, a.logger, runpod.Options{
		IdentityFile:    a.cfg.RunPodIdentityFile,
		JupyterPassword: a.cfg.JupyterPassword,
		PodReady:        a.cfg.PodReady(),
	}), nil
}

func (a *App) linker() *podlink.Linker {
	kp := keys.NewProvisioner(a.exec, a.logger, a.cfg.SyncKeyDir, a.cfg.SyncKeyName)
	return podlink.New(kp, a.exec, a.trust, a.logger)
}

// host resolves a trust store alias to its endpoint.
func (a *App) host(alias string) (model.Endpoint, error) {
	if alias == "" {
		return model.Endpoint{}, fmt.Errorf("host alias required")
	}
	return a.trust.Lookup(alias)
}

func (a *App) table() *tabwriter.Writer {
	return tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
}
