// Package hostmachine manages docker containers on a remote host over SSH.
//
// Container state per name moves absent → creating → ready → running/stopped
// → deleting → absent. A container that exists but never became reachable is
// force-deleted; if that cleanup fails it is logged as failed-cleanup.
package hostmachine

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/podlab/internal/model"
	"github.com/edvin/podlab/internal/readiness"
	"github.com/edvin/podlab/internal/sshexec"
)

const defaultJupyterPassword = "jupyterpassword"

// Docker's own container name rule.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// TrustStore records container endpoints for later connections.
type TrustStore interface {
	Add(ep model.Endpoint) error
	Remove(ep model.Endpoint) error
}

// Options configures an Orchestrator.
type Options struct {
	// SSHReady bounds the post-create wait for the container's SSH daemon.
	SSHReady        readiness.Policy
	Bootstrap       Bootstrap
	JupyterPassword string
	// Trust is required only when containers are created or deleted with
	// trust registration.
	Trust TrustStore
}

// Orchestrator creates and manages containers on remote docker hosts.
type Orchestrator struct {
	exec    sshexec.Executor
	trust   TrustStore
	ready   readiness.Policy
	setup   Bootstrap
	jupyter string
	logger  zerolog.Logger
}

// New creates an Orchestrator.
func New(exec sshexec.Executor, logger zerolog.Logger, opts Options) *Orchestrator {
	if opts.SSHReady.Timeout == 0 {
		opts.SSHReady = readiness.Policy{Timeout: 180 * time.Second, Interval: 10 * time.Second}
	}
	if opts.JupyterPassword == "" {
		opts.JupyterPassword = defaultJupyterPassword
	}
	return &Orchestrator{
		exec:    exec,
		trust:   opts.Trust,
		ready:   opts.SSHReady,
		setup:   opts.Bootstrap,
		jupyter: opts.JupyterPassword,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
	}
}

// CreateRequest describes a container to launch.
type CreateRequest struct {
	Name  string              `validate:"required"`
	Image string              `validate:"required"`
	Ports []model.PortBinding `validate:"required,dive"`
	// PublicKeyPath is a local file injected as PUBLIC_KEY.
	PublicKeyPath string `validate:"required"`
	// PrivateKeyPath is the identity for the container endpoint. Defaults to
	// PublicKeyPath without ".pub".
	PrivateKeyPath string
	EnableJupyter  bool
	RegisterTrust  bool
}

func (r CreateRequest) validate() error {
	if err := model.Struct("container "+r.Name, r); err != nil {
		return err
	}
	if !namePattern.MatchString(r.Name) {
		return model.Invalid("container "+r.Name, "name must match %s", namePattern)
	}
	if _, ok := sshHostPort(r.Ports); !ok {
		return detail(ErrMissingSSHPort, "%s", formatPorts(r.Ports))
	}
	return duplicateHostPort(r.allPorts())
}

func (r CreateRequest) allPorts() []model.PortBinding {
	if !r.EnableJupyter {
		return r.Ports
	}
	return append(append([]model.PortBinding{}, r.Ports...), model.PortBinding{Host: JupyterPort, Container: JupyterPort})
}

func (r CreateRequest) identityFile() string {
	if r.PrivateKeyPath != "" {
		return r.PrivateKeyPath
	}
	return strings.TrimSuffix(r.PublicKeyPath, ".pub")
}

// Create launches req on host, waits for its SSH daemon and bootstraps it.
//
// Validation (name, ports, duplicate name, host port collisions) happens
// before anything is changed on host. If the container never becomes ready
// it is force-deleted and the *readiness.TimeoutError is returned.
func (o *Orchestrator) Create(ctx context.Context, host model.Endpoint, req CreateRequest) (model.ContainerRecord, error) {
	log := o.logger.With().Str("host", host.Alias).Str("container", req.Name).Logger()

	if err := req.validate(); err != nil {
		return model.ContainerRecord{}, err
	}
	if req.RegisterTrust && o.trust == nil {
		return model.ContainerRecord{}, model.Invalid("container "+req.Name, "trust registration requested without a trust store")
	}
	pubKey, err := os.ReadFile(model.ExpandHome(req.PublicKeyPath))
	if err != nil {
		return model.ContainerRecord{}, model.Invalid("container "+req.Name, "read public key: %v", err)
	}

	exists, err := o.ContainerExists(ctx, host, req.Name)
	if err != nil {
		return model.ContainerRecord{}, err
	}
	if exists {
		return model.ContainerRecord{}, detail(ErrDuplicateName, "%s", req.Name)
	}
	for _, p := range req.allPorts() {
		used, err := o.portInUse(ctx, host, p.Host)
		if err != nil {
			return model.ContainerRecord{}, err
		}
		if used {
			return model.ContainerRecord{}, detail(ErrPortInUse, "%d", p.Host)
		}
	}

	log.Info().Str("status", model.StatusCreating).Str("image", req.Image).Str("ports", formatPorts(req.allPorts())).Msg("container state")
	if _, err := o.docker(ctx, host, "run", req.Name, o.runCommand(req, strings.TrimSpace(string(pubKey)))); err != nil {
		o.cleanupFailedRun(ctx, host, req.Name)
		return model.ContainerRecord{}, err
	}

	sshPort, _ := sshHostPort(req.Ports)
	rec := o.record(host, req.Name, req.Image, sshPort, req.identityFile())

	if err := o.waitForSSH(ctx, rec); err != nil {
		log.Error().Err(err).Msg("container never became reachable")
		o.rollback(ctx, rec)
		return model.ContainerRecord{}, err
	}
	log.Info().Str("status", model.StatusReady).Int("ssh_port", sshPort).Msg("container state")

	if err := o.bootstrap(ctx, rec); err != nil {
		log.Error().Err(err).Msg("container bootstrap failed")
		o.rollback(ctx, rec)
		return model.ContainerRecord{}, fmt.Errorf("bootstrap %s: %w", req.Name, err)
	}

	if req.RegisterTrust {
		if err := o.trust.Add(rec.Container); err != nil {
			log.Warn().Err(err).Msg("registering container in trust store failed")
		}
	}
	log.Info().Str("status", model.StatusRunning).Msg("container state")
	return rec, nil
}

func (o *Orchestrator) runCommand(req CreateRequest, pubKey string) string {
	args := []string{"docker", "run", "-d", "-e", sshexec.ShellQuote("PUBLIC_KEY=" + pubKey)}
	args = append(args, portArgs(req.Ports)...)
	if req.EnableJupyter {
		// Port and password go together or not at all.
		args = append(args,
			"-p", model.PortBinding{Host: JupyterPort, Container: JupyterPort}.String(),
			"-e", sshexec.ShellQuote("JUPYTER_PASSWORD="+o.jupyter),
		)
	}
	args = append(args, "--name", sshexec.ShellQuote(req.Name), sshexec.ShellQuote(req.Image))
	return strings.Join(args, " ")
}

func (o *Orchestrator) waitForSSH(ctx context.Context, rec model.ContainerRecord) error {
	probe := sshexec.Cmd("echo ready").FirstContact().Silent()
	return readiness.WaitUntil(ctx, "container "+rec.Name+" ssh", o.ready, func(ctx context.Context) (bool, error) {
		res, err := o.exec.Execute(ctx, rec.Container, probe)
		if err != nil {
			return false, err
		}
		return res.Success(), nil
	})
}

// rollback force-deletes a container that exists but must not be handed out.
// Failures are logged only; the caller returns the original error.
func (o *Orchestrator) rollback(ctx context.Context, rec model.ContainerRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := o.Delete(ctx, rec, true, false); err != nil {
		o.logger.Warn().Err(err).Str("container", rec.Name).Str("status", model.StatusFailedCleanup).Msg("container state")
		return
	}
	o.logger.Info().Str("container", rec.Name).Str("status", model.StatusAbsent).Msg("container rolled back")
}

// cleanupFailedRun removes a container object left behind by a docker run
// that created it but could not start it.
func (o *Orchestrator) cleanupFailedRun(ctx context.Context, host model.Endpoint, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	exists, err := o.ContainerExists(ctx, host, name)
	if err != nil || !exists {
		return
	}
	if _, err := o.docker(ctx, host, "rm", name, "docker rm -f "+sshexec.ShellQuote(name)); err != nil {
		o.logger.Warn().Err(err).Str("container", name).Str("status", model.StatusFailedCleanup).Msg("container state")
	}
}

// Delete removes rec's container. A running container is refused unless
// force is set, in which case it is stopped first. The trust entry is removed
// only when removeTrust is set.
func (o *Orchestrator) Delete(ctx context.Context, rec model.ContainerRecord, force, removeTrust bool) error {
	if removeTrust && o.trust == nil {
		return model.Invalid("container "+rec.Name, "trust removal requested without a trust store")
	}
	running, err := o.IsRunning(ctx, rec.Host, rec.Name)
	if err != nil {
		return err
	}
	if running {
		if !force {
			return detail(ErrContainerRunning, "%s", rec.Name)
		}
		if err := o.Stop(ctx, rec); err != nil {
			return err
		}
	}

	o.logger.Info().Str("container", rec.Name).Str("status", model.StatusDeleting).Msg("container state")
	if _, err := o.docker(ctx, rec.Host, "rm", rec.Name, "docker rm "+sshexec.ShellQuote(rec.Name)); err != nil {
		return err
	}

	if removeTrust {
		if err := o.trust.Remove(rec.Container); err != nil {
			return fmt.Errorf("remove trust entry %s: %w", rec.Name, err)
		}
	}
	o.logger.Info().Str("container", rec.Name).Str("status", model.StatusAbsent).Msg("container state")
	return nil
}

// Start starts rec's container. Starting a running container is a no-op.
func (o *Orchestrator) Start(ctx context.Context, rec model.ContainerRecord) error {
	running, err := o.IsRunning(ctx, rec.Host, rec.Name)
	if err != nil {
		return err
	}
	if running {
		o.logger.Info().Str("container", rec.Name).Msg("already running, start skipped")
		return nil
	}
	if _, err := o.docker(ctx, rec.Host, "start", rec.Name, "docker start "+sshexec.ShellQuote(rec.Name)); err != nil {
		return err
	}
	o.logger.Info().Str("container", rec.Name).Str("status", model.StatusRunning).Msg("container state")
	return nil
}

// Stop stops rec's container. Stopping a stopped container is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, rec model.ContainerRecord) error {
	running, err := o.IsRunning(ctx, rec.Host, rec.Name)
	if err != nil {
		return err
	}
	if !running {
		o.logger.Info().Str("container", rec.Name).Msg("already stopped, stop skipped")
		return nil
	}
	if _, err := o.docker(ctx, rec.Host, "stop", rec.Name, "docker stop "+sshexec.ShellQuote(rec.Name)); err != nil {
		return err
	}
	o.logger.Info().Str("container", rec.Name).Str("status", model.StatusStopped).Msg("container state")
	return nil
}

// Commit snapshots the running container into image:tag and returns the
// reference. An empty tag means latest.
func (o *Orchestrator) Commit(ctx context.Context, rec model.ContainerRecord, image, tag string) (string, error) {
	if image == "" {
		return "", model.Invalid("commit "+rec.Name, "image name required")
	}
	if tag == "" {
		tag = "latest"
	}
	running, err := o.IsRunning(ctx, rec.Host, rec.Name)
	if err != nil {
		return "", err
	}
	if !running {
		return "", detail(ErrNotRunning, "%s", rec.Name)
	}

	ref := image + ":" + tag
	res, err := o.docker(ctx, rec.Host, "commit", rec.Name,
		"docker commit "+sshexec.ShellQuote(rec.Name)+" "+sshexec.ShellQuote(ref))
	if err != nil {
		return "", err
	}
	o.logger.Info().Str("container", rec.Name).Str("image", ref).Str("id", res.Stdout).Msg("container committed")
	return ref, nil
}

// Lookup returns the record for the named container from the full listing.
func (o *Orchestrator) Lookup(ctx context.Context, host model.Endpoint, name string) (model.ContainerRecord, error) {
	all, err := o.List(ctx, host, model.FilterAll)
	if err != nil {
		return model.ContainerRecord{}, err
	}
	for _, r := range all {
		if r.Name == name {
			return r, nil
		}
	}
	return model.ContainerRecord{}, fmt.Errorf("container %s: %w", name, ErrNotFound)
}
