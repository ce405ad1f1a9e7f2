// Package podlink wires a provisioned pod to a container so the relay client
// inside the container can pull from the pod.
package podlink

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/podlab/internal/keys"
	"github.com/edvin/podlab/internal/model"
	"github.com/edvin/podlab/internal/sshexec"
)

// DefaultDescriptorPath is where the relay client looks for the descriptor.
const DefaultDescriptorPath = "/root/DOLAB/pod_info.json"

// TrustStore records the pod endpoint for later connections.
type TrustStore interface {
	Add(ep model.Endpoint) error
}

// Linker provisions pod trust for a container.
type Linker struct {
	keys   *keys.Provisioner
	exec   sshexec.Executor
	trust  TrustStore
	logger zerolog.Logger
}

// New creates a Linker. trust may be nil when pods are never registered.
func New(kp *keys.Provisioner, exec sshexec.Executor, trust TrustStore, logger zerolog.Logger) *Linker {
	return &Linker{
		keys:   kp,
		exec:   exec,
		trust:  trust,
		logger: logger.With().Str("component", "podlink").Logger(),
	}
}

// Request links Pod to Container.
type Request struct {
	Pod       model.PodRecord
	Container model.Endpoint
	APIKey    string
	// DescriptorPath defaults to DefaultDescriptorPath.
	DescriptorPath string
	RegisterTrust  bool
}

// Link generates a fresh keypair, installs the public half on the pod and
// the private half in the container, then uploads the pod descriptor. Any
// failed step aborts the link.
func (l *Linker) Link(ctx context.Context, req Request) (model.PodDescriptor, error) {
	if err := req.Pod.SSH.Validate(); err != nil {
		return model.PodDescriptor{}, fmt.Errorf("pod %s has no usable ssh endpoint: %w", req.Pod.ID, err)
	}
	if err := req.Container.Validate(); err != nil {
		return model.PodDescriptor{}, err
	}
	desc, err := model.NewPodDescriptor(req.Pod, req.APIKey, l.keys.RemotePrivateKeyPath())
	if err != nil {
		return model.PodDescriptor{}, err
	}
	remote := req.DescriptorPath
	if remote == "" {
		remote = DefaultDescriptorPath
	}
	log := l.logger.With().Str("pod_id", req.Pod.ID).Str("container", req.Container.Alias).Logger()

	privPath, pubPath, err := l.keys.GenerateKeypair()
	if err != nil {
		return model.PodDescriptor{}, err
	}
	if err := l.keys.InstallPublicKey(ctx, req.Pod.SSH, pubPath); err != nil {
		return model.PodDescriptor{}, err
	}
	if err := l.keys.InstallPrivateKey(ctx, req.Container, privPath); err != nil {
		return model.PodDescriptor{}, err
	}
	if err := l.uploadDescriptor(ctx, req.Container, desc, remote); err != nil {
		return model.PodDescriptor{}, err
	}
	log.Info().Str("path", remote).Msg("pod descriptor uploaded")

	if req.RegisterTrust && l.trust != nil {
		if err := l.trust.Add(req.Pod.SSH); err != nil {
			log.Warn().Err(err).Msg("registering pod in trust store failed")
		}
	}
	return desc, nil
}

func (l *Linker) uploadDescriptor(ctx context.Context, container model.Endpoint, desc model.PodDescriptor, remote string) error {
	f, err := os.CreateTemp("", "pod_info-*.json")
	if err != nil {
		return fmt.Errorf("create descriptor temp file: %w", err)
	}
	tmp := f.Name()
	f.Close()
	defer os.Remove(tmp)

	if err := desc.WriteFile(tmp); err != nil {
		return err
	}
	ok, err := l.exec.Upload(ctx, container, tmp, remote)
	if err != nil {
		return fmt.Errorf("upload pod descriptor: %w", err)
	}
	if !ok {
		return fmt.Errorf("upload pod descriptor to %s:%s did not complete", container.Alias, remote)
	}
	return nil
}
