// Package runpod allocates GPU pods from the RunPod cloud API.
package runpod

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/podlab/internal/model"
	"github.com/edvin/podlab/internal/readiness"
)

const (
	// DefaultPorts exposes SSH and the relay server.
	DefaultPorts = "22/tcp,8080/http"
	jupyterPort  = "8888/http"
)

var (
	// ErrNoCapacity means every requested GPU type was out of instances.
	ErrNoCapacity = errors.New("no GPU capacity")
	// ErrNotReady means the pod has no public port bound to private port 22 yet.
	ErrNotReady = errors.New("pod not ready")
	// ErrPodNotFound means the provider does not know the pod id.
	ErrPodNotFound = errors.New("pod not found")
)

// Options configures a Provisioner.
type Options struct {
	// IdentityFile authenticates the control machine to new pods.
	IdentityFile    string
	JupyterPassword string
	PodReady        readiness.Policy
}

// Provisioner allocates pods and waits for them to become reachable.
type Provisioner struct {
	client *Client
	opts   Options
	logger zerolog.Logger
}

// NewProvisioner creates a Provisioner on top of client.
func NewProvisioner(client *Client, logger zerolog.Logger, opts Options) *Provisioner {
	if opts.PodReady.Timeout == 0 {
		opts.PodReady = readiness.Policy{Timeout: 180 * time.Second, Interval: 10 * time.Second}
	}
	if opts.JupyterPassword == "" {
		opts.JupyterPassword = "jupyterpassword"
	}
	return &Provisioner{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "pod-provisioner").Logger(),
	}
}

// APIKey returns the key the provisioner authenticates with.
func (p *Provisioner) APIKey() string { return p.client.apiKey }

// CreatePodRequest describes a pod to allocate.
type CreatePodRequest struct {
	Name  string `validate:"required"`
	Image string `validate:"required"`
	// GpuTypeIDs are tried in order.
	GpuTypeIDs []string        `validate:"required,min=1,dive,required"`
	Tier       model.CloudTier `validate:"omitempty,oneof=ALL SECURE COMMUNITY"`
	GpuCount   int             `validate:"min=0"`
	// ContainerDiskGB of 0 leaves the provider default.
	ContainerDiskGB int `validate:"min=0"`
	EnableJupyter   bool
	// Ports defaults to DefaultPorts.
	Ports string
	Env   map[string]string
}

// deployInput builds the allocation request shared by every SKU attempt.
// The Jupyter env var and port are added together or not at all.
func (p *Provisioner) deployInput(req CreatePodRequest) DeployInput {
	ports := req.Ports
	if ports == "" {
		ports = DefaultPorts
	}
	env := make([]EnvVar, 0, len(req.Env)+1)
	for k, v := range req.Env {
		if req.EnableJupyter && k == "JUPYTER_PASSWORD" {
			continue
		}
		env = append(env, EnvVar{Key: k, Value: v})
	}
	if req.EnableJupyter {
		env = append(env, EnvVar{Key: "JUPYTER_PASSWORD", Value: p.opts.JupyterPassword})
		if !strings.Contains(ports, jupyterPort) {
			ports += "," + jupyterPort
		}
	}
	tier := req.Tier
	if tier == "" {
		tier = model.TierAll
	}
	count := req.GpuCount
	if count == 0 {
		count = 1
	}
	return DeployInput{
		Name:              req.Name,
		ImageName:         req.Image,
		CloudType:         string(tier),
		GpuCount:          count,
		ContainerDiskInGb: req.ContainerDiskGB,
		MinVcpuCount:      1,
		MinMemoryInGb:     1,
		Ports:             ports,
		Env:               env,
		SupportPublicIP:   true,
		StartSSH:          true,
	}
}

// CreatePod tries each GPU type in order. A capacity error moves on to the
// next type; any other error aborts. Once a pod is allocated it waits until
// the pod exposes SSH. A pod that never does is terminated and the
// *readiness.TimeoutError returned.
func (p *Provisioner) CreatePod(ctx context.Context, req CreatePodRequest) (model.PodRecord, error) {
	if err := model.Struct("pod "+req.Name, req); err != nil {
		return model.PodRecord{}, err
	}
	log := p.logger.With().Str("pod", req.Name).Logger()
	in := p.deployInput(req)

	for i, gpu := range req.GpuTypeIDs {
		in.GpuTypeID = gpu
		log.Info().Str("gpu_type", gpu).Int("attempt", i+1).Int("of", len(req.GpuTypeIDs)).Msg("allocating pod")

		id, err := p.client.DeployPod(ctx, in)
		if err != nil {
			if IsCapacity(err) {
				log.Warn().Str("gpu_type", gpu).Msg("no capacity for gpu type")
				continue
			}
			return model.PodRecord{}, fmt.Errorf("create pod %s on %s: %w", req.Name, gpu, err)
		}
		log.Info().Str("pod_id", id).Str("gpu_type", gpu).Msg("pod allocated")

		rec, err := p.WaitReady(ctx, id)
		if err != nil {
			p.abandon(ctx, id)
			return model.PodRecord{}, err
		}
		rec.GpuTypeID = gpu
		return rec, nil
	}
	return model.PodRecord{}, fmt.Errorf("create pod %s: %w (tried %s)", req.Name, ErrNoCapacity, strings.Join(req.GpuTypeIDs, ", "))
}

func (p *Provisioner) abandon(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := p.client.TerminatePod(ctx, id); err != nil {
		p.logger.Warn().Err(err).Str("pod_id", id).Msg("terminating unready pod failed")
		return
	}
	p.logger.Info().Str("pod_id", id).Msg("terminated unready pod")
}

// WaitReady polls the pod until it reports a public SSH port.
func (p *Provisioner) WaitReady(ctx context.Context, id string) (model.PodRecord, error) {
	var rec model.PodRecord
	err := readiness.WaitUntil(ctx, "pod "+id, p.opts.PodReady, func(ctx context.Context) (bool, error) {
		r, err := p.GetPod(ctx, id)
		if errors.Is(err, ErrNotReady) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		rec = r
		return true, nil
	})
	if err != nil {
		return model.PodRecord{}, err
	}
	p.logger.Info().Str("pod_id", id).Str("ssh", rec.SSH.Address()).Msg("pod ready")
	return rec, nil
}

// GetPod returns the pod as a usable record, or ErrNotReady while the pod
// has no public SSH port.
func (p *Provisioner) GetPod(ctx context.Context, id string) (model.PodRecord, error) {
	pod, err := p.client.GetPod(ctx, id)
	if err != nil {
		return model.PodRecord{}, err
	}
	if pod == nil {
		return model.PodRecord{}, fmt.Errorf("%w: %s", ErrPodNotFound, id)
	}
	rec, ok := p.convert(*pod)
	if !ok {
		return rec, fmt.Errorf("pod %s: %w", id, ErrNotReady)
	}
	return rec, nil
}

// ListPods returns every pod, including ones without SSH yet.
func (p *Provisioner) ListPods(ctx context.Context) ([]model.PodRecord, error) {
	pods, err := p.client.GetPods(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.PodRecord, 0, len(pods))
	for _, pod := range pods {
		rec, _ := p.convert(pod)
		out = append(out, rec)
	}
	return out, nil
}

// TerminatePod deprovisions id.
func (p *Provisioner) TerminatePod(ctx context.Context, id string) error {
	if id == "" {
		return model.Invalid("pod", "id required")
	}
	if err := p.client.TerminatePod(ctx, id); err != nil {
		return err
	}
	p.logger.Info().Str("pod_id", id).Msg("pod terminated")
	return nil
}

// GpuTypes returns the GPU catalog without placeholder entries.
func (p *Provisioner) GpuTypes(ctx context.Context) ([]model.GpuSku, error) {
	raw, err := p.client.GpuTypes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.GpuSku, 0, len(raw))
	for _, g := range raw {
		if g.ID == "" || g.DisplayName == "" ||
			strings.Contains(strings.ToLower(g.ID), "unknown") ||
			strings.Contains(strings.ToLower(g.DisplayName), "unknown") {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// AvailableSkus returns the GPU types currently allocatable on tier.
func (p *Provisioner) AvailableSkus(ctx context.Context, tier model.CloudTier) ([]model.GpuSku, error) {
	skus, err := p.GpuTypes(ctx)
	if err != nil {
		return nil, err
	}
	return model.FilterSkus(skus, tier), nil
}

// convert builds the record. ok is false when there is no runtime or no
// public port mapped to private port 22.
func (p *Provisioner) convert(pod Pod) (model.PodRecord, bool) {
	rec := model.PodRecord{
		ID:              pod.ID,
		Name:            pod.Name,
		ImageName:       pod.ImageName,
		DesiredStatus:   pod.DesiredStatus,
		CostPerHour:     pod.CostPerHr,
		GpuCount:        pod.GpuCount,
		MemoryGB:        pod.MemoryInGb,
		VcpuCount:       pod.VcpuCount,
		ContainerDiskGB: pod.ContainerDiskInGb,
		MachineID:       pod.MachineID,
	}
	if pod.Machine != nil {
		rec.GpuDisplayName = pod.Machine.GpuDisplayName
	}
	if pod.Runtime == nil {
		return rec, false
	}
	for _, port := range pod.Runtime.Ports {
		rec.Ports = append(rec.Ports, model.PodPort{
			IP:          port.IP,
			IsIPPublic:  port.IsIPPublic,
			PrivatePort: port.PrivatePort,
			PublicPort:  port.PublicPort,
			Type:        port.Type,
		})
		if !port.IsIPPublic {
			continue
		}
		switch port.PrivatePort {
		case model.SSHContainerPort:
			rec.SSHPublicIP = port.IP
			rec.SSHPort = port.PublicPort
		case 8888:
			rec.JupyterEnabled = true
		}
	}
	if rec.SSHPort == 0 || rec.SSHPublicIP == "" {
		return rec, false
	}
	rec.SSH = model.Endpoint{
		Alias:        pod.Name,
		Hostname:     rec.SSHPublicIP,
		Port:         rec.SSHPort,
		User:         model.DefaultUser,
		IdentityFile: p.opts.IdentityFile,
	}
	return rec, true
}
