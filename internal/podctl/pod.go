package podctl

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/podlab/internal/model"
	"github.com/edvin/podlab/internal/podlink"
	"github.com/edvin/podlab/internal/runpod"
)

// PodCreateOptions are the flags of "pod create".
type PodCreateOptions struct {
	Name     string
	Image    string
	GpuTypes []string
	Tier     string
	GpuCount int
	DiskGB   int
	Jupyter  bool
	Register bool
	// Link, when set, is the trust alias of a container to link the pod to.
	Link string
}

// PodCreate allocates a pod and optionally links it to a container.
func (a *App) PodCreate(ctx context.Context, opts PodCreateOptions) error {
	tier, err := model.ParseCloudTier(opts.Tier)
	if err != nil {
		return err
	}
	var container model.Endpoint
	if opts.Link != "" {
		if container, err = a.host(opts.Link); err != nil {
			return err
		}
	}
	prov, err := a.provisioner()
	if err != nil {
		return err
	}

	pod, err := prov.CreatePod(ctx, runpod.CreatePodRequest{
		Name:            opts.Name,
		Image:           opts.Image,
		GpuTypeIDs:      opts.GpuTypes,
		Tier:            tier,
		GpuCount:        opts.GpuCount,
		ContainerDiskGB: opts.DiskGB,
		EnableJupyter:   opts.Jupyter,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Pod %s ready on %s (ssh %s, $%.2f/hr)\n", pod.ID, pod.GpuTypeID, pod.SSH.Address(), pod.CostPerHour)

	if opts.Link == "" {
		if opts.Register {
			if err := a.trust.Add(pod.SSH); err != nil {
				return err
			}
		}
		return nil
	}
	if _, err := a.linker().Link(ctx, podlink.Request{
		Pod:           pod,
		Container:     container,
		APIKey:        prov.APIKey(),
		RegisterTrust: opts.Register,
	}); err != nil {
		return a.abandonPod(ctx, prov, pod.ID, fmt.Errorf("link pod %s to %s: %w", pod.ID, opts.Link, err))
	}
	fmt.Fprintf(a.out, "Linked %s to %s\n", pod.ID, opts.Link)
	return nil
}

// abandonPod terminates a pod whose setup failed after allocation. When that
// fails too, cause is extended with how to clean up by hand.
func (a *App) abandonPod(ctx context.Context, prov *runpod.Provisioner, id string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := prov.TerminatePod(ctx, id); err != nil {
		a.logger.Warn().Err(err).Str("pod_id", id).Msg("terminating unlinked pod failed")
		return fmt.Errorf("%w (pod still running: terminate with podctl pod terminate %s)", cause, id)
	}
	a.logger.Info().Str("pod_id", id).Msg("terminated unlinked pod")
	return fmt.Errorf("%w (pod %s terminated)", cause, id)
}

// PodTerminate deprovisions a pod.
func (a *App) PodTerminate(ctx context.Context, id string) error {
	prov, err := a.provisioner()
	if err != nil {
		return err
	}
	if err := prov.TerminatePod(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Terminated %s\n", id)
	return nil
}

// PodList prints the account's pods.
func (a *App) PodList(ctx context.Context) error {
	prov, err := a.provisioner()
	if err != nil {
		return err
	}
	pods, err := prov.ListPods(ctx)
	if err != nil {
		return err
	}
	w := a.table()
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tGPU\tCOST/HR\tSSH")
	for _, p := range pods {
		ssh := "-"
		if p.SSHPort != 0 {
			ssh = p.SSH.Address()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%dx %s\t%.2f\t%s\n", p.ID, p.Name, p.DesiredStatus, p.GpuCount, p.GpuDisplayName, p.CostPerHour, ssh)
	}
	return w.Flush()
}

// PodGpus prints the GPU types available on tier.
func (a *App) PodGpus(ctx context.Context, tierName string) error {
	tier, err := model.ParseCloudTier(tierName)
	if err != nil {
		return err
	}
	prov, err := a.provisioner()
	if err != nil {
		return err
	}
	skus, err := prov.AvailableSkus(ctx, tier)
	if err != nil {
		return err
	}
	w := a.table()
	fmt.Fprintln(w, "ID\tNAME\tMEMORY\tMAX\tSECURE\tCOMMUNITY")
	for _, s := range skus {
		fmt.Fprintf(w, "%s\t%s\t%dGB\t%d\t%s\t%s\n", s.ID, s.DisplayName, s.MemoryGB, s.MaxGpuCount,
			price(s.SecureAvailable, s.SecurePrice), price(s.CommunityAvailable, s.CommunityPrice))
	}
	return w.Flush()
}

func price(available bool, p float64) string {
	if !available {
		return "-"
	}
	return fmt.Sprintf("$%.2f", p)
}
