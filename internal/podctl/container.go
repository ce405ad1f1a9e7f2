package podctl

import (
	"context"
	"fmt"

	"github.com/edvin/podlab/internal/hostmachine"
	"github.com/edvin/podlab/internal/model"
)

// ContainerCreateOptions are the flags of "container create".
type ContainerCreateOptions struct {
	Host           string
	Name           string
	Image          string
	Ports          []string
	PublicKeyPath  string
	PrivateKeyPath string
	Jupyter        bool
	Register       bool
}

// ContainerCreate launches and bootstraps a container.
func (a *App) ContainerCreate(ctx context.Context, opts ContainerCreateOptions) error {
	host, err := a.host(opts.Host)
	if err != nil {
		return err
	}
	ports, err := hostmachine.ParsePortBindings(opts.Ports)
	if err != nil {
		return err
	}
	rec, err := a.orch.Create(ctx, host, hostmachine.CreateRequest{
		Name:           opts.Name,
		Image:          opts.Image,
		Ports:          ports,
		PublicKeyPath:  opts.PublicKeyPath,
		PrivateKeyPath: opts.PrivateKeyPath,
		EnableJupyter:  opts.Jupyter,
		RegisterTrust:  opts.Register,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Created %s on %s (ssh %s)\n", rec.Name, host.Alias, rec.Container.Address())
	return nil
}

func (a *App) record(ctx context.Context, hostAlias, name string) (model.ContainerRecord, error) {
	host, err := a.host(hostAlias)
	if err != nil {
		return model.ContainerRecord{}, err
	}
	rec, err := a.orch.Lookup(ctx, host, name)
	if err != nil {
		return model.ContainerRecord{}, err
	}
	// The trust entry carries the identity used to reach the container.
	if ep, err := a.trust.Lookup(name); err == nil {
		rec.Container = ep
	}
	return rec, nil
}

// ContainerStart starts a container; a running one is left alone.
func (a *App) ContainerStart(ctx context.Context, hostAlias, name string) error {
	rec, err := a.record(ctx, hostAlias, name)
	if err != nil {
		return err
	}
	if err := a.orch.Start(ctx, rec); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s running\n", name)
	return nil
}

// ContainerStop stops a container; a stopped one is left alone.
func (a *App) ContainerStop(ctx context.Context, hostAlias, name string) error {
	rec, err := a.record(ctx, hostAlias, name)
	if err != nil {
		return err
	}
	if err := a.orch.Stop(ctx, rec); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s stopped\n", name)
	return nil
}

// ContainerCommit snapshots a running container.
func (a *App) ContainerCommit(ctx context.Context, hostAlias, name, image, tag string) error {
	rec, err := a.record(ctx, hostAlias, name)
	if err != nil {
		return err
	}
	ref, err := a.orch.Commit(ctx, rec, image, tag)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Committed %s as %s\n", name, ref)
	return nil
}

// ContainerDelete removes a container.
func (a *App) ContainerDelete(ctx context.Context, hostAlias, name string, force, removeTrust bool) error {
	rec, err := a.record(ctx, hostAlias, name)
	if err != nil {
		return err
	}
	if err := a.orch.Delete(ctx, rec, force, removeTrust); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Deleted %s\n", name)
	return nil
}

// ContainerList prints the containers on a host.
func (a *App) ContainerList(ctx context.Context, hostAlias string, filter model.ContainerFilter) error {
	host, err := a.host(hostAlias)
	if err != nil {
		return err
	}
	recs, err := a.orch.List(ctx, host, filter)
	if err != nil {
		return err
	}
	w := a.table()
	fmt.Fprintln(w, "NAME\tIMAGE\tSSH")
	for _, r := range recs {
		ssh := "-"
		if r.SSHPort != 0 {
			ssh = r.Container.Address()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Image, ssh)
	}
	return w.Flush()
}

// ContainerImages prints the images on a host.
func (a *App) ContainerImages(ctx context.Context, hostAlias string, dangling bool) error {
	host, err := a.host(hostAlias)
	if err != nil {
		return err
	}
	images, err := a.orch.ListImages(ctx, host, dangling)
	if err != nil {
		return err
	}
	w := a.table()
	fmt.Fprintln(w, "REPOSITORY\tTAG\tID\tCREATED\tSIZE")
	for _, img := range images {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", img.Repository, img.Tag, img.ID, img.Created, img.Size)
	}
	return w.Flush()
}
