package podctl

import (
	"fmt"

	"github.com/edvin/podlab/internal/model"
)

// HostAdd registers a remote endpoint in the trust store.
func (a *App) HostAdd(alias, hostname string, port int, user, identity string) error {
	ep, err := model.NewEndpoint(alias, hostname, port, user, identity)
	if err != nil {
		return err
	}
	if err := ep.CheckIdentity(); err != nil {
		return err
	}
	if err := a.trust.Add(ep); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Added %s\n", ep)
	return nil
}

// HostRemove drops an endpoint from the trust store.
func (a *App) HostRemove(alias string) error {
	ep, err := a.host(alias)
	if err != nil {
		return err
	}
	if err := a.trust.Remove(ep); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Removed %s\n", alias)
	return nil
}

// HostList prints the trust store.
func (a *App) HostList() error {
	hosts, err := a.trust.List()
	if err != nil {
		return err
	}
	w := a.table()
	fmt.Fprintln(w, "ALIAS\tADDRESS\tUSER\tIDENTITY")
	for _, h := range hosts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.Alias, h.Address(), h.User, h.IdentityFile)
	}
	return w.Flush()
}
