package hostmachine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"

	"github.com/edvin/podlab/internal/model"
)

// JupyterPort is published on the same host port when Jupyter is enabled.
const JupyterPort = 8888

// ParsePortBindings parses docker-style "host:container" specs. Ranges such as
// "9000-9001:9000-9001" expand to one binding per port. Only tcp is supported
// and the host port is always required.
func ParsePortBindings(specs []string) ([]model.PortBinding, error) {
	var out []model.PortBinding
	for _, spec := range specs {
		mappings, err := nat.ParsePortSpec(spec)
		if err != nil {
			return nil, model.Invalid("port "+spec, "%v", err)
		}
		for _, m := range mappings {
			if m.Port.Proto() != "tcp" {
				return nil, model.Invalid("port "+spec, "protocol %s not supported", m.Port.Proto())
			}
			if m.Binding.HostIP != "" {
				return nil, model.Invalid("port "+spec, "host ip binding not supported")
			}
			if m.Binding.HostPort == "" {
				return nil, model.Invalid("port "+spec, "host port required")
			}
			host, err := strconv.Atoi(m.Binding.HostPort)
			if err != nil {
				return nil, model.Invalid("port "+spec, "host port: %v", err)
			}
			b := model.PortBinding{Host: host, Container: m.Port.Int()}
			if err := model.Struct("port "+spec, b); err != nil {
				return nil, err
			}
			out = append(out, b)
		}
	}
	return out, nil
}

// sshHostPort returns the host port mapped to container port 22.
func sshHostPort(ports []model.PortBinding) (int, bool) {
	for _, p := range ports {
		if p.Container == model.SSHContainerPort {
			return p.Host, true
		}
	}
	return 0, false
}

func portArgs(ports []model.PortBinding) []string {
	args := make([]string, 0, len(ports)*2)
	for _, p := range ports {
		args = append(args, "-p", p.String())
	}
	return args
}

func duplicateHostPort(ports []model.PortBinding) error {
	seen := make(map[int]bool, len(ports))
	for _, p := range ports {
		if seen[p.Host] {
			return model.Invalid("ports", "host port %d mapped twice", p.Host)
		}
		seen[p.Host] = true
	}
	return nil
}

func formatPorts(ports []model.PortBinding) string {
	return fmt.Sprint(ports)
}

// publishesHostPort reports whether a docker ps Ports column publishes port
// on the host, including inside compacted ranges such as
// "0.0.0.0:9000-9001->9000-9001/tcp".
func publishesHostPort(ports string, port int) bool {
	for _, seg := range strings.Split(ports, ",") {
		published, _, ok := strings.Cut(strings.TrimSpace(seg), "->")
		if !ok {
			continue
		}
		i := strings.LastIndex(published, ":")
		if i < 0 {
			continue
		}
		start, end, err := nat.ParsePortRange(published[i+1:])
		if err != nil {
			continue
		}
		if uint64(port) >= start && uint64(port) <= end {
			return true
		}
	}
	return false
}
