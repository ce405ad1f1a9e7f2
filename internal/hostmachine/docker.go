package hostmachine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/edvin/podlab/internal/model"
	"github.com/edvin/podlab/internal/sshexec"
)

const (
	psFormat     = `'{{.Names}}|||{{.Image}}|||{{.Ports}}'`
	psSeparator  = "|||"
	imagesFormat = `'{{.Repository}}||{{.Tag}}||{{.ID}}||{{.CreatedSince}}||{{.Size}}'`
	imagesSep    = "||"
)

// e.g. "0.0.0.0:2222->22/tcp, [::]:2222->22/tcp"
var sshPortPattern = regexp.MustCompile(`:(\d+)->22/`)

func (o *Orchestrator) docker(ctx context.Context, host model.Endpoint, op, container string, steps ...string) (model.CommandResult, error) {
	res, err := o.exec.Execute(ctx, host, sshexec.Cmd(steps...))
	if err != nil {
		return res, fmt.Errorf("docker %s: %w", op, err)
	}
	if !res.Success() {
		return res, commandError(op, container, res)
	}
	return res, nil
}

// List returns the containers on host matching filter. Containers without a
// published SSH port are included with SSHPort 0.
func (o *Orchestrator) List(ctx context.Context, host model.Endpoint, filter model.ContainerFilter) ([]model.ContainerRecord, error) {
	cmd := "docker ps -a"
	switch filter {
	case model.FilterRunning, model.FilterExited:
		cmd += " --filter status=" + string(filter)
	case model.FilterAll, "":
	default:
		return nil, model.Invalid("filter", "unknown container filter %q", filter)
	}
	res, err := o.docker(ctx, host, "ps", "", cmd+" --format "+psFormat)
	if err != nil {
		return nil, err
	}

	var records []model.ContainerRecord
	for _, line := range lines(res.Stdout) {
		parts := strings.Split(line, psSeparator)
		if len(parts) != 3 {
			o.logger.Warn().Str("line", line).Msg("skipping malformed docker ps row")
			continue
		}
		name, image, ports := parts[0], parts[1], parts[2]
		sshPort := parseSSHPort(ports)
		records = append(records, o.record(host, name, image, sshPort, host.IdentityFile))
	}
	o.logger.Debug().Str("host", host.Alias).Int("count", len(records)).Msg("listed containers")
	return records, nil
}

// ListImages returns the images on host. Dangling images are hidden unless
// showDangling is set. Malformed rows are skipped.
func (o *Orchestrator) ListImages(ctx context.Context, host model.Endpoint, showDangling bool) ([]model.Image, error) {
	cmd := "docker images --format " + imagesFormat
	if !showDangling {
		cmd += " --filter dangling=false"
	}
	res, err := o.docker(ctx, host, "images", "", cmd)
	if err != nil {
		return nil, err
	}

	var images []model.Image
	for _, line := range lines(res.Stdout) {
		parts := strings.Split(line, imagesSep)
		if len(parts) != 5 {
			continue
		}
		images = append(images, model.Image{
			Repository: parts[0],
			Tag:        parts[1],
			ID:         parts[2],
			Created:    parts[3],
			Size:       parts[4],
		})
	}
	return images, nil
}

// ContainerExists reports whether a container named name exists on host in
// any state.
func (o *Orchestrator) ContainerExists(ctx context.Context, host model.Endpoint, name string) (bool, error) {
	res, err := o.docker(ctx, host, "ps", name, "docker ps -a --format '{{.Names}}'")
	if err != nil {
		return false, err
	}
	return containsLine(res.Stdout, name), nil
}

// IsRunning reports whether the named container is running on host.
func (o *Orchestrator) IsRunning(ctx context.Context, host model.Endpoint, name string) (bool, error) {
	cmd := fmt.Sprintf(`docker ps --filter name=%s --filter status=running --format "{{.Names}}"`, sshexec.ShellQuote(name))
	res, err := o.docker(ctx, host, "ps", name, cmd)
	if err != nil {
		return false, err
	}
	running := containsLine(res.Stdout, name)
	o.logger.Debug().Str("container", name).Bool("running", running).Msg("checked container state")
	return running, nil
}

func (o *Orchestrator) portInUse(ctx context.Context, host model.Endpoint, port int) (bool, error) {
	res, err := o.docker(ctx, host, "ps", "", "docker ps -a --format '{{.Ports}}'")
	if err != nil {
		return false, err
	}
	for _, line := range lines(res.Stdout) {
		if publishesHostPort(line, port) {
			return true, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) record(host model.Endpoint, name, image string, sshPort int, identity string) model.ContainerRecord {
	return model.ContainerRecord{
		Name: name,
		Host: host,
		Container: model.Endpoint{
			Alias:        name,
			Hostname:     host.Hostname,
			Port:         sshPort,
			User:         model.DefaultUser,
			IdentityFile: identity,
		},
		SSHPort: sshPort,
		Image:   image,
	}
}

func parseSSHPort(ports string) int {
	m := sshPortPattern.FindStringSubmatch(ports)
	if m == nil {
		return 0
	}
	port, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return port
}

func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func containsLine(s, want string) bool {
	for _, l := range lines(s) {
		if l == want {
			return true
		}
	}
	return false
}
