package model

import "strings"

// CloudTier selects which part of the provider's fleet a pod may land on.
type CloudTier string

const (
	TierAll       CloudTier = "ALL"
	TierSecure    CloudTier = "SECURE"
	TierCommunity CloudTier = "COMMUNITY"
)

// ParseCloudTier accepts a tier name in any case.
func ParseCloudTier(s string) (CloudTier, error) {
	switch t := CloudTier(strings.ToUpper(strings.TrimSpace(s))); t {
	case TierAll, TierSecure, TierCommunity:
		return t, nil
	case "":
		return TierAll, nil
	default:
		return "", Invalid("cloud tier", "unknown tier %q", s)
	}
}

// PodPort is one port mapping reported by the provider for a running pod.
type PodPort struct {
	IP          string `json:"ip"`
	IsIPPublic  bool   `json:"is_ip_public"`
	PrivatePort int    `json:"private_port"`
	PublicPort  int    `json:"public_port"`
	Type        string `json:"type"`
}

// PodRecord is a provisioned GPU pod. It is only built once the pod reports
// a public port bound to private port 22.
type PodRecord struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	ImageName       string    `json:"image_name"`
	DesiredStatus   string    `json:"desired_status"`
	CostPerHour     float64   `json:"cost_per_hr"`
	GpuCount        int       `json:"gpu_count"`
	MemoryGB        int       `json:"memory_in_gb"`
	VcpuCount       int       `json:"vcpu_count"`
	ContainerDiskGB int       `json:"container_disk_in_gb"`
	MachineID       string    `json:"machine_id"`
	GpuDisplayName  string    `json:"gpu_display_name"`
	GpuTypeID       string    `json:"gpu_type_id,omitempty"`
	Ports           []PodPort `json:"ports"`
	SSHPublicIP     string    `json:"ssh_public_ip"`
	SSHPort         int       `json:"ssh_port"`
	JupyterEnabled  bool      `json:"jupyter_enabled"`
	SSH             Endpoint  `json:"ssh_profile"`
}
