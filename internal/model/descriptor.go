package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// PodDescriptor is written into the container once at provisioning time and
// read by the relay client. It is deleted on terminate.
type PodDescriptor struct {
	PodID        string `json:"pod_id" validate:"required"`
	PublicIP     string `json:"pod_ssh_public_ip" validate:"required"`
	User         string `json:"pod_user" validate:"required"`
	SSHPort      int    `json:"pod_ssh_port" validate:"required,min=1,max=65535"`
	APIKey       string `json:"runpod_api_key" validate:"required"`
	IdentityFile string `json:"identity_file" validate:"required"`
}

// NewPodDescriptor builds the descriptor for pod, authenticating later pulls
// with identityFile (a path inside the container).
func NewPodDescriptor(pod PodRecord, apiKey, identityFile string) (PodDescriptor, error) {
	d := PodDescriptor{
		PodID:        pod.ID,
		PublicIP:     pod.SSH.Hostname,
		User:         pod.SSH.User,
		SSHPort:      pod.SSH.Port,
		APIKey:       apiKey,
		IdentityFile: identityFile,
	}
	if err := Struct("pod descriptor", d); err != nil {
		return PodDescriptor{}, err
	}
	return d, nil
}

// Endpoint returns the pod's SSH endpoint as seen from the container.
func (d PodDescriptor) Endpoint() Endpoint {
	return Endpoint{
		Alias:        d.PodID,
		Hostname:     d.PublicIP,
		Port:         d.SSHPort,
		User:         d.User,
		IdentityFile: d.IdentityFile,
	}
}

// LoadPodDescriptor reads and validates a descriptor file.
func LoadPodDescriptor(path string) (PodDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PodDescriptor{}, fmt.Errorf("read pod descriptor: %w", err)
	}
	var d PodDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return PodDescriptor{}, fmt.Errorf("parse pod descriptor %s: %w", path, err)
	}
	if err := Struct("pod descriptor", d); err != nil {
		return PodDescriptor{}, err
	}
	return d, nil
}

// WriteFile stores the descriptor as indented JSON readable only by the owner.
func (d PodDescriptor) WriteFile(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pod descriptor: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write pod descriptor: %w", err)
	}
	return nil
}
