package model

import "fmt"

// SSHContainerPort is the container port that must always be published.
const SSHContainerPort = 22

// PortBinding publishes a container port on a host port.
type PortBinding struct {
	Host      int `json:"host" yaml:"host" validate:"required,min=1,max=65535"`
	Container int `json:"container" yaml:"container" validate:"required,min=1,max=65535"`
}

func (p PortBinding) String() string {
	return fmt.Sprintf("%d:%d", p.Host, p.Container)
}

// ContainerRecord describes a container on a remote docker host.
// SSHPort is 0 when the container publishes no SSH port.
type ContainerRecord struct {
	Name      string   `json:"name"`
	Host      Endpoint `json:"host_profile"`
	Container Endpoint `json:"container_profile"`
	SSHPort   int      `json:"ssh_port"`
	Image     string   `json:"image_address"`
}

// ContainerFilter selects containers by state in listings.
type ContainerFilter string

const (
	FilterRunning ContainerFilter = "running"
	FilterExited  ContainerFilter = "exited"
	FilterAll     ContainerFilter = "all"
)

// Image is one row of the docker image listing.
type Image struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	ID         string `json:"image_id"`
	Created    string `json:"created"`
	Size       string `json:"size"`
}

// Reference returns repository:tag.
func (i Image) Reference() string {
	return i.Repository + ":" + i.Tag
}
