package model

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultUser is the login used for containers and pods.
const DefaultUser = "root"

// Endpoint is an addressable remote shell target (host, container or pod).
type Endpoint struct {
	Alias        string `json:"host" yaml:"host" validate:"required"`
	Hostname     string `json:"hostname" yaml:"hostname" validate:"required"`
	Port         int    `json:"port" yaml:"port" validate:"required,min=1,max=65535"`
	User         string `json:"user" yaml:"user" validate:"required"`
	IdentityFile string `json:"identity_file,omitempty" yaml:"identity_file,omitempty"`
}

// NewEndpoint validates and returns an Endpoint. An empty user defaults to root.
func NewEndpoint(alias, hostname string, port int, user, identityFile string) (Endpoint, error) {
	if user == "" {
		user = DefaultUser
	}
	e := Endpoint{
		Alias:        alias,
		Hostname:     hostname,
		Port:         port,
		User:         user,
		IdentityFile: identityFile,
	}
	if err := e.Validate(); err != nil {
		return Endpoint{}, err
	}
	return e, nil
}

// Validate checks the required fields.
func (e Endpoint) Validate() error {
	return Struct("endpoint "+e.Alias, e)
}

// Address returns host:port for dialing.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Hostname, strconv.Itoa(e.Port))
}

// Target returns user@hostname, the form used by ssh and rsync.
func (e Endpoint) Target() string {
	return e.User + "@" + e.Hostname
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s(%s:%d)", e.Alias, e.Hostname, e.Port)
}

// IdentityPath returns the identity file with a leading ~ expanded.
func (e Endpoint) IdentityPath() string {
	return ExpandHome(e.IdentityFile)
}

// CheckIdentity verifies that the identity file, if set, is readable.
func (e Endpoint) CheckIdentity() error {
	if e.IdentityFile == "" {
		return nil
	}
	f, err := os.Open(e.IdentityPath())
	if err != nil {
		return Invalid("endpoint "+e.Alias, "identity file: %v", err)
	}
	return f.Close()
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
