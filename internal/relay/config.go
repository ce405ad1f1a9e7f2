package relay

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/edvin/podlab/internal/model"
)

// DefaultConfigPath is where the bootstrap upload puts the relay config.
// The file is JSON, which parses as YAML.
const DefaultConfigPath = "/root/DOLAB/websocket_config.json"

// PodIDPlaceholder is replaced by the pod id in ClientConfig.URLTemplate.
const PodIDPlaceholder = "{pod_id}"

// ServerConfig configures the in-pod relay server.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required,hostname_port"`
	// Socket is the datagram socket the server reads tokens from.
	Socket string `yaml:"socket" validate:"required"`
	// ClientConnectedSocket, when it exists, receives "connected" once.
	ClientConnectedSocket string `yaml:"client_connected_socket"`
}

// ClientConfig configures the in-container relay client.
type ClientConfig struct {
	SourceDir   string `yaml:"source_dir" validate:"required"`
	TargetDir   string `yaml:"target_dir" validate:"required"`
	PodInfoPath string `yaml:"pod_info_path" validate:"required"`
	URLTemplate string `yaml:"url_template" validate:"required"`
	APIURL      string `yaml:"api_url"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Config is the flat relay config file shared by both processes.
type Config struct {
	Server ServerConfig `yaml:",inline"`
	Client ClientConfig `yaml:",inline"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: "0.0.0.0:8080",
			Socket:     "/tmp/relay.sock",
		},
		Client: ClientConfig{
			PodInfoPath: "/root/DOLAB/pod_info.json",
			URLTemplate: "wss://" + PodIDPlaceholder + "-8080.proxy.runpod.net/ws",
		},
	}
}

// LoadConfig reads path over the defaults. Validation is left to the role
// that uses the config.
func LoadConfig(path string) (Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read relay config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse relay config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the server fields.
func (c ServerConfig) Validate() error {
	return model.Struct("relay server config", c)
}

// Validate checks the client fields.
func (c ClientConfig) Validate() error {
	if err := model.Struct("relay client config", c); err != nil {
		return err
	}
	if !strings.Contains(c.URLTemplate, PodIDPlaceholder) {
		return model.Invalid("relay client config", "url_template must contain %s", PodIDPlaceholder)
	}
	return nil
}

// URL returns the server URL for podID.
func (c ClientConfig) URL(podID string) string {
	return strings.ReplaceAll(c.URLTemplate, PodIDPlaceholder, podID)
}
