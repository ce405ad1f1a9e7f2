package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/edvin/podlab/internal/readiness"
	"github.com/edvin/podlab/internal/trust"
)

type Config struct {
	LogLevel string
	// ServiceName is attached to every log line when set.
	ServiceName string

	RunPodAPIKey string
	RunPodAPIURL string
	// RunPodIdentityFile authenticates the control machine to pods.
	RunPodIdentityFile string
	JupyterPassword    string

	TrustStorePath string
	KnownHostsFile string
	SyncKeyDir     string
	SyncKeyName    string

	// RelayDir and WorkspaceDir are uploaded into every new container. The
	// defaults under container_setup/ apply only when present in the working
	// directory.
	RelayDir     string
	WorkspaceDir string

	SSHReadyTimeout  time.Duration
	SSHReadyInterval time.Duration
	PodReadyTimeout  time.Duration
	PodReadyInterval time.Duration
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	trustPath := getEnv("TRUST_STORE_PATH", "")
	if trustPath == "" {
		p, err := trust.DefaultPath()
		if err != nil {
			return nil, err
		}
		trustPath = p
	}

	cfg := &Config{
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		ServiceName:        getEnv("SERVICE_NAME", ""),
		RunPodAPIKey:       getEnv("RUNPOD_API_KEY", ""),
		RunPodAPIURL:       getEnv("RUNPOD_API_URL", "https://api.runpod.io/graphql"),
		RunPodIdentityFile: getEnv("RUNPOD_IDENTITY_FILE", "~/.ssh/id_ed25519"),
		JupyterPassword:    getEnv("JUPYTER_PASSWORD", "jupyterpassword"),
		TrustStorePath:     trustPath,
		KnownHostsFile:     getEnv("KNOWN_HOSTS_FILE", "~/.ssh/known_hosts"),
		SyncKeyDir:         getEnv("SYNC_KEY_DIR", "~/.ssh"),
		SyncKeyName:        getEnv("SYNC_KEY_NAME", "id_pod_sync"),
		RelayDir:           getDir("RELAY_DIR", "container_setup/DOLAB"),
		WorkspaceDir:       getDir("WORKSPACE_DIR", "container_setup/workspace"),
	}

	var err error
	if cfg.SSHReadyTimeout, err = getDuration("SSH_READY_TIMEOUT", 180*time.Second); err != nil {
		return nil, err
	}
	if cfg.SSHReadyInterval, err = getDuration("SSH_READY_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.PodReadyTimeout, err = getDuration("POD_READY_TIMEOUT", 180*time.Second); err != nil {
		return nil, err
	}
	if cfg.PodReadyInterval, err = getDuration("POD_READY_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SSHReady is the post-create container wait.
func (c *Config) SSHReady() readiness.Policy {
	return readiness.Policy{Timeout: c.SSHReadyTimeout, Interval: c.SSHReadyInterval}
}

// PodReady is the post-allocation pod wait.
func (c *Config) PodReady() readiness.Policy {
	return readiness.Policy{Timeout: c.PodReadyTimeout, Interval: c.PodReadyInterval}
}

// RequireAPIKey fails when no provider API key is configured.
func (c *Config) RequireAPIKey() error {
	if c.RunPodAPIKey == "" {
		return errors.New("RUNPOD_API_KEY is not set")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getDir returns the env value, else fallback when it exists as a directory,
// else empty so that nothing is uploaded.
func getDir(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if info, err := os.Stat(fallback); err == nil && info.IsDir() {
		return fallback
	}
	return ""
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("parse %s: must be positive, got %s", key, v)
	}
	return d, nil
}
