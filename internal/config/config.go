package config

import (
	"fmt"
	"net/url"
	"time"
)

type Config struct {
	Server    ServerConfig
	Comfy     ComfyConfig
	Relay     RelayConfig
	Workflow  WorkflowConfig
	Tunnel    TunnelConfig
	Notify    NotifyConfig
	Provision ProvisionConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

// ComfyConfig locates the external ComfyUI instance: its HTTP API and its
// installation directory on this host.
type ComfyConfig struct {
	BaseURL string
	Dir     string
	Port    int
}

type RelayConfig struct {
	PollInterval  time.Duration
	MaxWait       time.Duration
	MaxConcurrent int
	PromptSuffix  string
}

type WorkflowConfig struct {
	TemplatePath string
	PromptNode   string
	LatentNode   string
}

type TunnelConfig struct {
	AuthToken string
	Domain    string
}

type NotifyConfig struct {
	DiscordWebhook string
}

type ProvisionConfig struct {
	HFToken string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 5000,
		},
		Comfy: ComfyConfig{
			BaseURL: "http://127.0.0.1:8188",
			Dir:     "/root/ComfyUI",
			Port:    8188,
		},
		Relay: RelayConfig{
			PollInterval:  time.Second,
			MaxWait:       15 * time.Minute,
			MaxConcurrent: 4,
			PromptSuffix:  ", high quality, detailed, sharp focus, professional, 8k uhd, masterpiece",
		},
		Workflow: WorkflowConfig{
			PromptNode: "6",
			LatentNode: "5",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the TOML config file, environment variables,
// and the local secrets file.
//
// The config file lives at $XDG_CONFIG_HOME/comfyrelay/config.toml and
// secrets at $XDG_DATA_HOME/comfyrelay/secrets.json. Environment variables
// (COMFYRELAY_*) override file values; secrets are never read from the
// config file.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// secretReader abstracts the secrets file for testing.
type secretReader interface {
	Get(account string) (string, error)
}

func loadFromPath(path string, sr secretReader) (Config, error) {
	return loadWith(newFileBackend(path), sr)
}

func loadWith(b ConfigBackend, sr secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, sr)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	u, err := url.Parse(c.Comfy.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid config: comfy.base_url %q is not an absolute URL", c.Comfy.BaseURL)
	}
	if c.Relay.PollInterval <= 0 {
		return fmt.Errorf("invalid config: relay.poll_interval must be positive")
	}
	if c.Relay.MaxWait < c.Relay.PollInterval {
		return fmt.Errorf("invalid config: relay.max_wait %s shorter than relay.poll_interval %s", c.Relay.MaxWait, c.Relay.PollInterval)
	}
	if c.Relay.MaxConcurrent <= 0 {
		return fmt.Errorf("invalid config: relay.max_concurrent must be at least 1")
	}
	return nil
}

// ListenAddr is the host:port the relay binds to.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// LocalURL is the address CLI commands use to reach a relay on this host.
func (c Config) LocalURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.Server.Port)
}
