package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "COMFYRELAY_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "COMFYRELAY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "comfy.base_url", typ: kString, env: "COMFYRELAY_COMFY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Comfy.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Comfy.BaseURL },
	},
	{
		key: "comfy.dir", typ: kString, env: "COMFYRELAY_COMFY_DIR",
		apply:   func(cfg *Config, v any) { cfg.Comfy.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Comfy.Dir },
	},
	{
		key: "comfy.port", typ: kInt, env: "COMFYRELAY_COMFY_PORT",
		apply:   func(cfg *Config, v any) { cfg.Comfy.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Comfy.Port },
	},
	{
		key: "relay.poll_interval", typ: kDuration, env: "COMFYRELAY_RELAY_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Relay.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Relay.PollInterval },
	},
	{
		key: "relay.max_wait", typ: kDuration, env: "COMFYRELAY_RELAY_MAX_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Relay.MaxWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Relay.MaxWait },
	},
	{
		key: "relay.max_concurrent", typ: kInt, env: "COMFYRELAY_RELAY_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Relay.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Relay.MaxConcurrent },
	},
	{
		key: "relay.prompt_suffix", typ: kString, env: "COMFYRELAY_RELAY_PROMPT_SUFFIX",
		apply:   func(cfg *Config, v any) { cfg.Relay.PromptSuffix = v.(string) },
		extract: func(cfg Config) any { return cfg.Relay.PromptSuffix },
	},
	{
		key: "workflow.template_path", typ: kString, env: "COMFYRELAY_WORKFLOW_TEMPLATE_PATH",
		apply:   func(cfg *Config, v any) { cfg.Workflow.TemplatePath = v.(string) },
		extract: func(cfg Config) any { return cfg.Workflow.TemplatePath },
	},
	{
		key: "workflow.prompt_node", typ: kString, env: "COMFYRELAY_WORKFLOW_PROMPT_NODE",
		apply:   func(cfg *Config, v any) { cfg.Workflow.PromptNode = v.(string) },
		extract: func(cfg Config) any { return cfg.Workflow.PromptNode },
	},
	{
		key: "workflow.latent_node", typ: kString, env: "COMFYRELAY_WORKFLOW_LATENT_NODE",
		apply:   func(cfg *Config, v any) { cfg.Workflow.LatentNode = v.(string) },
		extract: func(cfg Config) any { return cfg.Workflow.LatentNode },
	},
	{
		key: "tunnel.domain", typ: kString, env: "COMFYRELAY_TUNNEL_DOMAIN",
		apply:   func(cfg *Config, v any) { cfg.Tunnel.Domain = v.(string) },
		extract: func(cfg Config) any { return cfg.Tunnel.Domain },
	},
	{
		key: "tunnel.auth_token", typ: kString, env: "COMFYRELAY_TUNNEL_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Tunnel.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Tunnel.AuthToken },
	},
	{
		key: "notify.discord_webhook", typ: kString, env: "COMFYRELAY_NOTIFY_DISCORD_WEBHOOK",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Notify.DiscordWebhook = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.DiscordWebhook },
	},
	{
		key: "provision.hf_token", typ: kString, env: "COMFYRELAY_PROVISION_HF_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provision.HFToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Provision.HFToken },
	},
	{
		key: "log.level", typ: kString, env: "COMFYRELAY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("reading %s: invalid duration %q: %w", s.key, v, err)
				}
				s.apply(cfg, d)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// applySecrets fills secret keys the environment left empty from the
// secrets file.
func applySecrets(cfg *Config, sr secretReader) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := sr.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
