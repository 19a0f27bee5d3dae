// Package config loads the engine's runtime configuration: provider
// credentials, the model descriptor, compaction thresholds, and the
// restricted execution sandbox for concrete tools.
//
// Layering: YAML defaults first, then environment-variable overrides
// applied with strings.TrimSpace(os.Getenv(...)) checks so a blank env
// var never clobbers a YAML-supplied value. godotenv loads a .env file in
// development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProviderConfig carries one vendor's credential and default model.
type ProviderConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model,omitempty"`
}

// CompactionConfig holds the context-compaction tunables.
type CompactionConfig struct {
	Enabled           bool `yaml:"enabled"`
	ModelContextLimit int  `yaml:"model_context_limit"`
	ReserveTokens     int  `yaml:"reserve_tokens"`
	KeepRecentTokens  int  `yaml:"keep_recent_tokens"`
}

// ExecConfig bounds what the run_cli tool is allowed to do; enforced by
// internal/tools/cli.
type ExecConfig struct {
	MaxCommandSeconds int      `yaml:"max_command_seconds"`
	BlockBinaries     []string `yaml:"block_binaries"`
}

// MCPServerConfig describes one Model Context Protocol server whose tools
// join the local registry, either spawned over stdio (Command) or reached
// over streamable HTTP (URL).
type MCPServerConfig struct {
	Name             string            `yaml:"name"`
	Command          string            `yaml:"command,omitempty"`
	Args             []string          `yaml:"args,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	URL              string            `yaml:"url,omitempty"`
	BearerToken      string            `yaml:"bearer_token,omitempty"`
	KeepAliveSeconds int               `yaml:"keep_alive_seconds,omitempty"`
}

// MCPConfig lists the configured MCP servers.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers,omitempty"`
}

// ObsConfig configures the OTLP telemetry exporters; an empty endpoint
// disables them.
type ObsConfig struct {
	OTLP           string `yaml:"otlp_endpoint,omitempty"`
	ServiceName    string `yaml:"service_name,omitempty"`
	ServiceVersion string `yaml:"service_version,omitempty"`
	Environment    string `yaml:"environment,omitempty"`
}

// StoreConfig selects and configures the Durable Store backend.
type StoreConfig struct {
	Backend      string `yaml:"backend"` // "memory" | "postgres"
	DSN          string `yaml:"dsn,omitempty"`
	RedisAddr    string `yaml:"redis_addr,omitempty"`
	RedisEnabled bool   `yaml:"redis_enabled"`
}

// Config is the root configuration tree, loaded once at process start.
type Config struct {
	Model      string `yaml:"model"` // "provider/model-id"
	DebugLevel string `yaml:"debug_level"`
	Workdir    string `yaml:"workdir"`
	// ReasoningBudget enables extended thinking/reasoning on providers that
	// support it; zero disables. Anthropic widens max_tokens by the budget,
	// OpenAI maps it onto reasoning_effort, Google onto thinkingBudget.
	ReasoningBudget int `yaml:"reasoning_budget,omitempty"`

	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Google    ProviderConfig `yaml:"google"`

	Compaction CompactionConfig `yaml:"compaction"`
	Exec       ExecConfig       `yaml:"exec"`
	Store      StoreConfig      `yaml:"store"`
	MCP        MCPConfig        `yaml:"mcp"`
	Obs        ObsConfig        `yaml:"observability"`
}

// Defaults carry the stock compaction thresholds
// (200_000 / 16_384 / 20_000) and a 30-second command timeout.
func Defaults() Config {
	return Config{
		Model:      "anthropic/claude-sonnet-4-20250514",
		DebugLevel: "info",
		Compaction: CompactionConfig{
			Enabled:           true,
			ModelContextLimit: 200_000,
			ReserveTokens:      16_384,
			KeepRecentTokens:   20_000,
		},
		Exec: ExecConfig{
			MaxCommandSeconds: 30,
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Obs: ObsConfig{
			ServiceName:    "turnengine",
			ServiceVersion: "dev",
			Environment:    "local",
		},
	}
}

// Load reads configPath (if non-empty and present) as a YAML overlay on top
// of Defaults(), then applies environment-variable overrides: a TrimSpace'd
// os.Getenv check gates each field, so an unset/blank env var never
// clobbers a YAML-supplied value.
func Load(configPath string) (Config, error) {
	_ = godotenv.Overload()

	cfg := Defaults()
	if configPath != "" {
		if b, err := os.ReadFile(configPath); err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, err
			}
		} else if !os.IsNotExist(err) {
			return cfg, err
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SMITHERS_MODEL")); v != "" {
		cfg.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("SMITHERS_DEBUG_LEVEL")); v != "" {
		cfg.DebugLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		cfg.Anthropic.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY")); v != "" {
		cfg.Google.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("TURNENGINE_STORE_DSN")); v != "" {
		cfg.Store.DSN = v
		cfg.Store.Backend = "postgres"
	}
	if v := strings.TrimSpace(os.Getenv("TURNENGINE_REDIS_ADDR")); v != "" {
		cfg.Store.RedisAddr = v
		cfg.Store.RedisEnabled = true
	}
	if v := strings.TrimSpace(os.Getenv("TURNENGINE_OTLP_ENDPOINT")); v != "" {
		cfg.Obs.OTLP = v
	}
	if v := strings.TrimSpace(os.Getenv("TURNENGINE_COMPACTION_DISABLED")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil && b {
			cfg.Compaction.Enabled = false
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}

// CompactionLimits returns the context limit, reserve and keep-recent
// knobs the Compaction Engine needs, with the package-level fallback defaults applied when
// Config leaves them at zero (e.g. a caller building Config by hand in a
// test rather than through Load).
func (c Config) CompactionLimits() (contextLimit, reserve, keepRecent int) {
	d := Defaults().Compaction
	contextLimit, reserve, keepRecent = c.Compaction.ModelContextLimit, c.Compaction.ReserveTokens, c.Compaction.KeepRecentTokens
	if contextLimit == 0 {
		contextLimit = d.ModelContextLimit
	}
	if reserve == 0 {
		reserve = d.ReserveTokens
	}
	if keepRecent == 0 {
		keepRecent = d.KeepRecentTokens
	}
	return
}

// StartupGracePeriod is how long the submit/cancel latch waits
// before a Streaming transition commits to an HTTP call.
const StartupGracePeriod = 50 * time.Millisecond
