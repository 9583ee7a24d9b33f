package app

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/florianilch/claudine-gateway/internal/credential"
	"github.com/florianilch/claudine-gateway/internal/dispatch"
	"github.com/florianilch/claudine-gateway/internal/hooks"
	"github.com/florianilch/claudine-gateway/internal/observability"
	"github.com/florianilch/claudine-gateway/internal/policy"
	"github.com/florianilch/claudine-gateway/internal/proxy"
	"github.com/florianilch/claudine-gateway/internal/session"
	"github.com/florianilch/claudine-gateway/internal/streaming"
)

// EnvPrefix prefixes every configuration environment variable. Nested keys are separated by
// a double underscore, e.g. CLAUDINE_SERVER__ADDR.
const EnvPrefix = "CLAUDINE_"

// TokenStorageType selects where provider credentials are kept.
type TokenStorageType string

const (
	TokenStorageTypeKeyring TokenStorageType = "keyring"
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeEnv     TokenStorageType = "env"
)

// Config is the complete application configuration.
type Config struct {
	Server          ServerConfig              `koanf:"server"`
	Log             LogConfig                 `koanf:"log"`
	Stream          StreamConfig              `koanf:"stream"`
	Hooks           HooksConfig               `koanf:"hooks"`
	Sessions        SessionsConfig            `koanf:"sessions"`
	Auth            AuthConfig                `koanf:"auth"`
	Providers       map[string]ProviderConfig `koanf:"providers" validate:"required,min=1,dive"`
	DefaultProvider string                    `koanf:"default_provider" validate:"required"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required,hostname_port"`
	MaxRequestBytes int64         `koanf:"max_request_bytes" validate:"min=1"`
	RequestTimeout  time.Duration `koanf:"request_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level    string `koanf:"level" validate:"required,oneof=debug info warn error"`
	Format   string `koanf:"format" validate:"required,oneof=text json"`
	Exporter string `koanf:"exporter" validate:"omitempty,oneof=none stdout otlp-grpc otlp-http"`
}

// StreamConfig configures the streaming engine.
type StreamConfig struct {
	Buffer    int           `koanf:"buffer" validate:"min=1"`
	KeepAlive time.Duration `koanf:"keepalive" validate:"min=0"`
}

// HooksConfig configures the observer pipeline.
type HooksConfig struct {
	Budget  time.Duration `koanf:"budget" validate:"min=0"`
	Queue   int           `koanf:"queue" validate:"min=1"`
	Metrics bool          `koanf:"metrics"`
	Tracing bool          `koanf:"tracing"`
}

// SessionsConfig configures provider sessions.
type SessionsConfig struct {
	InactivityTimeout time.Duration `koanf:"inactivity_timeout" validate:"min=0"`
	SweepInterval     time.Duration `koanf:"sweep_interval" validate:"min=0"`
}

// AuthConfig configures credential storage.
type AuthConfig struct {
	Storage       TokenStorageType `koanf:"storage" validate:"required,oneof=keyring file env"`
	Dir           string           `koanf:"dir"`
	RefreshMargin time.Duration    `koanf:"refresh_margin" validate:"min=0"`
}

// ProviderConfig configures one upstream provider.
type ProviderConfig struct {
	Kind    string `koanf:"kind" validate:"required,oneof=anthropic openai"`
	BaseURL string `koanf:"base_url" validate:"omitempty,url"`

	// Storage overrides auth.storage for this provider.
	Storage TokenStorageType `koanf:"storage" validate:"omitempty,oneof=keyring file env"`
	// CredentialEnv is the variable read with env storage.
	CredentialEnv string `koanf:"credential_env"`

	// Capabilities overrides the defaults of the provider kind.
	Capabilities     map[string]bool         `koanf:"capabilities"`
	CapabilityPolicy policy.CapabilityPolicy `koanf:"capability_policy"`
	Params           map[string]string       `koanf:"params"`
}

// defaults is the lowest configuration layer.
func defaults() map[string]any {
	return map[string]any{
		"server.addr":                 "127.0.0.1:4000",
		"server.max_request_bytes":    int64(proxy.DefaultMaxRequestBytes),
		"server.request_timeout":      proxy.DefaultRequestTimeout,
		"server.shutdown_timeout":     5 * time.Second,
		"log.level":                   "info",
		"log.format":                  "text",
		"log.exporter":                observability.ExporterNone,
		"stream.buffer":               streaming.DefaultBuffer,
		"stream.keepalive":            streaming.DefaultKeepAlive,
		"hooks.budget":                hooks.DefaultBudget,
		"hooks.queue":                 hooks.DefaultQueue,
		"hooks.metrics":               true,
		"hooks.tracing":               false,
		"sessions.inactivity_timeout": session.DefaultInactivityTimeout,
		"sessions.sweep_interval":     time.Minute,
		"auth.storage":                string(TokenStorageTypeKeyring),
		"auth.refresh_margin":         credential.DefaultRefreshMargin,
		"providers.anthropic.kind":    policy.KindAnthropic,
		"providers.openai.kind":       policy.KindOpenAI,
		"default_provider":            "anthropic",
	}
}

// yamlParser reads YAML configuration files into koanf.
type yamlParser struct{}

func (yamlParser) Unmarshal(b []byte) (map[string]any, error) {
	out := make(map[string]any)
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (yamlParser) Marshal(m map[string]any) ([]byte, error) {
	return yaml.Marshal(m)
}

// parserFor picks the koanf parser by file extension. TOML is the default.
func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yamlParser{}
	}
	return toml.Parser()
}

// envKey maps CLAUDINE_SERVER__ADDR to server.addr.
func envKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
}

// LoadConfig layers defaults, the optional config file, the environment and flag overrides,
// in that order, and validates the result. environ is typically os.Environ.
func LoadConfig(path string, overrides map[string]any, environ func() []string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		EnvironFunc:   environ,
		TransformFunc: func(key, value string) (string, any) { return envKey(key), value },
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the cross references between sections.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, ok := c.Providers[c.DefaultProvider]; !ok {
		return fmt.Errorf("invalid config: default_provider %q is not configured", c.DefaultProvider)
	}
	for _, name := range c.ProviderNames() {
		if _, err := c.Policy(name); err != nil {
			return fmt.Errorf("invalid config: providers.%s: %w", name, err)
		}
		if _, err := c.Capabilities(name); err != nil {
			return fmt.Errorf("invalid config: providers.%s: %w", name, err)
		}
		if slices.Contains(reservedSegments, name) {
			return fmt.Errorf("invalid config: provider name %q is a reserved path segment", name)
		}
	}
	return nil
}

// reservedSegments are path segments the router reads before the provider name.
var reservedSegments = []string{
	string(dispatch.ModeFull),
	string(dispatch.ModeMinimal),
	string(dispatch.ModePassthrough),
	"v1",
}

// ProviderNames returns the configured providers in a stable order.
func (c *Config) ProviderNames() []string {
	return slices.Sorted(maps.Keys(c.Providers))
}

// Capabilities returns the provider kind defaults with the configured overrides applied.
func (c *Config) Capabilities(name string) (policy.Capabilities, error) {
	pc := c.Providers[name]
	caps := defaultCapabilities(pc.Kind)
	for capability, enabled := range pc.Capabilities {
		switch capability {
		case policy.CapabilityStreaming:
			caps.Streaming = enabled
		case policy.CapabilityTools:
			caps.Tools = enabled
		case policy.CapabilityVision:
			caps.Vision = enabled
		case policy.CapabilityThinking:
			caps.Thinking = enabled
		default:
			return policy.Capabilities{}, fmt.Errorf("unknown capability %q", capability)
		}
	}
	return caps, nil
}

// Policy returns the request policy of a provider.
func (c *Config) Policy(name string) (dispatch.Policy, error) {
	pc := c.Providers[name]
	params, err := policy.DefaultParams(pc.Kind).WithOverrides(pc.Params)
	if err != nil {
		return dispatch.Policy{}, err
	}
	return dispatch.Policy{Params: params, Capabilities: pc.CapabilityPolicy}, nil
}

// StorageFor returns the effective storage type of a provider.
func (c *Config) StorageFor(name string) TokenStorageType {
	if s := c.Providers[name].Storage; s != "" {
		return s
	}
	return c.Auth.Storage
}

// NewCredentialStore creates the credential store of a provider.
func (c *Config) NewCredentialStore(name string) (credential.Store, error) {
	pc, ok := c.Providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}

	switch c.StorageFor(name) {
	case TokenStorageTypeKeyring:
		return credential.NewKeyringStore(name), nil
	case TokenStorageTypeFile:
		dir := c.Auth.Dir
		if dir == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return nil, fmt.Errorf("failed to resolve config dir: %w", err)
			}
			dir = filepath.Join(configDir, "claudine")
		}
		return &credential.FileStore{Path: filepath.Join(dir, name+".json")}, nil
	case TokenStorageTypeEnv:
		v := pc.CredentialEnv
		if v == "" {
			v = defaultCredentialEnv(pc.Kind)
		}
		return &credential.EnvStore{Var: v}, nil
	}
	return nil, fmt.Errorf("unsupported token storage %q", c.StorageFor(name))
}

func defaultCredentialEnv(kind string) string {
	if kind == policy.KindOpenAI {
		return "OPENAI_API_KEY"
	}
	return "ANTHROPIC_API_KEY"
}
