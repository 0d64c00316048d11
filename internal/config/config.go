// Package config loads the proxy configuration from a YAML file and
// POLY_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Storage     StorageConfig     `koanf:"storage"`
	Redis       RedisConfig       `koanf:"redis"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Providers   []ProviderConfig  `koanf:"providers"`
	Security    SecurityConfig    `koanf:"security"`
	Compression CompressionConfig `koanf:"compression"`
	Trust       TrustConfig       `koanf:"trust"`

	// Pricing overrides entries of the default price table.
	Pricing []PriceConfig `koanf:"pricing"`

	Agents            []AgentConfig            `koanf:"agents"`
	ToolPolicies      []ToolPolicyConfig       `koanf:"tool_policies"`
	OptimizationRules []OptimizationRuleConfig `koanf:"optimization_rules"`
	Limits            []LimitConfig            `koanf:"limits"`
	VirtualKeys       []VirtualKeyConfig       `koanf:"virtual_keys"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	CORSOrigins    []string      `koanf:"cors_origins"`
	// ProxyPrefix is mounted in front of every proxy route, e.g. "/v1".
	ProxyPrefix string `koanf:"proxy_prefix"`
}

type StorageConfig struct {
	Type     string         `koanf:"type"` // sqlite, postgres, mysql, memory
	Database DatabaseConfig `koanf:"database"`
}

// DatabaseConfig is the generic database configuration for multi-dialect support.
type DatabaseConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

type RedisConfig struct {
	URL string `koanf:"url"`
}

type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	ServiceName string  `koanf:"service_name"`
	SampleRatio float64 `koanf:"sample_ratio"`
	Pretty      bool    `koanf:"pretty"`
}

type ProviderConfig struct {
	Name    string `koanf:"name"`
	Type    string `koanf:"type"` // openai, anthropic, gemini
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	// Keyless providers run without a configured upstream key and refuse
	// external callers that don't bring their own.
	Keyless bool `koanf:"keyless"`
}

type SecurityConfig struct {
	DefaultToolPosture      string        `koanf:"default_tool_posture"`
	VirtualKeyRateLimit     int           `koanf:"virtual_key_rate_limit"`
	VirtualKeyMaxFailures   int           `koanf:"virtual_key_max_failures"`
	VirtualKeyFailureWindow time.Duration `koanf:"virtual_key_failure_window"`
	DiscoveryTimeout        time.Duration `koanf:"discovery_timeout"`
}

type CompressionConfig struct {
	Enabled bool `koanf:"enabled"`
}

type TrustConfig struct {
	TrustedTools []string      `koanf:"trusted_tools"`
	DualLLM      DualLLMConfig `koanf:"dual_llm"`
}

type DualLLMConfig struct {
	Enabled bool   `koanf:"enabled"`
	Model   string `koanf:"model"`
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
}

// PriceConfig is a list entry rather than a nested map because model
// names contain the key delimiter ("gpt-4.1").
type PriceConfig struct {
	// Provider is a configured provider name, or a type to price every
	// provider of that type.
	Provider    string  `koanf:"provider"`
	Model       string  `koanf:"model"` // "*" prices every unlisted model
	InputPer1K  float64 `koanf:"input_per_1k"`
	OutputPer1K float64 `koanf:"output_per_1k"`
}

type AgentConfig struct {
	ID                       string   `koanf:"id"`
	Name                     string   `koanf:"name"`
	Type                     string   `koanf:"type"`
	Default                  bool     `koanf:"default"`
	TeamIDs                  []string `koanf:"team_ids"`
	ConsiderContextUntrusted bool     `koanf:"consider_context_untrusted"`
	IdentityProvider         *struct {
		Issuer   string `koanf:"issuer"`
		Audience string `koanf:"audience"`
		JWKSURL  string `koanf:"jwks_url"`
	} `koanf:"identity_provider"`
}

type ToolPolicyConfig struct {
	ID         string             `koanf:"id"`
	AgentID    string             `koanf:"agent_id"`
	TeamID     string             `koanf:"team_id"`
	ToolName   string             `koanf:"tool_name"`
	Conditions []domain.Condition `koanf:"conditions"`
	Action     string             `koanf:"action"`
	Reason     string             `koanf:"reason"`
}

type OptimizationRuleConfig struct {
	ID               string `koanf:"id"`
	AgentID          string `koanf:"agent_id"`
	Provider         string `koanf:"provider"`
	MaxContentLength *int   `koanf:"max_content_length"`
	HasTools         *bool  `koanf:"has_tools"`
	TargetModel      string `koanf:"target_model"`
	Priority         int    `koanf:"priority"`
	Enabled          *bool  `koanf:"enabled"`
}

type LimitConfig struct {
	ID         string  `koanf:"id"`
	EntityType string  `koanf:"entity_type"`
	EntityID   string  `koanf:"entity_id"`
	LimitType  string  `koanf:"limit_type"`
	LimitValue float64 `koanf:"limit_value"`
}

type VirtualKeyConfig struct {
	ID             string `koanf:"id"`
	KeyHash        string `koanf:"key_hash"`
	Provider       string `koanf:"provider"`
	ProviderAPIKey string `koanf:"provider_api_key"`
	BaseURL        string `koanf:"base_url"`
	AgentID        string `koanf:"agent_id"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// DefaultPath is read when no path is given.
const DefaultPath = "config.yaml"

// Load reads path (a missing file is not an error), overlays POLY_
// environment variables and applies defaults. POLY_SERVER__PORT maps to
// server.port.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("POLY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "POLY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"server.port":                         8080,
		"server.request_timeout":              "10m",
		"storage.type":                        "sqlite",
		"storage.database.driver":             "sqlite",
		"storage.database.dsn":                "file:llm-proxy.db?_pragma=busy_timeout(5000)",
		"telemetry.service_name":              "polyglot-llm-proxy",
		"security.default_tool_posture":       "restrictive",
		"security.virtual_key_rate_limit":     60,
		"security.virtual_key_max_failures":   5,
		"security.virtual_key_failure_window": "1m",
		"security.discovery_timeout":          "3s",
	}
	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.substituteSecrets()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) substituteSecrets() {
	for i := range c.Providers {
		c.Providers[i].APIKey = substituteEnvVars(c.Providers[i].APIKey)
	}
	for i := range c.VirtualKeys {
		c.VirtualKeys[i].ProviderAPIKey = substituteEnvVars(c.VirtualKeys[i].ProviderAPIKey)
	}
	c.Trust.DualLLM.APIKey = substituteEnvVars(c.Trust.DualLLM.APIKey)
	c.Storage.Database.DSN = substituteEnvVars(c.Storage.Database.DSN)
	c.Redis.URL = substituteEnvVars(c.Redis.URL)
}

// Validate rejects configurations the proxy cannot start with.
func (c *Config) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, errors.New("provider without name"))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate provider %q", p.Name))
		}
		seen[p.Name] = true
		switch domain.Provider(p.ProviderType()) {
		case domain.ProviderOpenAI, domain.ProviderAnthropic, domain.ProviderGemini:
		default:
			errs = append(errs, fmt.Errorf("provider %q: unknown type %q", p.Name, p.ProviderType()))
		}
	}
	for _, a := range c.ToolPolicies {
		switch domain.PolicyAction(a.Action) {
		case domain.ActionBlockAlways, domain.ActionAllowWhenContextIsUntrusted:
		default:
			errs = append(errs, fmt.Errorf("tool policy %q: unknown action %q", a.ID, a.Action))
		}
		for _, cond := range a.Conditions {
			if err := cond.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("tool policy %q: %w", a.ID, err))
			}
		}
	}
	for _, l := range c.Limits {
		if l.ID == "" || l.EntityID == "" {
			errs = append(errs, errors.New("limit requires id and entity_id"))
		}
	}
	for _, vk := range c.VirtualKeys {
		if vk.KeyHash == "" {
			errs = append(errs, fmt.Errorf("virtual key %q: key_hash is required", vk.ID))
		}
	}
	return errors.Join(errs...)
}

// ProviderType returns the dialect, defaulting to the provider name.
func (p ProviderConfig) ProviderType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
