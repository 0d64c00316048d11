package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

const sampleConfig = `
server:
  port: 9090
  cors_origins: ["https://app.example"]
  proxy_prefix: /v1
redis:
  url: ${TEST_REDIS_URL}
providers:
  - name: openai
    api_key: ${TEST_OPENAI_KEY}
  - name: local
    type: openai
    base_url: http://localhost:11434/v1
    keyless: true
trust:
  trusted_tools: [search]
  dual_llm:
    enabled: true
    api_key: ${TEST_OPENAI_KEY}
pricing:
  - provider: openai
    model: gpt-4.1
    input_per_1k: 0.002
    output_per_1k: 0.008
agents:
  - id: a1
    default: true
    team_ids: [t1]
    identity_provider:
      issuer: https://idp.example
      audience: proxy
tool_policies:
  - id: p1
    agent_id: a1
    tool_name: shell
    action: block_always
    conditions:
      - key: command
        operator: contains
        value: rm
optimization_rules:
  - id: r1
    agent_id: a1
    provider: openai
    max_content_length: 500
    target_model: gpt-4o-mini
    priority: 1
limits:
  - id: l1
    entity_type: team
    entity_id: t1
    limit_type: token_cost
    limit_value: 10
virtual_keys:
  - key_hash: abc123
    provider: anthropic
    provider_api_key: sk-ant
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	t.Setenv("TEST_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("POLY_COMPRESSION__ENABLED", "true")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.ProxyPrefix != "/v1" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Server.RequestTimeout != 10*time.Minute {
		t.Errorf("RequestTimeout = %v, want default 10m", cfg.Server.RequestTimeout)
	}
	if !cfg.Compression.Enabled {
		t.Error("expected POLY_COMPRESSION__ENABLED to enable compression")
	}
	if cfg.Providers[0].APIKey != "sk-test" || cfg.Trust.DualLLM.APIKey != "sk-test" {
		t.Errorf("secrets not substituted: %+v", cfg.Providers[0])
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("Redis.URL = %q", cfg.Redis.URL)
	}
	if cfg.Providers[1].ProviderType() != "openai" || !cfg.Providers[1].Keyless {
		t.Errorf("Providers[1] = %+v", cfg.Providers[1])
	}
	if cfg.Security.VirtualKeyMaxFailures != 5 || cfg.Security.DiscoveryTimeout != 3*time.Second {
		t.Errorf("Security defaults = %+v", cfg.Security)
	}

	prices := cfg.PriceOverrides()
	if got := prices["openai"]["gpt-4.1"].InputPer1K; got != 0.002 {
		t.Errorf("gpt-4.1 input price = %v", got)
	}

	agent := cfg.Agents[0].Agent()
	if agent.Type != domain.AgentTypeLLMProxy || !agent.IsDefault || agent.IdentityProvider == nil {
		t.Errorf("Agent() = %+v", agent)
	}
	if agent.IdentityProvider.Audience != "proxy" {
		t.Errorf("IdentityProvider = %+v", agent.IdentityProvider)
	}

	policy := cfg.ToolPolicies[0].Policy()
	if policy.Action != domain.ActionBlockAlways || len(policy.Conditions) != 1 || policy.Conditions[0].Operator != domain.OperatorContains {
		t.Errorf("Policy() = %+v", policy)
	}

	rule := cfg.OptimizationRules[0].Rule()
	if !rule.Enabled || rule.MaxContentLength == nil || *rule.MaxContentLength != 500 || rule.HasTools != nil {
		t.Errorf("Rule() = %+v", rule)
	}

	limit := cfg.Limits[0].Limit()
	if limit.EntityType != domain.LimitEntityTeam || limit.LimitType != domain.LimitTypeTokenCost {
		t.Errorf("Limit() = %+v", limit)
	}

	vk := cfg.VirtualKeys[0].VirtualKey()
	if vk.ID != "abc123" || vk.Provider != "anthropic" {
		t.Errorf("VirtualKey() = %+v", vk)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("POLY_SERVER__PORT", "7000")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Storage.Type != "sqlite" || cfg.Security.DefaultToolPosture != "restrictive" {
		t.Errorf("defaults not applied: %+v %+v", cfg.Storage, cfg.Security)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown provider type", "providers:\n  - name: x\n    type: cohere\n", "unknown type"},
		{"duplicate provider", "providers:\n  - name: openai\n  - name: openai\n", "duplicate provider"},
		{"bad action", "tool_policies:\n  - id: p\n    tool_name: t\n    action: maybe\n", "unknown action"},
		{"key without hash", "virtual_keys:\n  - id: k\n", "key_hash is required"},
		{"unknown operator", "tool_policies:\n  - id: p\n    tool_name: t\n    action: block_always\n    conditions:\n      - key: path\n        operator: equals\n        value: x\n", `unknown operator "equals"`},
		{"bad regex", "tool_policies:\n  - id: p\n    tool_name: t\n    action: block_always\n    conditions:\n      - key: path\n        operator: regex\n        value: \"(unclosed\"\n", "invalid regex"},
		{"bad yaml", "server: [", "load"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestValidate_Conditions(t *testing.T) {
	policy := func(conds ...domain.Condition) *Config {
		return &Config{ToolPolicies: []ToolPolicyConfig{{
			ID: "p1", ToolName: "shell", Action: string(domain.ActionBlockAlways), Conditions: conds,
		}}}
	}

	valid := []domain.Operator{
		domain.OperatorEqual, domain.OperatorNotEqual, domain.OperatorContains, domain.OperatorNotContains,
		domain.OperatorStartsWith, domain.OperatorEndsWith, domain.OperatorRegex,
	}
	for _, op := range valid {
		if err := policy(domain.Condition{Key: "command", Operator: op, Value: "^rm "}).Validate(); err != nil {
			t.Errorf("operator %q: Validate() error = %v", op, err)
		}
	}

	tests := []struct {
		name string
		cond domain.Condition
		want string
	}{
		{"misspelled operator", domain.Condition{Key: "command", Operator: "Equal", Value: "rm"}, `unknown operator "Equal"`},
		{"empty operator", domain.Condition{Key: "command", Value: "rm"}, "unknown operator"},
		{"missing key", domain.Condition{Operator: domain.OperatorEqual, Value: "rm"}, "has no key"},
		{"invalid regex", domain.Condition{Key: "command", Operator: domain.OperatorRegex, Value: "[a-"}, "invalid regex"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy(domain.Condition{Key: "ok", Operator: domain.OperatorEqual}, tt.cond).Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) || !strings.Contains(err.Error(), `tool policy "p1"`) {
				t.Errorf("Validate() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestWatcher_Reload(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8081\n")
	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if _, err := w.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer w.Close()

	changes := make(chan *Config, 4)
	if err := w.Watch(ctx, func(c *Config) { changes <- c }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("server:\n  port: 8082\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Server.Port == 8082 {
				if w.Current().Server.Port != 8082 {
					t.Errorf("Current() = %+v", w.Current().Server)
				}
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestNewWatcher_EmptyPath(t *testing.T) {
	if _, err := NewWatcher("", nil); err == nil {
		t.Error("expected error for empty path")
	}
}
