package domain

import "time"

// AgentType distinguishes how an agent is used.
type AgentType string

const (
	AgentTypeLLMProxy   AgentType = "llm_proxy"
	AgentTypeMCPGateway AgentType = "mcp_gateway"
	AgentTypeProfile    AgentType = "profile"
)

// Agent is the policy scope a proxied call runs under.
type Agent struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Type      AgentType `json:"type" db:"agent_type"`
	IsDefault bool      `json:"is_default" db:"is_default"`
	TeamIDs   []string  `json:"team_ids" db:"-"`

	// ConsiderContextUntrusted forces every call through untrusted-context
	// tool policy evaluation.
	ConsiderContextUntrusted bool `json:"consider_context_untrusted" db:"consider_context_untrusted"`

	// IdentityProvider enables federated bearer-token auth when set.
	IdentityProvider *IdentityProvider `json:"identity_provider,omitempty" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IdentityProvider describes an external OIDC issuer.
type IdentityProvider struct {
	Issuer   string `json:"issuer"`
	Audience string `json:"audience,omitempty"`
	// JWKSURL skips discovery when set.
	JWKSURL string `json:"jwks_url,omitempty"`
}

// VirtualKey is a gateway-issued credential that resolves to a real
// upstream provider key. Only the hash of the issued key is stored.
type VirtualKey struct {
	ID             string   `json:"id" db:"id"`
	KeyHash        string   `json:"-" db:"key_hash"`
	// Provider is the configured provider name the key is bound to, not
	// its type: two openai-type providers never share a key.
	Provider       string `json:"provider" db:"provider"`
	ProviderAPIKey string `json:"-" db:"provider_api_key"`
	BaseURL        string `json:"base_url,omitempty" db:"base_url"`
	AgentID        string `json:"agent_id,omitempty" db:"agent_id"`
}
