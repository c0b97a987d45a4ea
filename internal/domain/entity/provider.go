package entity

import (
	"time"

	"github.com/google/uuid"
)

// ProviderKind is the closed set of backend families. Dispatch to an adapter
// is resolved from the kind once at config load, not re-switched per call.
type ProviderKind string

const (
	KindOpenAI           ProviderKind = "openai"            // OpenAI first-party API
	KindOpenAICompatible ProviderKind = "openai-compatible" // any /chat/completions-shaped server
	KindAnthropic        ProviderKind = "anthropic"
	KindOllama           ProviderKind = "ollama"
	KindLocal            ProviderKind = "local" // on-device model runtime
)

// Valid reports whether k is a known provider kind.
func (k ProviderKind) Valid() bool {
	switch k {
	case KindOpenAI, KindOpenAICompatible, KindAnthropic, KindOllama, KindLocal:
		return true
	}
	return false
}

// ProviderConfig describes one configured backend. API keys and custom
// header values are secrets: they are stripped from exports.
type ProviderConfig struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Kind         ProviderKind      `json:"kind"`
	BaseURL      string            `json:"base_url"`
	APIKey       string            `json:"api_key,omitempty"`
	DefaultModel string            `json:"default_model"`
	Headers      map[string]string `json:"headers,omitempty"`
	IsLocal      bool              `json:"is_local"`
	IsEnabled    bool              `json:"is_enabled"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NewProviderConfig creates an enabled provider config with a generated id.
func NewProviderConfig(name string, kind ProviderKind, baseURL, defaultModel string) (*ProviderConfig, error) {
	if name == "" {
		return nil, ErrInvalidProviderName
	}
	if !kind.Valid() {
		return nil, ErrInvalidProviderKind
	}
	now := time.Now().UTC()
	return &ProviderConfig{
		ID:           uuid.NewString(),
		Name:         name,
		Kind:         kind,
		BaseURL:      baseURL,
		DefaultModel: defaultModel,
		IsLocal:      kind == KindLocal || kind == KindOllama,
		IsEnabled:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Redacted returns a copy with secrets stripped, for export.
func (p *ProviderConfig) Redacted() *ProviderConfig {
	cp := *p
	cp.APIKey = ""
	if len(p.Headers) > 0 {
		cp.Headers = make(map[string]string, len(p.Headers))
		for k := range p.Headers {
			cp.Headers[k] = ""
		}
	}
	return &cp
}
