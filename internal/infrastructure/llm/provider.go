package llm

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/domain/service"
)

// Provider is the infrastructure-layer chat backend interface. Each adapter
// implements service.ChatClient (SendMessage + SendMessageStream) plus the
// management surface the app uses outside of a turn.
//
// Adapters are stateless per kind: the resolved entity.ProviderConfig rides
// inside every request, so one instance serves every configured provider of
// its kind.
type Provider interface {
	service.ChatClient

	// Kind returns the backend family this adapter speaks.
	Kind() entity.ProviderKind

	// FetchModels returns the models the configured endpoint offers.
	// Backends without a discovery endpoint return a curated list.
	FetchModels(ctx context.Context, cfg *entity.ProviderConfig) ([]string, error)

	// TestConnection reports whether the configured endpoint is reachable
	// with the given credentials. It never errors; unreachable is false.
	TestConnection(ctx context.Context, cfg *entity.ProviderConfig) bool
}

// --- Provider Factory Registry ---
// Adapters register themselves via init() in their own package.
// Adding a new backend family = implement Provider + RegisterFactory(kind, New).

// Factory creates a Provider for one backend family.
type Factory func(logger *zap.Logger) Provider

var (
	factoryMu sync.RWMutex
	factories = map[entity.ProviderKind]Factory{}
)

// RegisterFactory registers an adapter factory for the given kind. Called
// from init() in each adapter sub-package (e.g. llm/openai, llm/anthropic).
func RegisterFactory(kind entity.ProviderKind, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[kind] = factory
}

// Registry hands out adapter instances by kind, constructing each at most
// once. It implements service.ProviderResolver and service.ConnectionProber.
type Registry struct {
	logger *zap.Logger

	mu        sync.Mutex
	instances map[entity.ProviderKind]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger,
		instances: make(map[entity.ProviderKind]Provider),
	}
}

// ForKind returns the adapter for a backend family, constructing it on first
// use. The openai-compatible kind shares the openai adapter.
func (r *Registry) ForKind(kind entity.ProviderKind) (Provider, error) {
	if kind == entity.KindOpenAICompatible {
		kind = entity.KindOpenAI
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.instances[kind]; ok {
		return p, nil
	}

	factoryMu.RLock()
	factory, ok := factories[kind]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider kind %q", kind)
	}

	p := factory(r.logger)
	r.instances[kind] = p
	return p, nil
}

// Resolve returns the chat client for a provider config.
func (r *Registry) Resolve(cfg *entity.ProviderConfig) (service.ChatClient, error) {
	return r.ForKind(cfg.Kind)
}

// Probe reports endpoint reachability for a provider config. Unknown kinds
// and adapter failures collapse to false.
func (r *Registry) Probe(ctx context.Context, cfg *entity.ProviderConfig) bool {
	p, err := r.ForKind(cfg.Kind)
	if err != nil {
		r.logger.Warn("probe skipped: no adapter for kind",
			zap.String("kind", string(cfg.Kind)))
		return false
	}
	return p.TestConnection(ctx, cfg)
}

var (
	_ service.ProviderResolver = (*Registry)(nil)
	_ service.ConnectionProber = (*Registry)(nil)
)
