package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/domain/repository"
	"go.uber.org/zap"
)

// ErrNoProviderAvailable is returned when a selection cannot be resolved:
// nothing pending, no default, no enabled provider configured.
var ErrNoProviderAvailable = errors.New("no enabled provider available")

// ConnectionProber is a best-effort reachability check. Implemented by the
// llm registry. It never errors; unreachable collapses to false.
type ConnectionProber interface {
	Probe(ctx context.Context, cfg *entity.ProviderConfig) bool
}

// PendingSelection holds the provider/model/persona choice made before a
// conversation record exists. It is committed into a Conversation at first
// send and cleared afterwards.
type PendingSelection struct {
	ProviderID string
	Model      string
	PersonaID  string
	Thinking   *bool // nil = follow the settings default
}

// Selection resolves which provider, model and persona apply to a new or
// existing conversation. Selection is independent of reachability:
// enabled-but-unreachable providers stay selectable, the probe result is
// advisory only.
type Selection struct {
	providers     repository.ProviderRepository
	personas      repository.PersonaRepository
	conversations repository.ConversationRepository
	settings      repository.SettingsRepository
	prober        ConnectionProber
	logger        *zap.Logger

	mu      sync.Mutex
	pending PendingSelection
}

// NewSelection wires the selection service.
func NewSelection(
	providers repository.ProviderRepository,
	personas repository.PersonaRepository,
	conversations repository.ConversationRepository,
	settings repository.SettingsRepository,
	prober ConnectionProber,
	logger *zap.Logger,
) *Selection {
	return &Selection{
		providers:     providers,
		personas:      personas,
		conversations: conversations,
		settings:      settings,
		prober:        prober,
		logger:        logger.With(zap.String("component", "selection")),
	}
}

// Pending returns a copy of the current pending selection.
func (s *Selection) Pending() PendingSelection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// SetPendingProvider records a provider (and optional model) choice for the
// next conversation.
func (s *Selection) SetPendingProvider(providerID, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.ProviderID = providerID
	s.pending.Model = model
}

// SetPendingPersona records a persona choice for the next conversation.
func (s *Selection) SetPendingPersona(personaID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.PersonaID = personaID
}

// SetPendingThinking records a thinking-mode choice for the next
// conversation.
func (s *Selection) SetPendingThinking(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Thinking = &on
}

// ClearPending drops any pending choices.
func (s *Selection) ClearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = PendingSelection{}
}

// Commit resolves the pending selection against settings defaults, creates
// the conversation record, and clears the pending state. Called at
// first-send time or by an explicit "new chat".
func (s *Selection) Commit(ctx context.Context) (*entity.Conversation, error) {
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()

	settings, err := s.settings.Load(ctx)
	if err != nil {
		return nil, err
	}

	cfg, err := s.resolveProvider(ctx, pending, settings)
	if err != nil {
		return nil, err
	}

	model := pending.Model
	if model == "" {
		model = cfg.DefaultModel
	}

	personaID := pending.PersonaID
	if personaID == "" {
		personaID = settings.DefaultPersonaID
	}
	// A stale default pointing at a deleted persona degrades to "none".
	if personaID != "" {
		if _, err := s.personas.FindByID(ctx, personaID); err != nil {
			s.logger.Debug("Persona reference unresolved, starting without one",
				zap.String("persona_id", personaID))
			personaID = ""
		}
	}

	thinking := settings.ThinkingDefault
	if pending.Thinking != nil {
		thinking = *pending.Thinking
	}

	conv, err := entity.NewConversation("", cfg.ID, model, personaID, thinking)
	if err != nil {
		return nil, err
	}
	if err := s.conversations.Save(ctx, conv); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pending = PendingSelection{}
	s.mu.Unlock()

	s.logger.Info("Conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("provider_id", cfg.ID),
		zap.String("model", model),
	)
	return conv, nil
}

// ProbeConnection runs a best-effort reachability check with a bounded
// timeout. It never blocks selection and never errors.
func (s *Selection) ProbeConnection(ctx context.Context, providerID string) bool {
	cfg, err := s.providers.FindByID(ctx, providerID)
	if err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.prober.Probe(probeCtx, cfg)
}

func (s *Selection) resolveProvider(ctx context.Context, pending PendingSelection, settings *repository.Settings) (*entity.ProviderConfig, error) {
	if pending.ProviderID != "" {
		return s.providers.FindByID(ctx, pending.ProviderID)
	}
	if settings.DefaultProviderID != "" {
		if cfg, err := s.providers.FindByID(ctx, settings.DefaultProviderID); err == nil {
			return cfg, nil
		}
		s.logger.Warn("Default provider missing, falling back to first enabled",
			zap.String("provider_id", settings.DefaultProviderID))
	}
	all, err := s.providers.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, cfg := range all {
		if cfg.IsEnabled {
			return cfg, nil
		}
	}
	return nil, ErrNoProviderAvailable
}
