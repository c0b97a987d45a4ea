package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/domain/repository"
	"go.uber.org/zap"
)

var (
	// ErrGenerationInFlight is returned when a send arrives while the same
	// conversation already has a generation running. Concurrent sends are
	// rejected rather than queued so persisted history can never interleave
	// out of order.
	ErrGenerationInFlight = errors.New("a generation is already in flight for this conversation")

	// ErrTurnCancelled is returned when the user stopped the turn. Partial
	// content is discarded, nothing is persisted.
	ErrTurnCancelled = errors.New("turn cancelled by user")

	// ErrProviderDisabled is returned when the conversation's active
	// provider config exists but is switched off.
	ErrProviderDisabled = errors.New("active provider is disabled")
)

// ProviderResolver resolves a provider config to the adapter for its kind.
// Implemented by the llm factory registry.
type ProviderResolver interface {
	Resolve(cfg *entity.ProviderConfig) (ChatClient, error)
}

// Orchestrator owns active conversation state. It dispatches turns to the
// resolved adapter, accumulates streaming output, and persists terminal
// results. Persistence ordering within a conversation is strict: the user
// message is durably written before the provider call starts, the assistant
// message only after the full response resolved.
type Orchestrator struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	providers     repository.ProviderRepository
	personas      repository.PersonaRepository
	resolver      ProviderResolver
	logger        *zap.Logger

	mu    sync.Mutex
	turns map[string]*turn // conversation id → in-flight turn
}

// turn is the per-conversation in-flight generation.
type turn struct {
	sm     *TurnStateMachine
	cancel context.CancelFunc

	// userCancelled makes every later chunk a no-op, so the machine
	// resolves to Idle in bounded time even if the transport ignores the
	// abort for a while.
	userCancelled atomic.Bool
}

// NewOrchestrator wires the orchestrator over its repositories and resolver.
func NewOrchestrator(
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	providers repository.ProviderRepository,
	personas repository.PersonaRepository,
	resolver ProviderResolver,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		conversations: conversations,
		messages:      messages,
		providers:     providers,
		personas:      personas,
		resolver:      resolver,
		logger:        logger.With(zap.String("component", "orchestrator")),
		turns:         map[string]*turn{},
	}
}

// State returns the turn state of a conversation, Idle when nothing is
// in flight.
func (o *Orchestrator) State(conversationID string) TurnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.turns[conversationID]; ok {
		return t.sm.State()
	}
	return StateIdle
}

// Send runs one generation turn for the conversation.
//
// When deltaCh is non-nil the turn streams: incremental chunks are forwarded
// to deltaCh until the terminal chunk. The channel is not closed by Send;
// the caller owns it. When deltaCh is nil the call is non-streaming.
//
// The returned message is the persisted assistant message. On cancellation
// the error wraps ErrTurnCancelled and nothing was persisted beyond the
// user message.
func (o *Orchestrator) Send(ctx context.Context, conversationID, content string, images []entity.Image, deltaCh chan<- StreamChunk) (*entity.Message, error) {
	conv, err := o.conversations.FindByID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	cfg, err := o.providers.FindByID(ctx, conv.ActiveProviderID)
	if err != nil {
		return nil, fmt.Errorf("load provider config: %w", err)
	}
	if !cfg.IsEnabled {
		return nil, ErrProviderDisabled
	}

	client, err := o.resolver.Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve adapter: %w", err)
	}

	// Persona is optional and may be a dangling reference; both resolve to
	// "no system prompt".
	var persona *entity.Persona
	if conv.PersonaID != "" {
		if p, perr := o.personas.FindByID(ctx, conv.PersonaID); perr == nil {
			persona = p
		}
	}

	t, err := o.beginTurn(conv.ID)
	if err != nil {
		return nil, err
	}

	// The turn is pinned to the provider it started with. A provider switch
	// while in flight only affects the next turn.
	providerID := conv.ActiveProviderID
	model := conv.ActiveModel
	if model == "" {
		model = cfg.DefaultModel
	}
	t.sm.SetProvenance(providerID, model)

	// Persist the user message before the network call so it survives any
	// failure downstream.
	userMsg, err := entity.NewMessage(conv.ID, entity.RoleUser, content, providerID, model)
	if err != nil {
		o.endTurn(conv.ID, t)
		return nil, err
	}
	userMsg.AttachImages(images)
	if err := o.messages.Append(ctx, userMsg); err != nil {
		o.endTurn(conv.ID, t)
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	o.maybeTitle(ctx, conv, content)

	history, err := o.messages.FindByConversationID(ctx, conv.ID)
	if err != nil {
		o.endTurn(conv.ID, t)
		return nil, fmt.Errorf("load history: %w", err)
	}

	req := &ChatRequest{
		Config:   cfg,
		Messages: JoinSystemPrompt(persona, toChatMessages(history)),
		Model:    model,
		Thinking: conv.Thinking,
	}

	callCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	defer cancel()

	resp, callErr := o.runCall(callCtx, t, client, req, deltaCh)

	if callErr != nil {
		defer o.endTurn(conv.ID, t)
		if t.userCancelled.Load() {
			// User-initiated stop: partial content is discarded, by policy,
			// and the turn ends cleanly.
			o.settle(t, StateIdle)
			return nil, fmt.Errorf("%w", ErrTurnCancelled)
		}
		o.settle(t, StateError)
		o.settle(t, StateIdle)
		ce := Classify(callErr, cfg.Name, model)
		o.logger.Warn("Turn failed",
			zap.String("conversation_id", conv.ID),
			zap.String("kind", ce.Kind.String()),
			zap.Error(callErr),
		)
		return nil, ce
	}

	// Terminal chunk arrived; persist the assistant message with the
	// provenance the turn started with.
	assistant, err := entity.NewMessage(conv.ID, entity.RoleAssistant, resp.Content, providerID, model)
	if err != nil {
		o.endTurn(conv.ID, t)
		return nil, err
	}
	if resp.ModelUsed != "" {
		assistant.Model = resp.ModelUsed
	}
	assistant.Thinking = resp.Thinking
	assistant.Usage = resp.Usage
	assistant.AttachImages(resp.Images)

	if err := o.messages.Append(ctx, assistant); err != nil {
		o.endTurn(conv.ID, t)
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	// Reload before bumping the timestamp: a provider switch may have
	// landed while this turn was in flight and must not be clobbered.
	if fresh, err := o.conversations.FindByID(ctx, conv.ID); err == nil {
		fresh.Touch()
		if err := o.conversations.Save(ctx, fresh); err != nil {
			o.logger.Warn("Failed to bump conversation timestamp", zap.Error(err))
		}
	}

	o.settle(t, StateIdle)
	o.endTurn(conv.ID, t)
	return assistant, nil
}

// runCall performs the streaming or non-streaming provider call, moving the
// state machine along as data arrives.
func (o *Orchestrator) runCall(ctx context.Context, t *turn, client ChatClient, req *ChatRequest, deltaCh chan<- StreamChunk) (*ChatResponse, error) {
	if deltaCh == nil {
		resp, err := client.SendMessage(ctx, req)
		return resp, err
	}

	inner := make(chan StreamChunk, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		first := true
		for chunk := range inner {
			if t.userCancelled.Load() {
				continue // drain silently after stop
			}
			if first {
				first = false
				// First chunk moves Sending → Streaming. Ignore the
				// error: a concurrent cancel may already have moved on.
				_ = t.sm.Transition(StateStreaming)
			}
			deltaCh <- chunk
		}
	}()

	resp, err := client.SendMessageStream(ctx, req, inner)
	close(inner)
	<-done
	return resp, err
}

// Cancel aborts the in-flight generation of a conversation, if any.
// Partial output accumulated so far is discarded, never persisted.
func (o *Orchestrator) Cancel(conversationID string) {
	o.mu.Lock()
	t, ok := o.turns[conversationID]
	o.mu.Unlock()
	if !ok || !t.sm.Busy() {
		return
	}

	t.userCancelled.Store(true)
	_ = t.sm.Transition(StateCancelling)
	if t.cancel != nil {
		t.cancel()
	}
	o.logger.Info("Turn cancelled", zap.String("conversation_id", conversationID))
}

// CancelAll aborts every in-flight generation. Used at shutdown.
func (o *Orchestrator) CancelAll() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.turns))
	for id := range o.turns {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.Cancel(id)
	}
}

// SwitchProvider changes the provider/model for the conversation's next
// turn. An in-flight generation finishes on the provider it started with.
func (o *Orchestrator) SwitchProvider(ctx context.Context, conversationID, providerID, model string) error {
	cfg, err := o.providers.FindByID(ctx, providerID)
	if err != nil {
		return fmt.Errorf("load provider config: %w", err)
	}
	conv, err := o.conversations.FindByID(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if model == "" {
		model = cfg.DefaultModel
	}
	if err := conv.SwitchProvider(providerID, model); err != nil {
		return err
	}
	return o.conversations.Save(ctx, conv)
}

// History returns the conversation's persisted messages in order.
func (o *Orchestrator) History(ctx context.Context, conversationID string) ([]*entity.Message, error) {
	return o.messages.FindByConversationID(ctx, conversationID)
}

// DeleteConversation removes a conversation and all its messages. A running
// turn is cancelled first.
func (o *Orchestrator) DeleteConversation(ctx context.Context, conversationID string) error {
	o.Cancel(conversationID)
	return o.conversations.Delete(ctx, conversationID)
}

// --- Internal ---

// beginTurn registers an exclusive turn for the conversation.
func (o *Orchestrator) beginTurn(conversationID string) (*turn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.turns[conversationID]; ok && existing.sm.Busy() {
		return nil, ErrGenerationInFlight
	}

	t := &turn{sm: NewTurnStateMachine(conversationID, o.logger)}
	if err := t.sm.Transition(StateSending); err != nil {
		return nil, err
	}
	o.turns[conversationID] = t
	return t, nil
}

// endTurn drops the turn registration once it settled.
func (o *Orchestrator) endTurn(conversationID string, t *turn) {
	o.settle(t, StateIdle)
	o.mu.Lock()
	if o.turns[conversationID] == t {
		delete(o.turns, conversationID)
	}
	o.mu.Unlock()
}

// settle moves the machine toward the target state, tolerating transitions
// that already happened on another path.
func (o *Orchestrator) settle(t *turn, to TurnState) {
	if t.sm.State() == to {
		return
	}
	_ = t.sm.Transition(to)
}

// maybeTitle derives a title from the first user message of an untitled
// conversation.
func (o *Orchestrator) maybeTitle(ctx context.Context, conv *entity.Conversation, content string) {
	if conv.Title != "" {
		return
	}
	title := strings.TrimSpace(content)
	if runes := []rune(title); len(runes) > 60 {
		title = string(runes[:60])
	}
	conv.Title = title
	conv.Touch()
	if err := o.conversations.Save(ctx, conv); err != nil {
		o.logger.Warn("Failed to store derived title", zap.Error(err))
	}
}

func toChatMessages(msgs []*entity.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ChatMessage{
			Role:    m.Role,
			Content: m.Content,
			Images:  m.Images,
		})
	}
	return out
}
