package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quillchat/quill/internal/domain/entity"
	apperrors "github.com/quillchat/quill/pkg/errors"
)

// --- In-memory fakes ---

type fakeConvRepo struct {
	mu    sync.Mutex
	convs map[string]*entity.Conversation
}

func newFakeConvRepo() *fakeConvRepo {
	return &fakeConvRepo{convs: map[string]*entity.Conversation{}}
}

func (r *fakeConvRepo) Save(_ context.Context, c *entity.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.convs[c.ID] = &cp
	return nil
}

func (r *fakeConvRepo) FindByID(_ context.Context, id string) (*entity.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, apperrors.NewNotFoundError("conversation not found")
}

func (r *fakeConvRepo) FindAll(_ context.Context) ([]*entity.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entity.Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeConvRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.convs, id)
	return nil
}

type fakeMsgRepo struct {
	mu   sync.Mutex
	msgs map[string][]*entity.Message
}

func newFakeMsgRepo() *fakeMsgRepo {
	return &fakeMsgRepo{msgs: map[string][]*entity.Message{}}
}

func (r *fakeMsgRepo) Append(_ context.Context, m *entity.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.msgs[m.ConversationID] = append(r.msgs[m.ConversationID], &cp)
	return nil
}

func (r *fakeMsgRepo) FindByConversationID(_ context.Context, id string) ([]*entity.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*entity.Message(nil), r.msgs[id]...), nil
}

func (r *fakeMsgRepo) DeleteByConversationID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.msgs, id)
	return nil
}

func (r *fakeMsgRepo) Count(_ context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.msgs[id])), nil
}

type fakeProvRepo struct {
	mu   sync.Mutex
	cfgs map[string]*entity.ProviderConfig
}

func newFakeProvRepo() *fakeProvRepo {
	return &fakeProvRepo{cfgs: map[string]*entity.ProviderConfig{}}
}

func (r *fakeProvRepo) Save(_ context.Context, c *entity.ProviderConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.cfgs[c.ID] = &cp
	return nil
}

func (r *fakeProvRepo) FindByID(_ context.Context, id string) (*entity.ProviderConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cfgs[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, apperrors.NewNotFoundError("provider not found")
}

func (r *fakeProvRepo) FindAll(_ context.Context) ([]*entity.ProviderConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entity.ProviderConfig, 0, len(r.cfgs))
	for _, c := range r.cfgs {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeProvRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cfgs, id)
	return nil
}

type fakePersonaRepo struct {
	mu       sync.Mutex
	personas map[string]*entity.Persona
}

func newFakePersonaRepo() *fakePersonaRepo {
	return &fakePersonaRepo{personas: map[string]*entity.Persona{}}
}

func (r *fakePersonaRepo) Save(_ context.Context, p *entity.Persona) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.personas[p.ID] = &cp
	return nil
}

func (r *fakePersonaRepo) FindByID(_ context.Context, id string) (*entity.Persona, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.personas[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, apperrors.NewNotFoundError("persona not found")
}

func (r *fakePersonaRepo) FindAll(_ context.Context) ([]*entity.Persona, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entity.Persona, 0, len(r.personas))
	for _, p := range r.personas {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakePersonaRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.personas, id)
	return nil
}

// scriptedClient is a ChatClient whose streaming behavior is driven per test.
type scriptedClient struct {
	mu sync.Mutex
	// lastRequest captures the request of the most recent call.
	lastRequest *ChatRequest

	// stream is invoked for SendMessageStream; defaults to a two-chunk
	// reply when nil.
	stream func(ctx context.Context, req *ChatRequest, deltaCh chan<- StreamChunk) (*ChatResponse, error)
}

func (c *scriptedClient) record(req *ChatRequest) {
	c.mu.Lock()
	c.lastRequest = req
	c.mu.Unlock()
}

func (c *scriptedClient) last() *ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRequest
}

func (c *scriptedClient) SendMessage(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	c.record(req)
	return &ChatResponse{Content: "pong", ModelUsed: req.ResolvedModel()}, nil
}

func (c *scriptedClient) SendMessageStream(ctx context.Context, req *ChatRequest, deltaCh chan<- StreamChunk) (*ChatResponse, error) {
	c.record(req)
	if c.stream != nil {
		return c.stream(ctx, req, deltaCh)
	}
	deltaCh <- StreamChunk{DeltaText: "po"}
	deltaCh <- StreamChunk{DeltaText: "ng"}
	deltaCh <- StreamChunk{FinishReason: "stop", Usage: &entity.TokenUsage{Prompt: 3, Completion: 2, Total: 5}}
	return &ChatResponse{Content: "pong", ModelUsed: req.ResolvedModel(), Usage: &entity.TokenUsage{Prompt: 3, Completion: 2, Total: 5}}, nil
}

type staticResolver struct{ client ChatClient }

func (r staticResolver) Resolve(*entity.ProviderConfig) (ChatClient, error) { return r.client, nil }

// --- Test fixture ---

type orchFixture struct {
	convs  *fakeConvRepo
	msgs   *fakeMsgRepo
	provs  *fakeProvRepo
	client *scriptedClient
	orch   *Orchestrator
	conv   *entity.Conversation
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()

	f := &orchFixture{
		convs:  newFakeConvRepo(),
		msgs:   newFakeMsgRepo(),
		provs:  newFakeProvRepo(),
		client: &scriptedClient{},
	}

	cfg, err := entity.NewProviderConfig("primary", entity.KindOpenAI, "", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("provider config: %v", err)
	}
	cfg.ID = "prov-a"
	if err := f.provs.Save(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	second, _ := entity.NewProviderConfig("secondary", entity.KindOllama, "", "llama3")
	second.ID = "prov-b"
	_ = f.provs.Save(context.Background(), second)

	conv, err := entity.NewConversation("", "prov-a", "gpt-4o-mini", "", false)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	f.conv = conv
	if err := f.convs.Save(context.Background(), conv); err != nil {
		t.Fatal(err)
	}

	f.orch = NewOrchestrator(f.convs, f.msgs, f.provs, newFakePersonaRepo(), staticResolver{f.client}, testLogger())
	return f
}

// --- Tests ---

func TestSend_PersistsBothSides(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()

	deltaCh := make(chan StreamChunk, 16)
	msg, err := f.orch.Send(ctx, f.conv.ID, "hello", nil, deltaCh)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Role != entity.RoleAssistant || msg.Content != "pong" {
		t.Errorf("unexpected assistant message: %+v", msg)
	}
	if msg.Usage == nil || msg.Usage.Total != 5 {
		t.Errorf("usage not carried: %+v", msg.Usage)
	}

	history, _ := f.msgs.FindByConversationID(ctx, f.conv.ID)
	if len(history) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(history))
	}
	if history[0].Role != entity.RoleUser || history[1].Role != entity.RoleAssistant {
		t.Error("persisted order must be user then assistant")
	}
	if f.orch.State(f.conv.ID) != StateIdle {
		t.Errorf("machine not settled: %s", f.orch.State(f.conv.ID))
	}
}

func TestSend_ProvenanceFrozenAcrossSwitch(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()

	inStream := make(chan struct{})
	release := make(chan struct{})
	f.client.stream = func(ctx context.Context, req *ChatRequest, deltaCh chan<- StreamChunk) (*ChatResponse, error) {
		deltaCh <- StreamChunk{DeltaText: "partial"}
		close(inStream)
		<-release
		deltaCh <- StreamChunk{FinishReason: "stop"}
		return &ChatResponse{Content: "partial done", ModelUsed: req.ResolvedModel()}, nil
	}

	deltaCh := make(chan StreamChunk, 16)
	type result struct {
		msg *entity.Message
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		msg, err := f.orch.Send(ctx, f.conv.ID, "hi", nil, deltaCh)
		resCh <- result{msg, err}
	}()

	<-inStream
	// Switch providers while the turn is streaming.
	if err := f.orch.SwitchProvider(ctx, f.conv.ID, "prov-b", "llama3"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	close(release)

	res := <-resCh
	if res.err != nil {
		t.Fatalf("send: %v", res.err)
	}
	// The in-flight turn finished on the provider it started with.
	if res.msg.ProviderID != "prov-a" {
		t.Errorf("assistant provenance = %s, want prov-a", res.msg.ProviderID)
	}

	// The next turn picks up the new provider.
	conv, _ := f.convs.FindByID(ctx, f.conv.ID)
	if conv.ActiveProviderID != "prov-b" || conv.ActiveModel != "llama3" {
		t.Errorf("switch not recorded: %s/%s", conv.ActiveProviderID, conv.ActiveModel)
	}
}

func TestSend_CancelDiscardsPartials(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()

	inStream := make(chan struct{})
	f.client.stream = func(ctx context.Context, req *ChatRequest, deltaCh chan<- StreamChunk) (*ChatResponse, error) {
		deltaCh <- StreamChunk{DeltaText: "part"}
		close(inStream)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	deltaCh := make(chan StreamChunk, 16)
	errCh := make(chan error, 1)
	go func() {
		_, err := f.orch.Send(ctx, f.conv.ID, "hi", nil, deltaCh)
		errCh <- err
	}()

	<-inStream
	f.orch.Cancel(f.conv.ID)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTurnCancelled) {
			t.Fatalf("expected ErrTurnCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not resolve in bounded time")
	}

	if f.orch.State(f.conv.ID) != StateIdle {
		t.Errorf("machine not back to idle: %s", f.orch.State(f.conv.ID))
	}
	history, _ := f.msgs.FindByConversationID(ctx, f.conv.ID)
	if len(history) != 1 || history[0].Role != entity.RoleUser {
		t.Errorf("partial assistant output must not be persisted, history: %d", len(history))
	}
}

func TestSend_ConcurrentSendRejected(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()

	inStream := make(chan struct{})
	release := make(chan struct{})
	f.client.stream = func(ctx context.Context, req *ChatRequest, deltaCh chan<- StreamChunk) (*ChatResponse, error) {
		close(inStream)
		<-release
		return &ChatResponse{Content: "done"}, nil
	}

	deltaCh := make(chan StreamChunk, 16)
	go func() {
		_, _ = f.orch.Send(ctx, f.conv.ID, "first", nil, deltaCh)
	}()
	<-inStream

	_, err := f.orch.Send(ctx, f.conv.ID, "second", nil, nil)
	if !errors.Is(err, ErrGenerationInFlight) {
		t.Fatalf("expected ErrGenerationInFlight, got %v", err)
	}
	close(release)
}

func TestSend_DisabledProviderRejected(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()

	cfg, _ := f.provs.FindByID(ctx, "prov-a")
	cfg.IsEnabled = false
	_ = f.provs.Save(ctx, cfg)

	_, err := f.orch.Send(ctx, f.conv.ID, "hi", nil, nil)
	if !errors.Is(err, ErrProviderDisabled) {
		t.Fatalf("expected ErrProviderDisabled, got %v", err)
	}
}

func TestSend_ErrorClassifiedAndSettled(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()

	f.client.stream = func(ctx context.Context, req *ChatRequest, deltaCh chan<- StreamChunk) (*ChatResponse, error) {
		return nil, NewChatError(ErrKindRateLimit, "slow down", "primary", "gpt-4o-mini", nil)
	}

	deltaCh := make(chan StreamChunk, 16)
	_, err := f.orch.Send(ctx, f.conv.ID, "hi", nil, deltaCh)
	if ErrorKind(err) != ErrKindRateLimit {
		t.Fatalf("expected rate_limit, got %v", err)
	}
	if f.orch.State(f.conv.ID) != StateIdle {
		t.Errorf("machine must settle after error, got %s", f.orch.State(f.conv.ID))
	}

	// The failed turn keeps only the user message; a retry works.
	history, _ := f.msgs.FindByConversationID(ctx, f.conv.ID)
	if len(history) != 1 {
		t.Fatalf("expected only the user message, got %d", len(history))
	}
	f.client.stream = nil
	if _, err := f.orch.Send(ctx, f.conv.ID, "again", nil, deltaCh); err != nil {
		t.Fatalf("retry after error failed: %v", err)
	}
}

func TestSend_DanglingPersonaTolerated(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()

	// The conversation references a persona that no longer exists.
	f.conv.PersonaID = "deleted-persona"
	_ = f.convs.Save(ctx, f.conv)

	deltaCh := make(chan StreamChunk, 16)
	msg, err := f.orch.Send(ctx, f.conv.ID, "hi", nil, deltaCh)
	if err != nil {
		t.Fatalf("dangling persona must not fail the turn: %v", err)
	}
	if msg.Content != "pong" {
		t.Errorf("content = %q", msg.Content)
	}

	// No system message was injected.
	req := f.client.last()
	for _, m := range req.Messages {
		if m.Role == entity.RoleSystem {
			t.Error("system prompt injected for a deleted persona")
		}
	}
}

func TestSend_PersonaSystemPrompt(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()

	p, err := entity.NewPersona("terse", "Answer in one word.")
	if err != nil {
		t.Fatal(err)
	}
	personas := f.orch.personas.(*fakePersonaRepo)
	_ = personas.Save(ctx, p)

	f.conv.PersonaID = p.ID
	_ = f.convs.Save(ctx, f.conv)

	if _, err := f.orch.Send(ctx, f.conv.ID, "hi", nil, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	req := f.client.last()
	if len(req.Messages) == 0 || req.Messages[0].Role != entity.RoleSystem {
		t.Fatal("persona system prompt must lead the request")
	}
	if req.Messages[0].Content != "Answer in one word." {
		t.Errorf("system content = %q", req.Messages[0].Content)
	}
}

func TestSend_NonStreaming(t *testing.T) {
	f := newOrchFixture(t)

	msg, err := f.orch.Send(context.Background(), f.conv.ID, "ping", nil, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Content != "pong" {
		t.Errorf("content = %q", msg.Content)
	}
}
