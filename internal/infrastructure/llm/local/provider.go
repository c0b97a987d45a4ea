package local

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/domain/repository"
	"github.com/quillchat/quill/internal/domain/service"
	llm "github.com/quillchat/quill/internal/infrastructure/llm"
	"github.com/quillchat/quill/internal/infrastructure/runtime"
)

// Provider serves chat from on-device models through the runtime manager.
// Unlike the HTTP adapters it carries dependencies, so it is registered at
// wiring time instead of init():
//
//	llm.RegisterFactory(entity.KindLocal, func(l *zap.Logger) llm.Provider {
//	    return local.New(manager, models, l)
//	})
type Provider struct {
	manager *runtime.Manager
	models  repository.ModelRepository
	logger  *zap.Logger
}

// New creates the on-device adapter.
func New(manager *runtime.Manager, models repository.ModelRepository, logger *zap.Logger) *Provider {
	return &Provider{
		manager: manager,
		models:  models,
		logger:  logger.With(zap.String("adapter", "local")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Kind() entity.ProviderKind { return entity.KindLocal }

// SendMessage implements service.ChatClient (non-streaming).
func (p *Provider) SendMessage(ctx context.Context, req *service.ChatRequest) (*service.ChatResponse, error) {
	rt, model, err := p.acquire(ctx, req)
	if err != nil {
		return nil, err
	}

	result, err := rt.Generate(ctx, buildGenerateRequest(req), nil)
	if err != nil {
		return nil, service.Classify(err, req.Config.ID, model.Name)
	}
	return toChatResponse(result, model), nil
}

// SendMessageStream implements service.ChatClient, forwarding runtime tokens
// as text deltas.
func (p *Provider) SendMessageStream(ctx context.Context, req *service.ChatRequest, deltaCh chan<- service.StreamChunk) (*service.ChatResponse, error) {
	rt, model, err := p.acquire(ctx, req)
	if err != nil {
		return nil, err
	}

	tokenCh := make(chan runtime.Token, 16)
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for tok := range tokenCh {
			deltaCh <- service.StreamChunk{DeltaText: tok.Text}
		}
	}()

	result, err := rt.Generate(ctx, buildGenerateRequest(req), tokenCh)
	close(tokenCh)
	<-forwardDone
	if err != nil {
		return nil, service.Classify(err, req.Config.ID, model.Name)
	}

	resp := toChatResponse(result, model)
	deltaCh <- service.StreamChunk{FinishReason: "stop", Usage: resp.Usage}
	return resp, nil
}

// FetchModels lists downloaded chat-capable models that are ready to serve.
func (p *Provider) FetchModels(ctx context.Context, _ *entity.ProviderConfig) ([]string, error) {
	records, err := p.models.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range records {
		if m.Type == entity.ModelTypeLLM && m.Status == entity.ModelReady {
			out = append(out, m.Name)
		}
	}
	return out, nil
}

// TestConnection reports whether at least one chat model is ready.
func (p *Provider) TestConnection(ctx context.Context, cfg *entity.ProviderConfig) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	models, err := p.FetchModels(ctx, cfg)
	return err == nil && len(models) > 0
}

// --- Internal ---

// acquire resolves the requested model record and loads its runtime,
// mapping load failures onto the local error kinds.
func (p *Provider) acquire(ctx context.Context, req *service.ChatRequest) (runtime.ModelRuntime, *entity.DownloadedModel, error) {
	name := req.ResolvedModel()
	model, err := p.findModel(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if model.Status != entity.ModelReady {
		return nil, nil, service.NewChatError(service.ErrKindModelLoad,
			fmt.Sprintf("model %q is not ready (status %s)", model.Name, model.Status),
			req.Config.ID, model.Name, nil)
	}

	rt, err := p.manager.Acquire(ctx, model)
	if err != nil {
		return nil, nil, classifyLoadError(err, req.Config.ID, model.Name)
	}
	return rt, model, nil
}

// findModel matches by record id first, then by name.
func (p *Provider) findModel(ctx context.Context, name string) (*entity.DownloadedModel, error) {
	if m, err := p.models.FindByID(ctx, name); err == nil {
		return m, nil
	}
	records, err := p.models.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range records {
		if m.Name == name {
			return m, nil
		}
	}
	return nil, service.NewChatError(service.ErrKindModelNotFound,
		"no downloaded model named "+name, "", name, nil)
}

func classifyLoadError(err error, providerID, model string) error {
	kind := service.ErrKindModelLoad
	switch {
	case errors.Is(err, runtime.ErrUnsupportedFormat):
		kind = service.ErrKindUnsupportedFormat
	case errors.Is(err, runtime.ErrInsufficientResources):
		kind = service.ErrKindInsufficientResources
	}
	return service.NewChatError(kind, err.Error(), providerID, model, err)
}

func buildGenerateRequest(req *service.ChatRequest) *runtime.GenerateRequest {
	out := &runtime.GenerateRequest{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, runtime.PromptMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return out
}

func toChatResponse(result *runtime.GenerateResult, model *entity.DownloadedModel) *service.ChatResponse {
	resp := &service.ChatResponse{
		Content:   result.Text,
		ModelUsed: model.Name,
	}
	if result.PromptTokens+result.CompletionTokens > 0 {
		resp.Usage = &entity.TokenUsage{
			Prompt:     result.PromptTokens,
			Completion: result.CompletionTokens,
			Total:      result.PromptTokens + result.CompletionTokens,
		}
	}
	return resp
}
