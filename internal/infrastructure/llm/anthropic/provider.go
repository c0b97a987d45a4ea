package anthropic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/domain/service"
	llm "github.com/quillchat/quill/internal/infrastructure/llm"
)

const (
	anthropicVersion = "2023-06-01"
	defaultBaseURL   = "https://api.anthropic.com"

	// The Messages API requires an explicit max_tokens.
	defaultMaxTokens = 8192

	// Extended thinking needs a budget below max_tokens.
	thinkingBudget = 4096
)

func init() {
	llm.RegisterFactory(entity.KindAnthropic, func(logger *zap.Logger) llm.Provider {
		return New(logger)
	})
}

// fallbackModels is served when the models endpoint is unreachable, so the
// picker still has something to offer.
var fallbackModels = []string{
	"claude-sonnet-4-20250514",
	"claude-3-7-sonnet-20250219",
	"claude-3-5-haiku-20241022",
}

// Provider implements the Anthropic Messages API natively.
type Provider struct {
	client *http.Client
	logger *zap.Logger
}

// New creates the Messages API adapter.
func New(logger *zap.Logger) *Provider {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Provider{
		client: &http.Client{Transport: transport},
		logger: logger.With(zap.String("adapter", "anthropic")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Kind() entity.ProviderKind { return entity.KindAnthropic }

// SendMessage implements service.ChatClient (non-streaming).
func (p *Provider) SendMessage(ctx context.Context, req *service.ChatRequest) (*service.ChatResponse, error) {
	body, err := json.Marshal(buildAPIRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := p.newRequest(ctx, req.Config, body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, service.Classify(err, req.Config.ID, req.ResolvedModel())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, respBody, req.Config.ID, req.ResolvedModel())
	}

	var apiResp Response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	out := &service.ChatResponse{
		ModelUsed: apiResp.Model,
		Usage:     apiResp.Usage.ToTokenUsage(),
	}
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "thinking":
			out.Thinking += block.Thinking
		}
	}
	return out, nil
}

// SendMessageStream implements service.ChatClient with event-based SSE.
func (p *Provider) SendMessageStream(ctx context.Context, req *service.ChatRequest, deltaCh chan<- service.StreamChunk) (*service.ChatResponse, error) {
	body, err := json.Marshal(buildAPIRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := p.newRequest(ctx, req.Config, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, service.Classify(err, req.Config.ID, req.ResolvedModel())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, apiError(resp.StatusCode, respBody, req.Config.ID, req.ResolvedModel())
	}

	// Context cancellation body-close watchdog
	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Info("context cancelled, force-closing SSE stream", zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	result, err := ParseSSEStream(ctx, resp.Body, deltaCh, p.logger)
	close(streamDone)
	if err != nil {
		return nil, service.Classify(err, req.Config.ID, req.ResolvedModel())
	}
	return result, nil
}

// FetchModels lists models via GET /v1/models, falling back to a curated
// list when the endpoint is unreachable.
func (p *Provider) FetchModels(ctx context.Context, cfg *entity.ProviderConfig) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	applyHeaders(httpReq, cfg)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.logger.Debug("model discovery failed, using fallback list", zap.Error(err))
		return fallbackModels, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, respBody, cfg.ID, "")
	}

	var models ModelsResponse
	if err := json.Unmarshal(respBody, &models); err != nil {
		return nil, fmt.Errorf("parse models: %w", err)
	}
	out := make([]string, 0, len(models.Data))
	for _, m := range models.Data {
		out = append(out, m.ID)
	}
	return out, nil
}

// TestConnection probes GET /v1/models with the configured key.
func (p *Provider) TestConnection(ctx context.Context, cfg *entity.ProviderConfig) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/v1/models", nil)
	if err != nil {
		return false
	}
	applyHeaders(httpReq, cfg)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// --- Internal conversion ---

func baseURL(cfg *entity.ProviderConfig) string {
	u := strings.TrimRight(cfg.BaseURL, "/")
	if u == "" {
		u = defaultBaseURL
	}
	return u
}

func (p *Provider) newRequest(ctx context.Context, cfg *entity.ProviderConfig, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(cfg)+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	applyHeaders(httpReq, cfg)
	return httpReq, nil
}

func applyHeaders(req *http.Request, cfg *entity.ProviderConfig) {
	req.Header.Set("x-api-key", cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
}

func buildAPIRequest(req *service.ChatRequest, stream bool) *Request {
	apiReq := &Request{
		Model:       req.ResolvedModel(),
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      stream,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		apiReq.MaxTokens = *req.MaxTokens
	}
	if req.Thinking {
		apiReq.Thinking = &Thinking{Type: "enabled", BudgetTokens: thinkingBudget}
	}

	// System messages become the top-level system field; consecutive ones
	// are joined in order.
	var system []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case entity.RoleSystem:
			system = append(system, msg.Content)
		case entity.RoleAssistant:
			if msg.Content == "" {
				continue
			}
			apiReq.Messages = append(apiReq.Messages, Message{
				Role:    "assistant",
				Content: []ContentBlock{{Type: "text", Text: msg.Content}},
			})
		default: // user
			apiReq.Messages = append(apiReq.Messages, Message{
				Role:    "user",
				Content: buildUserBlocks(msg),
			})
		}
	}
	apiReq.System = strings.Join(system, "\n\n")
	return apiReq
}

func buildUserBlocks(msg service.ChatMessage) []ContentBlock {
	blocks := []ContentBlock{{Type: "text", Text: msg.Content}}
	for _, img := range msg.Images {
		blocks = append(blocks, ContentBlock{Type: "image", Source: imageSource(img)})
	}
	return blocks
}

func imageSource(img entity.Image) *ImageSource {
	if img.URL != "" {
		return &ImageSource{Type: "url", URL: img.URL}
	}
	return &ImageSource{
		Type:      "base64",
		MediaType: http.DetectContentType(img.Data),
		Data:      base64.StdEncoding.EncodeToString(img.Data),
	}
}

func apiError(status int, body []byte, providerID, model string) error {
	msg := strings.TrimSpace(string(body))
	var payload ErrorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		msg = payload.Error.Message
	}

	kind := service.ClassifyStatus(status)
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "prompt is too long") || strings.Contains(lower, "maximum context") {
		kind = service.ErrKindContextLength
	}

	e := service.NewChatError(kind, msg, providerID, model, nil)
	e.StatusCode = status
	return e
}
