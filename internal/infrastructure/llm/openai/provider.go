package openai

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

func init() {
	llm.RegisterFactory(entity.KindOpenAI, func(logger *zap.Logger) llm.Provider {
		return New(logger)
	})
}

const defaultBaseURL = "https://api.openai.com/v1"

// Provider speaks the chat completions wire format. One instance serves
// every openai and openai-compatible config; the endpoint, key, and extra
// headers ride in on each request.
type Provider struct {
	client *http.Client
	logger *zap.Logger
}

// New creates the chat completions adapter.
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
		logger: logger.With(zap.String("adapter", "openai")),
	}
}

// Compile-time interface check
var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Kind() entity.ProviderKind { return entity.KindOpenAI }

// SendMessage implements service.ChatClient (non-streaming).
func (p *Provider) SendMessage(ctx context.Context, req *service.ChatRequest) (*service.ChatResponse, error) {
	body, err := json.Marshal(buildAPIRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := p.newRequest(ctx, req.Config, "/chat/completions", body)
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
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("empty response: no choices")
	}

	choice := apiResp.Choices[0]
	return &service.ChatResponse{
		Content:   choice.Message.Content,
		Thinking:  choice.Message.ReasoningContent,
		ModelUsed: apiResp.Model,
		Usage:     apiResp.Usage.ToTokenUsage(),
	}, nil
}

// SendMessageStream implements service.ChatClient with SSE streaming.
func (p *Provider) SendMessageStream(ctx context.Context, req *service.ChatRequest, deltaCh chan<- service.StreamChunk) (*service.ChatResponse, error) {
	streamBody := StreamRequest{
		Request:       buildAPIRequest(req),
		Stream:        true,
		StreamOptions: map[string]any{"include_usage": true},
	}

	body, err := json.Marshal(streamBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := p.newRequest(ctx, req.Config, "/chat/completions", body)
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

// FetchModels lists the models the endpoint offers via GET /models.
func (p *Provider) FetchModels(ctx context.Context, cfg *entity.ProviderConfig) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	applyHeaders(httpReq, cfg)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, service.Classify(err, cfg.ID, "")
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

// TestConnection probes GET /models with a short deadline. Auth failures
// count as reachable-but-misconfigured, which is still false here: the
// caller only wants a green light when a chat would plausibly succeed.
func (p *Provider) TestConnection(ctx context.Context, cfg *entity.ProviderConfig) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := p.FetchModels(ctx, cfg)
	return err == nil
}

// --- Internal conversion ---

func baseURL(cfg *entity.ProviderConfig) string {
	u := strings.TrimRight(cfg.BaseURL, "/")
	if u == "" {
		u = defaultBaseURL
	}
	return u
}

func (p *Provider) newRequest(ctx context.Context, cfg *entity.ProviderConfig, path string, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(cfg)+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	applyHeaders(httpReq, cfg)
	return httpReq, nil
}

// applyHeaders sets auth plus any custom headers from the config. Custom
// headers win so self-hosted gateways can override Authorization.
func applyHeaders(req *http.Request, cfg *entity.ProviderConfig) {
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
}

func buildAPIRequest(req *service.ChatRequest) *Request {
	apiReq := &Request{
		Model:       req.ResolvedModel(),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
	}

	for _, msg := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, buildMessage(msg))
	}
	return apiReq
}

// buildMessage emits a plain string content for text-only messages and a
// content-part array when images are attached.
func buildMessage(msg service.ChatMessage) Message {
	if len(msg.Images) == 0 {
		return Message{Role: string(msg.Role), Content: msg.Content}
	}

	parts := []ContentPart{{Type: "text", Text: msg.Content}}
	for _, img := range msg.Images {
		parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: imageRef(img)}})
	}
	return Message{Role: string(msg.Role), Content: parts}
}

// imageRef returns the image's URL, or a data URI for inline bytes.
func imageRef(img entity.Image) string {
	if img.URL != "" {
		return img.URL
	}
	mime := http.DetectContentType(img.Data)
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// apiError classifies a non-200 response, pulling the human message out of
// the error payload when one is present.
func apiError(status int, body []byte, providerID, model string) error {
	msg := strings.TrimSpace(string(body))
	var payload ErrorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		msg = payload.Error.Message
	}

	kind := service.ClassifyStatus(status)
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "context length") || strings.Contains(lower, "maximum context") {
		kind = service.ErrKindContextLength
	}

	e := service.NewChatError(kind, msg, providerID, model, nil)
	e.StatusCode = status
	return e
}
