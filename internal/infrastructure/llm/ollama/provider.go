package ollama

import (
	"bufio"
	"bytes"
	"context"
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

const defaultBaseURL = "http://localhost:11434"

func init() {
	llm.RegisterFactory(entity.KindOllama, func(logger *zap.Logger) llm.Provider {
		return New(logger)
	})
}

// Provider talks to a local Ollama daemon. No auth; the interesting work is
// the NDJSON stream on /api/chat.
type Provider struct {
	client *http.Client
	logger *zap.Logger
}

// New creates the Ollama adapter. No overall client timeout: generation on
// slow local models can legitimately take minutes, so only the dial and
// response-header phases are bounded.
func New(logger *zap.Logger) *Provider {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
	}

	return &Provider{
		client: &http.Client{Transport: transport},
		logger: logger.With(zap.String("adapter", "ollama")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Kind() entity.ProviderKind { return entity.KindOllama }

// SendMessage implements service.ChatClient (non-streaming).
func (p *Provider) SendMessage(ctx context.Context, req *service.ChatRequest) (*service.ChatResponse, error) {
	resp, err := p.doChat(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if chatResp.Error != "" {
		return nil, daemonError(chatResp.Error, req.Config.ID, req.ResolvedModel())
	}

	// Older daemons omit the model field; the requested model still served.
	modelUsed := chatResp.Model
	if modelUsed == "" {
		modelUsed = req.ResolvedModel()
	}

	return &service.ChatResponse{
		Content:   chatResp.Message.Content,
		Thinking:  chatResp.Message.Thinking,
		ModelUsed: modelUsed,
		Usage:     chatResp.TokenUsage(),
	}, nil
}

// SendMessageStream implements service.ChatClient over the NDJSON stream.
func (p *Provider) SendMessageStream(ctx context.Context, req *service.ChatRequest, deltaCh chan<- service.StreamChunk) (*service.ChatResponse, error) {
	resp, err := p.doChat(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Context cancellation body-close watchdog
	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Info("context cancelled, force-closing NDJSON stream", zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	result, err := p.parseNDJSON(ctx, resp.Body, deltaCh, req)
	close(streamDone)
	return result, err
}

func (p *Provider) parseNDJSON(ctx context.Context, reader io.Reader, deltaCh chan<- service.StreamChunk, req *service.ChatRequest) (*service.ChatResponse, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	var thinkingBuilder strings.Builder
	var modelUsed string
	var usage *entity.TokenUsage

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var line ChatResponse
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			p.logger.Debug("skip unparseable NDJSON line", zap.Error(err))
			continue
		}
		if line.Error != "" {
			return nil, daemonError(line.Error, req.Config.ID, req.ResolvedModel())
		}

		if line.Model != "" {
			modelUsed = line.Model
		}
		if line.Message.Thinking != "" {
			thinkingBuilder.WriteString(line.Message.Thinking)
			deltaCh <- service.StreamChunk{DeltaThinking: line.Message.Thinking}
		}
		if line.Message.Content != "" {
			contentBuilder.WriteString(line.Message.Content)
			deltaCh <- service.StreamChunk{DeltaText: line.Message.Content}
		}

		if line.Done {
			usage = line.TokenUsage()
			reason := line.DoneReason
			if reason == "" {
				reason = "stop"
			}
			deltaCh <- service.StreamChunk{FinishReason: reason, Usage: usage}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, service.Classify(fmt.Errorf("stream read: %w", err), req.Config.ID, req.ResolvedModel())
	}

	if modelUsed == "" {
		modelUsed = req.ResolvedModel()
	}

	return &service.ChatResponse{
		Content:   contentBuilder.String(),
		Thinking:  thinkingBuilder.String(),
		ModelUsed: modelUsed,
		Usage:     usage,
	}, nil
}

// FetchModels lists locally installed models via GET /api/tags.
func (p *Provider) FetchModels(ctx context.Context, cfg *entity.ProviderConfig) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, service.Classify(err, cfg.ID, "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		e := service.NewChatError(service.ClassifyStatus(resp.StatusCode), strings.TrimSpace(string(body)), cfg.ID, "", nil)
		e.StatusCode = resp.StatusCode
		return nil, e
	}

	var tags TagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("parse tags: %w", err)
	}
	out := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, m.Name)
	}
	return out, nil
}

// TestConnection probes the daemon with GET /api/tags.
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

func (p *Provider) doChat(ctx context.Context, req *service.ChatRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(buildAPIRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(req.Config)+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, service.Classify(err, req.Config.ID, req.ResolvedModel())
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, daemonError(strings.TrimSpace(string(respBody)), req.Config.ID, req.ResolvedModel())
	}
	return resp, nil
}

func buildAPIRequest(req *service.ChatRequest, stream bool) *ChatRequest {
	apiReq := &ChatRequest{
		Model:  req.ResolvedModel(),
		Stream: stream,
		Think:  req.Thinking,
	}

	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		options["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		options["num_predict"] = *req.MaxTokens
	}
	if len(options) > 0 {
		apiReq.Options = options
	}

	for _, msg := range req.Messages {
		m := Message{Role: string(msg.Role), Content: msg.Content}
		for _, img := range msg.Images {
			if len(img.Data) > 0 {
				m.Images = append(m.Images, base64.StdEncoding.EncodeToString(img.Data))
			}
		}
		apiReq.Messages = append(apiReq.Messages, m)
	}
	return apiReq
}

// daemonError classifies an error string from the daemon's JSON payload.
func daemonError(msg, providerID, model string) error {
	kind := service.ErrKindServer
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not found"):
		kind = service.ErrKindModelNotFound
	case strings.Contains(lower, "out of memory") || strings.Contains(lower, "requires more"):
		kind = service.ErrKindInsufficientResources
	case strings.Contains(lower, "context"):
		kind = service.ErrKindContextLength
	}
	return service.NewChatError(kind, msg, providerID, model, nil)
}
