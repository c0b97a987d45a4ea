package openai

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/domain/service"
)

func testLogger() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

// collect drains deltaCh concurrently while the parser runs.
func collect(t *testing.T, stream string) (*service.ChatResponse, []service.StreamChunk, error) {
	t.Helper()
	deltaCh := make(chan service.StreamChunk, 64)
	resp, err := ParseSSEStream(context.Background(), strings.NewReader(stream), deltaCh, testLogger())
	close(deltaCh)
	var chunks []service.StreamChunk
	for c := range deltaCh {
		chunks = append(chunks, c)
	}
	return resp, chunks, err
}

func TestParseSSEStream_Deltas(t *testing.T) {
	stream := `data: {"id":"1","model":"gpt-4o-mini","choices":[{"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}

data: {"id":"1","model":"gpt-4o-mini","choices":[{"delta":{"content":"lo"},"finish_reason":null}]}

data: {"id":"1","model":"gpt-4o-mini","choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}

data: [DONE]

`
	resp, chunks, err := collect(t, stream)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Content != "Hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.ModelUsed != "gpt-4o-mini" {
		t.Errorf("model = %q", resp.ModelUsed)
	}
	if resp.Usage == nil || resp.Usage.Total != 11 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	if len(chunks) != 3 {
		t.Fatalf("expected 2 deltas + terminal, got %d", len(chunks))
	}
	if chunks[0].DeltaText != "Hel" || chunks[1].DeltaText != "lo" {
		t.Errorf("deltas = %q, %q", chunks[0].DeltaText, chunks[1].DeltaText)
	}
	last := chunks[len(chunks)-1]
	if !last.Terminal() || last.FinishReason != "stop" {
		t.Errorf("terminal chunk = %+v", last)
	}
	if last.Usage == nil || last.Usage.Prompt != 9 {
		t.Errorf("terminal usage = %+v", last.Usage)
	}
}

func TestParseSSEStream_FinishWithoutDone(t *testing.T) {
	// Some compatible endpoints never send [DONE]; finish_reason must end
	// the stream on its own.
	stream := `data: {"choices":[{"delta":{"content":"x"},"finish_reason":null}]}

data: {"choices":[{"delta":{},"finish_reason":"stop"}]}

`
	resp, chunks, err := collect(t, stream)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Content != "x" {
		t.Errorf("content = %q", resp.Content)
	}
	if !chunks[len(chunks)-1].Terminal() {
		t.Error("missing terminal chunk")
	}
}

func TestParseSSEStream_ThinkingSeparated(t *testing.T) {
	stream := `data: {"choices":[{"delta":{"reasoning_content":"let me think"},"finish_reason":null}]}

data: {"choices":[{"delta":{"content":"42"},"finish_reason":null}]}

data: {"choices":[{"delta":{},"finish_reason":"stop"}]}

`
	resp, chunks, err := collect(t, stream)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Thinking != "let me think" {
		t.Errorf("thinking = %q", resp.Thinking)
	}
	if resp.Content != "42" {
		t.Errorf("content = %q, reasoning must not leak into text", resp.Content)
	}
	if chunks[0].DeltaThinking == "" || chunks[0].DeltaText != "" {
		t.Errorf("first chunk should carry thinking only: %+v", chunks[0])
	}
}

func TestParseSSEStream_MalformedFramesDropped(t *testing.T) {
	stream := `data: {not json at all

: keep-alive comment

data: {"choices":[{"delta":{"content":"ok"},"finish_reason":null}]}

data: [DONE]

`
	resp, _, err := collect(t, stream)
	if err != nil {
		t.Fatalf("malformed frame must not fail the stream: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestParseSSEStream_EmptyStream(t *testing.T) {
	resp, chunks, err := collect(t, "data: [DONE]\n\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Content != "" || len(chunks) != 0 {
		t.Errorf("expected empty result, got %+v / %d chunks", resp, len(chunks))
	}
}

func TestParseSSEStream_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	deltaCh := make(chan service.StreamChunk, 8)
	stream := "data: {\"choices\":[{\"delta\":{\"content\":\"x\"},\"finish_reason\":null}]}\n\n"
	_, err := ParseSSEStream(ctx, strings.NewReader(stream), deltaCh, testLogger())
	if err == nil {
		t.Fatal("expected context error")
	}
}
