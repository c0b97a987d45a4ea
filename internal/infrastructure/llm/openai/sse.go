package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/domain/service"
)

// ParseSSEStream reads a text/event-stream response, emitting deltas and
// accumulating the final response.
//
// Three-tier termination protection:
//
//	L1: Break on finish_reason (don't wait for [DONE] — some endpoints never send it)
//	L2: 60s read idle timeout (detect stale connections)
//	L3: Caller context cancellation (body is force-closed by the watchdog)
func ParseSSEStream(ctx context.Context, reader io.Reader, deltaCh chan<- service.StreamChunk, logger *zap.Logger) (*service.ChatResponse, error) {
	idleTimeout := 60 * time.Second
	tReader := &timedReader{r: reader, timeout: idleTimeout}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max line

	var contentBuilder strings.Builder
	var thinkingBuilder strings.Builder
	var modelUsed string
	var usage *Usage
	var finishReason string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk StreamChunkData
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logger.Debug("skip unparseable SSE chunk", zap.Error(err))
			continue
		}

		if chunk.Model != "" {
			modelUsed = chunk.Model
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		delta := choice.Delta
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}

		// Reasoning deltas stay on their own channel field, never folded
		// into the visible text.
		if delta.ReasoningContent != "" {
			thinkingBuilder.WriteString(delta.ReasoningContent)
			deltaCh <- service.StreamChunk{DeltaThinking: delta.ReasoningContent}
		}
		if delta.Content != "" {
			contentBuilder.WriteString(delta.Content)
			deltaCh <- service.StreamChunk{DeltaText: delta.Content}
		}

		// L1: finish_reason received — emit terminal chunk and break.
		if finishReason != "" {
			deltaCh <- service.StreamChunk{
				FinishReason: finishReason,
				Usage:        usage.ToTokenUsage(),
			}
			break
		}
	}

	// L2: distinguish idle timeout from real scan errors.
	if err := scanner.Err(); err != nil {
		if isIdleTimeoutErr(err) {
			logger.Warn("SSE stream idle timeout",
				zap.Duration("idle_timeout", idleTimeout),
				zap.Int("content_len", contentBuilder.Len()))
			if contentBuilder.Len() == 0 && thinkingBuilder.Len() == 0 {
				return nil, fmt.Errorf("stream stalled: no data for %v", idleTimeout)
			}
			// Partial content is better than nothing after a stall.
		} else {
			return nil, fmt.Errorf("SSE scan error: %w", err)
		}
	}

	return &service.ChatResponse{
		Content:   contentBuilder.String(),
		Thinking:  thinkingBuilder.String(),
		ModelUsed: modelUsed,
		Usage:     usage.ToTokenUsage(),
	}, nil
}

// --- SSE idle timeout support ---

var errIdleTimeout = fmt.Errorf("SSE read idle timeout")

// timedReader wraps an io.Reader and applies a per-Read deadline.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

func isIdleTimeoutErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SSE read idle timeout")
}
