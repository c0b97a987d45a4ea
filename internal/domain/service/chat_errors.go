package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ChatErrorKind classifies provider errors into a provider-agnostic
// taxonomy. Each adapter maps its backend's status codes and payloads into
// these kinds before the error leaves the adapter.
type ChatErrorKind int

const (
	// ErrKindUnknown is the fallback when no pattern matches.
	ErrKindUnknown ChatErrorKind = iota

	// ErrKindNetwork covers unreachable hosts, DNS failures, resets.
	ErrKindNetwork

	// ErrKindAuth covers 401/403 and invalid API keys.
	ErrKindAuth

	// ErrKindRateLimit covers 429 and provider throttling.
	ErrKindRateLimit

	// ErrKindInvalidRequest covers 400/422-class request rejections.
	ErrKindInvalidRequest

	// ErrKindModelNotFound means the requested model does not exist.
	ErrKindModelNotFound

	// ErrKindContextLength means the prompt exceeded the model's window.
	ErrKindContextLength

	// ErrKindServer covers 5xx backend failures.
	ErrKindServer

	// ErrKindTimeout covers deadline expiry and stalled streams.
	ErrKindTimeout

	// ErrKindCancelled means the request was explicitly cancelled.
	ErrKindCancelled

	// Local-runtime kinds.
	ErrKindModelLoad
	ErrKindUnsupportedFormat
	ErrKindInsufficientResources
)

// String returns a stable label for the kind.
func (k ChatErrorKind) String() string {
	switch k {
	case ErrKindNetwork:
		return "network"
	case ErrKindAuth:
		return "auth"
	case ErrKindRateLimit:
		return "rate_limit"
	case ErrKindInvalidRequest:
		return "invalid_request"
	case ErrKindModelNotFound:
		return "model_not_found"
	case ErrKindContextLength:
		return "context_length"
	case ErrKindServer:
		return "server"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindCancelled:
		return "cancelled"
	case ErrKindModelLoad:
		return "model_load"
	case ErrKindUnsupportedFormat:
		return "unsupported_format"
	case ErrKindInsufficientResources:
		return "insufficient_resources"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether the kind is worth retrying.
func (k ChatErrorKind) IsRetryable() bool {
	switch k {
	case ErrKindNetwork, ErrKindRateLimit, ErrKindServer, ErrKindTimeout:
		return true
	}
	return false
}

// ChatError is a classified provider error. It wraps the original cause so
// errors.Is/As keep working across the adapter boundary.
type ChatError struct {
	Kind       ChatErrorKind
	Message    string
	StatusCode int // HTTP status if applicable, 0 otherwise
	Provider   string
	Model      string
	Cause      error
}

func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *ChatError) Unwrap() error { return e.Cause }

// IsRetryable reports whether this error should be retried.
func (e *ChatError) IsRetryable() bool { return e.Kind.IsRetryable() }

// NewChatError builds a classified error with a preset kind.
func NewChatError(kind ChatErrorKind, message, provider, model string, cause error) *ChatError {
	return &ChatError{Kind: kind, Message: message, Provider: provider, Model: model, Cause: cause}
}

// ErrorKind extracts the kind from any error, ErrKindUnknown if unclassified.
func ErrorKind(err error) ChatErrorKind {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrKindUnknown
}

// ClassifyStatus maps an HTTP status code to an error kind. Adapters call
// this for non-200 responses before falling back to payload inspection.
func ClassifyStatus(status int) ChatErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrKindAuth
	case status == 404:
		return ErrKindModelNotFound
	case status == 408:
		return ErrKindTimeout
	case status == 429:
		return ErrKindRateLimit
	case status == 400 || status == 413 || status == 422:
		return ErrKindInvalidRequest
	case status >= 500:
		return ErrKindServer
	default:
		return ErrKindUnknown
	}
}

// Classify examines an arbitrary error and returns a classified ChatError.
// Already-classified errors pass through unchanged.
func Classify(err error, provider, model string) *ChatError {
	if err == nil {
		return nil
	}

	var ce *ChatError
	if errors.As(err, &ce) {
		return ce
	}

	wrap := func(kind ChatErrorKind, msg string) *ChatError {
		return &ChatError{Kind: kind, Message: msg, Provider: provider, Model: model, Cause: err}
	}

	if errors.Is(err, context.Canceled) {
		return wrap(ErrKindCancelled, "request cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(ErrKindTimeout, "request timed out")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return wrap(ErrKindTimeout, "network timeout")
		}
		return wrap(ErrKindNetwork, "network failure")
	}

	errStr := strings.ToLower(err.Error())

	patterns := []struct {
		kind ChatErrorKind
		msg  string
		subs []string
	}{
		{ErrKindCancelled, "request cancelled", []string{"context canceled"}},
		{ErrKindTimeout, "request timed out", []string{"deadline exceeded", "timeout", "timed out", "stream stalled"}},
		{ErrKindAuth, "authentication failed", []string{"unauthorized", "invalid api key", "401", "403", "authentication", "permission denied"}},
		{ErrKindRateLimit, "rate limited", []string{"rate limit", "too many requests", "429", "overloaded"}},
		{ErrKindContextLength, "context length exceeded", []string{"context length", "context_length", "maximum context", "prompt is too long", "too many tokens"}},
		{ErrKindModelNotFound, "model not found", []string{"model not found", "model_not_found", "no such model", "unknown model"}},
		{ErrKindInvalidRequest, "invalid request", []string{"bad request", "invalid argument", "invalid_request", "400", "422"}},
		{ErrKindServer, "server error", []string{"500", "502", "503", "504", "529", "server error", "internal error", "temporarily unavailable"}},
		{ErrKindNetwork, "network failure", []string{"connection refused", "connection reset", "no such host", "network is unreachable", "eof"}},
		{ErrKindModelLoad, "model load failed", []string{"model load", "failed to load model"}},
		{ErrKindUnsupportedFormat, "unsupported model format", []string{"unsupported format", "unknown format"}},
		{ErrKindInsufficientResources, "insufficient resources", []string{"out of memory", "insufficient resources", "not enough memory"}},
	}

	for _, p := range patterns {
		for _, s := range p.subs {
			if strings.Contains(errStr, s) {
				return wrap(p.kind, p.msg)
			}
		}
	}

	return wrap(ErrKindUnknown, "provider error")
}
