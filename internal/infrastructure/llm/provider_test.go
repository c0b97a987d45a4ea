package llm

import (
	"context"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/domain/service"
)

func testLogger() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

type fakeProvider struct {
	kind      entity.ProviderKind
	reachable bool
}

func (f *fakeProvider) Kind() entity.ProviderKind { return f.kind }

func (f *fakeProvider) SendMessage(ctx context.Context, req *service.ChatRequest) (*service.ChatResponse, error) {
	return &service.ChatResponse{Content: "ok"}, nil
}

func (f *fakeProvider) SendMessageStream(ctx context.Context, req *service.ChatRequest, deltaCh chan<- service.StreamChunk) (*service.ChatResponse, error) {
	return &service.ChatResponse{Content: "ok"}, nil
}

func (f *fakeProvider) FetchModels(ctx context.Context, cfg *entity.ProviderConfig) ([]string, error) {
	return []string{"m1"}, nil
}

func (f *fakeProvider) TestConnection(ctx context.Context, cfg *entity.ProviderConfig) bool {
	return f.reachable
}

func TestForKind_ConstructsOnce(t *testing.T) {
	var built atomic.Int32
	RegisterFactory(entity.KindOpenAI, func(logger *zap.Logger) Provider {
		built.Add(1)
		return &fakeProvider{kind: entity.KindOpenAI, reachable: true}
	})

	r := NewRegistry(testLogger())
	first, err := r.ForKind(entity.KindOpenAI)
	if err != nil {
		t.Fatalf("for kind: %v", err)
	}
	second, err := r.ForKind(entity.KindOpenAI)
	if err != nil {
		t.Fatalf("for kind: %v", err)
	}
	if first != second {
		t.Error("adapter not cached per kind")
	}
	if n := built.Load(); n != 1 {
		t.Errorf("factory ran %d times, want 1", n)
	}
}

func TestForKind_CompatibleAliasesOpenAI(t *testing.T) {
	RegisterFactory(entity.KindOpenAI, func(logger *zap.Logger) Provider {
		return &fakeProvider{kind: entity.KindOpenAI, reachable: true}
	})

	r := NewRegistry(testLogger())
	a, err := r.ForKind(entity.KindOpenAI)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.ForKind(entity.KindOpenAICompatible)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("openai-compatible must share the openai adapter")
	}
}

func TestForKind_UnknownKind(t *testing.T) {
	r := NewRegistry(testLogger())
	if _, err := r.ForKind(entity.ProviderKind("martian")); err == nil {
		t.Fatal("expected error for unregistered kind")
	}
}

func TestResolveAndProbe(t *testing.T) {
	RegisterFactory(entity.KindAnthropic, func(logger *zap.Logger) Provider {
		return &fakeProvider{kind: entity.KindAnthropic, reachable: false}
	})

	r := NewRegistry(testLogger())
	cfg, err := entity.NewProviderConfig("claude", entity.KindAnthropic, "", "claude-sonnet-4-20250514")
	if err != nil {
		t.Fatal(err)
	}

	client, err := r.Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	resp, err := client.SendMessage(context.Background(), &service.ChatRequest{Config: cfg})
	if err != nil || resp.Content != "ok" {
		t.Errorf("resolved client broken: %v", err)
	}

	if r.Probe(context.Background(), cfg) {
		t.Error("unreachable adapter must probe false")
	}

	bad, _ := entity.NewProviderConfig("x", entity.KindOllama, "", "m")
	bad.Kind = entity.ProviderKind("martian")
	if r.Probe(context.Background(), bad) {
		t.Error("unknown kind must probe false")
	}
}
