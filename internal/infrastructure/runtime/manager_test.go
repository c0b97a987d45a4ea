package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/domain/entity"
)

func testLogger() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

type stubRuntime struct {
	released atomic.Bool
}

func (s *stubRuntime) Generate(ctx context.Context, req *GenerateRequest, tokenCh chan<- Token) (*GenerateResult, error) {
	return &GenerateResult{Text: "ok"}, nil
}

func (s *stubRuntime) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1}, nil
}

func (s *stubRuntime) Release() error {
	s.released.Store(true)
	return nil
}

func testModel(t *testing.T) *entity.DownloadedModel {
	t.Helper()
	m, err := entity.NewDownloadedModel("tiny", entity.ModelTypeLLM, "/models/tiny.gguf")
	if err != nil {
		t.Fatal(err)
	}
	m.MarkReady()
	return m
}

func TestAcquire_LoadsOnce(t *testing.T) {
	var loads atomic.Int32
	rt := &stubRuntime{}
	mgr := NewManager(func(ctx context.Context, m *entity.DownloadedModel) (ModelRuntime, error) {
		loads.Add(1)
		return rt, nil
	}, testLogger())

	model := testModel(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := mgr.Acquire(context.Background(), model)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if got != rt {
				t.Error("acquire returned a different runtime")
			}
		}()
	}
	wg.Wait()

	if n := loads.Load(); n != 1 {
		t.Errorf("factory ran %d times, want 1", n)
	}
	if mgr.State(model.ID) != LoadReady {
		t.Errorf("state = %s", mgr.State(model.ID))
	}
}

func TestAcquire_FailureRemembered(t *testing.T) {
	var loads atomic.Int32
	boom := errors.New("corrupt file")
	mgr := NewManager(func(ctx context.Context, m *entity.DownloadedModel) (ModelRuntime, error) {
		loads.Add(1)
		return nil, boom
	}, testLogger())

	model := testModel(t)
	for i := 0; i < 3; i++ {
		if _, err := mgr.Acquire(context.Background(), model); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if n := loads.Load(); n != 1 {
		t.Errorf("broken model re-opened %d times, want 1", n)
	}
	if mgr.State(model.ID) != LoadFailed {
		t.Errorf("state = %s", mgr.State(model.ID))
	}

	// Release clears the slot; the next acquire tries again.
	if err := mgr.Release(model.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := mgr.Acquire(context.Background(), model); !errors.Is(err, boom) {
		t.Fatal(err)
	}
	if n := loads.Load(); n != 2 {
		t.Errorf("loads after release = %d, want 2", n)
	}
}

func TestAcquire_NilFactory(t *testing.T) {
	mgr := NewManager(nil, testLogger())
	if _, err := mgr.Acquire(context.Background(), testModel(t)); !errors.Is(err, ErrNoRuntime) {
		t.Fatalf("expected ErrNoRuntime, got %v", err)
	}
}

func TestRelease(t *testing.T) {
	rt := &stubRuntime{}
	mgr := NewManager(func(ctx context.Context, m *entity.DownloadedModel) (ModelRuntime, error) {
		return rt, nil
	}, testLogger())

	model := testModel(t)
	if _, err := mgr.Acquire(context.Background(), model); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Release(model.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !rt.released.Load() {
		t.Error("runtime not released")
	}
	if mgr.State(model.ID) != LoadIdle {
		t.Errorf("state after release = %s", mgr.State(model.ID))
	}

	// Releasing again is a no-op.
	if err := mgr.Release(model.ID); err != nil {
		t.Errorf("double release: %v", err)
	}
}

func TestReleaseAll(t *testing.T) {
	runtimes := map[string]*stubRuntime{}
	var mu sync.Mutex
	mgr := NewManager(func(ctx context.Context, m *entity.DownloadedModel) (ModelRuntime, error) {
		rt := &stubRuntime{}
		mu.Lock()
		runtimes[m.ID] = rt
		mu.Unlock()
		return rt, nil
	}, testLogger())

	for i := 0; i < 3; i++ {
		if _, err := mgr.Acquire(context.Background(), testModel(t)); err != nil {
			t.Fatal(err)
		}
	}
	mgr.ReleaseAll()

	for id, rt := range runtimes {
		if !rt.released.Load() {
			t.Errorf("runtime %s not released", id)
		}
	}
}
