package runtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/domain/entity"
)

// LoadState tracks where a model is in its load lifecycle.
type LoadState string

const (
	LoadIdle    LoadState = "idle"
	LoadLoading LoadState = "loading"
	LoadReady   LoadState = "ready"
	LoadFailed  LoadState = "failed"
)

// handle is one model's slot in the manager.
type handle struct {
	state   LoadState
	runtime ModelRuntime
	err     error
	loaded  chan struct{} // closed when a load attempt settles
}

// Manager tracks loaded model handles by model id. Loads are single-flight:
// concurrent Acquire calls for the same model wait on one load attempt. A
// failed load is remembered until Release clears the slot, so a broken model
// file does not get re-opened on every send.
type Manager struct {
	factory Factory
	logger  *zap.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

// NewManager creates a manager. factory may be nil, in which case every
// Acquire fails with ErrNoRuntime.
func NewManager(factory Factory, logger *zap.Logger) *Manager {
	return &Manager{
		factory: factory,
		logger:  logger.With(zap.String("component", "model_runtime")),
		handles: make(map[string]*handle),
	}
}

// State returns a model's current load state.
func (m *Manager) State(modelID string) LoadState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[modelID]; ok {
		return h.state
	}
	return LoadIdle
}

// Acquire returns a ready runtime for the model, loading it if needed.
func (m *Manager) Acquire(ctx context.Context, model *entity.DownloadedModel) (ModelRuntime, error) {
	if m.factory == nil {
		return nil, ErrNoRuntime
	}

	m.mu.Lock()
	h, ok := m.handles[model.ID]
	if ok {
		m.mu.Unlock()
		select {
		case <-h.loaded:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if h.err != nil {
			return nil, h.err
		}
		return h.runtime, nil
	}

	h = &handle{state: LoadLoading, loaded: make(chan struct{})}
	m.handles[model.ID] = h
	m.mu.Unlock()

	m.logger.Info("loading model",
		zap.String("model_id", model.ID),
		zap.String("name", model.Name))

	rt, err := m.factory(ctx, model)

	m.mu.Lock()
	if err != nil {
		h.state = LoadFailed
		h.err = err
		m.logger.Warn("model load failed",
			zap.String("model_id", model.ID), zap.Error(err))
	} else {
		h.state = LoadReady
		h.runtime = rt
	}
	close(h.loaded)
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return rt, nil
}

// Release frees a model's handle. Called when the model record is deleted or
// the app shuts down. Releasing an unloaded model is a no-op.
func (m *Manager) Release(modelID string) error {
	m.mu.Lock()
	h, ok := m.handles[modelID]
	if ok {
		delete(m.handles, modelID)
	}
	m.mu.Unlock()

	if !ok || h.runtime == nil {
		return nil
	}
	m.logger.Info("releasing model", zap.String("model_id", modelID))
	return h.runtime.Release()
}

// ReleaseAll frees every loaded handle.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*handle)
	m.mu.Unlock()

	for id, h := range handles {
		if h.runtime == nil {
			continue
		}
		if err := h.runtime.Release(); err != nil {
			m.logger.Warn("release failed", zap.String("model_id", id), zap.Error(err))
		}
	}
}
