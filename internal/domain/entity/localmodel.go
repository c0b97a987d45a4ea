package entity

import (
	"time"

	"github.com/google/uuid"
)

// ModelType classifies what a downloaded model file can do.
type ModelType string

const (
	ModelTypeLLM       ModelType = "llm"
	ModelTypeEmbedding ModelType = "embedding"
	ModelTypeImageGen  ModelType = "image-gen"
	ModelTypeTTS       ModelType = "tts"
	ModelTypeSTT       ModelType = "stt"
)

// ModelStatus tracks a download/import lifecycle.
type ModelStatus string

const (
	ModelDownloading ModelStatus = "downloading"
	ModelImporting   ModelStatus = "importing"
	ModelReady       ModelStatus = "ready"
	ModelFailed      ModelStatus = "failed"
)

// DownloadedModel records an on-device model capability: where its files
// live and whether it is usable. Deleting the record must also release any
// loaded runtime handle.
type DownloadedModel struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	Kind                ProviderKind `json:"kind"`
	Type                ModelType    `json:"type"`
	ModelPath           string       `json:"model_path"`
	TokenizerPath       string       `json:"tokenizer_path,omitempty"`
	TokenizerConfigPath string       `json:"tokenizer_config_path,omitempty"`
	Status              ModelStatus  `json:"status"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// NewDownloadedModel creates a record in the downloading state.
func NewDownloadedModel(name string, typ ModelType, modelPath string) (*DownloadedModel, error) {
	if name == "" || modelPath == "" {
		return nil, ErrInvalidModelRecord
	}
	now := time.Now().UTC()
	return &DownloadedModel{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      KindLocal,
		Type:      typ,
		ModelPath: modelPath,
		Status:    ModelDownloading,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// MarkReady flips the record to the usable state.
func (m *DownloadedModel) MarkReady() {
	m.Status = ModelReady
	m.UpdatedAt = time.Now().UTC()
}

// MarkFailed flips the record to the failed state.
func (m *DownloadedModel) MarkFailed() {
	m.Status = ModelFailed
	m.UpdatedAt = time.Now().UTC()
}
