package application

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/domain/entity"
	apperrors "github.com/quillchat/quill/pkg/errors"
)

// ImportModel registers a model file already on disk as a usable on-device
// model. Relative paths resolve against the configured models directory.
func (a *App) ImportModel(ctx context.Context, name, path string, typ entity.ModelType) (*entity.DownloadedModel, error) {
	if !filepath.IsAbs(path) && a.Config.Models.Dir != "" {
		path = filepath.Join(a.Config.Models.Dir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, apperrors.NewInvalidInputError("model file not found: " + path)
	}

	m, err := entity.NewDownloadedModel(name, typ, path)
	if err != nil {
		return nil, err
	}
	m.MarkReady()
	if err := a.Models.Save(ctx, m); err != nil {
		return nil, err
	}
	a.Logger.Info("model imported",
		zap.String("model_id", m.ID),
		zap.String("name", m.Name),
		zap.String("path", path))
	return m, nil
}

// DeleteModel removes a model record by id or name. Any loaded runtime
// handle is released first, so the memory is freed before the record
// disappears and a later import of the same name starts cold.
func (a *App) DeleteModel(ctx context.Context, idOrName string) error {
	m, err := a.findModel(ctx, idOrName)
	if err != nil {
		return err
	}
	if err := a.Runtime.Release(m.ID); err != nil {
		a.Logger.Warn("runtime release failed",
			zap.String("model_id", m.ID), zap.Error(err))
	}
	if err := a.Models.Delete(ctx, m.ID); err != nil {
		return err
	}
	a.Logger.Info("model deleted",
		zap.String("model_id", m.ID), zap.String("name", m.Name))
	return nil
}

func (a *App) findModel(ctx context.Context, idOrName string) (*entity.DownloadedModel, error) {
	if m, err := a.Models.FindByID(ctx, idOrName); err == nil {
		return m, nil
	}
	all, err := a.Models.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if m.Name == idOrName {
			return m, nil
		}
	}
	return nil, apperrors.NewNotFoundError("model not found: " + idOrName)
}
