package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	apperrors "github.com/quillchat/quill/pkg/errors"
)

// Record is the single table backing the key-value namespace.
type Record struct {
	Key       string `gorm:"primaryKey;size:255"`
	Value     []byte `gorm:"type:blob;not null"`
	UpdatedAt time.Time
}

// TableName fixes the table name.
func (Record) TableName() string {
	return "kv_records"
}

// DBConfig selects the database backend.
type DBConfig struct {
	Type string // sqlite, postgres
	DSN  string
}

// NewDBConnection opens the database and migrates the record table.
func NewDBConnection(cfg DBConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// GormStore implements Store on a single GORM-managed table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open database connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ Store = (*GormStore)(nil)

// Get returns the value at key.
func (s *GormStore) Get(ctx context.Context, key string) ([]byte, error) {
	var rec Record
	if err := s.db.WithContext(ctx).First(&rec, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("record not found: " + key)
		}
		return nil, apperrors.NewInternalErrorWithCause("failed to read record "+key, err)
	}
	return rec.Value, nil
}

// Put upserts the record at key in a single statement.
func (s *GormStore) Put(ctx context.Context, key string, value []byte) error {
	rec := Record{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&rec).Error
	if err != nil {
		return apperrors.NewInternalErrorWithCause("failed to write record "+key, err)
	}
	return nil
}

// Delete removes the record at key; absent keys are a no-op.
func (s *GormStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Delete(&Record{}, "key = ?", key).Error; err != nil {
		return apperrors.NewInternalErrorWithCause("failed to delete record "+key, err)
	}
	return nil
}

// List returns all records under prefix.
func (s *GormStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	var recs []Record
	err := s.db.WithContext(ctx).
		Where("key LIKE ?", prefix+"%").
		Find(&recs).Error
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to list records under "+prefix, err)
	}

	out := make(map[string][]byte, len(recs))
	for _, rec := range recs {
		out[rec.Key] = rec.Value
	}
	return out, nil
}

// Transact maps to a database transaction; fn sees a tx-bound store.
func (s *GormStore) Transact(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}
