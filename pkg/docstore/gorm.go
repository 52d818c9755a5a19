package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DocumentModel is one stored document, keyed by its path. JSON payloads
// land in Value, raw text in Body; Revision backs the compare-and-set
// contract.
type DocumentModel struct {
	Path        string `gorm:"primaryKey"`
	Value       datatypes.JSON
	Body        string
	ContentType string    `gorm:"not null"`
	Size        int64     `gorm:"not null"`
	Revision    int64     `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

// GormStore implements Store as one row per path in Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database and runs auto-migration.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&DocumentModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// ReadJSON decodes the document at path into out.
func (s *GormStore) ReadJSON(ctx context.Context, path string, out any) (string, bool, error) {
	model, ok, err := s.fetch(ctx, path)
	if err != nil || !ok {
		return "", ok, err
	}
	if err := json.Unmarshal(model.Value, out); err != nil {
		return "", false, fmt.Errorf("%w: decode %s: %v", ErrBackendFailure, path, err)
	}
	return strconv.FormatInt(model.Revision, 10), true, nil
}

// SaveJSON upserts the document at path, conditional on expectRev.
func (s *GormStore) SaveJSON(ctx context.Context, path string, value any, expectRev string) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: encode %s: %v", ErrBackendFailure, path, err)
	}
	return s.save(ctx, path, DocumentModel{
		Path:        path,
		Value:       datatypes.JSON(data),
		ContentType: contentTypeJSON,
		Size:        int64(len(data)),
	}, expectRev)
}

// ReadText returns the raw text document at path.
func (s *GormStore) ReadText(ctx context.Context, path string) (string, string, bool, error) {
	model, ok, err := s.fetch(ctx, path)
	if err != nil || !ok {
		return "", "", ok, err
	}
	return model.Body, strconv.FormatInt(model.Revision, 10), true, nil
}

// SaveText upserts the text document at path, conditional on expectRev.
func (s *GormStore) SaveText(ctx context.Context, path string, text string, expectRev string) (string, error) {
	return s.save(ctx, path, DocumentModel{
		Path:        path,
		Body:        text,
		ContentType: contentTypeText,
		Size:        int64(len(text)),
	}, expectRev)
}

func (s *GormStore) fetch(ctx context.Context, path string) (DocumentModel, bool, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, "path = ?", path).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DocumentModel{}, false, nil
		}
		return DocumentModel{}, false, fmt.Errorf("%w: read %s: %v", ErrBackendFailure, path, err)
	}
	return model, true, nil
}

func (s *GormStore) save(ctx context.Context, path string, next DocumentModel, expectRev string) (string, error) {
	var newRev int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current DocumentModel
		err := tx.First(&current, "path = ?", path).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if expectRev != "" && expectRev != AnyRev {
				return fmt.Errorf("save %s: %w", path, ErrRevisionMismatch)
			}
			next.Revision = 1
			next.UpdatedAt = time.Now().UTC()
			if err := tx.Create(&next).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					// Lost a concurrent create race.
					return fmt.Errorf("save %s: %w", path, ErrRevisionMismatch)
				}
				return fmt.Errorf("%w: create %s: %v", ErrBackendFailure, path, err)
			}
			newRev = next.Revision
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrBackendFailure, path, err)
		}
		expected := current.Revision
		switch expectRev {
		case AnyRev:
		case "":
			return fmt.Errorf("save %s: %w", path, ErrRevisionMismatch)
		default:
			n, perr := strconv.ParseInt(expectRev, 10, 64)
			if perr != nil || n != expected {
				return fmt.Errorf("save %s: %w", path, ErrRevisionMismatch)
			}
		}
		next.Revision = expected + 1
		next.UpdatedAt = time.Now().UTC()
		res := tx.Model(&DocumentModel{}).
			Where("path = ? AND revision = ?", path, expected).
			Updates(map[string]any{
				"value":        next.Value,
				"body":         next.Body,
				"content_type": next.ContentType,
				"size":         next.Size,
				"revision":     next.Revision,
				"updated_at":   next.UpdatedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("%w: update %s: %v", ErrBackendFailure, path, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("save %s: %w", path, ErrRevisionMismatch)
		}
		newRev = next.Revision
		return nil
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(newRev, 10), nil
}

// ListFiles enumerates documents whose path starts with prefix.
func (s *GormStore) ListFiles(ctx context.Context, prefix string) ([]FileInfo, error) {
	var models []DocumentModel
	if err := s.db.WithContext(ctx).
		Select("path", "content_type", "size", "updated_at").
		Where("path LIKE ?", prefix+"%").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrBackendFailure, prefix, err)
	}
	res := make([]FileInfo, 0, len(models))
	for _, m := range models {
		res = append(res, FileInfo{
			Path:        m.Path,
			Locator:     m.Path,
			Size:        m.Size,
			UpdatedAt:   m.UpdatedAt,
			ContentType: m.ContentType,
		})
	}
	return res, nil
}

// DeleteFile removes the document identified by locator.
func (s *GormStore) DeleteFile(ctx context.Context, locator string) error {
	res := s.db.WithContext(ctx).Delete(&DocumentModel{}, "path = ?", locator)
	if res.Error != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrBackendFailure, locator, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete %s: %w", locator, ErrNotFound)
	}
	return nil
}
