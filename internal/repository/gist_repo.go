package repository

import (
	"context"
	"time"

	"github.com/gistbin/gistbin/internal/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type GistRepository interface {
	Create(ctx context.Context, gist *model.Gist) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Gist, error)
	Update(ctx context.Context, gist *model.Gist) error
	ReplaceFiles(ctx context.Context, gist *model.Gist, files []model.SharedFile) error
	Delete(ctx context.Context, id uuid.UUID) error
	FindPublic(ctx context.Context, limit int) ([]model.Gist, error)
	FindByUser(ctx context.Context, userID uuid.UUID, publicOnly bool) ([]model.Gist, error)
	IncrementViews(ctx context.Context, id uuid.UUID, delta int) error
	FindOrphanFiles(ctx context.Context, cutoff time.Time) ([]model.SharedFile, error)
	DeleteFile(ctx context.Context, id uint) error
}

type gistRepository struct {
	db *gorm.DB
}

func NewGistRepository(db *gorm.DB) GistRepository {
	return &gistRepository{db: db}
}

func (r *gistRepository) Create(ctx context.Context, gist *model.Gist) error {
	return r.db.WithContext(ctx).Create(gist).Error
}

func (r *gistRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Gist, error) {
	var gist model.Gist
	err := r.db.WithContext(ctx).Preload("Files").First(&gist, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &gist, nil
}

func (r *gistRepository) Update(ctx context.Context, gist *model.Gist) error {
	return r.db.WithContext(ctx).Save(gist).Error
}

// ReplaceFiles swaps the gist's attachment list in one transaction so a
// re-submitted upload result never appends a duplicate.
func (r *gistRepository) ReplaceFiles(ctx context.Context, gist *model.Gist, files []model.SharedFile) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("gist_id = ?", gist.ID).Delete(&model.SharedFile{}).Error; err != nil {
			return err
		}
		for i := range files {
			files[i].ID = 0
			files[i].GistID = gist.ID
		}
		if len(files) > 0 {
			if err := tx.Create(&files).Error; err != nil {
				return err
			}
		}
		gist.Files = files
		return tx.Model(&model.Gist{}).Where("id = ?", gist.ID).
			Update("updated_at", gorm.Expr("NOW()")).Error
	})
}

func (r *gistRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("gist_id = ?", id).Delete(&model.SharedFile{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Gist{}, "id = ?", id).Error
	})
}

func (r *gistRepository) FindPublic(ctx context.Context, limit int) ([]model.Gist, error) {
	if limit <= 0 {
		limit = 20
	}
	var gists []model.Gist
	err := r.db.WithContext(ctx).Preload("Files").
		Where("visibility = ?", model.VisibilityPublic).
		Order("created_at DESC").
		Limit(limit).
		Find(&gists).Error
	return gists, err
}

func (r *gistRepository) FindByUser(ctx context.Context, userID uuid.UUID, publicOnly bool) ([]model.Gist, error) {
	q := r.db.WithContext(ctx).Preload("Files").Where("user_id = ?", userID)
	if publicOnly {
		q = q.Where("visibility = ?", model.VisibilityPublic)
	}
	var gists []model.Gist
	err := q.Order("created_at DESC").Find(&gists).Error
	return gists, err
}

func (r *gistRepository) IncrementViews(ctx context.Context, id uuid.UUID, delta int) error {
	return r.db.WithContext(ctx).Model(&model.Gist{}).
		Where("id = ?", id).
		UpdateColumn("views", gorm.Expr("views + ?", delta)).Error
}

// FindOrphanFiles returns attachment rows whose gist no longer exists,
// older than the cutoff. These blobs are destroyed by the cleanup job.
func (r *gistRepository) FindOrphanFiles(ctx context.Context, cutoff time.Time) ([]model.SharedFile, error) {
	var files []model.SharedFile
	err := r.db.WithContext(ctx).
		Where("uploaded_at < ?", cutoff).
		Where("gist_id NOT IN (?)", r.db.Model(&model.Gist{}).Select("id")).
		Find(&files).Error
	return files, err
}

func (r *gistRepository) DeleteFile(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&model.SharedFile{}, id).Error
}
