package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

type Gist struct {
	ID          uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID      uuid.UUID    `gorm:"type:uuid;index:idx_gists_user_created,priority:1" json:"user_id"`
	User        User         `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	OwnerName   string       `gorm:"size:100;not null" json:"owner_name"`
	Description string       `gorm:"type:text" json:"description"`
	FileName    string       `gorm:"size:255;not null" json:"file_name"`
	Code        string       `gorm:"type:text;not null" json:"code"`
	Visibility  string       `gorm:"size:10;not null;default:public;index:idx_gists_visibility_created,priority:1" json:"visibility"`
	Views       int          `gorm:"default:0" json:"views"`
	Files       []SharedFile `gorm:"foreignKey:GistID;constraint:OnDelete:CASCADE" json:"shared_files"`
	CreatedAt   time.Time    `gorm:"autoCreateTime;index:idx_gists_user_created,priority:2,sort:desc;index:idx_gists_visibility_created,priority:2,sort:desc" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (g *Gist) BeforeCreate(tx *gorm.DB) (err error) {
	if g.ID == uuid.Nil {
		g.ID, err = uuid.NewV7()
	}
	return
}

// IsVisibleTo reports whether userID may read the gist. Private gists are
// readable by the owner only; public gists by anyone.
func (g *Gist) IsVisibleTo(userID uuid.UUID) bool {
	if g.Visibility != VisibilityPrivate {
		return true
	}
	return g.UserID == userID
}

// SharedFile is one binary attachment stored in external object storage.
// The business rule is at most one per gist, enforced at the service
// boundary rather than here.
type SharedFile struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	GistID     uuid.UUID `gorm:"type:uuid;index" json:"-"`
	FileName   string    `gorm:"size:255;not null" json:"fileName"`
	FileURL    string    `gorm:"type:text;not null" json:"fileUrl"`
	FileSize   int64     `gorm:"not null" json:"fileSize"`
	PublicID   string    `gorm:"size:255" json:"publicId,omitempty"`
	UploadedAt time.Time `gorm:"autoCreateTime" json:"uploadedAt"`
}
