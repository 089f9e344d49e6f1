package dto

import (
	"time"

	"github.com/google/uuid"
)

// CreateGistRequest is bound from multipart form fields. An attachment
// arrives either as a `files` part (uploaded through this server) or as a
// pre-uploaded `sharedFile` JSON blob produced by the direct strategy.
type CreateGistRequest struct {
	GistDescription       string `form:"gistDescription" binding:"max=1000"`
	FileNameWithExtension string `form:"fileNameWithExtension" binding:"required,max=255"`
	GistCode              string `form:"gistCode" binding:"required"`
	Visibility            string `form:"visibility" binding:"omitempty,oneof=public private"`
	SharedFileJSON        string `form:"sharedFile"`
}

type UpdateGistRequest struct {
	GistDescription       string `form:"gistDescription" binding:"max=1000"`
	FileNameWithExtension string `form:"fileNameWithExtension" binding:"required,max=255"`
	GistCode              string `form:"gistCode" binding:"required"`
	Visibility            string `form:"visibility" binding:"omitempty,oneof=public private"`
	FilesToDeleteJSON     string `form:"filesToDelete"`
	SharedFileJSON        string `form:"sharedFile"`
}

type CreateGistResponse struct {
	Success bool   `json:"success"`
	GistID  string `json:"gistId"`
}

type SharedFileResponse struct {
	FileName   string    `json:"fileName"`
	FileURL    string    `json:"fileUrl"`
	FileSize   int64     `json:"fileSize"`
	PublicID   string    `json:"publicId,omitempty"`
	UploadedAt time.Time `json:"uploadedAt"`
}

type GistResponse struct {
	ID          string               `json:"id"`
	UserID      string               `json:"userId"`
	OwnerName   string               `json:"ownerName"`
	Description string               `json:"description"`
	FileName    string               `json:"fileNameWithExtension"`
	Code        string               `json:"code"`
	Visibility  string               `json:"visibility"`
	Views       int                  `json:"views"`
	SharedFiles []SharedFileResponse `json:"sharedFile"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

type GistFilter struct {
	Query string `form:"q"`
	Limit int    `form:"limit" binding:"omitempty,min=1,max=50"`
}

type GetGistRequest struct {
	ID uuid.UUID `uri:"id" binding:"required,uuid"`
}
