package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime/multipart"
	"time"

	"github.com/gistbin/gistbin/internal/dto"
	"github.com/gistbin/gistbin/internal/model"
	"github.com/gistbin/gistbin/internal/repository"
	"github.com/gistbin/gistbin/pkg/apperror"
	"github.com/gistbin/gistbin/pkg/storage"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type GistService interface {
	Create(ctx context.Context, userID uuid.UUID, req dto.CreateGistRequest, file *multipart.FileHeader) (*dto.CreateGistResponse, error)
	Update(ctx context.Context, userID uuid.UUID, gistID uuid.UUID, req dto.UpdateGistRequest, file *multipart.FileHeader) (*dto.GistResponse, error)
	Delete(ctx context.Context, userID uuid.UUID, gistID string) error
	Get(ctx context.Context, gistID string, viewerID uuid.UUID, viewerKey string) (*dto.GistResponse, error)
	GetRaw(ctx context.Context, gistID string) (fileName, code string, err error)
	ListPublic(ctx context.Context, limit int) ([]dto.GistResponse, error)
	ListDemo() []dto.GistResponse
	ListByUser(ctx context.Context, targetUserID, viewerID uuid.UUID) ([]dto.GistResponse, error)
	Search(ctx context.Context, query string, limit int) ([]dto.GistResponse, error)
}

type gistService struct {
	gistRepo     repository.GistRepository
	userRepo     repository.UserRepository
	fileStorage  storage.BlobStorage
	search       SearchService
	views        ViewService
	maxFileBytes int64
}

func NewGistService(gistRepo repository.GistRepository, userRepo repository.UserRepository, fileStorage storage.BlobStorage, search SearchService, views ViewService, maxFileBytes int64) GistService {
	return &gistService{
		gistRepo:     gistRepo,
		userRepo:     userRepo,
		fileStorage:  fileStorage,
		search:       search,
		views:        views,
		maxFileBytes: maxFileBytes,
	}
}

// Create persists a new gist. The attachment arrives either as an inline
// file part or as pre-uploaded metadata from the direct strategy, never
// both: one attachment per gist.
func (s *gistService) Create(ctx context.Context, userID uuid.UUID, req dto.CreateGistRequest, file *multipart.FileHeader) (*dto.CreateGistResponse, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.ErrUnauthorized
		}
		return nil, err
	}

	files, err := s.resolveAttachment(ctx, req.SharedFileJSON, file, nil)
	if err != nil {
		return nil, err
	}

	visibility := req.Visibility
	if visibility == "" {
		visibility = model.VisibilityPublic
	}

	gist := &model.Gist{
		UserID:      user.ID,
		OwnerName:   user.DisplayName(),
		Description: req.GistDescription,
		FileName:    req.FileNameWithExtension,
		Code:        req.GistCode,
		Visibility:  visibility,
		Files:       files,
	}

	if err := s.gistRepo.Create(ctx, gist); err != nil {
		return nil, err
	}

	if err := s.search.IndexGist(gist); err != nil {
		log.Printf("Failed to index gist %s: %v", gist.ID, err)
	}

	return &dto.CreateGistResponse{Success: true, GistID: gist.ID.String()}, nil
}

// Update reconciles attachment changes with a field edit. Blob deletions
// for removed URLs run first and are best-effort: a failed remote delete
// still drops the reference (the orphan cleanup job sweeps the remainder).
// The new attachment list replaces the old one outright.
func (s *gistService) Update(ctx context.Context, userID uuid.UUID, gistID uuid.UUID, req dto.UpdateGistRequest, file *multipart.FileHeader) (*dto.GistResponse, error) {
	gist, err := s.gistRepo.FindByID(ctx, gistID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.ErrNotFound
		}
		return nil, err
	}
	if gist.UserID != userID {
		return nil, apperror.ErrUnauthorized
	}

	var filesToDelete []string
	if req.FilesToDeleteJSON != "" {
		if err := json.Unmarshal([]byte(req.FilesToDeleteJSON), &filesToDelete); err != nil {
			return nil, fmt.Errorf("%w: filesToDelete is not a JSON array", apperror.ErrInvalidInput)
		}
	}

	removed := make(map[string]bool, len(filesToDelete))
	for _, fileURL := range filesToDelete {
		removed[fileURL] = true
		if err := s.fileStorage.Delete(ctx, fileURL); err != nil {
			log.Printf("Failed to delete blob %s during gist edit: %v", fileURL, err)
		}
	}

	var kept []model.SharedFile
	for _, f := range gist.Files {
		if !removed[f.FileURL] {
			kept = append(kept, f)
		}
	}

	newFiles, err := s.resolveAttachment(ctx, req.SharedFileJSON, file, kept)
	if err != nil {
		return nil, err
	}

	if err := s.gistRepo.ReplaceFiles(ctx, gist, newFiles); err != nil {
		return nil, err
	}

	gist.Description = req.GistDescription
	gist.FileName = req.FileNameWithExtension
	gist.Code = req.GistCode
	if req.Visibility != "" {
		gist.Visibility = req.Visibility
	}
	gist.UpdatedAt = time.Now()

	if err := s.gistRepo.Update(ctx, gist); err != nil {
		return nil, err
	}

	if err := s.search.IndexGist(gist); err != nil {
		log.Printf("Failed to reindex gist %s: %v", gist.ID, err)
	}

	resp := toGistResponse(gist)
	return &resp, nil
}

// resolveAttachment merges kept attachments with at most one new file,
// enforcing the single-attachment rule before anything is written. An
// inline file is uploaded to the blob store here; pre-uploaded metadata is
// validated and taken as-is.
func (s *gistService) resolveAttachment(ctx context.Context, sharedFileJSON string, file *multipart.FileHeader, kept []model.SharedFile) ([]model.SharedFile, error) {
	files := append([]model.SharedFile(nil), kept...)

	if sharedFileJSON != "" {
		var pre []dto.UploadedFile
		if err := json.Unmarshal([]byte(sharedFileJSON), &pre); err != nil {
			// Tolerate a single object as well as an array.
			var one dto.UploadedFile
			if err2 := json.Unmarshal([]byte(sharedFileJSON), &one); err2 != nil {
				return nil, fmt.Errorf("%w: sharedFile is not valid JSON", apperror.ErrInvalidInput)
			}
			pre = []dto.UploadedFile{one}
		}
		for _, p := range pre {
			if p.FileURL == "" || p.FileSize <= 0 {
				return nil, fmt.Errorf("%w: pre-uploaded file is missing url or size", apperror.ErrInvalidInput)
			}
			files = append(files, model.SharedFile{
				FileName:   p.FileName,
				FileURL:    p.FileURL,
				FileSize:   p.FileSize,
				PublicID:   p.PublicID,
				UploadedAt: time.Now(),
			})
		}
	}

	if file != nil && file.Size > 0 {
		if s.maxFileBytes > 0 && file.Size > s.maxFileBytes {
			return nil, apperror.ErrFileTooLarge
		}

		src, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer src.Close()

		stored, err := s.fileStorage.Upload(ctx, src, file.Filename)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperror.ErrUpstream, err)
		}

		files = append(files, model.SharedFile{
			FileName:   file.Filename,
			FileURL:    stored.URL,
			FileSize:   file.Size,
			PublicID:   stored.PublicID,
			UploadedAt: time.Now(),
		})
	}

	if len(files) > 1 {
		return nil, apperror.ErrTooManyFiles
	}
	return files, nil
}

// Delete removes a gist after destroying its blobs. Blob destruction is
// best-effort: failures are logged and left for the orphan sweep.
func (s *gistService) Delete(ctx context.Context, userID uuid.UUID, gistID string) error {
	if findDemoGist(gistID) != nil {
		return apperror.ErrForbidden
	}

	id, err := uuid.Parse(gistID)
	if err != nil {
		return apperror.ErrNotFound
	}

	gist, err := s.gistRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperror.ErrNotFound
		}
		return err
	}
	if gist.UserID != userID {
		return apperror.ErrUnauthorized
	}

	for _, f := range gist.Files {
		if err := s.fileStorage.Delete(ctx, f.FileURL); err != nil {
			log.Printf("Failed to delete blob %s during gist delete: %v", f.FileURL, err)
		}
	}

	if err := s.gistRepo.Delete(ctx, id); err != nil {
		return err
	}

	if err := s.search.DeleteGist(gistID); err != nil {
		log.Printf("Failed to deindex gist %s: %v", gistID, err)
	}
	return nil
}

// Get fetches one gist, checking visibility and counting the view. Demo
// gists resolve before touching the database; their view bump is for
// display only.
func (s *gistService) Get(ctx context.Context, gistID string, viewerID uuid.UUID, viewerKey string) (*dto.GistResponse, error) {
	if demo := findDemoGist(gistID); demo != nil {
		demo.Views++
		return demo, nil
	}

	id, err := uuid.Parse(gistID)
	if err != nil {
		return nil, apperror.ErrNotFound
	}

	gist, err := s.gistRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.ErrNotFound
		}
		return nil, err
	}

	if !gist.IsVisibleTo(viewerID) {
		return nil, apperror.ErrUnauthorized
	}

	if err := s.views.IncrementView(ctx, gist.ID, viewerKey); err != nil {
		// View counting never blocks a read.
		log.Printf("Failed to count view for gist %s: %v", gist.ID, err)
	}

	resp := toGistResponse(gist)
	resp.Views++
	return &resp, nil
}

func (s *gistService) GetRaw(ctx context.Context, gistID string) (string, string, error) {
	if demo := findDemoGist(gistID); demo != nil {
		return demo.FileName, demo.Code, nil
	}

	id, err := uuid.Parse(gistID)
	if err != nil {
		return "", "", apperror.ErrNotFound
	}

	gist, err := s.gistRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", apperror.ErrNotFound
		}
		return "", "", err
	}
	return gist.FileName, gist.Code, nil
}

func (s *gistService) ListPublic(ctx context.Context, limit int) ([]dto.GistResponse, error) {
	gists, err := s.gistRepo.FindPublic(ctx, limit)
	if err != nil {
		return nil, err
	}
	return toGistResponses(gists), nil
}

func (s *gistService) ListDemo() []dto.GistResponse {
	out := make([]dto.GistResponse, len(demoGists))
	copy(out, demoGists)
	return out
}

// ListByUser returns all gists for the owner, public-only for anyone else.
func (s *gistService) ListByUser(ctx context.Context, targetUserID, viewerID uuid.UUID) ([]dto.GistResponse, error) {
	publicOnly := targetUserID != viewerID
	gists, err := s.gistRepo.FindByUser(ctx, targetUserID, publicOnly)
	if err != nil {
		return nil, err
	}
	return toGistResponses(gists), nil
}

// Search resolves index hits back to full records, dropping anything that
// went private or vanished since indexing.
func (s *gistService) Search(ctx context.Context, query string, limit int) ([]dto.GistResponse, error) {
	ids, err := s.search.Search(query, limit)
	if err != nil {
		return nil, err
	}

	out := make([]dto.GistResponse, 0, len(ids))
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		gist, err := s.gistRepo.FindByID(ctx, id)
		if err != nil {
			continue
		}
		if gist.Visibility != model.VisibilityPublic {
			continue
		}
		out = append(out, toGistResponse(gist))
	}
	return out, nil
}

func toGistResponse(gist *model.Gist) dto.GistResponse {
	files := make([]dto.SharedFileResponse, 0, len(gist.Files))
	for _, f := range gist.Files {
		files = append(files, dto.SharedFileResponse{
			FileName:   f.FileName,
			FileURL:    f.FileURL,
			FileSize:   f.FileSize,
			PublicID:   f.PublicID,
			UploadedAt: f.UploadedAt,
		})
	}

	return dto.GistResponse{
		ID:          gist.ID.String(),
		UserID:      gist.UserID.String(),
		OwnerName:   gist.OwnerName,
		Description: gist.Description,
		FileName:    gist.FileName,
		Code:        gist.Code,
		Visibility:  gist.Visibility,
		Views:       gist.Views,
		SharedFiles: files,
		CreatedAt:   gist.CreatedAt,
		UpdatedAt:   gist.UpdatedAt,
	}
}

func toGistResponses(gists []model.Gist) []dto.GistResponse {
	out := make([]dto.GistResponse, 0, len(gists))
	for i := range gists {
		out = append(out, toGistResponse(&gists[i]))
	}
	return out
}
