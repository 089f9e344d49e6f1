package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/gistbin/gistbin/internal/dto"
	"github.com/gistbin/gistbin/internal/repository"
	"github.com/gistbin/gistbin/internal/upload"
	"github.com/gistbin/gistbin/pkg/apperror"
	"github.com/gistbin/gistbin/pkg/storage"
	"github.com/google/uuid"
)

// UploadService is the server half of the upload pipeline: it issues signed
// credentials for the direct strategy and forwards chunked uploads to the
// blob store while publishing progress.
type UploadService interface {
	ClientConfig() dto.UploadConfigResponse
	Sign() (*dto.SignResponse, error)
	HandleChunked(ctx context.Context, uploadID string, body io.Reader, contentType string) (*dto.UploadedFile, error)
	Sessions() *upload.Registry
	CleanupOrphanFiles(ctx context.Context) error
}

type uploadService struct {
	fileStorage    storage.BlobStorage
	gistRepo       repository.GistRepository
	sessions       *upload.Registry
	maxFileBytes   int64
	spoolThreshold int64
}

func NewUploadService(fileStorage storage.BlobStorage, gistRepo repository.GistRepository, maxFileBytes, spoolThreshold int64) UploadService {
	return &uploadService{
		fileStorage:    fileStorage,
		gistRepo:       gistRepo,
		sessions:       upload.NewRegistry(),
		maxFileBytes:   maxFileBytes,
		spoolThreshold: spoolThreshold,
	}
}

func (s *uploadService) Sessions() *upload.Registry {
	return s.sessions
}

func (s *uploadService) ClientConfig() dto.UploadConfigResponse {
	cfg := s.fileStorage.Config()
	return dto.UploadConfigResponse{
		CloudName:    cfg.CloudName,
		UploadPreset: cfg.UploadPreset,
	}
}

func (s *uploadService) Sign() (*dto.SignResponse, error) {
	signed, err := s.fileStorage.SignUpload(time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperror.ErrConfiguration, err)
	}
	return &dto.SignResponse{
		Signature: signed.Signature,
		Timestamp: signed.Timestamp,
		Folder:    signed.Folder,
		CloudName: signed.CloudName,
		APIKey:    signed.APIKey,
	}, nil
}

// HandleChunked decodes the streamed multipart body, enforcing the file
// count and size limits while bytes are still arriving, then forwards the
// single file to the blob store. Spooled temp files are removed on every
// exit path. An attachment result is produced only from a fully
// acknowledged store write.
func (s *uploadService) HandleChunked(ctx context.Context, uploadID string, body io.Reader, contentType string) (*dto.UploadedFile, error) {
	if uploadID == "" {
		uploadID = uuid.NewString()
	}

	sess, err := s.sessions.Begin(uploadID, upload.StrategyChunked, 0)
	if err != nil {
		return nil, err
	}
	defer s.sessions.Release(uploadID)

	result, err := s.forward(ctx, sess, body, contentType)
	if err != nil {
		if ctx.Err() != nil {
			sess.Cancel()
		} else {
			sess.Fail()
		}
		return nil, err
	}

	sess.Complete()
	return result, nil
}

func (s *uploadService) forward(ctx context.Context, sess *upload.Session, body io.Reader, contentType string) (*dto.UploadedFile, error) {
	form, err := upload.ParseForm(body, contentType, upload.Limits{
		MaxFiles:       1,
		MaxFileBytes:   s.maxFileBytes,
		SpoolThreshold: s.spoolThreshold,
	})
	if err != nil {
		return nil, err
	}
	defer form.Cleanup()

	file := form.File()
	if file == nil || file.Size == 0 {
		return nil, apperror.ErrNoFile
	}

	sess.SetTotal(file.Size)

	content, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to read staged upload: %w", err)
	}
	defer content.Close()

	stored, err := s.fileStorage.Upload(ctx, sess.TrackReader(content), file.FileName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperror.ErrUpstream, err)
	}

	return &dto.UploadedFile{
		FileName: file.FileName,
		FileURL:  stored.URL,
		FileSize: file.Size,
		PublicID: stored.PublicID,
	}, nil
}

// CleanupOrphanFiles destroys blobs whose attachment rows lost their gist
// (e.g. a metadata write that failed after the blob was stored). Runs on a
// timer; failures are logged and retried on the next pass.
func (s *uploadService) CleanupOrphanFiles(ctx context.Context) error {
	cutoff := time.Now().Add(-24 * time.Hour)

	orphans, err := s.gistRepo.FindOrphanFiles(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, orphan := range orphans {
		if err := s.fileStorage.Delete(ctx, orphan.FileURL); err != nil {
			log.Printf("Failed to delete orphan blob %s: %v", orphan.FileURL, err)
			continue
		}
		if err := s.gistRepo.DeleteFile(ctx, orphan.ID); err != nil {
			// If the row delete fails, the next run picks it up again.
			log.Printf("Failed to delete orphan file row %d: %v", orphan.ID, err)
		}
	}
	return nil
}
