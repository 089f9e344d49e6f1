package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

// UploadResult is the durable location of a stored blob.
type UploadResult struct {
	URL      string
	PublicID string
}

// SignedUpload carries everything a client needs to push bytes straight to
// the store without routing them through this server. The signature covers
// exactly {timestamp, folder}; the API secret never leaves the server.
type SignedUpload struct {
	Signature string
	Timestamp int64
	Folder    string
	CloudName string
	APIKey    string
}

// ClientConfig is the public, unsigned configuration for browser uploads.
type ClientConfig struct {
	CloudName    string
	UploadPreset string
}

// BlobStorage defines the contract for the object storage provider
// (Cloudinary implementation).
type BlobStorage interface {
	// Upload streams a file to storage and returns its durable URL and
	// opaque public ID. The provider chunks transfers above its configured
	// chunk size transparently.
	Upload(ctx context.Context, r io.Reader, fileName string) (*UploadResult, error)
	// Delete removes a blob from storage using its URL.
	Delete(ctx context.Context, fileURL string) error
	// SignUpload produces a short-lived credential for the direct upload
	// strategy.
	SignUpload(now time.Time) (*SignedUpload, error)
	// Config returns the unauthenticated client-side configuration.
	Config() ClientConfig
}

// Options configures the Cloudinary-backed storage.
type Options struct {
	CloudName    string
	APIKey       string
	APISecret    string
	UploadPreset string
	Folder       string
	ChunkSize    int64
}

type cloudinaryStorage struct {
	cld  *cloudinary.Cloudinary
	opts Options
}

// NewCloudinaryStorage creates the Cloudinary-backed implementation of
// BlobStorage. Credentials come from Options; missing credentials are a
// configuration error surfaced at startup, not at upload time.
func NewCloudinaryStorage(opts Options) (BlobStorage, error) {
	if opts.CloudName == "" || opts.APIKey == "" || opts.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials are not configured")
	}

	cld, err := cloudinary.NewFromParams(opts.CloudName, opts.APIKey, opts.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary client: %w", err)
	}

	// Ensure HTTPS URLs by default.
	cld.Config.URL.Secure = true

	if opts.ChunkSize > 0 {
		cld.Config.API.ChunkSize = opts.ChunkSize
	}
	if opts.Folder == "" {
		opts.Folder = "gist-files"
	}

	return &cloudinaryStorage{cld: cld, opts: opts}, nil
}

// Upload streams the file to Cloudinary and returns the secure URL and
// public ID. The SDK splits the transfer into provider-side chunks when the
// payload exceeds the configured chunk size.
func (s *cloudinaryStorage) Upload(ctx context.Context, r io.Reader, fileName string) (*UploadResult, error) {
	if s == nil || s.cld == nil {
		return nil, fmt.Errorf("cloudinary storage is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	publicID := fmt.Sprintf("%d-%s", time.Now().UnixNano(), sanitizeID(fileName))

	params := uploader.UploadParams{
		Folder:         s.opts.Folder,
		UseFilename:    api.Bool(true),
		UniqueFilename: api.Bool(true),
		PublicID:       publicID,
		Overwrite:      api.Bool(false),
	}

	resp, err := s.cld.Upload.Upload(ctx, r, params)
	if err != nil {
		return nil, fmt.Errorf("failed to upload file to cloudinary: %w", err)
	}

	if resp.SecureURL == "" {
		return nil, fmt.Errorf("cloudinary upload succeeded but secure URL is empty")
	}

	return &UploadResult{URL: resp.SecureURL, PublicID: resp.PublicID}, nil
}

// Delete removes a blob from Cloudinary.
func (s *cloudinaryStorage) Delete(ctx context.Context, fileURL string) error {
	if s == nil || s.cld == nil {
		return fmt.Errorf("cloudinary storage is not initialized")
	}

	publicID := ExtractPublicID(fileURL)
	if publicID == "" {
		return fmt.Errorf("could not extract public ID from URL: %s", fileURL)
	}

	// Invalidate: true helps to clear CDN cache
	params := uploader.DestroyParams{
		PublicID:   publicID,
		Invalidate: api.Bool(true),
	}

	resp, err := s.cld.Upload.Destroy(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to delete file from cloudinary: %w", err)
	}

	if resp.Result != "ok" && resp.Result != "not found" {
		return fmt.Errorf("cloudinary destroy api returned result: %s", resp.Result)
	}

	return nil
}

// SignUpload signs the exact parameter set the client will submit for a
// direct upload: timestamp and folder. The timestamp time-boxes the
// credential; Cloudinary rejects signatures older than one hour. Replay
// within that window is an accepted limitation, not tracked server-side.
func (s *cloudinaryStorage) SignUpload(now time.Time) (*SignedUpload, error) {
	if s == nil || s.cld == nil {
		return nil, fmt.Errorf("cloudinary storage is not initialized")
	}

	timestamp := now.Unix()

	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("folder", s.opts.Folder)

	signature, err := api.SignParameters(params, s.opts.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign upload parameters: %w", err)
	}

	return &SignedUpload{
		Signature: signature,
		Timestamp: timestamp,
		Folder:    s.opts.Folder,
		CloudName: s.opts.CloudName,
		APIKey:    s.opts.APIKey,
	}, nil
}

func (s *cloudinaryStorage) Config() ClientConfig {
	return ClientConfig{
		CloudName:    s.opts.CloudName,
		UploadPreset: s.opts.UploadPreset,
	}
}

// sanitizeID strips characters Cloudinary rejects in public IDs.
func sanitizeID(fileName string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '?', '&', '#', '%', '<', '>':
			return '-'
		}
		return r
	}, fileName)
}

// ExtractPublicID attempts to extract the public ID from a Cloudinary URL.
// Example: https://res.cloudinary.com/demo/image/upload/v123456789/folder/sample.jpg -> folder/sample
func ExtractPublicID(fileURL string) string {
	u, err := url.Parse(fileURL)
	if err != nil {
		return ""
	}

	path := u.Path
	// Path is roughly /<cloud_name>/image/upload/v<version>/<folder>/<file>.<ext>
	// or /<cloud_name>/image/upload/<folder>/<file>.<ext>

	parts := strings.Split(path, "/")
	uploadIndex := -1
	for i, p := range parts {
		if p == "upload" {
			uploadIndex = i
			break
		}
	}

	if uploadIndex == -1 || uploadIndex+1 >= len(parts) {
		return ""
	}

	// Everything after "upload" is potential [version/]public_id.ext
	relevantParts := parts[uploadIndex+1:]

	// Cloudinary versions start with 'v' followed by numbers.
	if len(relevantParts) > 0 && strings.HasPrefix(relevantParts[0], "v") {
		// weak check, but okay for cloudinary
		relevantParts = relevantParts[1:]
	}

	if len(relevantParts) == 0 {
		return ""
	}

	publicIDWithExt := strings.Join(relevantParts, "/")

	ext := filepath.Ext(publicIDWithExt)
	return strings.TrimSuffix(publicIDWithExt, ext)
}
