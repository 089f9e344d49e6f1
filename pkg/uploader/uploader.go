// Package uploader is the client-side upload orchestrator: given one
// selected file it produces a completed attachment or a failure, reporting
// progress along the way and supporting cancellation. Small files go
// straight to the blob store with a server-issued signature (direct
// strategy); large files stream through the server's chunked endpoint.
package uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gistbin/gistbin/pkg/apperror"
	"github.com/google/uuid"
)

const defaultCloudinaryBase = "https://api.cloudinary.com"

// Attachment is the completed upload result, ready to be bound to a gist
// create or update request.
type Attachment struct {
	FileName   string    `json:"fileName"`
	FileURL    string    `json:"fileUrl"`
	FileSize   int64     `json:"fileSize"`
	PublicID   string    `json:"publicId,omitempty"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// File is one selected local file. Reader is consumed exactly once.
type File struct {
	Name   string
	Size   int64
	Reader io.Reader
}

// Config tunes the orchestrator.
type Config struct {
	// ServerBase is the gistbin API base URL, e.g. "https://gistbin.dev".
	ServerBase string
	// AuthToken is sent as a bearer token on server requests.
	AuthToken string
	// MaxFileBytes rejects oversized files before any network traffic.
	MaxFileBytes int64
	// DirectThreshold is the largest file sent with the direct strategy.
	DirectThreshold int64
	// CloudinaryBase overrides the blob store endpoint (tests).
	CloudinaryBase string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// OnProgress, when set, receives a monotonically non-decreasing
	// percentage in [0,100]. 100 is reported only on confirmed success.
	OnProgress func(percent int)
}

// Orchestrator drives uploads for one gist edit session. It permits a
// single attachment at a time: once an upload succeeds, further calls fail
// until ClearAttachment.
type Orchestrator struct {
	cfg Config

	mu       sync.Mutex
	inFlight bool
	attached *Attachment
	cancel   context.CancelFunc
	lastPct  int
}

func New(cfg Config) *Orchestrator {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.CloudinaryBase == "" {
		cfg.CloudinaryBase = defaultCloudinaryBase
	}
	return &Orchestrator{cfg: cfg}
}

// Strategy names an upload path.
type Strategy string

const (
	StrategyDirect  Strategy = "direct"
	StrategyChunked Strategy = "chunked"
)

// PickStrategy selects the upload path for a file of the given size.
func (o *Orchestrator) PickStrategy(size int64) Strategy {
	if size <= o.cfg.DirectThreshold {
		return StrategyDirect
	}
	return StrategyChunked
}

// Attachment returns the attachment produced by the last successful upload,
// or nil.
func (o *Orchestrator) Attachment() *Attachment {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attached
}

// ClearAttachment forgets the committed attachment so a new upload may
// start (the caller has marked the old file for removal in the edit form).
func (o *Orchestrator) ClearAttachment() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attached = nil
}

// Cancel aborts the in-flight transfer, if any. Safe to call at any time
// and any number of times; after completion or failure it is a no-op.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Upload validates the selection, picks a strategy and runs the transfer.
// All validation failures are detected before any network request is made.
func (o *Orchestrator) Upload(ctx context.Context, files ...File) (*Attachment, error) {
	if len(files) == 0 {
		return nil, apperror.ErrNoFile
	}
	if len(files) > 1 {
		return nil, apperror.ErrTooManyFiles
	}
	file := files[0]
	if o.cfg.MaxFileBytes > 0 && file.Size > o.cfg.MaxFileBytes {
		return nil, apperror.ErrFileTooLarge
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.attached != nil || o.inFlight {
		o.mu.Unlock()
		cancel()
		return nil, apperror.ErrTooManyFiles
	}
	o.inFlight = true
	o.cancel = cancel
	o.lastPct = 0
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.inFlight = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	var (
		att *Attachment
		err error
	)
	switch o.PickStrategy(file.Size) {
	case StrategyDirect:
		att, err = o.uploadDirect(ctx, file)
	default:
		att, err = o.uploadChunked(ctx, file)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("upload canceled: %w", ctx.Err())
		}
		return nil, err
	}

	o.mu.Lock()
	o.attached = att
	o.mu.Unlock()
	o.reportProgress(100)
	return att, nil
}

// uploadDirect obtains a short-lived signed credential from the server and
// streams the bytes straight to the blob store.
func (o *Orchestrator) uploadDirect(ctx context.Context, file File) (*Attachment, error) {
	sign, err := o.fetchSignature(ctx)
	if err != nil {
		return nil, err
	}

	fields := map[string]string{
		"api_key":   sign.APIKey,
		"timestamp": strconv.FormatInt(sign.Timestamp, 10),
		"signature": sign.Signature,
		"folder":    sign.Folder,
	}
	endpoint := fmt.Sprintf("%s/v1_1/%s/auto/upload", o.cfg.CloudinaryBase, sign.CloudName)

	body := struct {
		SecureURL string `json:"secure_url"`
		PublicID  string `json:"public_id"`
	}{}
	if err := o.postMultipart(ctx, endpoint, "", fields, file, &body); err != nil {
		return nil, err
	}
	if body.SecureURL == "" {
		return nil, fmt.Errorf("%w: response carried no secure URL", apperror.ErrUpstream)
	}

	return &Attachment{
		FileName:   file.Name,
		FileURL:    body.SecureURL,
		FileSize:   file.Size,
		PublicID:   body.PublicID,
		UploadedAt: time.Now(),
	}, nil
}

// uploadChunked streams the file through the server endpoint, which
// forwards it to the blob store.
func (o *Orchestrator) uploadChunked(ctx context.Context, file File) (*Attachment, error) {
	endpoint := fmt.Sprintf("%s/api/uploads/chunked?uploadId=%s", o.cfg.ServerBase, uuid.NewString())

	body := struct {
		Success bool `json:"success"`
		File    struct {
			FileName string `json:"fileName"`
			FileURL  string `json:"fileUrl"`
			FileSize int64  `json:"fileSize"`
			PublicID string `json:"publicId"`
		} `json:"file"`
	}{}
	if err := o.postMultipart(ctx, endpoint, o.cfg.AuthToken, nil, file, &body); err != nil {
		return nil, err
	}
	if !body.Success || body.File.FileURL == "" {
		return nil, fmt.Errorf("%w: response carried no file URL", apperror.ErrUpstream)
	}

	return &Attachment{
		FileName:   body.File.FileName,
		FileURL:    body.File.FileURL,
		FileSize:   body.File.FileSize,
		PublicID:   body.File.PublicID,
		UploadedAt: time.Now(),
	}, nil
}

type signResponse struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	Folder    string `json:"folder"`
	CloudName string `json:"cloudName"`
	APIKey    string `json:"apiKey"`
}

func (o *Orchestrator) fetchSignature(ctx context.Context) (*signResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.ServerBase+"/api/uploads/sign", nil)
	if err != nil {
		return nil, err
	}
	if o.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.AuthToken)
	}

	resp, err := o.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network error requesting signature: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, apperror.ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: signature endpoint returned %d", apperror.ErrUpstream, resp.StatusCode)
	}

	var sign signResponse
	if err := json.NewDecoder(resp.Body).Decode(&sign); err != nil {
		return nil, fmt.Errorf("%w: malformed signature response: %v", apperror.ErrUpstream, err)
	}
	return &sign, nil
}

// postMultipart streams a single-file multipart POST, reporting transfer
// progress as the body is consumed by the transport.
func (o *Orchestrator) postMultipart(ctx context.Context, endpoint, token string, fields map[string]string, file File, out any) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	// If the transport stops consuming the body early (cancellation, or a
	// response sent before EOF), closing the read end unblocks the writer
	// goroutine; after a full read this is a no-op.
	defer pr.Close()

	go func() {
		var werr error
		defer func() { pw.CloseWithError(werr) }()

		for name, value := range fields {
			if werr = mw.WriteField(name, value); werr != nil {
				return
			}
		}
		part, err := mw.CreateFormFile("file", file.Name)
		if err != nil {
			werr = err
			return
		}
		if _, werr = io.Copy(part, file.Reader); werr != nil {
			return
		}
		werr = mw.Close()
	}()

	counted := &progressReader{r: pr, total: file.Size, report: o.reportProgress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, counted)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := o.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("network error during upload: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return apperror.ErrUnauthorized
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return apperror.ErrFileTooLarge
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: upload rejected with status %d", apperror.ErrBadRequest, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", apperror.ErrUpstream, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: malformed upload response: %v", apperror.ErrUpstream, err)
	}
	return nil
}

// reportProgress forwards a percentage to the callback, never letting it
// decrease and never emitting 100 except from the success path.
func (o *Orchestrator) reportProgress(pct int) {
	o.mu.Lock()
	if pct < o.lastPct {
		pct = o.lastPct
	}
	o.lastPct = pct
	cb := o.cfg.OnProgress
	o.mu.Unlock()

	if cb != nil {
		cb(pct)
	}
}

// progressReader derives a percentage from bytes handed to the transport
// over the file size, clamped at 99 until success is confirmed.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.total > 0 {
			pct := int(p.read * 100 / p.total)
			if pct > 99 {
				pct = 99
			}
			p.report(pct)
		}
	}
	return n, err
}
