package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"strings"

	"github.com/gistbin/gistbin/pkg/apperror"
)

// Limits bound what the parser will accept. They are enforced while the
// body is still streaming in, not after it has been read.
type Limits struct {
	// MaxFiles is the maximum number of file parts. Zero means one.
	MaxFiles int
	// MaxFileBytes is the per-file byte ceiling. Zero means unlimited.
	MaxFileBytes int64
	// MaxFieldBytes caps a single non-file field. Zero means 1 MB.
	MaxFieldBytes int64
	// SpoolThreshold is the size above which a file part is staged to a
	// temp file instead of being held in memory. Zero means 8 MB.
	SpoolThreshold int64
}

func (l Limits) maxFiles() int {
	if l.MaxFiles <= 0 {
		return 1
	}
	return l.MaxFiles
}

func (l Limits) maxFieldBytes() int64 {
	if l.MaxFieldBytes <= 0 {
		return 1 << 20
	}
	return l.MaxFieldBytes
}

func (l Limits) spoolThreshold() int64 {
	if l.SpoolThreshold <= 0 {
		return 8 << 20
	}
	return l.SpoolThreshold
}

// FilePart is one decoded file from a multipart body. Small parts live in
// memory; large ones are spooled to a temp file. Content is obtainable
// through Open; callers must Cleanup on every exit path.
type FilePart struct {
	FieldName string
	FileName  string
	MimeType  string
	Size      int64

	content  []byte
	tempPath string
}

// Open returns a one-shot reader over the part's bytes.
func (p *FilePart) Open() (io.ReadCloser, error) {
	if p.tempPath != "" {
		return os.Open(p.tempPath)
	}
	return io.NopCloser(bytes.NewReader(p.content)), nil
}

// Cleanup removes the spool file, if any. Safe to call multiple times.
func (p *FilePart) Cleanup() {
	if p.tempPath != "" {
		_ = os.Remove(p.tempPath)
		p.tempPath = ""
	}
}

// Form is the decoded multipart body.
type Form struct {
	Fields map[string]string
	Files  []*FilePart
}

// Cleanup releases every spooled file part.
func (f *Form) Cleanup() {
	for _, p := range f.Files {
		p.Cleanup()
	}
}

// File returns the single file part, or nil when the form carried none.
func (f *Form) File() *FilePart {
	if len(f.Files) == 0 {
		return nil
	}
	return f.Files[0]
}

// ParseForm incrementally decodes a multipart/form-data body. It consumes
// the stream part by part: a second file part fails the parse the moment
// its headers arrive, and a file exceeding the byte ceiling aborts the read
// mid-part instead of draining the rest of the body.
func ParseForm(body io.Reader, contentType string, limits Limits) (*Form, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("%w: content type %q is not multipart", apperror.ErrParse, contentType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("%w: missing multipart boundary", apperror.ErrParse)
	}

	form := &Form{Fields: make(map[string]string)}
	mr := multipart.NewReader(body, boundary)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return form, nil
		}
		if err != nil {
			form.Cleanup()
			return nil, fmt.Errorf("%w: %v", apperror.ErrParse, err)
		}

		if part.FileName() == "" {
			value, err := readField(part, limits.maxFieldBytes())
			part.Close()
			if err != nil {
				form.Cleanup()
				return nil, err
			}
			form.Fields[part.FormName()] = value
			continue
		}

		if len(form.Files) >= limits.maxFiles() {
			part.Close()
			form.Cleanup()
			return nil, apperror.ErrTooManyFiles
		}

		fp, err := readFilePart(part, limits)
		part.Close()
		if err != nil {
			form.Cleanup()
			return nil, err
		}
		form.Files = append(form.Files, fp)
	}
}

func readField(part *multipart.Part, limit int64) (string, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(part, limit+1))
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperror.ErrParse, err)
	}
	if n > limit {
		return "", fmt.Errorf("%w: form field %q too large", apperror.ErrBadRequest, part.FormName())
	}
	return buf.String(), nil
}

// readFilePart streams one file part into memory or, past the spool
// threshold, into a temp file. The temp file is removed on every error
// path; the caller owns it afterwards via FilePart.Cleanup.
func readFilePart(part *multipart.Part, limits Limits) (*FilePart, error) {
	fp := &FilePart{
		FieldName: part.FormName(),
		FileName:  part.FileName(),
		MimeType:  part.Header.Get("Content-Type"),
	}

	var (
		buf   bytes.Buffer
		spool *os.File
	)
	defer func() {
		if spool != nil {
			spool.Close()
			if fp.tempPath == "" {
				_ = os.Remove(spool.Name())
			}
		}
	}()

	chunk := make([]byte, 32<<10)
	for {
		n, err := part.Read(chunk)
		if n > 0 {
			fp.Size += int64(n)
			if limits.MaxFileBytes > 0 && fp.Size > limits.MaxFileBytes {
				return nil, apperror.ErrFileTooLarge
			}

			if spool == nil && fp.Size > limits.spoolThreshold() {
				f, terr := os.CreateTemp("", "gistbin-upload-*")
				if terr != nil {
					return nil, fmt.Errorf("failed to stage upload: %w", terr)
				}
				spool = f
				if _, werr := spool.Write(buf.Bytes()); werr != nil {
					return nil, fmt.Errorf("failed to stage upload: %w", werr)
				}
				buf.Reset()
			}

			if spool != nil {
				if _, werr := spool.Write(chunk[:n]); werr != nil {
					return nil, fmt.Errorf("failed to stage upload: %w", werr)
				}
			} else {
				buf.Write(chunk[:n])
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperror.ErrParse, err)
		}
	}

	if spool != nil {
		if err := spool.Close(); err != nil {
			return nil, fmt.Errorf("failed to stage upload: %w", err)
		}
		fp.tempPath = spool.Name()
		spool = nil
	} else {
		fp.content = buf.Bytes()
	}
	return fp, nil
}
