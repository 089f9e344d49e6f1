package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gistbin/gistbin/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend stands in for both the gistbin API and the blob store.
type fakeBackend struct {
	requests int64

	signStatus    int
	chunkedStatus int
	storeStatus   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		signStatus:    http.StatusOK,
		chunkedStatus: http.StatusOK,
		storeStatus:   http.StatusOK,
	}
}

func (f *fakeBackend) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/uploads/sign", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.requests, 1)
		if f.signStatus != http.StatusOK {
			w.WriteHeader(f.signStatus)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"signature": "sig-abc",
			"timestamp": int64(1700000000),
			"folder":    "gist-files",
			"cloudName": "demo",
			"apiKey":    "key-123",
		})
	})

	mux.HandleFunc("/api/uploads/chunked", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.requests, 1)
		if f.chunkedStatus != http.StatusOK {
			w.WriteHeader(f.chunkedStatus)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		var buf bytes.Buffer
		buf.ReadFrom(file)
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"file": map[string]any{
				"fileName": header.Filename,
				"fileUrl":  "https://res.example.com/" + header.Filename,
				"fileSize": buf.Len(),
				"publicId": "gist-files/" + header.Filename,
			},
		})
	})

	// Blob store endpoint for the direct strategy.
	mux.HandleFunc("/v1_1/demo/auto/upload", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.requests, 1)
		if f.storeStatus != http.StatusOK {
			w.WriteHeader(f.storeStatus)
			return
		}
		if r.FormValue("signature") == "" || r.FormValue("api_key") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"secure_url": "https://res.example.com/direct/" + header.Filename,
			"public_id":  "gist-files/" + header.Filename,
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newOrchestrator(base string, backend *fakeBackend, opts ...func(*Config)) *Orchestrator {
	cfg := Config{
		ServerBase:      base,
		CloudinaryBase:  base,
		AuthToken:       "token",
		MaxFileBytes:    100 << 20,
		DirectThreshold: 8 << 20,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}

// progressLog collects callback values; the callback fires from the
// transport's body-writing goroutine.
type progressLog struct {
	mu   sync.Mutex
	pcts []int
}

func (l *progressLog) record(pct int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pcts = append(l.pcts, pct)
}

func (l *progressLog) values() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.pcts...)
}

func testFile(name string, size int) File {
	return File{
		Name:   name,
		Size:   int64(size),
		Reader: strings.NewReader(strings.Repeat("a", size)),
	}
}

func TestPickStrategy(t *testing.T) {
	o := newOrchestrator("http://unused", nil)

	assert.Equal(t, StrategyDirect, o.PickStrategy(5<<20))
	assert.Equal(t, StrategyDirect, o.PickStrategy(8<<20))
	assert.Equal(t, StrategyChunked, o.PickStrategy(8<<20+1))
	assert.Equal(t, StrategyChunked, o.PickStrategy(50<<20))
}

func TestUploadValidatesBeforeNetwork(t *testing.T) {
	backend := newFakeBackend()
	srv := backend.server(t)
	o := newOrchestrator(srv.URL, backend, func(c *Config) { c.MaxFileBytes = 1 << 10 })

	_, err := o.Upload(context.Background())
	assert.ErrorIs(t, err, apperror.ErrNoFile)

	_, err = o.Upload(context.Background(), testFile("a", 10), testFile("b", 10))
	assert.ErrorIs(t, err, apperror.ErrTooManyFiles)

	_, err = o.Upload(context.Background(), testFile("big.bin", 2<<10))
	assert.ErrorIs(t, err, apperror.ErrFileTooLarge)

	assert.Zero(t, atomic.LoadInt64(&backend.requests), "validation failures must not reach the network")
}

func TestUploadDirect(t *testing.T) {
	backend := newFakeBackend()
	srv := backend.server(t)

	var log progressLog
	o := newOrchestrator(srv.URL, backend, func(c *Config) {
		c.OnProgress = log.record
	})

	att, err := o.Upload(context.Background(), testFile("notes.txt", 1<<20))
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", att.FileName)
	assert.Equal(t, "https://res.example.com/direct/notes.txt", att.FileURL)
	assert.Equal(t, int64(1<<20), att.FileSize)
	assert.Equal(t, "gist-files/notes.txt", att.PublicID)

	progress := log.values()
	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
	for _, pct := range progress[:len(progress)-1] {
		assert.LessOrEqual(t, pct, 99, "100 must be reported only on success")
	}
}

func TestUploadChunked(t *testing.T) {
	backend := newFakeBackend()
	srv := backend.server(t)
	o := newOrchestrator(srv.URL, backend, func(c *Config) { c.DirectThreshold = 1 << 10 })

	att, err := o.Upload(context.Background(), testFile("video.mp4", 64<<10))
	require.NoError(t, err)
	assert.Equal(t, "video.mp4", att.FileName)
	assert.Equal(t, "https://res.example.com/video.mp4", att.FileURL)
	assert.Equal(t, int64(64<<10), att.FileSize)
}

func TestUploadSerializesAttachment(t *testing.T) {
	backend := newFakeBackend()
	srv := backend.server(t)
	o := newOrchestrator(srv.URL, backend)

	_, err := o.Upload(context.Background(), testFile("first.txt", 100))
	require.NoError(t, err)
	require.NotNil(t, o.Attachment())

	// A second upload is refused while the attachment is committed.
	_, err = o.Upload(context.Background(), testFile("second.txt", 100))
	assert.ErrorIs(t, err, apperror.ErrTooManyFiles)

	// Clearing the attachment frees the slot again.
	o.ClearAttachment()
	_, err = o.Upload(context.Background(), testFile("second.txt", 100))
	assert.NoError(t, err)
}

func TestUploadCanceled(t *testing.T) {
	arrived := make(chan struct{})
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-blocked
	}))
	t.Cleanup(func() {
		close(blocked)
		srv.Close()
	})

	o := newOrchestrator(srv.URL, nil, func(c *Config) { c.DirectThreshold = 1 })

	done := make(chan error, 1)
	go func() {
		_, err := o.Upload(context.Background(), testFile("slow.bin", 1<<20))
		done <- err
	}()

	<-arrived
	// Cancel is safe to call repeatedly.
	o.Cancel()
	o.Cancel()

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "canceled")
	assert.Nil(t, o.Attachment())

	o.Cancel() // after completion: no-op
}

func TestUploadServerRejections(t *testing.T) {
	backend := newFakeBackend()
	srv := backend.server(t)

	t.Run("oversize from server", func(t *testing.T) {
		backend.chunkedStatus = http.StatusRequestEntityTooLarge
		defer func() { backend.chunkedStatus = http.StatusOK }()

		o := newOrchestrator(srv.URL, backend, func(c *Config) { c.DirectThreshold = 1 })
		_, err := o.Upload(context.Background(), testFile("big.bin", 1<<10))
		assert.ErrorIs(t, err, apperror.ErrFileTooLarge)
	})

	t.Run("unauthorized sign", func(t *testing.T) {
		backend.signStatus = http.StatusUnauthorized
		defer func() { backend.signStatus = http.StatusOK }()

		o := newOrchestrator(srv.URL, backend)
		_, err := o.Upload(context.Background(), testFile("a.txt", 100))
		assert.ErrorIs(t, err, apperror.ErrUnauthorized)
	})

	t.Run("store failure", func(t *testing.T) {
		backend.storeStatus = http.StatusInternalServerError
		defer func() { backend.storeStatus = http.StatusOK }()

		o := newOrchestrator(srv.URL, backend)
		_, err := o.Upload(context.Background(), testFile("a.txt", 100))
		assert.ErrorIs(t, err, apperror.ErrUpstream)
		assert.Nil(t, o.Attachment(), "failed upload must not commit an attachment")
	})
}

func TestUploadFailureReleasesBodyWriter(t *testing.T) {
	// A response sent before the body is consumed must not leave the
	// multipart writer goroutine blocked on the pipe.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	o := newOrchestrator(srv.URL, nil, func(c *Config) { c.DirectThreshold = 1 })

	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		_, err := o.Upload(context.Background(), testFile("a.bin", 1<<20))
		require.Error(t, err)
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 20*time.Millisecond, "failed uploads must not accumulate goroutines")
}

func TestUploadNoHundredOnFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.chunkedStatus = http.StatusInternalServerError
	srv := backend.server(t)

	var log progressLog
	o := newOrchestrator(srv.URL, backend, func(c *Config) {
		c.DirectThreshold = 1
		c.OnProgress = log.record
	})

	_, err := o.Upload(context.Background(), testFile("a.bin", 32<<10))
	require.Error(t, err)
	for _, pct := range log.values() {
		assert.LessOrEqual(t, pct, 99, fmt.Sprintf("failure path reported %d", pct))
	}
}
