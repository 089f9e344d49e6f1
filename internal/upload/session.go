package upload

import (
	"io"
	"sync"
	"time"

	"github.com/gistbin/gistbin/pkg/apperror"
)

type Strategy string

const (
	StrategyDirect  Strategy = "direct"
	StrategyChunked Strategy = "chunked"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Progress is one observation of a session.
type Progress struct {
	Status  Status
	Percent int
}

// Session is the ephemeral state of one upload. It lives in process memory
// only; losing it on crash fails the in-flight upload and the client
// retries from scratch.
type Session struct {
	ID       string
	Strategy Strategy
	Started  time.Time

	mu          sync.Mutex
	status      Status
	totalBytes  int64
	transferred int64
	subscribers map[int]chan Progress
	nextSub     int
}

func newSession(id string, strategy Strategy, totalBytes int64) *Session {
	return &Session{
		ID:          id,
		Strategy:    strategy,
		Started:     time.Now(),
		status:      StatusPending,
		totalBytes:  totalBytes,
		subscribers: make(map[int]chan Progress),
	}
}

// Advance records n more acknowledged bytes. Percent is derived from bytes
// over total and clamped at 99 until Complete confirms success, so 100 is
// reported only after the terminal success response.
func (s *Session) Advance(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.status = StatusInProgress
	s.transferred += n
	s.notifyLocked()
}

// SetTotal fixes the expected byte count once it is known. The chunked
// endpoint learns the size only after the multipart parse finishes.
func (s *Session) SetTotal(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.totalBytes = n
	s.notifyLocked()
}

// Complete marks the session successful and reports exactly 100.
func (s *Session) Complete() {
	s.terminate(StatusCompleted)
}

// Fail marks the session failed. No-op after a terminal state.
func (s *Session) Fail() {
	s.terminate(StatusFailed)
}

// Cancel aborts the session. Idempotent: calling it after completion or
// failure changes nothing.
func (s *Session) Cancel() {
	s.terminate(StatusCanceled)
}

func (s *Session) terminate(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.status = status
	s.notifyLocked()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Snapshot returns the current observation.
func (s *Session) Snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Progress{Status: s.status, Percent: s.percentLocked()}
}

func (s *Session) percentLocked() int {
	if s.status == StatusCompleted {
		return 100
	}
	if s.totalBytes <= 0 {
		return 0
	}
	pct := int(s.transferred * 100 / s.totalBytes)
	if pct > 99 {
		pct = 99
	}
	return pct
}

func (s *Session) notifyLocked() {
	p := Progress{Status: s.status, Percent: s.percentLocked()}
	for _, ch := range s.subscribers {
		select {
		case ch <- p:
		default: // slow watcher, drop the update
		}
	}
}

// Subscribe registers a watcher. The channel closes when the session
// reaches a terminal state. The returned func unsubscribes early.
func (s *Session) Subscribe() (<-chan Progress, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Progress, 16)
	if s.status.Terminal() {
		ch <- Progress{Status: s.status, Percent: s.percentLocked()}
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			close(c)
			delete(s.subscribers, id)
		}
	}
}

// TrackReader wraps r so every read advances the session.
func (s *Session) TrackReader(r io.Reader) io.Reader {
	return &trackingReader{r: r, session: s}
}

type trackingReader struct {
	r       io.Reader
	session *Session
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.session.Advance(int64(n))
	}
	return n, err
}

// Registry holds in-flight sessions so watchers can observe progress.
// Terminal sessions linger briefly for late watchers, then expire.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	linger   time.Duration
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		linger:   time.Minute,
	}
}

// Begin creates a session. A duplicate ID means an upload with the same
// token is already in flight.
func (r *Registry) Begin(id string, strategy Strategy, totalBytes int64) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[id]; ok && !existing.Snapshot().Status.Terminal() {
		return nil, apperror.ErrUploadInFlight
	}
	s := newSession(id, strategy, totalBytes)
	r.sessions[id] = s
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Release schedules removal of a terminal session after the linger window.
func (r *Registry) Release(id string) {
	time.AfterFunc(r.linger, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if s, ok := r.sessions[id]; ok && s.Snapshot().Status.Terminal() {
			delete(r.sessions, id)
		}
	})
}
