package upload

import (
	"strings"
	"testing"
	"time"

	"github.com/gistbin/gistbin/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionPercentClampedUntilComplete(t *testing.T) {
	s := newSession("u1", StrategyChunked, 100)

	s.Advance(50)
	assert.Equal(t, Progress{Status: StatusInProgress, Percent: 50}, s.Snapshot())

	// Even with every byte transferred the session reports 99 until the
	// store acknowledges the write.
	s.Advance(50)
	assert.Equal(t, 99, s.Snapshot().Percent)

	s.Advance(10) // transport overhead can push past the total
	assert.Equal(t, 99, s.Snapshot().Percent)

	s.Complete()
	assert.Equal(t, Progress{Status: StatusCompleted, Percent: 100}, s.Snapshot())
}

func TestSessionUnknownTotalReportsZero(t *testing.T) {
	s := newSession("u1", StrategyChunked, 0)
	s.Advance(1 << 20)
	assert.Equal(t, 0, s.Snapshot().Percent)

	s.SetTotal(2 << 20)
	assert.Equal(t, 50, s.Snapshot().Percent)
}

func TestSessionCancelIdempotent(t *testing.T) {
	s := newSession("u1", StrategyChunked, 10)
	s.Advance(5)

	s.Cancel()
	assert.Equal(t, StatusCanceled, s.Snapshot().Status)

	s.Cancel()
	s.Advance(5)
	s.Complete()
	assert.Equal(t, StatusCanceled, s.Snapshot().Status)
	assert.Equal(t, 50, s.Snapshot().Percent)
}

func TestSessionCancelAfterCompleteIsNoop(t *testing.T) {
	s := newSession("u1", StrategyDirect, 10)
	s.Advance(10)
	s.Complete()

	s.Cancel()
	assert.Equal(t, Progress{Status: StatusCompleted, Percent: 100}, s.Snapshot())
}

func TestSessionSubscribeClosesOnTerminal(t *testing.T) {
	s := newSession("u1", StrategyChunked, 100)
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	s.Advance(25)
	p := <-events
	assert.Equal(t, Progress{Status: StatusInProgress, Percent: 25}, p)

	s.Complete()
	var last Progress
	for p := range events {
		last = p
	}
	assert.Equal(t, Progress{Status: StatusCompleted, Percent: 100}, last)
}

func TestSessionSubscribeAfterTerminal(t *testing.T) {
	s := newSession("u1", StrategyChunked, 100)
	s.Fail()

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	p, ok := <-events
	require.True(t, ok)
	assert.Equal(t, StatusFailed, p.Status)

	_, ok = <-events
	assert.False(t, ok, "channel should be closed")
}

func TestSessionProgressNeverDecreases(t *testing.T) {
	s := newSession("u1", StrategyChunked, 1000)
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	for i := 0; i < 10; i++ {
		s.Advance(100)
	}
	s.Complete()

	last := -1
	for p := range events {
		require.GreaterOrEqual(t, p.Percent, last)
		if p.Percent == 100 {
			assert.Equal(t, StatusCompleted, p.Status, "100 must come only with success")
		}
		last = p.Percent
	}
}

func TestSessionTrackReader(t *testing.T) {
	s := newSession("u1", StrategyChunked, 11)
	r := s.TrackReader(strings.NewReader("hello world"))

	buf := make([]byte, 64)
	n, _ := r.Read(buf)
	assert.Equal(t, 11, n)
	assert.Equal(t, 99, s.Snapshot().Percent)
}

func TestRegistryRejectsDuplicateActiveSession(t *testing.T) {
	reg := NewRegistry()

	first, err := reg.Begin("up-1", StrategyChunked, 10)
	require.NoError(t, err)

	_, err = reg.Begin("up-1", StrategyChunked, 10)
	assert.ErrorIs(t, err, apperror.ErrUploadInFlight)

	// A terminal session frees the ID for reuse.
	first.Fail()
	_, err = reg.Begin("up-1", StrategyChunked, 10)
	assert.NoError(t, err)
}

func TestRegistryReleaseLingers(t *testing.T) {
	reg := NewRegistry()
	reg.linger = 10 * time.Millisecond

	s, err := reg.Begin("up-1", StrategyChunked, 10)
	require.NoError(t, err)
	s.Complete()
	reg.Release("up-1")

	// Still observable right after release.
	_, ok := reg.Get("up-1")
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := reg.Get("up-1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
