package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, int64(100<<20), cfg.MaxFileBytes)
	assert.Equal(t, int64(8<<20), cfg.DirectUploadThreshold)
	assert.Equal(t, int64(20<<20), cfg.UploadChunkSize)
	assert.Equal(t, 5*time.Minute, cfg.UploadTimeout)
	assert.Equal(t, "gist-files", cfg.CloudinaryUploadFolder)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_FILE_BYTES", "1048576")
	t.Setenv("UPLOAD_TIMEOUT", "30s")
	t.Setenv("PORT", "9000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), cfg.MaxFileBytes)
	assert.Equal(t, 30*time.Second, cfg.UploadTimeout)
	assert.Equal(t, "9000", cfg.Port)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("MAX_FILE_BYTES", "lots")
	_, err := Load()
	assert.Error(t, err)
}
