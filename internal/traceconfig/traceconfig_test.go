package traceconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rrprof/rrprof/internal/traceconfig"
)

func TestLoad_OverridesOnlyGivenFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "render.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_buffer_size: 1MB\n"), 0o644))

	cfg, err := traceconfig.Load(path)
	require.NoError(t, err)

	def := traceconfig.Default()
	assert.Equal(t, datasize.MB, cfg.MaxBufferSize)
	assert.Equal(t, def.VisibleDurationNanos, cfg.VisibleDurationNanos)
	assert.Equal(t, def.CameraZoom, cfg.CameraZoom)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := traceconfig.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefault_CameraMatchesRenderDefault(t *testing.T) {
	cfg := traceconfig.Default()
	camera := cfg.Camera()
	assert.Equal(t, float32(1.0), camera.Zoom)
}
