// Package traceconfig loads an optional YAML file overriding the
// renderer defaults that original_source/src/visualizer.rs hardcodes:
// the visibility window, initial camera state, and the GPU device's
// max buffer size (SPEC_FULL.md §11). rrprof runs with built-in
// defaults when no such file is given — this is not the CLI's
// required configuration, just a renderer tuning knob.
package traceconfig

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/rrprof/rrprof/internal/callbox"
	"github.com/rrprof/rrprof/internal/render"
)

// Config is the optional render-config file's shape.
//
// VisibleDurationNanos sizes the renderer's own time axis; it does not
// change the eviction window tracestate and gpuvec compile in
// (callbox.VisibleDuration), since that value is load-bearing for slot
// recycling, not merely cosmetic.
//
// MaxBufferSize follows the modules/*/controlplane/cfg.go convention of
// expressing memory knobs as datasize.ByteSize, so a render-config file
// can say "max_buffer_size: 64MB" instead of a raw byte count.
type Config struct {
	VisibleDurationNanos uint64            `yaml:"visible_duration_nanos"`
	MaxBufferSize        datasize.ByteSize `yaml:"max_buffer_size"`
	CameraZoom           float32           `yaml:"camera_zoom"`
}

// Default returns the built-in renderer tuning, matching
// callbox.VisibleDuration and a 16 MiB max GPU buffer size.
func Default() Config {
	return Config{
		VisibleDurationNanos: callbox.VisibleDuration,
		MaxBufferSize:        16 * datasize.MB,
		CameraZoom:           render.DefaultCamera().Zoom,
	}
}

// Load reads and parses path, returning Default() values for any field
// the file leaves at zero.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read render config: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, fmt.Errorf("parse render config: %w", err)
	}

	if file.VisibleDurationNanos != 0 {
		cfg.VisibleDurationNanos = file.VisibleDurationNanos
	}
	if file.MaxBufferSize != 0 {
		cfg.MaxBufferSize = file.MaxBufferSize
	}
	if file.CameraZoom != 0 {
		cfg.CameraZoom = file.CameraZoom
	}

	return cfg, nil
}

// Camera builds the initial render.Camera this config describes.
func (c Config) Camera() render.Camera {
	return render.Camera{Zoom: c.CameraZoom}
}
