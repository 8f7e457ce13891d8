// Package render defines the named contracts between the trace
// pipeline and a GPU renderer (spec.md §4.6). No shader or graphics
// pipeline code lives here: the renderer itself is out of scope
// (spec.md §1), but the data it needs from TraceState — a camera
// uniform's inputs, the per-lane buffer fragments, and a resize hook —
// is precisely typed so a concrete renderer has a real contract to
// implement against (SPEC_FULL.md §12.1-2).
package render

import (
	"github.com/rrprof/rrprof/internal/callbox"
	"github.com/rrprof/rrprof/internal/gpuvec"
	"github.com/rrprof/rrprof/internal/tracestate"
)

// Camera holds the renderer's view state: zoom level, the horizontal
// time anchor the view is scrolled to, and the vertical lane offset
// (original_source/src/renderer.rs's camera fields).
type Camera struct {
	Zoom         float32
	ScrollAnchor uint64 // a raw timestamp; the horizontal scroll position
	LaneOffset   uint32
}

// DefaultCamera returns a camera anchored at time 0, unzoomed, at the
// top lane.
func DefaultCamera() Camera {
	return Camera{Zoom: 1.0}
}

// RenderFrame is everything a renderer's per-draw camera uniform needs
// besides the view/projection matrices it derives from Camera
// (spec.md §4.6: "base_time, max_depth, and num_threads").
type RenderFrame struct {
	BaseTime   uint64
	MaxDepth   uint32
	NumThreads uint32
}

// FrameFrom reads the fields a renderer needs straight off a
// TraceState snapshot.
func FrameFrom(state *tracestate.TraceState) RenderFrame {
	return RenderFrame{
		BaseTime:   state.BaseTime(),
		MaxDepth:   state.MaxDepth(),
		NumThreads: uint32(state.ThreadCount()),
	}
}

// LaneFragment is one (lane, GPU buffer) pair the renderer issues a
// single indexed instanced draw call for (spec.md §4.6).
type LaneFragment struct {
	Lane     int
	ThreadID uint64
	Buffer   gpuvec.Buffer
	Count    int
}

// Fragments collects every lane's buffer fragments from state, in the
// order a renderer should issue draw calls.
func Fragments(state *tracestate.TraceState) []LaneFragment {
	var out []LaneFragment
	state.ReadVertices(func(lane int, tid uint64, buf gpuvec.Buffer, count int) {
		out = append(out, LaneFragment{Lane: lane, ThreadID: tid, Buffer: buf, Count: count})
	})
	return out
}

// Target is the named contract a concrete renderer implements: apply a
// camera update, redraw one frame's worth of lane fragments, and
// react to a window resize. rrprof never implements this interface
// itself (spec.md §1's "Out of scope" list); it exists so callers can
// depend on a typed seam instead of wiring a renderer ad hoc.
type Target interface {
	// UpdateCamera uploads the camera uniform for this frame.
	UpdateCamera(camera Camera, frame RenderFrame)

	// Draw issues one draw call per lane fragment.
	Draw(fragments []LaneFragment)

	// Resize reallocates any size-dependent resources (e.g. a depth
	// texture) for a new window size (SPEC_FULL.md §12.2).
	Resize(width, height uint32)
}

// VisibleDuration re-exports callbox.VisibleDuration for renderers that
// need the sliding-window width without importing callbox directly.
const VisibleDuration = callbox.VisibleDuration
