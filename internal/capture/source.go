package capture

import "image"

// Source supplies the rendered video surface the scheduler samples. A
// decoder sink, a test pattern or a headless renderer can all sit behind
// this interface.
type Source interface {
	// Snapshot returns the most recently displayed frame.
	Snapshot() (image.Image, error)
	// Playing reports whether the surface is live. False while paused,
	// ended or before the first frame has rendered.
	Playing() bool
}
