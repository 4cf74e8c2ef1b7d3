// Package framebuffer implements the per-Rendering accumulation buffer
// (spec §4.7): a width*height RGBA float32 image, a parallel per-pixel
// frameId array used to discard stale contributions, and an optional
// ageing background thread for interactive/asynchronous display modes.
package framebuffer

import (
	"context"
	"sync"
	"time"

	"github.com/gxy-project/gxy/core/event/task"
)

// Pixel is one RGBA contribution or accumulated value.
type Pixel struct {
	R, G, B, A float32
}

func (p *Pixel) add(o Pixel) {
	p.R += o.R
	p.G += o.G
	p.B += o.B
	p.A += o.A
}

// negContrib is a held-aside negative delta for a pixel from a frame that
// has not yet produced its first positive contribution, per spec.md §9's
// negative-pixel-stash resolution.
type negContrib struct {
	pixel Pixel
	index int
}

// FrameBuffer is the accumulation target for one Rendering. All exported
// methods are safe for concurrent use.
type FrameBuffer struct {
	mu      sync.Mutex
	w, h    int
	buf     []Pixel
	frameID []int32

	newestFrame int32
	observedAt  []time.Time // wall-clock time each pixel was last written, for ageing

	// stash holds negative-delta contributions for the pixel's current or
	// a newer frame, keyed by frame number, until a positive contribution
	// for that same frame arrives.
	stash map[int32][]negContrib

	maxAge  time.Duration
	fadeout time.Duration
}

// New allocates a black, alpha-1 frame buffer of the given dimensions.
func New(w, h int) *FrameBuffer {
	fb := &FrameBuffer{
		w:          w,
		h:          h,
		buf:        make([]Pixel, w*h),
		frameID:    make([]int32, w*h),
		observedAt: make([]time.Time, w*h),
		stash:      make(map[int32][]negContrib),
		maxAge:     5 * time.Second,
		fadeout:    2 * time.Second,
	}
	for i := range fb.buf {
		fb.buf[i] = Pixel{A: 1}
	}
	return fb
}

// SetAgeing configures the maxAge/fadeout durations used by the ageing
// thread. Must be called before Age is started.
func (fb *FrameBuffer) SetAgeing(maxAge, fadeout time.Duration) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.maxAge = maxAge
	fb.fadeout = fadeout
}

// Contribution is one pixel's (x, y, value) triple as produced by
// HandleTerminated for a locally-owned rendering, or decoded from a
// SendPixelsMsg for a remote one.
type Contribution struct {
	X, Y  int
	Value Pixel
	// Negative marks a transfer-function-update delta that must be held
	// aside (stashed) rather than applied until a positive contribution
	// for the same frame arrives at the same pixel.
	Negative bool
}

// AddPixels applies a batch of contributions, all belonging to frame, to
// the buffer. Contributions for a frame older than the pixel's recorded
// frameID are dropped; a contribution for a newer frame resets that pixel
// to zero before being applied (spec §4.7's three-way frameId compare).
func (fb *FrameBuffer) AddPixels(frame int32, contribs []Contribution) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if frame > fb.newestFrame {
		fb.newestFrame = frame
	}

	for _, c := range contribs {
		if c.X < 0 || c.X >= fb.w || c.Y < 0 || c.Y >= fb.h {
			continue
		}
		idx := c.Y*fb.w + c.X

		switch {
		case frame < fb.frameID[idx]:
			continue // stale contribution, dropped
		case frame > fb.frameID[idx]:
			fb.buf[idx] = Pixel{}
			fb.frameID[idx] = frame
		}

		if c.Negative {
			fb.stash[frame] = append(fb.stash[frame], negContrib{pixel: c.Value, index: idx})
			continue
		}

		fb.buf[idx].add(c.Value)
		fb.observedAt[idx] = time.Now()

		if held, ok := fb.stash[frame]; ok {
			var remaining []negContrib
			for _, h := range held {
				if h.index == idx {
					fb.buf[idx].add(h.pixel)
				} else {
					remaining = append(remaining, h)
				}
			}
			if len(remaining) == 0 {
				delete(fb.stash, frame)
			} else {
				fb.stash[frame] = remaining
			}
		}
	}
}

// Snapshot returns a copy of the current buffer contents, width and height.
func (fb *FrameBuffer) Snapshot() (pixels []Pixel, w, h int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make([]Pixel, len(fb.buf))
	copy(out, fb.buf)
	return out, fb.w, fb.h
}

// Age runs the ageing pass once: any pixel whose frameID is older than the
// newest observed frame and whose wall-clock age exceeds maxAge is faded by
// 0.9 per call; once its total age exceeds maxAge+fadeout it is zeroed.
// Intended to be driven every 100ms by task.Poll in interactive/async mode
// only (§4.7); never run in batch/write mode.
func (fb *FrameBuffer) Age() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	now := time.Now()
	for i := range fb.buf {
		if fb.frameID[i] >= fb.newestFrame {
			continue
		}
		age := now.Sub(fb.observedAt[i])
		if age <= fb.maxAge {
			continue
		}
		if age > fb.maxAge+fb.fadeout {
			fb.buf[i] = Pixel{}
			continue
		}
		fb.buf[i].R *= 0.9
		fb.buf[i].G *= 0.9
		fb.buf[i].B *= 0.9
		fb.buf[i].A *= 0.9
	}
}

// AgeingInterval is the fixed 100ms cadence spec.md §4.7 specifies for the
// ageing background thread.
const AgeingInterval = 100 * time.Millisecond

// StartAgeing launches the ageing thread as a task.Poll loop and returns a
// stop function. Intended for interactive/asynchronous display mode only;
// batch/write-mode renders never call this.
func (fb *FrameBuffer) StartAgeing(ctx context.Context) (stop func() error) {
	return task.Async(ctx, func(ctx context.Context) error {
		return task.Poll(ctx, AgeingInterval, func(ctx context.Context) error {
			fb.Age()
			return nil
		})
	})
}
