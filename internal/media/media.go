// Package media abstracts camera and microphone capture behind interfaces so
// the monitor core stays independent of the capture backend. A synthetic
// implementation backs development and tests; real capture backends implement
// the same interfaces.
package media

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrAcquireCancelled is returned when acquisition is abandoned before the
	// device resolves.
	ErrAcquireCancelled = errors.New("media acquisition cancelled")
	// ErrNoFrame is returned by ReadFrame when the stream has not produced a
	// frame yet.
	ErrNoFrame = errors.New("no frame available")
)

// Frame is a single still image in RGBA order, 4 bytes per pixel.
type Frame struct {
	Pix    []byte
	Width  int
	Height int
}

// Resize reallocates the pixel buffer if the dimensions changed.
func (f *Frame) Resize(w, h int) {
	n := w * h * 4
	if cap(f.Pix) < n {
		f.Pix = make([]byte, n)
	}
	f.Pix = f.Pix[:n]
	f.Width = w
	f.Height = h
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	c := &Frame{Width: f.Width, Height: f.Height, Pix: make([]byte, len(f.Pix))}
	copy(c.Pix, f.Pix)
	return c
}

// VideoSource is a live video stream the sampler can read frames from.
type VideoSource interface {
	// Dimensions reports the intrinsic frame size. Both are zero until the
	// stream is decoding.
	Dimensions() (width, height int)
	// ReadFrame copies the current frame into dst, resizing its buffer as
	// needed.
	ReadFrame(dst *Frame) error
}

// AudioSource is a live microphone stream exposed as frequency-bin energy,
// one byte per bin in [0,255], mirroring an analyser node.
type AudioSource interface {
	// BinCount is the number of frequency bins per read.
	BinCount() int
	// ReadBins fills dst with the current bin energies and returns the number
	// of bins written.
	ReadBins(dst []byte) (int, error)
	// Close releases the underlying audio graph. Must be idempotent.
	Close() error
}

// Track is one device track within an acquired stream.
type Track interface {
	Kind() string // "video" or "audio"
	Live() bool
	Stop()
}

// Handle owns one acquired camera+microphone stream for the lifetime of a
// session. Only the owning session may stop its tracks.
type Handle struct {
	video  VideoSource
	audio  AudioSource
	tracks []Track

	mu      sync.Mutex
	stopped bool
}

// NewHandle wraps acquired sources and their tracks.
func NewHandle(video VideoSource, audio AudioSource, tracks []Track) *Handle {
	return &Handle{video: video, audio: audio, tracks: tracks}
}

// Video returns the video source.
func (h *Handle) Video() VideoSource { return h.video }

// Audio returns the audio source.
func (h *Handle) Audio() AudioSource { return h.audio }

// LiveTracks counts tracks that are still running.
func (h *Handle) LiveTracks() int {
	n := 0
	for _, t := range h.tracks {
		if t.Live() {
			n++
		}
	}
	return n
}

// StopAll stops every track exactly once. Safe to call repeatedly.
func (h *Handle) StopAll() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	for _, t := range h.tracks {
		t.Stop()
	}
	if h.audio != nil {
		_ = h.audio.Close()
	}
}

// Acquirer requests camera+microphone access. Acquisition is the only
// suspending operation in the monitor; it stays pending until the device (or
// permission prompt) resolves, or ctx is cancelled.
type Acquirer interface {
	Acquire(ctx context.Context) (*Handle, error)
}

// AcquirerFunc adapts a function to the Acquirer interface.
type AcquirerFunc func(ctx context.Context) (*Handle, error)

// Acquire implements Acquirer.
func (f AcquirerFunc) Acquire(ctx context.Context) (*Handle, error) { return f(ctx) }
