package media

import (
	"context"
	"sync"
)

// SyntheticVideo is a programmable in-memory video source. It starts with
// zero dimensions (stream not decoding) until a frame is set.
type SyntheticVideo struct {
	mu    sync.Mutex
	frame *Frame
}

// NewSyntheticVideo creates an empty synthetic video source.
func NewSyntheticVideo() *SyntheticVideo { return &SyntheticVideo{} }

// SetFrame replaces the current frame. The source copies nothing; callers
// should not mutate the frame after setting it.
func (v *SyntheticVideo) SetFrame(f *Frame) {
	v.mu.Lock()
	v.frame = f
	v.mu.Unlock()
}

// Dimensions implements VideoSource.
func (v *SyntheticVideo) Dimensions() (int, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frame == nil {
		return 0, 0
	}
	return v.frame.Width, v.frame.Height
}

// ReadFrame implements VideoSource.
func (v *SyntheticVideo) ReadFrame(dst *Frame) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frame == nil {
		return ErrNoFrame
	}
	dst.Resize(v.frame.Width, v.frame.Height)
	copy(dst.Pix, v.frame.Pix)
	return nil
}

// SyntheticAudio is a programmable in-memory audio source with 128 bins,
// matching an analyser configured with fftSize 256.
type SyntheticAudio struct {
	mu     sync.Mutex
	bins   []byte
	closed bool
	// Closes counts Close calls, for release-idempotence assertions.
	Closes int
}

// NewSyntheticAudio creates a silent synthetic audio source.
func NewSyntheticAudio() *SyntheticAudio {
	return &SyntheticAudio{bins: make([]byte, 128)}
}

// SetLevel fills every bin with level*255 (level clamped to [0,1]).
func (a *SyntheticAudio) SetLevel(level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	a.mu.Lock()
	for i := range a.bins {
		a.bins[i] = byte(level * 255)
	}
	a.mu.Unlock()
}

// BinCount implements AudioSource.
func (a *SyntheticAudio) BinCount() int { return len(a.bins) }

// ReadBins implements AudioSource.
func (a *SyntheticAudio) ReadBins(dst []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := copy(dst, a.bins)
	return n, nil
}

// Close implements AudioSource. Idempotent.
func (a *SyntheticAudio) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Closes++
	a.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (a *SyntheticAudio) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// SyntheticTrack is a fake device track with a live flag.
type SyntheticTrack struct {
	kind string

	mu   sync.Mutex
	live bool
}

// NewSyntheticTrack creates a live track of the given kind.
func NewSyntheticTrack(kind string) *SyntheticTrack {
	return &SyntheticTrack{kind: kind, live: true}
}

// Kind implements Track.
func (t *SyntheticTrack) Kind() string { return t.kind }

// Live implements Track.
func (t *SyntheticTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Stop implements Track.
func (t *SyntheticTrack) Stop() {
	t.mu.Lock()
	t.live = false
	t.mu.Unlock()
}

// SyntheticAcquirer returns a fresh synthetic handle per acquisition. Used by
// the dev capture profile and tests.
type SyntheticAcquirer struct {
	mu sync.Mutex
	// LastVideo and LastAudio expose the most recently acquired sources so a
	// caller can drive them.
	LastVideo *SyntheticVideo
	LastAudio *SyntheticAudio
	// Acquisitions counts Acquire calls.
	Acquisitions int
}

// NewSyntheticAcquirer creates a synthetic acquirer.
func NewSyntheticAcquirer() *SyntheticAcquirer { return &SyntheticAcquirer{} }

// Acquire implements Acquirer.
func (a *SyntheticAcquirer) Acquire(ctx context.Context) (*Handle, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	a.mu.Lock()
	a.Acquisitions++
	a.LastVideo = NewSyntheticVideo()
	a.LastAudio = NewSyntheticAudio()
	video, audio := a.LastVideo, a.LastAudio
	a.mu.Unlock()
	tracks := []Track{NewSyntheticTrack("video"), NewSyntheticTrack("audio")}
	return NewHandle(video, audio, tracks), nil
}
