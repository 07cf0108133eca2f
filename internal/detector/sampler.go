package detector

import (
	"errors"

	"github.com/examguard/proctor/internal/media"
)

// ErrVideoNotReady means the video source is not decoding yet (zero intrinsic
// dimensions). The caller's tick loop retries naturally on the next interval.
var ErrVideoNotReady = errors.New("video not ready")

// FrameSampler grabs a single still frame from a live video source. It owns a
// reusable drawing buffer; the returned frame is only valid until the next
// Sample call.
type FrameSampler struct {
	frame media.Frame
}

// NewFrameSampler creates a frame sampler.
func NewFrameSampler() *FrameSampler { return &FrameSampler{} }

// Sample copies the current frame out of src. Fails fast with
// ErrVideoNotReady instead of retrying internally.
func (s *FrameSampler) Sample(src media.VideoSource) (*media.Frame, error) {
	w, h := src.Dimensions()
	if w == 0 || h == 0 {
		return nil, ErrVideoNotReady
	}
	if err := src.ReadFrame(&s.frame); err != nil {
		return nil, err
	}
	return &s.frame, nil
}
