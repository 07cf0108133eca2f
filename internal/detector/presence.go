// Package detector turns sampled video frames into face-presence samples via
// a primary-then-fallback strategy: a native platform detector when one is
// available, else a deterministic pixel heuristic.
package detector

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/examguard/proctor/internal/media"
	"github.com/examguard/proctor/internal/models"
)

// NativeDetector is an optional platform face-detection capability (for
// example a vendored inference runtime). Probed once at construction; absence
// selects the heuristic strategy for the detector's lifetime.
type NativeDetector interface {
	Detect(f *media.Frame) (faces int, err error)
}

// Detector classifies frames as face-present/absent with a confidence score.
// Not safe for concurrent use; each session owns its own instance so the
// previous-frame movement buffer is never shared.
type Detector struct {
	native NativeDetector
	heur   heuristic
	logger *zap.Logger
}

// New creates a detector. native may be nil, selecting the heuristic
// strategy.
func New(native NativeDetector, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{native: native, logger: logger}
}

// Sample classifies one frame. It never returns an error: any failure during
// analysis yields a sample with Error set and zero faces, so the caller's
// tick loop keeps running through transient camera glitches.
func (d *Detector) Sample(f *media.Frame) (sample models.PresenceSample) {
	sample = models.PresenceSample{CapturedAt: time.Now(), Strategy: models.StrategyHeuristic}

	defer func() {
		if r := recover(); r != nil {
			sample.FacesDetected = 0
			sample.Confidence = 0
			sample.Error = fmt.Sprintf("frame analysis: %v", r)
			d.logger.Warn("frame analysis failed", zap.Any("cause", r))
		}
	}()

	if f == nil || len(f.Pix) == 0 {
		sample.Error = "empty frame"
		return sample
	}

	if d.native != nil {
		faces, err := d.native.Detect(f)
		if err == nil {
			sample.Strategy = models.StrategyNative
			sample.FacesDetected = faces
			if faces > 0 {
				sample.Confidence = 0.9
			}
			return sample
		}
		d.logger.Debug("native detection failed, using fallback", zap.Error(err))
	}

	faces, confidence := d.heur.analyze(f)
	sample.FacesDetected = faces
	sample.Confidence = confidence
	return sample
}

// Reset clears the movement diff state. Called when detection stops so a
// restarted detector does not diff against a stale frame.
func (d *Detector) Reset() { d.heur.reset() }
