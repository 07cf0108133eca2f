package detector

import "github.com/examguard/proctor/internal/media"

// Heuristic tuning constants. Kept in line with the values the monitor has
// always shipped with; retuning them is a product decision.
const (
	skinRatioMin    = 0.05 // at least 5% skin-tone pixels
	brightRatioMin  = 0.1  // at least 10% of pixels not near-black
	brightnessFloor = 50   // mean channel value counting as "illuminated"
	movementStride  = 100  // sample every 100th pixel for the frame diff
	movementDelta   = 30   // luminance change counting as movement
	movementRatio   = 0.01 // >1% of sampled pixels changed => movement
)

// heuristic is the fallback face-presence estimator: skin-tone ratio plus a
// pixel-level frame difference. It keeps the single most recent frame for the
// movement diff; the buffer is instance-scoped so concurrent detectors never
// share state.
type heuristic struct {
	prev []byte
}

// analyze classifies a frame. The first frame after a reset always counts as
// movement, since there is nothing to diff against.
func (h *heuristic) analyze(f *media.Frame) (faces int, confidence float64) {
	pix := f.Pix
	totalPixels := len(pix) / 4
	if totalPixels == 0 {
		return 0, 0
	}

	skinPixels := 0
	brightPixels := 0
	for i := 0; i+2 < len(pix); i += 4 {
		r, g, b := pix[i], pix[i+1], pix[i+2]
		if isSkinTone(r, g, b) {
			skinPixels++
		}
		if (int(r)+int(g)+int(b))/3 > brightnessFloor {
			brightPixels++
		}
	}

	skinRatio := float64(skinPixels) / float64(totalPixels)
	brightRatio := float64(brightPixels) / float64(totalPixels)

	hasValidVideo := brightRatio > brightRatioMin
	hasSkinTone := skinRatio > skinRatioMin
	hasMovement := h.detectMovement(pix)

	switch {
	case hasValidVideo && (hasSkinTone || hasMovement):
		return 1, 0.7
	case hasValidVideo:
		return 0, 0.3
	default:
		return 0, 0
	}
}

// detectMovement diffs sampled pixel luminance against the previous frame and
// retains a copy of the current one.
func (h *heuristic) detectMovement(pix []byte) bool {
	if h.prev == nil {
		h.prev = append([]byte(nil), pix...)
		return true
	}

	differences := 0
	sampled := 0
	step := movementStride * 4
	for i := 0; i+2 < len(pix) && i+2 < len(h.prev); i += step {
		cur := (int(pix[i]) + int(pix[i+1]) + int(pix[i+2])) / 3
		old := (int(h.prev[i]) + int(h.prev[i+1]) + int(h.prev[i+2])) / 3
		if abs(cur-old) > movementDelta {
			differences++
		}
		sampled++
	}

	h.prev = append(h.prev[:0], pix...)

	if sampled == 0 {
		return false
	}
	return float64(differences)/float64(sampled) > movementRatio
}

// reset drops the previous-frame buffer so the next frame diffs against
// nothing. Called when detection stops.
func (h *heuristic) reset() { h.prev = nil }

// isSkinTone is a simplified RGB relational rule: red channel dominant with
// enough channel spread.
func isSkinTone(r, g, b byte) bool {
	ri, gi, bi := int(r), int(g), int(b)
	return ri > 95 && gi > 40 && bi > 20 &&
		ri > gi && ri > bi &&
		abs(ri-gi) > 15 &&
		maxInt(ri, gi, bi)-minInt(ri, gi, bi) > 15
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func maxInt(a, b, c int) int {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

func minInt(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
