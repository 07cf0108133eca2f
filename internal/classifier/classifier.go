// Package classifier watches browser-level events while a proctoring session
// is active and emits typed violations, filtering out the false positives a
// native file picker produces.
package classifier

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/examguard/proctor/internal/models"
)

// DefaultBlurSettle is how long a window blur is allowed to stand before it
// counts as a real focus loss. File-picker dialogs both start with a blur and
// may finish well after it, hence the two-phase check.
const DefaultBlurSettle = 500 * time.Millisecond

// Config holds classifier construction options.
type Config struct {
	// BlurSettle overrides DefaultBlurSettle when > 0.
	BlurSettle time.Duration
	// Probe re-checks document focus when the settle window elapses. May be
	// nil, in which case a blur that is not cancelled by a focus event always
	// counts.
	Probe  FocusProbe
	Logger *zap.Logger
}

// Classifier is a two-state machine over {armed, disarmed}. While armed it
// classifies incoming events into violations; Handle additionally reports
// whether the default browser action must be suppressed (classify-and-
// suppress, not classify-only).
type Classifier struct {
	settle time.Duration
	probe  FocusProbe
	logger *zap.Logger

	mu          sync.Mutex
	armed       bool
	onViolation func(models.Violation)
	tabSwitches int
	counts      map[models.ViolationType]int
	blurTimer   *time.Timer
}

// New creates a disarmed classifier.
func New(cfg Config) *Classifier {
	settle := cfg.BlurSettle
	if settle <= 0 {
		settle = DefaultBlurSettle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		settle: settle,
		probe:  cfg.Probe,
		logger: logger,
		counts: make(map[models.ViolationType]int),
	}
}

// Arm starts classifying, delivering each violation to onViolation. It
// returns a single teardown function; Disarm invokes it unconditionally.
// Arming an armed classifier replaces the callback.
func (c *Classifier) Arm(onViolation func(models.Violation)) (disarm func()) {
	c.mu.Lock()
	c.armed = true
	c.onViolation = onViolation
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		c.armed = false
		c.onViolation = nil
		if c.blurTimer != nil {
			c.blurTimer.Stop()
			c.blurTimer = nil
		}
		c.mu.Unlock()
	}
}

// Disarm stops classifying and cancels any pending blur judgment. Safe to
// call repeatedly.
func (c *Classifier) Disarm() {
	c.mu.Lock()
	c.armed = false
	c.onViolation = nil
	if c.blurTimer != nil {
		c.blurTimer.Stop()
		c.blurTimer = nil
	}
	c.mu.Unlock()
}

// Armed reports whether the classifier is currently armed.
func (c *Classifier) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Counts returns a copy of the per-type violation counters.
func (c *Classifier) Counts() map[models.ViolationType]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[models.ViolationType]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Handle classifies one event. The returned suppress flag tells the UI to
// cancel the default browser action (context menu, monitored key combos,
// unload prompt).
func (c *Classifier) Handle(ev Event) (suppress bool) {
	c.mu.Lock()
	if !c.armed {
		c.mu.Unlock()
		return false
	}

	switch ev.Type {
	case EventVisibility:
		if !ev.Hidden {
			c.mu.Unlock()
			return false
		}
		// document.hidden going true is an unambiguous tab switch; no debounce
		c.tabSwitches++
		v := c.buildLocked(models.ViolationTabSwitch,
			fmt.Sprintf("User switched tabs or minimized window (count %d)", c.tabSwitches))
		cb := c.onViolation
		c.mu.Unlock()
		c.deliver(cb, v)
		return false

	case EventBlur:
		if ev.FileInputFocused {
			// native file picker opening, not a focus-loss violation
			c.mu.Unlock()
			return false
		}
		c.scheduleBlurLocked()
		c.mu.Unlock()
		return false

	case EventFocus:
		if c.blurTimer != nil {
			c.blurTimer.Stop()
			c.blurTimer = nil
		}
		c.mu.Unlock()
		return false

	case EventContextMenu:
		v := c.buildLocked(models.ViolationRightClick, "Right click attempted")
		cb := c.onViolation
		c.mu.Unlock()
		c.deliver(cb, v)
		return true

	case EventKeyDown:
		vt, desc, ok := classifyKey(ev)
		if !ok {
			c.mu.Unlock()
			return false
		}
		v := c.buildLocked(vt, desc)
		cb := c.onViolation
		c.mu.Unlock()
		c.deliver(cb, v)
		return true

	case EventBeforeUnload:
		v := c.buildLocked(models.ViolationPageUnload, "User attempted to leave the page")
		cb := c.onViolation
		c.mu.Unlock()
		c.deliver(cb, v)
		return true
	}

	c.mu.Unlock()
	return false
}

// scheduleBlurLocked (re)starts the settle timer for a blur. Caller holds mu.
func (c *Classifier) scheduleBlurLocked() {
	if c.blurTimer != nil {
		c.blurTimer.Stop()
	}
	c.blurTimer = time.AfterFunc(c.settle, c.blurElapsed)
}

// blurElapsed runs when the settle window passes with no focus event: the
// blur is real unless the probe says focus is back or a file input has it.
func (c *Classifier) blurElapsed() {
	c.mu.Lock()
	if !c.armed || c.blurTimer == nil {
		c.mu.Unlock()
		return
	}
	c.blurTimer = nil
	if c.probe != nil {
		st := c.probe.Focus()
		if st.DocumentFocused || st.FileInputFocused {
			c.mu.Unlock()
			return
		}
	}
	v := c.buildLocked(models.ViolationWindowBlur, "Window lost focus")
	cb := c.onViolation
	c.mu.Unlock()
	c.deliver(cb, v)
}

// buildLocked assembles a violation and bumps its counter. Caller holds mu.
// Severity is flat MEDIUM regardless of type or repetition.
func (c *Classifier) buildLocked(vt models.ViolationType, desc string) models.Violation {
	c.counts[vt]++
	return models.Violation{
		Type:        vt,
		Description: desc,
		OccurredAt:  time.Now(),
		Severity:    models.SeverityMedium,
	}
}

func (c *Classifier) deliver(cb func(models.Violation), v models.Violation) {
	if cb != nil {
		cb(v)
	}
	c.logger.Debug("violation classified", zap.String("type", string(v.Type)))
}

// classifyKey maps monitored key combinations to violations: Ctrl+C/V/X are
// copy/paste attempts; F12, Ctrl+Shift+I and Ctrl+U are dev-tools attempts.
func classifyKey(ev Event) (models.ViolationType, string, bool) {
	key := strings.ToLower(ev.Key)
	switch {
	case ev.Ctrl && ev.Shift && key == "i":
		return models.ViolationDevTools, "Attempted to open developer tools", true
	case key == "f12":
		return models.ViolationDevTools, "Attempted to open developer tools", true
	case ev.Ctrl && key == "u":
		return models.ViolationDevTools, "Attempted to open developer tools", true
	case ev.Ctrl && (key == "c" || key == "v" || key == "x"):
		return models.ViolationCopyPaste,
			fmt.Sprintf("%s key combination attempted", strings.ToUpper(key)), true
	}
	return "", "", false
}
