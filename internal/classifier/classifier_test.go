package classifier

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examguard/proctor/internal/models"
)

const testSettle = 20 * time.Millisecond

type recorder struct {
	mu         sync.Mutex
	violations []models.Violation
}

func (r *recorder) record(v models.Violation) {
	r.mu.Lock()
	r.violations = append(r.violations, v)
	r.mu.Unlock()
}

func (r *recorder) list() []models.Violation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Violation(nil), r.violations...)
}

type staticProbe struct {
	mu sync.Mutex
	st FocusState
}

func (p *staticProbe) set(st FocusState) {
	p.mu.Lock()
	p.st = st
	p.mu.Unlock()
}

func (p *staticProbe) Focus() FocusState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st
}

func newArmed(t *testing.T, probe FocusProbe) (*Classifier, *recorder) {
	t.Helper()
	c := New(Config{BlurSettle: testSettle, Probe: probe})
	rec := &recorder{}
	c.Arm(rec.record)
	t.Cleanup(c.Disarm)
	return c, rec
}

func waitSettle() { time.Sleep(4 * testSettle) }

func TestDisarmedIgnoresEverything(t *testing.T) {
	c := New(Config{BlurSettle: testSettle})
	rec := &recorder{}
	assert.False(t, c.Handle(Event{Type: EventContextMenu}))
	assert.Empty(t, rec.list())
}

func TestVisibilityHiddenFiresImmediately(t *testing.T) {
	c, rec := newArmed(t, nil)

	c.Handle(Event{Type: EventVisibility, Hidden: true})
	c.Handle(Event{Type: EventVisibility, Hidden: false}) // returning is not a violation
	c.Handle(Event{Type: EventVisibility, Hidden: true})

	vs := rec.list()
	require.Len(t, vs, 2)
	assert.Equal(t, models.ViolationTabSwitch, vs[0].Type)
	assert.Contains(t, vs[0].Description, "count 1")
	assert.Contains(t, vs[1].Description, "count 2")
	assert.Equal(t, models.SeverityMedium, vs[0].Severity)
}

func TestBlurFromFileInputNeverFires(t *testing.T) {
	c, rec := newArmed(t, nil)
	c.Handle(Event{Type: EventBlur, FileInputFocused: true})
	waitSettle()
	assert.Empty(t, rec.list())
}

func TestBlurCancelledByFocusReturn(t *testing.T) {
	c, rec := newArmed(t, nil)
	c.Handle(Event{Type: EventBlur})
	c.Handle(Event{Type: EventFocus})
	waitSettle()
	assert.Empty(t, rec.list())
}

func TestBlurSuppressedByProbe(t *testing.T) {
	probe := &staticProbe{}
	probe.set(FocusState{FileInputFocused: true}) // picker finished late
	c, rec := newArmed(t, probe)
	c.Handle(Event{Type: EventBlur})
	waitSettle()
	assert.Empty(t, rec.list())
}

func TestRealBlurFiresExactlyOnce(t *testing.T) {
	probe := &staticProbe{}
	c, rec := newArmed(t, probe)
	c.Handle(Event{Type: EventBlur})
	waitSettle()

	vs := rec.list()
	require.Len(t, vs, 1)
	assert.Equal(t, models.ViolationWindowBlur, vs[0].Type)
	assert.Equal(t, "Window lost focus", vs[0].Description)
}

func TestRepeatedBlurResetsSettleWindow(t *testing.T) {
	c, rec := newArmed(t, nil)
	c.Handle(Event{Type: EventBlur})
	time.Sleep(testSettle / 2)
	c.Handle(Event{Type: EventBlur})
	waitSettle()
	assert.Len(t, rec.list(), 1, "re-blur restarts the pending judgment, it does not stack")
}

func TestDisarmCancelsPendingBlur(t *testing.T) {
	c, rec := newArmed(t, nil)
	c.Handle(Event{Type: EventBlur})
	c.Disarm()
	waitSettle()
	assert.Empty(t, rec.list())
}

func TestContextMenuClassifiesAndSuppresses(t *testing.T) {
	c, rec := newArmed(t, nil)
	suppress := c.Handle(Event{Type: EventContextMenu})
	assert.True(t, suppress)
	vs := rec.list()
	require.Len(t, vs, 1)
	assert.Equal(t, models.ViolationRightClick, vs[0].Type)
}

func TestKeyCombinations(t *testing.T) {
	tests := []struct {
		name     string
		ev       Event
		want     models.ViolationType
		suppress bool
	}{
		{"ctrl+c", Event{Type: EventKeyDown, Key: "c", Ctrl: true}, models.ViolationCopyPaste, true},
		{"ctrl+v", Event{Type: EventKeyDown, Key: "v", Ctrl: true}, models.ViolationCopyPaste, true},
		{"ctrl+x", Event{Type: EventKeyDown, Key: "x", Ctrl: true}, models.ViolationCopyPaste, true},
		{"f12", Event{Type: EventKeyDown, Key: "F12"}, models.ViolationDevTools, true},
		{"ctrl+shift+i", Event{Type: EventKeyDown, Key: "I", Ctrl: true, Shift: true}, models.ViolationDevTools, true},
		{"ctrl+u", Event{Type: EventKeyDown, Key: "u", Ctrl: true}, models.ViolationDevTools, true},
		{"plain letter", Event{Type: EventKeyDown, Key: "a"}, "", false},
		{"ctrl+s", Event{Type: EventKeyDown, Key: "s", Ctrl: true}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newArmed(t, nil)
			suppress := c.Handle(tt.ev)
			assert.Equal(t, tt.suppress, suppress)
			if tt.want == "" {
				assert.Empty(t, rec.list())
				return
			}
			vs := rec.list()
			require.Len(t, vs, 1)
			assert.Equal(t, tt.want, vs[0].Type)
		})
	}
}

func TestBeforeUnload(t *testing.T) {
	c, rec := newArmed(t, nil)
	suppress := c.Handle(Event{Type: EventBeforeUnload})
	assert.True(t, suppress)
	vs := rec.list()
	require.Len(t, vs, 1)
	assert.Equal(t, models.ViolationPageUnload, vs[0].Type)
}

func TestCountsPerType(t *testing.T) {
	c, _ := newArmed(t, nil)
	c.Handle(Event{Type: EventContextMenu})
	c.Handle(Event{Type: EventContextMenu})
	c.Handle(Event{Type: EventVisibility, Hidden: true})
	counts := c.Counts()
	assert.Equal(t, 2, counts[models.ViolationRightClick])
	assert.Equal(t, 1, counts[models.ViolationTabSwitch])
}

func TestArmReturnsTeardown(t *testing.T) {
	c := New(Config{BlurSettle: testSettle})
	rec := &recorder{}
	teardown := c.Arm(rec.record)
	require.True(t, c.Armed())
	teardown()
	assert.False(t, c.Armed())
	c.Handle(Event{Type: EventContextMenu})
	assert.Empty(t, rec.list())
}
