package classifier

import "time"

// EventType identifies a browser-level input or focus event forwarded by the
// exam UI.
type EventType string

const (
	// EventVisibility fires on document visibility changes.
	EventVisibility EventType = "visibilitychange"
	// EventBlur fires when the window loses focus.
	EventBlur EventType = "blur"
	// EventFocus fires when focus returns to the window.
	EventFocus EventType = "focus"
	// EventContextMenu fires on a right-click attempt.
	EventContextMenu EventType = "contextmenu"
	// EventKeyDown fires for monitored key presses.
	EventKeyDown EventType = "keydown"
	// EventBeforeUnload fires when the page is about to be left.
	EventBeforeUnload EventType = "beforeunload"
)

// Event is one browser event as forwarded over the UI event channel.
type Event struct {
	Type EventType `json:"event"`
	At   time.Time `json:"at,omitempty"`

	// Hidden is set for visibility changes: true means the tab went hidden.
	Hidden bool `json:"hidden,omitempty"`

	// Key fields for keydown events.
	Key   string `json:"key,omitempty"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Shift bool   `json:"shift,omitempty"`

	// FileInputFocused is set on blur when the element holding focus is, or
	// is nested under, a file input or its label. That is the signature of a
	// native file picker opening.
	FileInputFocused bool `json:"file_input_focused,omitempty"`
}

// FocusState is the document focus situation reported by the UI, consulted
// when a blur settle window elapses.
type FocusState struct {
	DocumentFocused  bool `json:"document_focused"`
	FileInputFocused bool `json:"file_input_focused"`
}

// FocusProbe answers "where is focus right now". The UI event channel keeps
// it current from periodic focus_state reports.
type FocusProbe interface {
	Focus() FocusState
}
