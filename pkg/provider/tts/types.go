package tts

import "fmt"

// EventKind discriminates the payload of an [Event].
type EventKind int

const (
	// EventAudio carries a PCM chunk in Audio.
	EventAudio EventKind = iota + 1

	// EventFile carries the path of a temporary audio file in Path. The
	// consumer owns the file and removes it after playback.
	EventFile

	// EventDone terminates a successful stream. Code is engine specific and
	// usually zero.
	EventDone

	// EventError terminates a failed stream with an engine error Code.
	EventError
)

// String returns the lower-case event name.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventFile:
		return "file"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one step of a synthesis stream.
type Event struct {
	Kind  EventKind
	Audio []byte
	Path  string
	Code  int

	// Err optionally describes an EventError.
	Err error
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// Common engine error codes. Engines may use other values.
const (
	CodeOK              = 0
	CodeRequestFailed   = -1
	CodeInvalidResponse = -2
	CodeNetwork         = -3
)

// Audio returns an EventAudio event.
func Audio(b []byte) Event { return Event{Kind: EventAudio, Audio: b} }

// File returns an EventFile event.
func File(path string) Event { return Event{Kind: EventFile, Path: path} }

// Done returns a successful terminal event.
func Done() Event { return Event{Kind: EventDone, Code: CodeOK} }

// Failed returns a failed terminal event.
func Failed(code int, err error) Event { return Event{Kind: EventError, Code: code, Err: err} }
