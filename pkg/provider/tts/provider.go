// Package tts defines the Engine interface for local text-to-speech backends.
//
// An engine turns one utterance into a stream of [Event] values. Audio is
// delivered either as raw PCM chunks in the engine's [Engine.Format] or as a
// path to a temporary file (WAV with a canonical header, or MP3) that the
// consumer plays and then deletes. Every stream ends with exactly one
// terminal event, EventDone or EventError, before the channel is closed,
// unless the context is cancelled first.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/pushtalk/pkg/audio"
)

// Engine is the abstraction over any TTS backend.
type Engine interface {
	// Name returns a short identifier used in logs and metrics.
	Name() string

	// Ready reports whether the engine finished initialising and can accept
	// utterances. Callers must not call Synthesize on an engine that is not
	// ready.
	Ready() bool

	// Format returns the format of EventAudio chunks. File events carry
	// their own format in the file header.
	Format() audio.Format

	// Synthesize starts synthesis of text and returns the event stream.
	// A non-nil error means synthesis could not be started at all. The
	// caller must drain the channel until it is closed.
	Synthesize(ctx context.Context, text string) (<-chan Event, error)
}
