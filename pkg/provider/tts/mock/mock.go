// Package mock provides a test double for the tts.Engine interface.
//
// Use Engine to feed a scripted event stream to consumers and to verify which
// texts were synthesised.
//
// Example:
//
//	e := &mock.Engine{
//	    EngineFormat: audio.Voice,
//	    Events:       []tts.Event{tts.Audio(pcm), tts.Done()},
//	}
//	ch, _ := e.Synthesize(ctx, "hello")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Ctx  context.Context
	Text string
}

// Engine is a mock implementation of tts.Engine.
type Engine struct {
	mu sync.Mutex

	// EngineName is returned by Name. Defaults to "mock".
	EngineName string

	// NotReady inverts Ready so the zero value is a ready engine.
	NotReady bool

	// EngineFormat is returned by Format. Defaults to audio.Voice.
	EngineFormat audio.Format

	// Events is the stream emitted by every Synthesize call.
	Events []tts.Event

	// Script, if non-nil, overrides Events per call.
	Script func(text string) []tts.Event

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	SynthesizeErr error

	// Gate, if non-nil, must be closed before events are emitted. Tests use
	// it to hold an utterance in flight.
	Gate chan struct{}

	// SynthesizeCalls records every call in order.
	SynthesizeCalls []SynthesizeCall
}

var _ tts.Engine = (*Engine)(nil)

// Name implements tts.Engine.
func (e *Engine) Name() string {
	if e.EngineName == "" {
		return "mock"
	}
	return e.EngineName
}

// Ready implements tts.Engine.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.NotReady
}

// SetReady changes the readiness reported by Ready.
func (e *Engine) SetReady(ready bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NotReady = !ready
}

// Format implements tts.Engine.
func (e *Engine) Format() audio.Format {
	if e.EngineFormat == (audio.Format{}) {
		return audio.Voice
	}
	return e.EngineFormat
}

// Synthesize records the call and emits the scripted events.
func (e *Engine) Synthesize(ctx context.Context, text string) (<-chan tts.Event, error) {
	e.mu.Lock()
	e.SynthesizeCalls = append(e.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text})
	if e.SynthesizeErr != nil {
		err := e.SynthesizeErr
		e.mu.Unlock()
		return nil, err
	}
	events := e.Events
	if e.Script != nil {
		events = e.Script(text)
	}
	events = append([]tts.Event(nil), events...)
	gate := e.Gate
	e.mu.Unlock()

	ch := make(chan tts.Event)
	go func() {
		defer close(ch)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
		}
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Texts returns the text of every Synthesize call in order.
func (e *Engine) Texts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.SynthesizeCalls))
	for i, c := range e.SynthesizeCalls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SynthesizeCalls = nil
}
