package health

import (
	"context"
	"errors"
	"fmt"
)

// Liveness reports whether a long-running component is still serving.
type Liveness interface {
	Alive() bool
}

// Readiness reports whether a component has finished initialising.
type Readiness interface {
	Ready() bool
}

// Alive fails while l has stopped serving, e.g. a playback worker whose
// goroutine exited.
func Alive(name string, l Liveness) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !l.Alive() {
			return errors.New("not running")
		}
		return nil
	}}
}

// Ready fails until r reports ready, e.g. a TTS engine still loading its model.
func Ready(name string, r Readiness) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !r.Ready() {
			return errors.New("not ready")
		}
		return nil
	}}
}

// Probe wraps a context-aware probe such as an HTTP ping, labelling its error.
func Probe(name string, fn func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("probe: %w", err)
		}
		return nil
	}}
}
