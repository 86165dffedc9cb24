// Package mock provides a recording [gpio.Line] and a scriptable
// [gpio.Button] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/pushtalk/pkg/gpio"
)

// Line records every SetEnabled call.
type Line struct {
	mu sync.Mutex

	// Err, when non-nil, is returned by SetEnabled. The state is not changed.
	Err error

	// OnSet, when non-nil, runs synchronously inside SetEnabled before the
	// call is recorded. Tests use it to assert invariants at the exact
	// moment of a transition.
	OnSet func(on bool)

	calls []bool
	state bool
}

var _ gpio.Line = (*Line)(nil)

// SetEnabled implements [gpio.Line].
func (l *Line) SetEnabled(on bool) error {
	l.mu.Lock()
	hook, err := l.OnSet, l.Err
	l.mu.Unlock()

	if hook != nil {
		hook(on)
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, on)
	l.state = on
	return nil
}

// SetErr replaces Err under the lock.
func (l *Line) SetErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Err = err
}

// Calls returns a copy of the recorded SetEnabled arguments.
func (l *Line) Calls() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.calls...)
}

// State returns the last successfully set value.
func (l *Line) State() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Button emits events pushed with Press and Release.
type Button struct {
	events chan bool
	once   sync.Once
}

var _ gpio.Button = (*Button)(nil)

// NewButton returns a Button with a small event buffer.
func NewButton() *Button {
	return &Button{events: make(chan bool, 16)}
}

// Press emits a press event.
func (b *Button) Press() { b.events <- true }

// Release emits a release event.
func (b *Button) Release() { b.events <- false }

// Events implements [gpio.Button].
func (b *Button) Events() <-chan bool { return b.events }

// Run implements [gpio.Button]. It blocks until ctx is done.
func (b *Button) Run(ctx context.Context) error {
	<-ctx.Done()
	b.once.Do(func() { close(b.events) })
	return nil
}
