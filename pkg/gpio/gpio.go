// Package gpio provides the narrow hardware-line interfaces used by pushtalk:
// output lines for the amplifier enable signal, the status LED and example
// device actions, and button inputs for push-to-talk.
//
// Two output backends are provided. [SysfsLine] drives a pin through the
// legacy /sys/class/gpio interface; [CommandLine] shells out to a helper such
// as gpioset for boards where sysfs is unavailable. Debouncing is left to the
// hardware or the helper.
package gpio

import (
	"context"
	"errors"
)

// ErrIO wraps every hardware line failure.
var ErrIO = errors.New("gpio: I/O error")

// Line is a single digital output.
type Line interface {
	// SetEnabled drives the line to its active (true) or inactive state.
	// Failures wrap [ErrIO].
	SetEnabled(on bool) error
}

// Closer is implemented by lines that hold OS resources.
type Closer interface {
	Close() error
}

// Button reports push-to-talk presses.
type Button interface {
	// Run polls or reads the underlying input until ctx is done, emitting
	// true on press and false on release. The events channel is closed when
	// Run returns.
	Run(ctx context.Context) error

	// Events returns the press/release stream.
	Events() <-chan bool
}

// NopLine is a Line that does nothing. It is used when no amplifier or LED
// is wired.
type NopLine struct{}

// SetEnabled implements [Line].
func (NopLine) SetEnabled(bool) error { return nil }
