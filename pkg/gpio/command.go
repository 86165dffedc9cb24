package gpio

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ValuePlaceholder is replaced by "1" or "0" in [CommandLine] arguments.
const ValuePlaceholder = "{value}"

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CommandLine drives an output by running a helper program, e.g.
//
//	gpio.NewCommandLine([]string{"gpioset", "gpiochip0", "17={value}"})
type CommandLine struct {
	mu        sync.Mutex
	argv      []string
	activeLow bool
	timeout   time.Duration
	run       Runner
}

var _ Line = (*CommandLine)(nil)

// CommandOption configures a [CommandLine].
type CommandOption func(*CommandLine)

// WithRunner replaces the process runner.
func WithRunner(r Runner) CommandOption {
	return func(c *CommandLine) { c.run = r }
}

// WithCommandActiveLow inverts the value substituted into the arguments.
func WithCommandActiveLow(v bool) CommandOption {
	return func(c *CommandLine) { c.activeLow = v }
}

// NewCommandLine returns a line that runs argv with [ValuePlaceholder]
// substituted on each SetEnabled. argv must not be empty.
func NewCommandLine(argv []string, opts ...CommandOption) (*CommandLine, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("gpio: command line needs a program")
	}
	c := &CommandLine{
		argv:    argv,
		timeout: 2 * time.Second,
		run:     ExecRunner,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// SetEnabled implements [Line].
func (c *CommandLine) SetEnabled(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := "0"
	if on != c.activeLow {
		v = "1"
	}
	args := make([]string, len(c.argv)-1)
	for i, a := range c.argv[1:] {
		args[i] = strings.ReplaceAll(a, ValuePlaceholder, v)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if out, err := c.run(ctx, c.argv[0], args...); err != nil {
		return fmt.Errorf("%w: %s: %v, output=%s", ErrIO, c.argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
