package gpio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// DefaultSysfsRoot is the standard sysfs GPIO class directory.
const DefaultSysfsRoot = "/sys/class/gpio"

// SysfsOption configures a sysfs line or button.
type SysfsOption func(*sysfsPin)

// WithSysfsRoot overrides the sysfs root directory. Tests point this at a
// temporary directory.
func WithSysfsRoot(root string) SysfsOption {
	return func(p *sysfsPin) { p.root = root }
}

// WithActiveLow inverts the electrical level.
func WithActiveLow(activeLow bool) SysfsOption {
	return func(p *sysfsPin) { p.activeLow = activeLow }
}

type sysfsPin struct {
	root      string
	pin       int
	activeLow bool
}

func (p *sysfsPin) dir() string {
	return filepath.Join(p.root, "gpio"+strconv.Itoa(p.pin))
}

// export makes the pin visible and sets its direction. An already exported
// pin is not an error.
func (p *sysfsPin) export(direction string) error {
	if _, err := os.Stat(p.dir()); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(filepath.Join(p.root, "export"), []byte(strconv.Itoa(p.pin)), 0o200); err != nil {
			return fmt.Errorf("%w: export pin %d: %v", ErrIO, p.pin, err)
		}
	}
	if err := os.WriteFile(filepath.Join(p.dir(), "direction"), []byte(direction), 0o644); err != nil {
		return fmt.Errorf("%w: set pin %d direction: %v", ErrIO, p.pin, err)
	}
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// SysfsLine drives an output pin through sysfs. It is safe for concurrent use.
type SysfsLine struct {
	mu  sync.Mutex
	pin sysfsPin
}

var _ Line = (*SysfsLine)(nil)

// OpenSysfsLine exports pin as an output and drives it inactive.
func OpenSysfsLine(pin int, opts ...SysfsOption) (*SysfsLine, error) {
	l := &SysfsLine{pin: sysfsPin{root: DefaultSysfsRoot, pin: pin}}
	for _, o := range opts {
		o(&l.pin)
	}
	if err := l.pin.export("out"); err != nil {
		return nil, err
	}
	if err := l.SetEnabled(false); err != nil {
		return nil, err
	}
	return l, nil
}

// SetEnabled implements [Line].
func (l *SysfsLine) SetEnabled(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := "0"
	if on != l.pin.activeLow {
		v = "1"
	}
	if err := os.WriteFile(filepath.Join(l.pin.dir(), "value"), []byte(v), 0o644); err != nil {
		return fmt.Errorf("%w: write pin %d: %v", ErrIO, l.pin.pin, err)
	}
	return nil
}

// Close drives the line inactive and unexports it.
func (l *SysfsLine) Close() error {
	err := l.SetEnabled(false)
	if uerr := os.WriteFile(filepath.Join(l.pin.root, "unexport"), []byte(strconv.Itoa(l.pin.pin)), 0o200); uerr != nil {
		slog.Debug("gpio: unexport failed", "pin", l.pin.pin, "error", uerr)
	}
	return err
}

// ─── Input ────────────────────────────────────────────────────────────────────

// SysfsButton polls an input pin and reports level changes.
type SysfsButton struct {
	pin      sysfsPin
	interval time.Duration
	events   chan bool
}

var _ Button = (*SysfsButton)(nil)

// OpenSysfsButton exports pin as an input polled every interval.
func OpenSysfsButton(pin int, interval time.Duration, opts ...SysfsOption) (*SysfsButton, error) {
	b := &SysfsButton{
		pin:      sysfsPin{root: DefaultSysfsRoot, pin: pin},
		interval: interval,
		events:   make(chan bool, 8),
	}
	for _, o := range opts {
		o(&b.pin)
	}
	if b.interval <= 0 {
		b.interval = 20 * time.Millisecond
	}
	if err := b.pin.export("in"); err != nil {
		return nil, err
	}
	return b, nil
}

// Events implements [Button].
func (b *SysfsButton) Events() <-chan bool { return b.events }

// Run implements [Button].
func (b *SysfsButton) Run(ctx context.Context) error {
	defer close(b.events)
	t := time.NewTicker(b.interval)
	defer t.Stop()

	valuePath := filepath.Join(b.pin.dir(), "value")
	last := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		raw, err := os.ReadFile(valuePath)
		if err != nil {
			return fmt.Errorf("%w: read pin %d: %v", ErrIO, b.pin.pin, err)
		}
		pressed := bytes.HasPrefix(bytes.TrimSpace(raw), []byte("1")) != b.pin.activeLow
		if pressed == last {
			continue
		}
		last = pressed
		select {
		case b.events <- pressed:
		case <-ctx.Done():
			return nil
		}
	}
}
