// Package amp owns the external power-amplifier enable line.
//
// The amplifier must bracket audible output exactly: it is switched on before
// the first frame of a turn reaches the speaker and off only after the last
// frame has been confirmed played. [Gate] enforces this with reference-counted
// holds. Every producer that has undrained audio in the device owns one
// [Hold]; the line is driven low when the last hold is released.
package amp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/pushtalk/internal/observe"
	"github.com/MrWong99/pushtalk/pkg/gpio"
)

// ErrHeld is returned by [Gate.Disable] while holds are outstanding.
var ErrHeld = errors.New("amp: amplifier is held by undrained audio")

// Gate is the single process-wide amplifier controller. It is safe for
// concurrent use. Construct one at start-up and pass it to every component
// that plays audio.
type Gate struct {
	line    gpio.Line
	metrics *observe.Metrics

	mu      sync.Mutex
	holds   int
	enabled bool
	// gen invalidates holds issued before the last ForceOff.
	gen uint64
}

// Option configures a [Gate].
type Option func(*Gate)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New returns a Gate driving line. The line is assumed to be off.
func New(line gpio.Line, opts ...Option) *Gate {
	g := &Gate{line: line}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Hold keeps the amplifier powered until released.
type Hold struct {
	g    *Gate
	gen  uint64
	once sync.Once
	err  error
}

// Acquire takes a hold, powering the amplifier if it is off. If the line
// cannot be driven the hold is not taken and the error wraps [gpio.ErrIO].
func (g *Gate) Acquire() (*Hold, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.setLocked(true); err != nil {
		return nil, err
	}
	g.holds++
	return &Hold{g: g, gen: g.gen}, nil
}

// Release drops the hold. The amplifier is switched off when no holds
// remain. Release is idempotent; only the first call has an effect and
// later calls return its result.
func (h *Hold) Release() error {
	h.once.Do(func() { h.err = h.g.release(h.gen) })
	return h.err
}

func (g *Gate) release(gen uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen != g.gen || g.holds == 0 {
		return nil
	}
	g.holds--
	if g.holds > 0 {
		return nil
	}
	return g.setLocked(false)
}

// Enable powers the amplifier without taking a hold. It is idempotent.
func (g *Gate) Enable() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.setLocked(true)
}

// Disable switches the amplifier off. It is idempotent and refuses with
// [ErrHeld] while any hold is outstanding.
func (g *Gate) Disable() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holds > 0 {
		return fmt.Errorf("%w (%d holds)", ErrHeld, g.holds)
	}
	return g.setLocked(false)
}

// ForceOff drives the line off unconditionally and invalidates every
// outstanding hold. It is used on shutdown and after hardware faults, and
// always records the amplifier as off so a later Acquire re-drives the line.
func (g *Gate) ForceOff() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen++
	g.holds = 0
	wasOn := g.enabled
	g.enabled = false
	if err := g.line.SetEnabled(false); err != nil {
		return fmt.Errorf("amp: force off: %w", err)
	}
	if wasOn {
		g.metrics.RecordAmpTransition(context.Background(), false)
		slog.Debug("amp: forced off")
	}
	return nil
}

// Enabled reports whether the amplifier is believed to be powered.
func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// Holds returns the number of outstanding holds.
func (g *Gate) Holds() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holds
}

// setLocked drives the line when the desired state differs. A failed
// switch-off leaves enabled set so that ForceOff or the next release retries.
func (g *Gate) setLocked(on bool) error {
	if g.enabled == on {
		return nil
	}
	if err := g.line.SetEnabled(on); err != nil {
		slog.Warn("amp: line transition failed", "on", on, "error", err)
		return fmt.Errorf("amp: set enabled=%v: %w", on, err)
	}
	g.enabled = on
	g.metrics.RecordAmpTransition(context.Background(), on)
	slog.Debug("amp: line transition", "on", on)
	return nil
}
