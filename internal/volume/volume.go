// Package volume holds the single authoritative output volume.
//
// The assistant may change the volume mid-turn and the same percentage is
// reported back to it in the next turn's config, so both the assistant and
// the TTS path always play at the level the user last asked for. Every gain
// change goes through [Controller.SetPercentage], which applies it to all
// registered sinks under one lock.
package volume

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultPercentage is the start-up volume.
const DefaultPercentage = 100

// Sink receives linear gain updates.
type Sink interface {
	SetGain(g float64) error
}

// Controller maps a 0..100 volume percentage to a linear gain.
type Controller struct {
	mu      sync.Mutex
	maxGain float64
	pct     int
	sinks   []Sink
}

// Option configures a [Controller].
type Option func(*Controller)

// WithMaxGain sets the gain applied at 100%. Defaults to 1.
func WithMaxGain(g float64) Option {
	return func(c *Controller) {
		if g > 0 {
			c.maxGain = g
		}
	}
}

// WithInitial sets the start-up percentage. It is applied by the first
// SetPercentage or Apply call.
func WithInitial(pct int) Option {
	return func(c *Controller) { c.pct = clamp(pct) }
}

// New returns a Controller driving sinks.
func New(sinks []Sink, opts ...Option) *Controller {
	c := &Controller{maxGain: 1, pct: DefaultPercentage, sinks: sinks}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AddSink registers another sink. The current gain is not pushed to it;
// call Apply afterwards.
func (c *Controller) AddSink(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

// SetPercentage clamps pct to [0,100], stores it and applies the resulting
// gain to every sink. Sink failures are joined; the stored percentage is
// updated regardless.
func (c *Controller) SetPercentage(pct int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pct = clamp(pct)
	err := c.applyLocked()
	slog.Info("volume: set", "percent", c.pct, "gain", c.gainLocked())
	return err
}

// Apply re-applies the stored percentage to every sink.
func (c *Controller) Apply() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked()
}

// Percentage returns the stored percentage.
func (c *Controller) Percentage() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pct
}

// Gain returns the linear gain for the stored percentage.
func (c *Controller) Gain() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gainLocked()
}

func (c *Controller) gainLocked() float64 {
	return c.maxGain * float64(c.pct) / 100
}

func (c *Controller) applyLocked() error {
	g := c.gainLocked()
	var errs []error
	for i, s := range c.sinks {
		if err := s.SetGain(g); err != nil {
			errs = append(errs, fmt.Errorf("volume: sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func clamp(pct int) int {
	return min(max(pct, 0), 100)
}
