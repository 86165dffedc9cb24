package volume

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/pushtalk/pkg/gpio"
)

// Mixer sets an ALSA simple mixer control with amixer. Some codecs expose
// an attenuation control where larger raw values are quieter; set Inverted
// for those.
type Mixer struct {
	// Card is the ALSA card index. Negative selects the default card.
	Card int

	// Control is the simple control name, e.g. "Master" or "Speaker,0".
	Control string

	// RawMin and RawMax bound the control's raw range.
	RawMin, RawMax int

	// Inverted maps 100% to RawMin.
	Inverted bool

	// Run executes amixer. Defaults to [gpio.ExecRunner].
	Run gpio.Runner
}

var _ Sink = (*Mixer)(nil)

// SetGain implements [Sink]. Gains are clamped to [0,1] and mapped onto the
// raw range.
func (m *Mixer) SetGain(g float64) error {
	if strings.TrimSpace(m.Control) == "" {
		return fmt.Errorf("volume: mixer control name is empty")
	}
	pct := int(math.Round(min(max(g, 0), 1) * 100))
	return m.run("sset", m.Control, strconv.Itoa(m.PercentToRaw(pct)))
}

// PercentToRaw maps pct onto the control's raw range.
func (m *Mixer) PercentToRaw(pct int) int {
	pct = clamp(pct)
	span := m.RawMax - m.RawMin
	if m.Inverted {
		return m.RawMax - span*pct/100
	}
	return m.RawMin + span*pct/100
}

func (m *Mixer) run(args ...string) error {
	if m.Card >= 0 {
		args = append([]string{"-c", strconv.Itoa(m.Card)}, args...)
	}
	run := m.Run
	if run == nil {
		run = gpio.ExecRunner
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := run(ctx, "amixer", args...)
	if err != nil {
		return fmt.Errorf("volume: amixer %s: %w (output: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
