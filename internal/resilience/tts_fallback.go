package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/provider/tts"
)

// TTSFallback implements [tts.Engine] with failover across several engines.
// Each engine has its own circuit breaker and engines that are not ready are
// skipped.
//
// Failover happens only before the first audio of an utterance: an engine
// whose stream opens with EventError counts as failed and the next one is
// tried. Later errors are passed through to the caller.
//
// PCM chunks from a fallback whose format differs from the primary's are
// resampled, so Format always reports the primary's format.
type TTSFallback struct {
	group     *FallbackGroup[tts.Engine]
	resampler audio.Resampler
}

var _ tts.Engine = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred engine.
func NewTTSFallback(primary tts.Engine, cfg FallbackConfig) *TTSFallback {
	g := NewFallbackGroup(primary, primary.Name(), cfg)
	g.SetHealthCheck(func(e tts.Engine) bool { return e.Ready() })
	return &TTSFallback{group: g, resampler: &audio.LinearResampler{}}
}

// AddFallback registers an additional engine.
func (f *TTSFallback) AddFallback(e tts.Engine) {
	f.group.AddFallback(e.Name(), e)
}

// Name implements tts.Engine. It lists the engines in failover order.
func (f *TTSFallback) Name() string {
	var names []string
	f.group.Each(func(name string, _ tts.Engine, _ State) { names = append(names, name) })
	return strings.Join(names, ",")
}

// Ready implements tts.Engine. It reports true if any engine is ready.
func (f *TTSFallback) Ready() bool {
	ready := false
	f.group.Each(func(_ string, e tts.Engine, _ State) { ready = ready || e.Ready() })
	return ready
}

// Format implements tts.Engine.
func (f *TTSFallback) Format() audio.Format { return f.group.Primary().Format() }

// errStreamFailed marks an engine whose stream failed before any audio.
var errStreamFailed = errors.New("stream failed before audio")

// Synthesize implements tts.Engine.
func (f *TTSFallback) Synthesize(ctx context.Context, text string) (<-chan tts.Event, error) {
	want := f.Format()
	return ExecuteWithResult(f.group, func(e tts.Engine) (<-chan tts.Event, error) {
		ch, err := e.Synthesize(ctx, text)
		if err != nil {
			return nil, err
		}
		var first tts.Event
		select {
		case ev, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return nil, fmt.Errorf("%s: %w: empty stream", e.Name(), errStreamFailed)
			}
			first = ev
		case <-ctx.Done():
			go audio.Drain(ch)
			return nil, ctx.Err()
		}
		if first.Kind == tts.EventError {
			go audio.Drain(ch)
			err := fmt.Errorf("%s: %w: code %d", e.Name(), errStreamFailed, first.Code)
			return nil, errors.Join(err, first.Err)
		}
		return f.forward(ctx, e, want, first, ch), nil
	})
}

// forward re-emits first and the rest of in, resampling PCM if needed.
func (f *TTSFallback) forward(ctx context.Context, e tts.Engine, want audio.Format, first tts.Event, in <-chan tts.Event) <-chan tts.Event {
	from := e.Format()
	convert := from != want
	if convert {
		slog.Info("resilience: tts fallback resampling", "engine", e.Name(), "from", from.String(), "to", want.String())
	}
	rf := audio.Reframer{Format: from}

	out := make(chan tts.Event, cap(in)+1)
	go func() {
		defer close(out)
		defer audio.Drain(in)

		ev, ok := first, true
		for ok {
			if convert && ev.Kind == tts.EventAudio {
				pcm, err := f.resampler.Resample(rf.Push(ev.Audio), from, want)
				if err != nil {
					ev = tts.Failed(tts.CodeInvalidResponse, fmt.Errorf("resilience: resample %s: %w", e.Name(), err))
				} else {
					ev = tts.Audio(pcm)
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal() {
				return
			}
			ev, ok = <-in
		}
	}()
	return out
}
