// Package playback owns the single speaker output of the device.
//
// Three pieces cooperate here:
//
//   - [Track] wraps the hardware [audio.OutputStream] and guarantees that a
//     stop request never truncates audio that has already been written. The
//     amplifier hold is released only once the device confirms, through its
//     marker notification, that the last written frame has played.
//   - [Arbiter] hands out the playback turn, a FIFO single-holder token that
//     serialises the assistant and TTS producers.
//   - [Worker] is the audio-I/O goroutine. It is the only caller of
//     [Track.Write] and also runs the capture steps posted to it.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/pushtalk/internal/amp"
	"github.com/MrWong99/pushtalk/internal/observe"
	"github.com/MrWong99/pushtalk/pkg/audio"
)

// ErrFormatMismatch is returned when audio does not match the track format.
var ErrFormatMismatch = errors.New("playback: format mismatch")

// ErrClosed is returned by operations on a closed track.
var ErrClosed = errors.New("playback: track closed")

// closedCh is returned by RequestStop when there is nothing to wait for.
var closedCh = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Track is the stop-safe wrapper around the shared output stream.
//
// Every write clears the safe-to-stop flag and re-arms the device marker at
// the new end of written audio. The marker callback sets the flag again once
// playback has caught up. A stop requested while audio is outstanding is
// deferred until then and carried out on the track's own goroutine, so the
// callback thread never performs device I/O.
//
// Track is safe for concurrent use, though writes are expected to come from a
// single goroutine (the [Worker]).
type Track struct {
	out     audio.OutputStream
	gate    *amp.Gate
	format  audio.Format
	metrics *observe.Metrics

	mu            sync.Mutex
	hold          *amp.Hold
	active        bool
	writing       int
	framesWritten uint64
	marker        uint64
	safeToStop    bool
	stopRequested bool
	stopDone      chan struct{}
	stopAt        time.Time
	closed        bool

	stopSignal chan struct{}
	quit       chan struct{}
	loopDone   chan struct{}
}

var _ audio.PositionListener = (*Track)(nil)

// TrackOption configures a [Track].
type TrackOption func(*Track)

// WithTrackMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithTrackMetrics(m *observe.Metrics) TrackOption {
	return func(t *Track) { t.metrics = m }
}

// NewTrack wraps out and installs itself as the stream's position listener.
// Periodic notifications are set to one second of frames.
func NewTrack(out audio.OutputStream, gate *amp.Gate, opts ...TrackOption) *Track {
	t := &Track{
		out:        out,
		gate:       gate,
		format:     out.Format(),
		safeToStop: true,
		stopSignal: make(chan struct{}, 1),
		quit:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	out.SetListener(t)
	if err := out.SetPeriod(t.format.FramesPerSecond()); err != nil {
		slog.Warn("playback: set notification period failed", "error", err)
	}
	go t.loop()
	return t
}

// Format returns the stream format every write must match.
func (t *Track) Format() audio.Format { return t.format }

// Write enqueues p into the device and returns the bytes accepted, which may
// be fewer than len(p). The first write since the track was idle takes an
// amplifier hold and starts the stream.
func (t *Track) Write(p []byte, f audio.Format) (int, error) {
	if f != t.format {
		return 0, fmt.Errorf("%w: got %s, track is %s", ErrFormatMismatch, f, t.format)
	}
	if _, err := f.BytesToFrames(len(p)); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	if !t.active {
		if err := t.startLocked(); err != nil {
			t.mu.Unlock()
			return 0, err
		}
	}
	t.safeToStop = false
	t.writing++
	t.mu.Unlock()

	n, err := t.out.Write(p)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.writing--
	t.framesWritten += uint64(n / t.format.BytesPerFrame())
	// Re-arm even when nothing was accepted: a marker that fired while the
	// write was in flight was discarded.
	t.marker = t.framesWritten
	if merr := t.out.SetMarker(t.marker); merr != nil {
		slog.Warn("playback: set marker failed", "target", t.marker, "error", merr)
	}
	if err != nil {
		return n, fmt.Errorf("playback: write: %w", err)
	}
	return n, nil
}

func (t *Track) startLocked() error {
	hold, err := t.gate.Acquire()
	if err != nil {
		return fmt.Errorf("playback: power amplifier: %w", err)
	}
	if err := t.out.Play(); err != nil {
		_ = hold.Release()
		return fmt.Errorf("playback: start stream: %w", err)
	}
	t.hold = hold
	t.active = true
	slog.Debug("playback: track started", "frames_written", t.framesWritten)
	return nil
}

// RequestStop asks the track to stop once everything written has played. The
// returned channel is closed when the stop has been carried out. If nothing
// is outstanding the track stops immediately and a closed channel is
// returned. Repeated calls return the same pending channel and never release
// the amplifier twice.
func (t *Track) RequestStop() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopDone != nil {
		return t.stopDone
	}
	if !t.active {
		return closedCh
	}
	if t.safeToStop && t.writing == 0 {
		t.stopLocked("drained")
		return closedCh
	}
	t.stopRequested = true
	t.stopAt = time.Now()
	t.stopDone = make(chan struct{})
	slog.Debug("playback: stop deferred until drained",
		"frames_written", t.framesWritten, "position", t.out.Position())
	return t.stopDone
}

// ForceStop stops the track immediately, discarding queued audio. It is the
// only way to stop without waiting for confirmation and is used on kill and
// after hardware faults. A pending RequestStop channel is closed.
func (t *Track) ForceStop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		t.finishLocked()
		return
	}
	t.stopLocked("forced")
}

// stopLocked performs the device stop and drops the amplifier hold.
func (t *Track) stopLocked(reason string) {
	if err := t.out.Flush(); err != nil {
		slog.Warn("playback: flush failed", "error", err)
	}
	if err := t.out.Pause(); err != nil {
		slog.Warn("playback: pause failed", "error", err)
	}
	if t.hold != nil {
		if err := t.hold.Release(); err != nil {
			slog.Warn("playback: release amplifier failed", "error", err)
		}
		t.hold = nil
	}
	t.active = false
	t.safeToStop = true
	if !t.stopAt.IsZero() {
		t.metrics.DrainDuration.Record(context.Background(), time.Since(t.stopAt).Seconds())
	}
	slog.Debug("playback: track stopped", "reason", reason, "frames_written", t.framesWritten)
	t.finishLocked()
}

func (t *Track) finishLocked() {
	t.stopRequested = false
	t.stopAt = time.Time{}
	if t.stopDone != nil {
		close(t.stopDone)
		t.stopDone = nil
	}
}

// loop carries out deferred stops signalled by MarkerReached.
func (t *Track) loop() {
	defer close(t.loopDone)
	for {
		select {
		case <-t.quit:
			return
		case <-t.stopSignal:
			t.mu.Lock()
			if t.active && t.stopRequested && t.safeToStop && t.writing == 0 {
				t.stopLocked("drained")
			}
			t.mu.Unlock()
		}
	}
}

// MarkerReached implements [audio.PositionListener]. Notifications for a
// target below the current end of written audio, or arriving while a write is
// in flight, are stale and ignored.
func (t *Track) MarkerReached(target uint64) {
	defer t.recoverCallback("marker")
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active || t.writing > 0 || target < t.framesWritten {
		return
	}
	t.safeToStop = true
	if t.stopRequested {
		select {
		case t.stopSignal <- struct{}{}:
		default:
		}
	}
}

// PeriodicNotification implements [audio.PositionListener]. It is
// informational only.
func (t *Track) PeriodicNotification(position uint64) {
	defer t.recoverCallback("periodic")
	slog.Debug("playback: position", "position", position)
}

// StreamError implements [audio.PositionListener]. The fault is logged and
// counted; the track stays unsafe to stop until the next marker.
func (t *Track) StreamError(err error) {
	defer t.recoverCallback("stream")
	slog.Warn("playback: output stream fault", "error", err)
	t.metrics.RecordPlaybackError(context.Background(), "stream")
}

func (t *Track) recoverCallback(kind string) {
	if r := recover(); r != nil {
		slog.Error("playback: callback panicked", "callback", kind, "panic", r)
		t.metrics.RecordPlaybackError(context.Background(), "panic")
	}
}

// SetGain sets the linear output gain. It implements the volume sink.
func (t *Track) SetGain(g float64) error {
	if err := t.out.SetGain(g); err != nil {
		return fmt.Errorf("playback: set gain: %w", err)
	}
	return nil
}

// TrackState is a snapshot of the stop bookkeeping.
type TrackState struct {
	Active        bool
	FramesWritten uint64
	Marker        uint64
	SafeToStop    bool
	StopRequested bool
}

// State returns a snapshot of the track bookkeeping.
func (t *Track) State() TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackState{
		Active:        t.active,
		FramesWritten: t.framesWritten,
		Marker:        t.marker,
		SafeToStop:    t.safeToStop,
		StopRequested: t.stopRequested,
	}
}

// Close force-stops the track and closes the output stream. It is safe to
// call more than once.
func (t *Track) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.active {
		t.stopLocked("closed")
	} else {
		t.finishLocked()
	}
	t.mu.Unlock()

	close(t.quit)
	<-t.loopDone
	t.out.SetListener(nil)
	return t.out.Close()
}
