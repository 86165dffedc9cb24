// Package speech plays locally synthesised speech through the shared
// playback worker.
//
// [Bridge.Speak] calls are served one at a time in submission order. Every
// utterance takes the playback turn for [audio.SourceTTS] before its first
// frame is queued and releases it only once the track confirmed the last
// frame played, so TTS never overlaps an assistant reply.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/pushtalk/internal/observe"
	"github.com/MrWong99/pushtalk/internal/playback"
	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/provider/tts"
)

// fileChunkSize is the read size for file results.
const fileChunkSize = 4096

// DefaultDrainTimeout bounds the wait for playback to confirm the last frame
// of an utterance.
const DefaultDrainTimeout = 30 * time.Second

var (
	// ErrEngineNotReady is returned when the engine has not finished
	// initialising or lost its backend.
	ErrEngineNotReady = errors.New("speech: engine not ready")

	// ErrFormatMismatch is returned when engine audio differs from the track
	// format and no resampler is configured.
	ErrFormatMismatch = errors.New("speech: format mismatch")

	// ErrSynthesisFailed is matched by every [*SynthesisError].
	ErrSynthesisFailed = errors.New("speech: synthesis failed")

	// ErrClosed is returned by Speak once the bridge loop has stopped.
	ErrClosed = errors.New("speech: bridge closed")

	// ErrDrainTimeout is returned when playback did not confirm the end of
	// an utterance within the drain timeout. The track is force-stopped.
	ErrDrainTimeout = errors.New("speech: playback drain timed out")
)

// ForceStopper stops playback immediately. It is satisfied by
// [*playback.Track].
type ForceStopper interface {
	ForceStop()
}

// SynthesisError carries the engine status code of a failed utterance.
type SynthesisError struct {
	Code int
	Err  error
}

func (e *SynthesisError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("speech: synthesis failed (code %d)", e.Code)
	}
	return fmt.Sprintf("speech: synthesis failed (code %d): %v", e.Code, e.Err)
}

// Is matches [ErrSynthesisFailed].
func (e *SynthesisError) Is(target error) bool { return target == ErrSynthesisFailed }

func (e *SynthesisError) Unwrap() error { return e.Err }

// Option configures a [Bridge].
type Option func(*Bridge)

// WithResampler converts engine audio that does not match the track format.
func WithResampler(r audio.Resampler) Option {
	return func(b *Bridge) { b.resampler = r }
}

// WithFormat sets the playback format. Defaults to audio.Voice.
func WithFormat(f audio.Format) Option {
	return func(b *Bridge) { b.format = f }
}

// WithQueueSize bounds the number of pending Speak calls. Defaults to 16.
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithDrainTimeout bounds the wait for the last frame of an utterance.
// Defaults to [DefaultDrainTimeout].
func WithDrainTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.drainTimeout = d
		}
	}
}

// WithTrack sets the track that is force-stopped when a drain times out or
// an utterance is cancelled.
func WithTrack(t ForceStopper) Option {
	return func(b *Bridge) { b.track = t }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

type request struct {
	ctx  context.Context
	text string
	done chan error
}

// Bridge feeds a [tts.Engine] into the playback worker. Run must be running
// for Speak to make progress.
type Bridge struct {
	engine    tts.Engine
	worker    *playback.Worker
	arbiter   *playback.Arbiter
	resampler audio.Resampler
	format    audio.Format
	metrics   *observe.Metrics
	queueSize int

	track        ForceStopper
	drainTimeout time.Duration

	requests chan request
	stopped  chan struct{}
}

// New returns a Bridge. Call Run before Speak.
func New(engine tts.Engine, worker *playback.Worker, arbiter *playback.Arbiter, opts ...Option) *Bridge {
	b := &Bridge{
		engine:       engine,
		worker:       worker,
		arbiter:      arbiter,
		format:       audio.Voice,
		queueSize:    16,
		drainTimeout: DefaultDrainTimeout,
		stopped:      make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	b.requests = make(chan request, b.queueSize)
	return b
}

// Engine returns the configured engine.
func (b *Bridge) Engine() tts.Engine { return b.engine }

// Run serves Speak requests until ctx is done. Pending requests fail with
// ErrClosed.
func (b *Bridge) Run(ctx context.Context) error {
	defer func() {
		close(b.stopped)
		for {
			select {
			case r := <-b.requests:
				r.done <- ErrClosed
			default:
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-b.requests:
			if err := r.ctx.Err(); err != nil {
				r.done <- err
				continue
			}
			r.done <- b.speak(r.ctx, r.text)
		}
	}
}

// Speak synthesises text and blocks until it was played or failed. An error
// only affects this call. Cancelling ctx returns at once; the utterance is
// abandoned and its output stopped.
func (b *Bridge) Speak(ctx context.Context, text string) error {
	r := request{ctx: ctx, text: text, done: make(chan error, 1)}
	select {
	case b.requests <- r:
	case <-b.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopped:
		select {
		case err := <-r.done:
			return err
		default:
			return ErrClosed
		}
	}
}

func (b *Bridge) speak(ctx context.Context, text string) (err error) {
	ctx, span := observe.StartSpan(ctx, "speech.speak")
	defer span.End()
	name := b.engine.Name()
	log := observe.Logger(ctx).With("engine", name)

	u := &utterance{b: b, ctx: ctx, started: time.Now()}
	defer func() {
		status := "ok"
		if err != nil {
			status = "failed"
			observe.Fail(span, err)
			log.Warn("speech: utterance failed", "err", err)
		}
		b.metrics.RecordUtterance(context.WithoutCancel(ctx), name, status)
		u.finish(err)
	}()

	if !b.engine.Ready() {
		return ErrEngineNotReady
	}
	if err := b.checkFormat(b.engine.Format()); err != nil {
		return err
	}
	events, err := b.engine.Synthesize(ctx, text)
	if err != nil {
		return &SynthesisError{Code: tts.CodeRequestFailed, Err: err}
	}

	terminal := false
	defer func() {
		if !terminal {
			go audio.Drain(events)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok || ev.Terminal() {
				terminal = true
			}
			if !ok {
				return &SynthesisError{Code: tts.CodeInvalidResponse, Err: errors.New("stream ended without completion")}
			}
			switch ev.Kind {
			case tts.EventAudio:
				if err := u.push(ev.Audio, b.engine.Format()); err != nil {
					return err
				}
			case tts.EventFile:
				if err := u.playFile(ev.Path); err != nil {
					return err
				}
			case tts.EventDone:
				if ev.Code != tts.CodeOK {
					return &SynthesisError{Code: ev.Code, Err: ev.Err}
				}
				return u.end()
			case tts.EventError:
				return &SynthesisError{Code: ev.Code, Err: ev.Err}
			}
		}
	}
}

func (b *Bridge) checkFormat(f audio.Format) error {
	if f == b.format || b.resampler != nil {
		return nil
	}
	return fmt.Errorf("%w: engine produces %s, playback expects %s", ErrFormatMismatch, f, b.format)
}

// utterance is the playback side of one Speak call.
type utterance struct {
	b       *Bridge
	ctx     context.Context
	started time.Time

	turn     *playback.Turn
	reframer *audio.Reframer
	first    bool
	ended    bool
}

// push reframes chunk in format f, converts it and queues it.
func (u *utterance) push(chunk []byte, f audio.Format) error {
	if u.reframer == nil || u.reframer.Format != f {
		u.reframer = &audio.Reframer{Format: f}
	}
	data := u.reframer.Push(chunk)
	if len(data) == 0 {
		return nil
	}
	if f != u.b.format {
		var err error
		if data, err = u.b.resampler.Resample(data, f, u.b.format); err != nil {
			return fmt.Errorf("speech: resample: %w", err)
		}
		if len(data) == 0 {
			return nil
		}
	}

	if u.turn == nil {
		t, err := u.b.arbiter.Acquire(u.ctx, audio.SourceTTS)
		if err != nil {
			return err
		}
		u.turn = t
	}
	if !u.first {
		u.first = true
		u.b.metrics.TTSDuration.Record(u.ctx, time.Since(u.started).Seconds())
	}
	frame := audio.Frame{Data: data, Format: u.b.format, Source: audio.SourceTTS}
	if err := u.b.worker.Enqueue(u.ctx, u.turn, frame); err != nil {
		return fmt.Errorf("speech: enqueue: %w", err)
	}
	return nil
}

// playFile streams a synthesised WAV or MP3 file and removes it.
func (u *utterance) playFile(path string) error {
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			observe.Logger(u.ctx).Warn("speech: remove temp file", "path", path, "err", err)
		}
	}()
	f, err := os.Open(path)
	if err != nil {
		return &SynthesisError{Code: tts.CodeInvalidResponse, Err: err}
	}
	defer f.Close()

	var (
		src    io.Reader
		format audio.Format
	)
	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		if src, format, err = audio.DecodeMP3(f); err != nil {
			return &SynthesisError{Code: tts.CodeInvalidResponse, Err: err}
		}
	} else {
		h, err := audio.ReadWaveHeader(f)
		if err != nil {
			return &SynthesisError{Code: tts.CodeInvalidResponse, Err: err}
		}
		src, format = io.LimitReader(f, int64(h.PayloadLength)), h.Format
	}
	if err := u.b.checkFormat(format); err != nil {
		return err
	}

	buf := make([]byte, fileChunkSize)
	for {
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if err := u.push(buf[:n], format); err != nil {
				return err
			}
		}
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("speech: read %s: %w", filepath.Base(path), rerr)
		}
	}
}

// end waits for the track to confirm the last queued frame.
func (u *utterance) end() error {
	u.ended = true
	if u.turn == nil {
		return nil
	}
	if err := u.await(u.ctx); err != nil {
		return fmt.Errorf("speech: drain: %w", err)
	}
	return nil
}

// await waits for the end-of-stream confirmation of the turn, bounded by the
// drain timeout. On timeout output is stopped.
func (u *utterance) await(ctx context.Context) error {
	end := u.b.worker.EndStream(ctx, u.turn)
	timer := time.NewTimer(u.b.drainTimeout)
	defer timer.Stop()
	select {
	case err := <-end:
		return err
	case <-timer.C:
		observe.Logger(ctx).Warn("speech: playback did not drain, stopping output",
			"timeout", u.b.drainTimeout)
		u.stop()
		return ErrDrainTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop drops queued TTS audio and force-stops the track, then repeats both on
// the worker goroutine so a frame the worker was writing cannot restart
// output after the turn is released.
func (u *utterance) stop() {
	if u.b.track == nil {
		u.b.worker.Discard(audio.SourceTTS)
		return
	}
	halt := func() {
		u.b.worker.Discard(audio.SourceTTS)
		u.b.track.ForceStop()
	}
	halt()
	if !u.b.worker.Alive() {
		return
	}
	done := make(chan struct{})
	if !u.b.worker.Post(func() { halt(); close(done) }) {
		return
	}
	timer := time.NewTimer(u.b.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	}
}

// finish releases the playback turn. A cancelled utterance stops output at
// once. On other failures queued frames are dropped and the frames already
// written play out first.
func (u *utterance) finish(err error) {
	if u.turn == nil {
		return
	}
	defer u.turn.Release()
	switch {
	case u.ended && (err == nil || errors.Is(err, ErrDrainTimeout)):
		return
	case u.ctx.Err() != nil:
		u.stop()
		return
	}
	u.b.worker.Discard(audio.SourceTTS)
	if werr := u.await(context.WithoutCancel(u.ctx)); werr != nil && !errors.Is(werr, ErrDrainTimeout) {
		observe.Logger(u.ctx).Debug("speech: drain after failure", "err", werr)
	}
}
