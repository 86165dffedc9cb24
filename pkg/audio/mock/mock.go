// Package mock provides in-memory implementations of the [audio.OutputStream],
// [audio.InputStream] and device opener interfaces for use in unit tests.
//
// All mocks are safe for concurrent use and record their calls. The output
// stream never consumes audio on its own: tests drive the simulated hardware
// explicitly with [OutputStream.Advance], or in the background with
// [OutputStream.Run], which makes write/consume interleavings deterministic.
//
// Typical usage:
//
//	out := mock.NewOutputStream(audio.Voice)
//	track := playback.NewTrack(out, gate)
//	track.Write(pcm, audio.Voice)
//	out.Advance(512) // hardware plays 512 frames; markers fire from here
package mock

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/pushtalk/pkg/audio"
)

// ErrClosed is returned by operations on a closed mock stream.
var ErrClosed = errors.New("mock: stream closed")

// ─── OutputStream ─────────────────────────────────────────────────────────────

// OutputStream is a mock implementation of [audio.OutputStream].
type OutputStream struct {
	mu sync.Mutex

	format   audio.Format
	queued   uint64
	position uint64
	playing  bool
	closed   bool
	gain     float64

	marker      uint64
	markerArmed bool
	period      uint64
	nextPeriod  uint64
	listener    audio.PositionListener

	// Capacity limits the number of queued frames. Zero means unlimited.
	Capacity uint64

	// WriteErr, when non-nil, is returned by every Write.
	WriteErr error

	// Writes holds a copy of every accepted write, in order.
	Writes [][]byte

	// Call counters.
	PlayCalls  int
	PauseCalls int
	FlushCalls int
	CloseCalls int

	// Markers records every SetMarker target.
	Markers []uint64

	// Discarded counts frames dropped by Flush.
	Discarded uint64
}

var _ audio.OutputStream = (*OutputStream)(nil)

// NewOutputStream returns a paused mock output stream in format f.
func NewOutputStream(f audio.Format) *OutputStream {
	return &OutputStream{format: f, gain: 1}
}

// Format implements [audio.OutputStream].
func (o *OutputStream) Format() audio.Format { return o.format }

// Write implements [audio.OutputStream].
func (o *OutputStream) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, ErrClosed
	}
	if o.WriteErr != nil {
		return 0, o.WriteErr
	}
	bpf := o.format.BytesPerFrame()
	frames := uint64(len(p) / bpf)
	if o.Capacity > 0 {
		frames = min(frames, o.Capacity-o.queued)
	}
	n := int(frames) * bpf
	if n == 0 {
		return 0, nil
	}
	o.Writes = append(o.Writes, append([]byte(nil), p[:n]...))
	o.queued += frames
	return n, nil
}

// Play implements [audio.OutputStream].
func (o *OutputStream) Play() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.PlayCalls++
	o.playing = true
	return nil
}

// Pause implements [audio.OutputStream].
func (o *OutputStream) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.PauseCalls++
	o.playing = false
	return nil
}

// Flush implements [audio.OutputStream]. Discarded frames count as consumed.
func (o *OutputStream) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.FlushCalls++
	o.Discarded += o.queued
	o.position += o.queued
	o.queued = 0
	return nil
}

// Position implements [audio.OutputStream].
func (o *OutputStream) Position() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.position
}

// SetMarker implements [audio.OutputStream]. It never fires the listener
// synchronously; a reached marker fires on the next Advance.
func (o *OutputStream) SetMarker(target uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.marker = target
	o.markerArmed = true
	o.Markers = append(o.Markers, target)
	return nil
}

// SetPeriod implements [audio.OutputStream].
func (o *OutputStream) SetPeriod(frames uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.period = frames
	o.nextPeriod = o.position + frames
	return nil
}

// SetListener implements [audio.OutputStream].
func (o *OutputStream) SetListener(l audio.PositionListener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listener = l
}

// SetGain implements [audio.OutputStream].
func (o *OutputStream) SetGain(g float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gain = g
	return nil
}

// Close implements [audio.OutputStream].
func (o *OutputStream) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CloseCalls++
	o.closed = true
	return nil
}

// Advance simulates the hardware consuming up to frames queued frames while
// playing, then delivers any due notifications. Advance(0) only delivers.
// It returns the number of frames consumed.
func (o *OutputStream) Advance(frames uint64) uint64 {
	o.mu.Lock()
	var consumed uint64
	if o.playing {
		consumed = min(frames, o.queued)
		o.queued -= consumed
		o.position += consumed
	}
	l := o.listener
	pos := o.position

	fireMarker := false
	target := o.marker
	if o.markerArmed && pos >= o.marker {
		o.markerArmed = false
		fireMarker = true
	}
	firePeriod := false
	if o.period > 0 && pos >= o.nextPeriod {
		firePeriod = true
		for o.nextPeriod <= pos {
			o.nextPeriod += o.period
		}
	}
	o.mu.Unlock()

	if l != nil {
		if firePeriod {
			l.PeriodicNotification(pos)
		}
		if fireMarker {
			l.MarkerReached(target)
		}
	}
	return consumed
}

// InjectError delivers err to the listener as an asynchronous stream fault.
func (o *OutputStream) InjectError(err error) {
	o.mu.Lock()
	l := o.listener
	o.mu.Unlock()
	if l != nil {
		l.StreamError(err)
	}
}

// Run advances the stream by framesPerTick every tick until ctx is done.
func (o *OutputStream) Run(ctx context.Context, tick time.Duration, framesPerTick uint64) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.Advance(framesPerTick)
		}
	}
}

// Queued returns the number of written frames not yet consumed.
func (o *OutputStream) Queued() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queued
}

// Playing reports whether the stream is consuming frames.
func (o *OutputStream) Playing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.playing
}

// Gain returns the last gain set.
func (o *OutputStream) Gain() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gain
}

// WriteSizes returns the byte length of each accepted write.
func (o *OutputStream) WriteSizes() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	sizes := make([]int, len(o.Writes))
	for i, w := range o.Writes {
		sizes[i] = len(w)
	}
	return sizes
}

// Written returns a copy of every accepted write, in order.
func (o *OutputStream) Written() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]byte, len(o.Writes))
	for i, w := range o.Writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// Counts returns the Play, Pause, Flush and Close call counts.
func (o *OutputStream) Counts() (play, pause, flush, closeCalls int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.PlayCalls, o.PauseCalls, o.FlushCalls, o.CloseCalls
}

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream] that serves
// scripted blocks and then blocks until closed.
type InputStream struct {
	mu      sync.Mutex
	blocks  [][]byte
	errs    []error
	closed  chan struct{}
	once    sync.Once
	reads   int
	onEmpty func()
}

var _ audio.InputStream = (*InputStream)(nil)

// NewInputStream returns a stream that yields blocks in order.
func NewInputStream(blocks ...[]byte) *InputStream {
	return &InputStream{blocks: blocks, closed: make(chan struct{})}
}

// FailNext makes the next len(errs) reads fail with the given errors, in order.
func (s *InputStream) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, errs...)
}

// OnEmpty registers fn to run once, the first time a read finds no scripted
// block left. Tests use it to release the push-to-talk button.
func (s *InputStream) OnEmpty(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEmpty = fn
}

// Read implements [audio.InputStream].
func (s *InputStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	s.reads++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.mu.Unlock()
		return 0, err
	}
	if len(s.blocks) > 0 {
		b := s.blocks[0]
		s.blocks = s.blocks[1:]
		s.mu.Unlock()
		return copy(p, b), nil
	}
	fn := s.onEmpty
	s.onEmpty = nil
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
	<-s.closed
	return 0, io.EOF
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Reads returns how many times Read was called.
func (s *InputStream) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Closed reports whether Close was called.
func (s *InputStream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// ─── Openers ──────────────────────────────────────────────────────────────────

// InputOpener is a mock [audio.InputOpener]. Each OpenInput call pops the
// next stream from Streams; when empty a fresh silent stream is returned.
type InputOpener struct {
	mu sync.Mutex

	// Streams are handed out in order.
	Streams []*InputStream

	// Err, when non-nil, is returned by OpenInput.
	Err error

	// Opened records the device ref of every call.
	Opened []*audio.DeviceRef
}

var _ audio.InputOpener = (*InputOpener)(nil)

// OpenInput implements [audio.InputOpener].
func (o *InputOpener) OpenInput(ref *audio.DeviceRef, _ audio.Format) (audio.InputStream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Opened = append(o.Opened, ref)
	if o.Err != nil {
		return nil, o.Err
	}
	if len(o.Streams) == 0 {
		return NewInputStream(), nil
	}
	s := o.Streams[0]
	o.Streams = o.Streams[1:]
	return s, nil
}

// OpenCount returns the number of OpenInput calls.
func (o *InputOpener) OpenCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Opened)
}

// DeviceLister is a mock [audio.DeviceLister].
type DeviceLister struct {
	Result []audio.DeviceInfo
	Err    error
}

var _ audio.DeviceLister = (*DeviceLister)(nil)

// Devices implements [audio.DeviceLister].
func (l *DeviceLister) Devices() ([]audio.DeviceInfo, error) {
	return l.Result, l.Err
}
