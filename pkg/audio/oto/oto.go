// Package oto implements [audio.OutputStream] on top of ebitengine/oto.
//
// oto pulls audio from an io.Reader. [Stream] is that reader: writes append
// to a bounded queue, and the player drains it. The player keeps its own
// buffer topped up, padding with silence when the queue runs dry, so the
// stream counts every byte it serves and remembers where in that byte
// stream the real audio sits. The play position is the real audio served
// before the player's buffered tail, and a poller goroutine turns position
// changes into marker and periodic notifications.
package oto

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ebitenoto "github.com/ebitengine/oto/v3"

	"github.com/MrWong99/pushtalk/pkg/audio"
)

// Defaults.
const (
	DefaultBuffer       = 100 * time.Millisecond
	DefaultQueue        = 500 * time.Millisecond
	DefaultPollInterval = 10 * time.Millisecond
)

// ErrClosed is returned by operations on a closed stream.
var ErrClosed = errors.New("oto: stream closed")

// oto allows a single context per process.
var (
	ctxOnce   sync.Once
	sharedCtx *ebitenoto.Context
	ctxFormat audio.Format
	ctxErr    error
)

// Opener opens the process-wide oto output. It implements
// [audio.OutputOpener]. oto always plays to the system default device.
type Opener struct {
	// Buffer is the driver buffer length. Defaults to [DefaultBuffer].
	Buffer time.Duration

	// Queue bounds audio accepted by Write but not yet pulled by the player.
	// Defaults to [DefaultQueue].
	Queue time.Duration

	// PollInterval is the position poll period. Defaults to
	// [DefaultPollInterval].
	PollInterval time.Duration
}

var _ audio.OutputOpener = (*Opener)(nil)

// OpenOutput implements [audio.OutputOpener].
func (o *Opener) OpenOutput(ref *audio.DeviceRef, f audio.Format) (audio.OutputStream, error) {
	if ref != nil {
		slog.Warn("oto: device selection is not supported, using the default output", "device", ref.Name)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	ofmt, err := otoFormat(f.Encoding)
	if err != nil {
		return nil, err
	}

	buffer := o.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ctxOnce.Do(func() {
		op := &ebitenoto.NewContextOptions{
			SampleRate:   int(f.SampleRate),
			ChannelCount: int(f.Channels),
			Format:       ofmt,
			BufferSize:   buffer,
		}
		var ready chan struct{}
		sharedCtx, ready, ctxErr = ebitenoto.NewContext(op)
		if ctxErr == nil {
			<-ready
			ctxFormat = f
		}
	})
	if ctxErr != nil {
		return nil, fmt.Errorf("oto: open context: %w", ctxErr)
	}
	if ctxFormat != f {
		return nil, fmt.Errorf("oto: context already opened as %s, cannot open %s", ctxFormat, f)
	}

	queue := o.Queue
	if queue <= 0 {
		queue = DefaultQueue
	}
	poll := o.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	s := newStream(f, f.FramesToBytes(uint64(queue.Seconds()*float64(f.SampleRate))), poll)
	s.player = sharedCtx.NewPlayer(s)
	go s.poll()
	return s, nil
}

func otoFormat(e audio.Encoding) (ebitenoto.Format, error) {
	switch e {
	case audio.EncodingPCMS16:
		return ebitenoto.FormatSignedInt16LE, nil
	case audio.EncodingPCMF32:
		return ebitenoto.FormatFloat32LE, nil
	case audio.EncodingPCMU8:
		return ebitenoto.FormatUnsignedInt8, nil
	default:
		return 0, fmt.Errorf("oto: unsupported encoding %s", e)
	}
}

// player is the subset of *oto.Player used by Stream.
type player interface {
	Play()
	Pause()
	Reset()
	BufferedSize() int
	SetVolume(v float64)
	Err() error
	Close() error
}

// Stream is an oto-backed [audio.OutputStream].
type Stream struct {
	format   audio.Format
	capacity int
	interval time.Duration
	player   player

	// mu guards the fields below. It is never held while calling into the
	// player, because the player calls Read with its own lock held.
	mu          sync.Mutex
	queue       []byte
	served      uint64
	spans       []span
	consumed    uint64
	dropped     uint64
	lastPos     uint64
	written     uint64
	marker      uint64
	markerArmed bool
	period      uint64
	nextPeriod  uint64
	listener    audio.PositionListener
	reportedErr bool
	closed      bool

	done chan struct{}
}

var _ audio.OutputStream = (*Stream)(nil)

// span is a run of queued audio handed to the player, located by its offset
// in the served byte stream.
type span struct {
	at, n uint64
}

func newStream(f audio.Format, capacity int, interval time.Duration) *Stream {
	bpf := f.BytesPerFrame()
	capacity -= capacity % bpf
	if capacity < bpf {
		capacity = bpf
	}
	return &Stream{
		format:   f,
		capacity: capacity,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Read is called by the oto player to pull audio. An empty queue yields
// silence. Silence is served but never counted as played audio.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(p, s.queue)
	n -= n % s.format.BytesPerFrame()
	if n == 0 {
		clear(p)
		s.served += uint64(len(p))
		return len(p), nil
	}
	s.queue = s.queue[n:]
	if last := len(s.spans) - 1; last >= 0 && s.spans[last].at+s.spans[last].n == s.served {
		s.spans[last].n += uint64(n)
	} else {
		s.spans = append(s.spans, span{at: s.served, n: uint64(n)})
	}
	s.served += uint64(n)
	return n, nil
}

// Format implements [audio.OutputStream].
func (s *Stream) Format() audio.Format { return s.format }

// Write implements [audio.OutputStream]. It accepts whole frames up to the
// free queue space and never blocks.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := min(len(p), s.capacity-len(s.queue))
	n -= n % s.format.BytesPerFrame()
	if n <= 0 {
		return 0, nil
	}
	s.queue = append(s.queue, p[:n]...)
	s.written += uint64(n / s.format.BytesPerFrame())
	return n, nil
}

// Play implements [audio.OutputStream].
func (s *Stream) Play() error {
	if s.isClosed() {
		return ErrClosed
	}
	s.player.Play()
	return nil
}

// Pause implements [audio.OutputStream].
func (s *Stream) Pause() error {
	if s.isClosed() {
		return ErrClosed
	}
	s.player.Pause()
	return nil
}

// Flush implements [audio.OutputStream]. Discarded audio counts as consumed.
func (s *Stream) Flush() error {
	if s.isClosed() {
		return ErrClosed
	}
	s.player.Pause()
	s.player.Reset()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped += uint64(len(s.queue) / s.format.BytesPerFrame())
	s.queue = s.queue[:0]
	// The player buffer is now empty, so every served byte is consumed.
	for _, sp := range s.spans {
		s.consumed += sp.n
	}
	s.spans = s.spans[:0]
	s.lastPos = max(s.lastPos, s.consumed/uint64(s.format.BytesPerFrame())+s.dropped)
	return nil
}

// Position implements [audio.OutputStream].
func (s *Stream) Position() uint64 {
	buffered := s.player.BufferedSize()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked(buffered)
}

// positionLocked counts the real audio served before the player's buffered
// tail. The result never decreases and never runs ahead of written audio.
func (s *Stream) positionLocked(buffered int) uint64 {
	played := s.served - min(uint64(buffered), s.served)
	i := 0
	for ; i < len(s.spans) && s.spans[i].at+s.spans[i].n <= played; i++ {
		s.consumed += s.spans[i].n
	}
	s.spans = s.spans[i:]
	heard := s.consumed
	if len(s.spans) > 0 && s.spans[0].at < played {
		heard += played - s.spans[0].at
	}
	pos := min(heard/uint64(s.format.BytesPerFrame())+s.dropped, s.written)
	s.lastPos = max(s.lastPos, pos)
	return s.lastPos
}

// SetMarker implements [audio.OutputStream].
func (s *Stream) SetMarker(target uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marker = target
	s.markerArmed = true
	return nil
}

// SetPeriod implements [audio.OutputStream].
func (s *Stream) SetPeriod(frames uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.period = frames
	s.nextPeriod = s.lastPos + frames
	return nil
}

// SetListener implements [audio.OutputStream].
func (s *Stream) SetListener(l audio.PositionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// SetGain implements [audio.OutputStream]. oto volume is limited to [0,1].
func (s *Stream) SetGain(g float64) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.player.SetVolume(min(max(g, 0), 1))
	return nil
}

// Close implements [audio.OutputStream].
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	if err := s.player.Close(); err != nil {
		return fmt.Errorf("oto: close player: %w", err)
	}
	return nil
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) poll() {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.tick()
		}
	}
}

// tick computes the position and delivers due notifications without
// holding the stream lock.
func (s *Stream) tick() {
	buffered := s.player.BufferedSize()
	perr := s.player.Err()

	s.mu.Lock()
	pos := s.positionLocked(buffered)
	l := s.listener

	fireMarker := false
	target := s.marker
	if s.markerArmed && pos >= s.marker {
		s.markerArmed = false
		fireMarker = true
	}
	firePeriod := false
	if s.period > 0 && pos >= s.nextPeriod {
		firePeriod = true
		for s.nextPeriod <= pos {
			s.nextPeriod += s.period
		}
	}
	fireErr := perr != nil && !s.reportedErr
	if fireErr {
		s.reportedErr = true
	}
	s.mu.Unlock()

	if l == nil {
		return
	}
	if fireErr {
		l.StreamError(perr)
	}
	if firePeriod {
		l.PeriodicNotification(pos)
	}
	if fireMarker {
		l.MarkerReached(target)
	}
}
