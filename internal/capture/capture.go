// Package capture owns the microphone for one push-to-talk turn.
//
// A [Session] is created per turn and never shared. Start opens the input
// device, ReadBlock is called repeatedly from the audio-I/O worker, and Stop
// releases the device. Stop may be called from any goroutine; it unblocks a
// pending ReadBlock, which then reports the explicit stop as (0, nil).
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/pushtalk/internal/observe"
	"github.com/MrWong99/pushtalk/pkg/audio"
)

// DefaultBlockSize is the number of bytes read per capture step.
const DefaultBlockSize = 1024

// DefaultMaxReadRetries is the number of consecutive transient read faults
// tolerated before a capture fault is treated as fatal.
const DefaultMaxReadRetries = 3

var (
	// ErrDeviceUnavailable is returned when an audio device cannot be opened.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrIO is matched by every [*IOError].
	ErrIO = errors.New("capture: i/o error")

	// ErrAlreadyRecording is returned by Start on a running session.
	ErrAlreadyRecording = errors.New("capture: already recording")
)

// IOError is a transient microphone read fault.
type IOError struct {
	Err error
}

func (e *IOError) Error() string { return "capture: read: " + e.Err.Error() }

// Unwrap matches both [ErrIO] and the driver error.
func (e *IOError) Unwrap() []error { return []error{ErrIO, e.Err} }

// Session is one turn's microphone capture.
type Session struct {
	opener  audio.InputOpener
	format  audio.Format
	metrics *observe.Metrics

	mu        sync.Mutex
	stream    audio.InputStream
	device    *audio.DeviceRef
	recording bool
	stopped   bool
}

// Option configures a [Session].
type Option func(*Session)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// NewSession returns an idle session that will capture in format f.
func NewSession(opener audio.InputOpener, f audio.Format, opts ...Option) *Session {
	s := &Session{opener: opener, format: f}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Format returns the capture format.
func (s *Session) Format() audio.Format { return s.format }

// Start opens device, or the system default when device is nil.
func (s *Session) Start(device *audio.DeviceRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording {
		return ErrAlreadyRecording
	}
	if s.stopped {
		return fmt.Errorf("capture: session already stopped")
	}
	stream, err := s.opener.OpenInput(device, s.format)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	s.stream = stream
	s.device = device
	s.recording = true
	name := "default"
	if device != nil {
		name = device.Name
	}
	slog.Debug("capture: started", "device", name, "format", s.format.String())
	return nil
}

// ReadBlock fills up to len(buf) bytes from the microphone. It returns
// (0, nil) only after Stop, and an [*IOError] on a driver fault.
func (s *Session) ReadBlock(buf []byte) (int, error) {
	s.mu.Lock()
	stream, recording := s.stream, s.recording
	s.mu.Unlock()
	if !recording {
		return 0, nil
	}

	n, err := stream.Read(buf)
	if err == nil {
		return n, nil
	}
	if !s.Recording() {
		return 0, nil
	}
	s.metrics.CaptureErrors.Add(context.Background(), 1)
	return n, &IOError{Err: err}
}

// Stop ends the capture and releases the device. It is idempotent.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if !s.recording {
		return nil
	}
	s.recording = false
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("capture: close device: %w", err)
	}
	slog.Debug("capture: stopped")
	return nil
}

// Recording reports whether the session is capturing.
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Device returns the device passed to Start.
func (s *Session) Device() *audio.DeviceRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}
