// Package portaudio implements microphone capture and device enumeration
// with PortAudio.
package portaudio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/pushtalk/pkg/audio"
)

// DefaultFramesPerBuffer is the driver read size.
const DefaultFramesPerBuffer = 512

// Backend owns the PortAudio library lifetime. Create one with [Open] and
// Close it on shutdown.
type Backend struct {
	framesPerBuffer int
}

var (
	_ audio.InputOpener  = (*Backend)(nil)
	_ audio.DeviceLister = (*Backend)(nil)
)

// Option configures a [Backend].
type Option func(*Backend)

// WithFramesPerBuffer sets the driver read size in frames.
func WithFramesPerBuffer(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.framesPerBuffer = n
		}
	}
}

// Open initialises PortAudio.
func Open(opts ...Option) (*Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	b := &Backend{framesPerBuffer: DefaultFramesPerBuffer}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Close terminates PortAudio. Streams must be closed first.
func (b *Backend) Close() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// Devices implements [audio.DeviceLister]. Device IDs are PortAudio indices.
func (b *Backend) Devices() ([]audio.DeviceInfo, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()

	out := make([]audio.DeviceInfo, 0, len(devs))
	for _, d := range devs {
		out = append(out, audio.DeviceInfo{
			Ref:               audio.DeviceRef{ID: strconv.Itoa(d.Index), Name: d.Name},
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			DefaultInput:      defIn != nil && d.Index == defIn.Index,
			DefaultOutput:     defOut != nil && d.Index == defOut.Index,
		})
	}
	return out, nil
}

// OpenInput implements [audio.InputOpener]. Only 16-bit PCM capture is
// supported.
func (b *Backend) OpenInput(ref *audio.DeviceRef, f audio.Format) (audio.InputStream, error) {
	if f.Encoding != audio.EncodingPCMS16 {
		return nil, fmt.Errorf("portaudio: capture supports %s only, got %s", audio.EncodingPCMS16, f.Encoding)
	}
	buf := make([]int16, b.framesPerBuffer*int(f.Channels))

	var (
		stream *portaudio.Stream
		err    error
	)
	if ref == nil {
		stream, err = portaudio.OpenDefaultStream(int(f.Channels), 0, float64(f.SampleRate), b.framesPerBuffer, buf)
	} else {
		var dev *portaudio.DeviceInfo
		if dev, err = lookup(ref); err == nil {
			params := portaudio.LowLatencyParameters(dev, nil)
			params.Input.Channels = int(f.Channels)
			params.SampleRate = float64(f.SampleRate)
			params.FramesPerBuffer = b.framesPerBuffer
			stream, err = portaudio.OpenStream(params, buf)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input: %w", err)
	}
	return &inputStream{stream: stream, samples: buf}, nil
}

func lookup(ref *audio.DeviceRef) (*portaudio.DeviceInfo, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devs {
		if strconv.Itoa(d.Index) == ref.ID || strings.EqualFold(d.Name, ref.Name) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device %q not found", ref.Name)
}

// inputStream adapts a blocking PortAudio stream to [audio.InputStream].
// Close stops the stream to unblock a pending Read; the stream itself is
// closed by whichever of Read or Close finishes last.
type inputStream struct {
	stream  *portaudio.Stream
	samples []int16
	raw     []byte

	mu      sync.Mutex
	pending []byte
	reading bool
	closed  bool
}

func (s *inputStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		s.raw = make([]byte, 2*len(s.samples))
	}
	n := 0
	for n < len(p) {
		if s.closed {
			break
		}
		if len(s.pending) == 0 {
			s.reading = true
			s.mu.Unlock()
			err := s.stream.Read()
			s.mu.Lock()
			s.reading = false
			if s.closed {
				_ = s.stream.Close()
				break
			}
			if err != nil && !errors.Is(err, portaudio.InputOverflowed) {
				return n, err
			}
			for i, v := range s.samples {
				binary.LittleEndian.PutUint16(s.raw[2*i:], uint16(v))
			}
			s.pending = s.raw
		}
		c := copy(p[n:], s.pending)
		s.pending = s.pending[c:]
		n += c
	}
	if n == 0 && s.closed {
		return 0, io.EOF
	}
	return n, nil
}

func (s *inputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.stream.Stop()
	if !s.reading {
		err = errors.Join(err, s.stream.Close())
	}
	return err
}
