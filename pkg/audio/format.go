// Package audio defines the audio primitives shared by every pushtalk
// component: the stream [Format], frame accounting, the tagged [Frame] buffer,
// the canonical WAVE header codec, and the device interfaces implemented by
// the hardware backends in the subpackages.
//
// All buffer accounting is done in frames (one sample per channel), never in
// bytes. Use [Format.BytesToFrames] and [Format.FramesToBytes] to convert;
// both reject payloads that do not end on a frame boundary.
package audio

import (
	"errors"
	"fmt"
)

// ErrPartialFrame is returned when a byte length does not end on a frame
// boundary for the given format.
var ErrPartialFrame = errors.New("audio: length is not a multiple of the frame size")

// ErrInvalidFormat is returned by [Format.Validate] for inconsistent formats.
var ErrInvalidFormat = errors.New("audio: invalid format")

// Encoding identifies the sample representation of a PCM stream.
type Encoding int

const (
	// EncodingPCMU8 is unsigned 8-bit PCM.
	EncodingPCMU8 Encoding = iota + 1

	// EncodingPCMS16 is signed 16-bit little-endian PCM.
	EncodingPCMS16

	// EncodingPCMF32 is 32-bit little-endian IEEE float PCM.
	EncodingPCMF32
)

// String returns the conventional short name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingPCMU8:
		return "pcm_u8"
	case EncodingPCMS16:
		return "pcm_s16le"
	case EncodingPCMF32:
		return "pcm_f32le"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// BytesPerSample returns the size of one sample, or 0 for unknown encodings.
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingPCMU8:
		return 1
	case EncodingPCMS16:
		return 2
	case EncodingPCMF32:
		return 4
	default:
		return 0
	}
}

// BitsPerSample returns the bit depth implied by the encoding.
func (e Encoding) BitsPerSample() uint8 {
	return uint8(e.BytesPerSample() * 8)
}

// ParseEncoding maps a config name ("s16", "pcm_s16le", "f32", "u8", ...) to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "u8", "pcm_u8":
		return EncodingPCMU8, nil
	case "", "s16", "pcm_s16le", "linear16":
		return EncodingPCMS16, nil
	case "f32", "pcm_f32le", "float32":
		return EncodingPCMF32, nil
	default:
		return 0, fmt.Errorf("audio: unknown encoding %q", s)
	}
}

// Format describes a PCM stream. It is immutable once a stream is opened.
type Format struct {
	SampleRate    uint32
	Channels      uint8
	BitsPerSample uint8
	Encoding      Encoding
}

// NewFormat returns a Format with BitsPerSample derived from enc.
func NewFormat(sampleRate uint32, channels uint8, enc Encoding) Format {
	return Format{
		SampleRate:    sampleRate,
		Channels:      channels,
		BitsPerSample: enc.BitsPerSample(),
		Encoding:      enc,
	}
}

// Voice is the default capture and playback format: 16 kHz mono 16-bit PCM.
var Voice = NewFormat(16000, 1, EncodingPCMS16)

// Validate reports whether the format is internally consistent.
func (f Format) Validate() error {
	bps := f.Encoding.BytesPerSample()
	switch {
	case bps == 0:
		return fmt.Errorf("%w: unsupported encoding %s", ErrInvalidFormat, f.Encoding)
	case int(f.BitsPerSample) != bps*8:
		return fmt.Errorf("%w: %s requires %d bits per sample, got %d",
			ErrInvalidFormat, f.Encoding, bps*8, f.BitsPerSample)
	case f.SampleRate == 0:
		return fmt.Errorf("%w: sample rate must be > 0", ErrInvalidFormat)
	case f.Channels == 0:
		return fmt.Errorf("%w: channel count must be > 0", ErrInvalidFormat)
	}
	return nil
}

// BytesPerFrame returns channels × bytes per sample.
func (f Format) BytesPerFrame() int {
	return int(f.Channels) * f.Encoding.BytesPerSample()
}

// BytesToFrames converts a byte length to a frame count. It returns
// [ErrPartialFrame] when n does not end on a frame boundary.
func (f Format) BytesToFrames(n int) (uint64, error) {
	bpf := f.BytesPerFrame()
	if bpf == 0 {
		return 0, fmt.Errorf("%w: zero frame size", ErrInvalidFormat)
	}
	if n < 0 || n%bpf != 0 {
		return 0, fmt.Errorf("%w: %d bytes with %d-byte frames", ErrPartialFrame, n, bpf)
	}
	return uint64(n / bpf), nil
}

// FramesToBytes converts a frame count to a byte length.
func (f Format) FramesToBytes(frames uint64) int {
	return int(frames) * f.BytesPerFrame()
}

// FramesPerSecond returns the number of frames in one second of audio.
func (f Format) FramesPerSecond() uint64 {
	return uint64(f.SampleRate)
}

// String returns a compact description, e.g. "16000Hz mono pcm_s16le".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s %s", f.SampleRate, ch, f.Encoding)
}
