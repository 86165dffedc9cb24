package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WaveHeaderSize is the size of the canonical RIFF/WAVE header: a RIFF
// descriptor, a 16-byte PCM fmt chunk, and the data chunk header.
const WaveHeaderSize = 44

// WAVE format tags.
const (
	waveTagPCM   = 1
	waveTagFloat = 3
	waveTagALaw  = 6
	waveTagMuLaw = 7
)

// ErrMalformedHeader is matched by every [*MalformedHeaderError].
var ErrMalformedHeader = errors.New("audio: malformed wave header")

// MalformedHeaderError describes why a WAVE header could not be parsed. It is
// fatal to the single parse call only.
type MalformedHeaderError struct {
	Reason string
}

func (e *MalformedHeaderError) Error() string {
	return "audio: malformed wave header: " + e.Reason
}

// Unwrap lets errors.Is match [ErrMalformedHeader].
func (e *MalformedHeaderError) Unwrap() error { return ErrMalformedHeader }

func malformed(format string, args ...any) error {
	return &MalformedHeaderError{Reason: fmt.Sprintf(format, args...)}
}

// WaveHeader is the result of parsing a canonical WAVE header.
type WaveHeader struct {
	Format        Format
	PayloadLength uint32
}

// ParseWaveHeader parses the canonical 44-byte header at the start of b.
// Extra bytes after the header are ignored. It has no side effects and never
// panics on arbitrary input.
func ParseWaveHeader(b []byte) (WaveHeader, error) {
	if len(b) < WaveHeaderSize {
		return WaveHeader{}, malformed("need %d bytes, got %d", WaveHeaderSize, len(b))
	}
	if string(b[0:4]) != "RIFF" {
		return WaveHeader{}, malformed("missing RIFF tag")
	}
	if string(b[8:12]) != "WAVE" {
		return WaveHeader{}, malformed("missing WAVE tag")
	}
	if string(b[12:16]) != "fmt " {
		return WaveHeader{}, malformed("missing fmt chunk")
	}
	if string(b[36:40]) != "data" {
		return WaveHeader{}, malformed("missing data chunk at canonical offset")
	}

	f, err := parseFmtChunk(b[20:36])
	if err != nil {
		return WaveHeader{}, err
	}
	return WaveHeader{
		Format:        f,
		PayloadLength: binary.LittleEndian.Uint32(b[40:44]),
	}, nil
}

// parseFmtChunk decodes the 16-byte body of a PCM fmt chunk.
func parseFmtChunk(b []byte) (Format, error) {
	tag := binary.LittleEndian.Uint16(b[0:2])
	channels := binary.LittleEndian.Uint16(b[2:4])
	rate := binary.LittleEndian.Uint32(b[4:8])
	bits := binary.LittleEndian.Uint16(b[14:16])

	if channels == 0 {
		return Format{}, malformed("channel count is zero")
	}
	if channels > 255 {
		return Format{}, malformed("channel count %d out of range", channels)
	}
	if rate == 0 {
		return Format{}, malformed("sample rate is zero")
	}

	var enc Encoding
	switch tag {
	case waveTagPCM:
		switch bits {
		case 8:
			enc = EncodingPCMU8
		case 16:
			enc = EncodingPCMS16
		default:
			return Format{}, malformed("unsupported PCM bit depth %d", bits)
		}
	case waveTagFloat:
		if bits != 32 {
			return Format{}, malformed("unsupported float bit depth %d", bits)
		}
		enc = EncodingPCMF32
	case waveTagALaw, waveTagMuLaw:
		return Format{}, malformed("companded encoding tag %d is not supported", tag)
	default:
		return Format{}, malformed("unsupported encoding tag %d", tag)
	}

	return Format{
		SampleRate:    rate,
		Channels:      uint8(channels),
		BitsPerSample: uint8(bits),
		Encoding:      enc,
	}, nil
}

// ReadWaveHeader reads exactly [WaveHeaderSize] bytes from r and parses them.
// On success r is positioned at the first payload byte.
func ReadWaveHeader(r io.Reader) (WaveHeader, error) {
	buf := make([]byte, WaveHeaderSize)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return WaveHeader{}, malformed("need %d bytes, got %d", WaveHeaderSize, n)
		}
		return WaveHeader{}, fmt.Errorf("audio: read wave header: %w", err)
	}
	return ParseWaveHeader(buf)
}

// EncodeWaveHeader builds the canonical header for a payload of payloadLen
// bytes in format f. Parsing the result yields f and payloadLen exactly.
func EncodeWaveHeader(f Format, payloadLen uint32) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	tag := uint16(waveTagPCM)
	if f.Encoding == EncodingPCMF32 {
		tag = waveTagFloat
	}
	blockAlign := uint16(f.BytesPerFrame())

	b := make([]byte, WaveHeaderSize)
	copy(b[0:4], "RIFF")
	binary.LittleEndian.PutUint32(b[4:8], 36+payloadLen)
	copy(b[8:12], "WAVE")
	copy(b[12:16], "fmt ")
	binary.LittleEndian.PutUint32(b[16:20], 16)
	binary.LittleEndian.PutUint16(b[20:22], tag)
	binary.LittleEndian.PutUint16(b[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(b[24:28], f.SampleRate)
	binary.LittleEndian.PutUint32(b[28:32], f.SampleRate*uint32(blockAlign))
	binary.LittleEndian.PutUint16(b[32:34], blockAlign)
	binary.LittleEndian.PutUint16(b[34:36], uint16(f.BitsPerSample))
	copy(b[36:40], "data")
	binary.LittleEndian.PutUint32(b[40:44], payloadLen)
	return b, nil
}

// ParseWaveContainer walks the RIFF chunks of a complete WAVE file and
// returns its format together with the offset and length of the sample data.
// Unlike [ParseWaveHeader] it tolerates extended fmt chunks and extra chunks
// (LIST, fact, ...) before the data chunk, as written by most TTS servers.
func ParseWaveContainer(b []byte) (WaveHeader, int, error) {
	if len(b) < 12 {
		return WaveHeader{}, 0, malformed("too short for a RIFF container")
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return WaveHeader{}, 0, malformed("missing RIFF/WAVE tags")
	}

	var (
		f       Format
		haveFmt bool
	)
	offset := 12
	for offset+8 <= len(b) {
		id := string(b[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(b[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(b) {
				return WaveHeader{}, 0, malformed("fmt chunk truncated")
			}
			var err error
			if f, err = parseFmtChunk(b[body : body+16]); err != nil {
				return WaveHeader{}, 0, err
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return WaveHeader{}, 0, malformed("data chunk precedes fmt chunk")
			}
			n := min(size, len(b)-body)
			return WaveHeader{Format: f, PayloadLength: uint32(n)}, body, nil
		}

		// Chunks are word-aligned.
		offset = body + size
		if size%2 != 0 {
			offset++
		}
	}
	return WaveHeader{}, 0, malformed("missing data chunk")
}
