package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/pushtalk/pkg/audio"
)

func TestWaveHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	formats := []audio.Format{
		audio.NewFormat(8000, 1, audio.EncodingPCMU8),
		audio.Voice,
		audio.NewFormat(44100, 2, audio.EncodingPCMS16),
		audio.NewFormat(48000, 2, audio.EncodingPCMF32),
		audio.NewFormat(96000, 6, audio.EncodingPCMF32),
	}
	for _, f := range formats {
		for _, n := range []uint32{0, 1, 4096, 1 << 30} {
			hdr, err := audio.EncodeWaveHeader(f, n)
			if err != nil {
				t.Fatalf("%s: encode: %v", f, err)
			}
			if len(hdr) != audio.WaveHeaderSize {
				t.Fatalf("expected %d header bytes, got %d", audio.WaveHeaderSize, len(hdr))
			}
			got, err := audio.ParseWaveHeader(hdr)
			if err != nil {
				t.Fatalf("%s: parse: %v", f, err)
			}
			if got.Format != f {
				t.Errorf("format: expected %+v, got %+v", f, got.Format)
			}
			if got.PayloadLength != n {
				t.Errorf("payload length: expected %d, got %d", n, got.PayloadLength)
			}
		}
	}
}

func TestParseWaveHeader_SampleRateUsesAllFourBytes(t *testing.T) {
	t.Parallel()
	f := audio.NewFormat(192000, 1, audio.EncodingPCMS16)
	hdr, _ := audio.EncodeWaveHeader(f, 10)
	got, err := audio.ParseWaveHeader(hdr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Format.SampleRate != 192000 {
		t.Errorf("expected 192000, got %d", got.Format.SampleRate)
	}
}

func TestParseWaveHeader_Malformed(t *testing.T) {
	t.Parallel()
	valid, _ := audio.EncodeWaveHeader(audio.Voice, 100)
	mutate := func(fn func(b []byte)) []byte {
		b := bytes.Clone(valid)
		fn(b)
		return b
	}
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"short", valid[:43]},
		{"no riff", mutate(func(b []byte) { copy(b, "RIFX") })},
		{"no wave", mutate(func(b []byte) { copy(b[8:], "AVI ") })},
		{"no data", mutate(func(b []byte) { copy(b[36:], "LIST") })},
		{"alaw", mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[20:], 6) })},
		{"mulaw", mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[20:], 7) })},
		{"unknown tag", mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[20:], 0xfffe) })},
		{"zero channels", mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[22:], 0) })},
		{"zero rate", mutate(func(b []byte) { binary.LittleEndian.PutUint32(b[24:], 0) })},
		{"24-bit pcm", mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[34:], 24) })},
		{"16-bit float", mutate(func(b []byte) {
			binary.LittleEndian.PutUint16(b[20:], 3)
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.ParseWaveHeader(tt.input)
			var mh *audio.MalformedHeaderError
			if !errors.As(err, &mh) {
				t.Fatalf("expected *MalformedHeaderError, got %v", err)
			}
			if !errors.Is(err, audio.ErrMalformedHeader) {
				t.Errorf("expected errors.Is ErrMalformedHeader")
			}
		})
	}
}

func TestReadWaveHeader_PositionsAtPayload(t *testing.T) {
	t.Parallel()
	hdr, _ := audio.EncodeWaveHeader(audio.Voice, 4)
	r := bytes.NewReader(append(hdr, 1, 2, 3, 4))
	h, err := audio.ReadWaveHeader(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.PayloadLength != 4 {
		t.Errorf("expected payload 4, got %d", h.PayloadLength)
	}
	if r.Len() != 4 {
		t.Errorf("expected 4 unread bytes, got %d", r.Len())
	}
}

func TestReadWaveHeader_Truncated(t *testing.T) {
	t.Parallel()
	_, err := audio.ReadWaveHeader(bytes.NewReader([]byte("RIFF")))
	if !errors.Is(err, audio.ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
}

// buildExtendedWAV returns a WAVE file with a LIST chunk before data, the
// layout most TTS servers emit.
func buildExtendedWAV(f audio.Format, pcm []byte) []byte {
	hdr, _ := audio.EncodeWaveHeader(f, uint32(len(pcm)))
	var b bytes.Buffer
	b.Write(hdr[:36])
	b.WriteString("LIST")
	_ = binary.Write(&b, binary.LittleEndian, uint32(5))
	b.WriteString("INFOx")
	b.WriteByte(0) // pad odd chunk
	b.Write(hdr[36:])
	b.Write(pcm)
	return b.Bytes()
}

func TestParseWaveContainer_SkipsExtraChunks(t *testing.T) {
	t.Parallel()
	f := audio.NewFormat(22050, 1, audio.EncodingPCMS16)
	pcm := []byte{1, 2, 3, 4, 5, 6}
	wav := buildExtendedWAV(f, pcm)

	h, off, err := audio.ParseWaveContainer(wav)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Format != f {
		t.Errorf("expected %s, got %s", f, h.Format)
	}
	if !bytes.Equal(wav[off:off+int(h.PayloadLength)], pcm) {
		t.Errorf("data offset %d does not point at the payload", off)
	}
	if _, err := audio.ParseWaveHeader(wav); err == nil {
		t.Error("canonical parser should reject a non-canonical layout")
	}
}

func FuzzParseWaveHeader(f *testing.F) {
	seed, _ := audio.EncodeWaveHeader(audio.Voice, 1024)
	f.Add(seed)
	f.Add([]byte("RIFF"))
	f.Fuzz(func(t *testing.T, b []byte) {
		h, err := audio.ParseWaveHeader(b)
		if err != nil {
			return
		}
		if verr := h.Format.Validate(); verr != nil {
			t.Fatalf("parsed an invalid format %+v: %v", h.Format, verr)
		}
		again, err := audio.EncodeWaveHeader(h.Format, h.PayloadLength)
		if err != nil {
			t.Fatalf("re-encode: %v", err)
		}
		back, err := audio.ParseWaveHeader(again)
		if err != nil || back != h {
			t.Fatalf("re-parse mismatch: %+v vs %+v (%v)", back, h, err)
		}
	})
}
