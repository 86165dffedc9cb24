package audio

import "fmt"

// Source tags which producer a [Frame] came from.
type Source int

const (
	// SourceAssistant marks audio streamed back by the remote assistant.
	SourceAssistant Source = iota

	// SourceTTS marks audio synthesised locally.
	SourceTTS

	// NumSources is the number of defined sources. Useful for per-source arrays.
	NumSources
)

// String returns "assistant" or "tts".
func (s Source) String() string {
	switch s {
	case SourceAssistant:
		return "assistant"
	case SourceTTS:
		return "tts"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// Frame is an owned, contiguous PCM buffer tagged with its format and
// producer. A Frame is exclusively owned by whichever queue holds it until the
// playback worker writes it out; producers must not retain Data after
// enqueueing.
type Frame struct {
	Data   []byte
	Format Format
	Source Source
}

// Frames returns the number of whole frames in f.Data.
func (f Frame) Frames() (uint64, error) {
	return f.Format.BytesToFrames(len(f.Data))
}

// Reframer splits an arbitrary byte stream into whole frames of one format.
// Bytes past the last frame boundary are carried into the next Push.
// The zero value is not usable; set Format first.
type Reframer struct {
	Format Format
	rem    []byte
}

// Push appends b to the carried remainder and returns the longest prefix that
// ends on a frame boundary. The returned slice is newly allocated.
func (r *Reframer) Push(b []byte) []byte {
	bpf := r.Format.BytesPerFrame()
	if bpf <= 0 {
		return nil
	}
	buf := make([]byte, 0, len(r.rem)+len(b))
	buf = append(buf, r.rem...)
	buf = append(buf, b...)
	whole := len(buf) - len(buf)%bpf
	r.rem = append(r.rem[:0], buf[whole:]...)
	return buf[:whole]
}

// Pending returns the number of carried bytes.
func (r *Reframer) Pending() int { return len(r.rem) }

// Reset drops the carried remainder.
func (r *Reframer) Reset() { r.rem = r.rem[:0] }
