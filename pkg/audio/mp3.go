package audio

import (
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// DecodeMP3 wraps r in an MP3 decoder. The returned reader yields signed
// 16-bit little-endian stereo PCM at the stream's sample rate, which is
// reported in the returned Format.
func DecodeMP3(r io.Reader) (io.Reader, Format, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: decode mp3: %w", err)
	}
	return d, NewFormat(uint32(d.SampleRate()), 2, EncodingPCMS16), nil
}
