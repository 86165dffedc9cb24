package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Resampler converts PCM between formats. Implementations may change any
// combination of sample rate, channel count and encoding.
type Resampler interface {
	Resample(pcm []byte, from, to Format) ([]byte, error)
}

// LinearResampler converts between formats using linear interpolation on
// 16-bit intermediate samples. Mono↔stereo is supported by duplication and
// averaging; other channel changes are rejected.
//
// Chunk boundaries are not carried across calls, so very small chunks resample
// with a slight phase error at each boundary. For speech output this is
// inaudible.
type LinearResampler struct {
	warnOnce sync.Once
}

var _ Resampler = (*LinearResampler)(nil)

// Resample implements [Resampler]. pcm must end on a frame boundary of from.
func (r *LinearResampler) Resample(pcm []byte, from, to Format) ([]byte, error) {
	if _, err := from.BytesToFrames(len(pcm)); err != nil {
		return nil, err
	}
	if from == to {
		return pcm, nil
	}
	if from.Channels != to.Channels && !(from.Channels <= 2 && to.Channels <= 2) {
		return nil, fmt.Errorf("audio: cannot map %d channels to %d", from.Channels, to.Channels)
	}
	r.warnOnce.Do(func() {
		slog.Info("audio: resampling stream", "from", from.String(), "to", to.String())
	})

	samples := decodeS16(pcm, from.Encoding)
	samples = remapChannels(samples, int(from.Channels), int(to.Channels))
	samples = resampleS16(samples, int(to.Channels), int(from.SampleRate), int(to.SampleRate))
	return encodeS16(samples, to.Encoding), nil
}

// decodeS16 widens or narrows every sample of pcm to int16.
func decodeS16(pcm []byte, enc Encoding) []int16 {
	switch enc {
	case EncodingPCMU8:
		out := make([]int16, len(pcm))
		for i, b := range pcm {
			out[i] = (int16(b) - 128) << 8
		}
		return out
	case EncodingPCMF32:
		out := make([]int16, len(pcm)/4)
		for i := range out {
			v := math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:]))
			out[i] = floatToS16(v)
		}
		return out
	default:
		out := make([]int16, len(pcm)/2)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		}
		return out
	}
}

func floatToS16(v float32) int16 {
	if v >= 1 {
		return math.MaxInt16
	}
	if v <= -1 {
		return math.MinInt16
	}
	return int16(v * 32767)
}

// encodeS16 is the inverse of decodeS16.
func encodeS16(samples []int16, enc Encoding) []byte {
	switch enc {
	case EncodingPCMU8:
		out := make([]byte, len(samples))
		for i, s := range samples {
			out[i] = byte((s >> 8) + 128)
		}
		return out
	case EncodingPCMF32:
		out := make([]byte, len(samples)*4)
		for i, s := range samples {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(s)/32768))
		}
		return out
	default:
		out := make([]byte, len(samples)*2)
		for i, s := range samples {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
		}
		return out
	}
}

// remapChannels converts between mono and stereo interleaved samples.
func remapChannels(samples []int16, from, to int) []int16 {
	switch {
	case from == to:
		return samples
	case from == 1 && to == 2:
		out := make([]int16, len(samples)*2)
		for i, s := range samples {
			out[2*i], out[2*i+1] = s, s
		}
		return out
	default: // stereo to mono
		out := make([]int16, len(samples)/2)
		for i := range out {
			out[i] = int16((int32(samples[2*i]) + int32(samples[2*i+1])) / 2)
		}
		return out
	}
}

// resampleS16 resamples interleaved samples with the given channel count from
// srcRate to dstRate by linear interpolation between neighbouring frames.
func resampleS16(samples []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return samples
	}
	srcFrames := len(samples) / channels
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]int16, dstFrames*channels)
	step := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range channels {
			a := float64(samples[idx*channels+c])
			b := float64(samples[next*channels+c])
			out[i*channels+c] = int16(a + (b-a)*frac)
		}
	}
	return out
}
