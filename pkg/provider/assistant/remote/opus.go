package remote

import (
	"fmt"

	"layeh.com/gopus"
)

// opusFrameMs is the uplink Opus frame duration.
const opusFrameMs = 20

// opusUplink encodes microphone PCM into 20 ms Opus packets. Capture blocks
// rarely end on a frame boundary, so the remainder is carried into the next
// call.
type opusUplink struct {
	enc        *gopus.Encoder
	channels   int
	frameSize  int // samples per channel
	frameBytes int
	pending    []byte
}

func newOpusUplink(sampleRate, channels int) (*opusUplink, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("remote: create opus encoder: %w", err)
	}
	frameSize := sampleRate * opusFrameMs / 1000
	return &opusUplink{
		enc:        enc,
		channels:   channels,
		frameSize:  frameSize,
		frameBytes: frameSize * channels * 2,
	}, nil
}

// encode appends pcm to the pending buffer and returns one packet per whole
// frame now available.
func (u *opusUplink) encode(pcm []byte) ([][]byte, error) {
	u.pending = append(u.pending, pcm...)
	var packets [][]byte
	for len(u.pending) >= u.frameBytes {
		frame := bytesToInt16s(u.pending[:u.frameBytes])
		pkt, err := u.enc.Encode(frame, u.frameSize, u.frameBytes)
		if err != nil {
			return packets, fmt.Errorf("remote: opus encode: %w", err)
		}
		packets = append(packets, pkt)
		u.pending = u.pending[u.frameBytes:]
	}
	return packets, nil
}

// flush pads the remainder with silence and encodes it.
func (u *opusUplink) flush() ([]byte, error) {
	if len(u.pending) == 0 {
		return nil, nil
	}
	frame := make([]byte, u.frameBytes)
	copy(frame, u.pending)
	u.pending = u.pending[:0]
	pkt, err := u.enc.Encode(bytesToInt16s(frame), u.frameSize, u.frameBytes)
	if err != nil {
		return nil, fmt.Errorf("remote: opus encode: %w", err)
	}
	return pkt, nil
}

// bytesToInt16s converts little-endian bytes to int16 samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
