package playback_test

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/pushtalk/internal/amp"
	"github.com/MrWong99/pushtalk/internal/observe"
	"github.com/MrWong99/pushtalk/internal/playback"
	"github.com/MrWong99/pushtalk/pkg/audio"
	audiomock "github.com/MrWong99/pushtalk/pkg/audio/mock"
	gpiomock "github.com/MrWong99/pushtalk/pkg/gpio/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type rig struct {
	out   *audiomock.OutputStream
	line  *gpiomock.Line
	gate  *amp.Gate
	track *playback.Track
	m     *observe.Metrics
}

func newRig(t *testing.T) *rig {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	r := &rig{
		out:  audiomock.NewOutputStream(audio.Voice),
		line: &gpiomock.Line{},
		m:    m,
	}
	r.gate = amp.New(r.line, amp.WithMetrics(m))
	r.track = playback.NewTrack(r.out, r.gate, playback.WithTrackMetrics(m))
	t.Cleanup(func() { _ = r.track.Close() })
	return r
}

// pcm returns n frames of Voice audio.
func pcm(n int) []byte { return make([]byte, n*audio.Voice.BytesPerFrame()) }

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stop confirmation")
	}
}

func TestTrack_FirstWriteAcquiresAmplifier(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	if r.gate.Enabled() {
		t.Fatal("amplifier must be off before any write")
	}
	n, err := r.track.Write(pcm(256), audio.Voice)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len(pcm(256)) {
		t.Errorf("accepted %d bytes, want %d", n, len(pcm(256)))
	}
	if !r.gate.Enabled() || r.gate.Holds() != 1 {
		t.Fatalf("expected one amplifier hold, got enabled=%v holds=%d", r.gate.Enabled(), r.gate.Holds())
	}
	if !r.out.Playing() {
		t.Error("expected stream to be playing")
	}

	if _, err := r.track.Write(pcm(256), audio.Voice); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if r.gate.Holds() != 1 {
		t.Errorf("a track owns at most one hold, got %d", r.gate.Holds())
	}
	st := r.track.State()
	if st.FramesWritten != 512 || st.Marker != 512 || st.SafeToStop {
		t.Errorf("unexpected state %+v", st)
	}
}

func TestTrack_RejectsPartialFrameAndFormat(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	if _, err := r.track.Write(make([]byte, 3), audio.Voice); !errors.Is(err, audio.ErrPartialFrame) {
		t.Errorf("expected ErrPartialFrame, got %v", err)
	}
	stereo := audio.NewFormat(16000, 2, audio.EncodingPCMS16)
	if _, err := r.track.Write(make([]byte, 4), stereo); !errors.Is(err, playback.ErrFormatMismatch) {
		t.Errorf("expected ErrFormatMismatch, got %v", err)
	}
	if r.gate.Enabled() {
		t.Error("rejected writes must not power the amplifier")
	}
	if len(r.out.Writes) != 0 {
		t.Error("rejected writes must not reach the device")
	}
}

func TestTrack_RequestStopWhenIdle(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	for range 3 {
		if !isClosed(r.track.RequestStop()) {
			t.Fatal("stop on an idle track must complete immediately")
		}
	}
	if got := r.line.Calls(); len(got) != 0 {
		t.Errorf("idle stop must not touch the amplifier, got %v", got)
	}
}

func TestTrack_StopDeferredUntilMarker(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	if _, err := r.track.Write(pcm(1024), audio.Voice); err != nil {
		t.Fatalf("write: %v", err)
	}
	done := r.track.RequestStop()
	if isClosed(done) {
		t.Fatal("stop must wait for queued audio")
	}

	r.out.Advance(512)
	time.Sleep(10 * time.Millisecond)
	if isClosed(done) || !r.gate.Enabled() {
		t.Fatal("stop completed with audio still queued")
	}

	r.out.Advance(512)
	waitClosed(t, done)
	if r.gate.Enabled() {
		t.Error("amplifier must be off after the drained stop")
	}
	if r.out.Discarded != 0 {
		t.Errorf("a drained stop must not discard audio, discarded %d frames", r.out.Discarded)
	}
	if r.out.Playing() {
		t.Error("stream must be paused after stop")
	}
}

func TestTrack_RequestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	if _, err := r.track.Write(pcm(100), audio.Voice); err != nil {
		t.Fatalf("write: %v", err)
	}
	first := r.track.RequestStop()
	second := r.track.RequestStop()
	if first != second {
		t.Error("repeated requests while pending must share one channel")
	}
	r.out.Advance(100)
	waitClosed(t, first)

	for range 3 {
		if !isClosed(r.track.RequestStop()) {
			t.Fatal("stop after completion must return a closed channel")
		}
	}
	if got := r.line.Calls(); len(got) != 2 || !got[0] || got[1] {
		t.Errorf("expected exactly one on/off cycle, got %v", got)
	}

	// The track restarts cleanly for the next turn.
	if _, err := r.track.Write(pcm(10), audio.Voice); err != nil {
		t.Fatalf("write after stop: %v", err)
	}
	if !r.gate.Enabled() {
		t.Error("expected amplifier on for the next turn")
	}
}

func TestTrack_StaleMarkerIgnored(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	if _, err := r.track.Write(pcm(100), audio.Voice); err != nil {
		t.Fatalf("write: %v", err)
	}
	r.out.Advance(100)
	if !r.track.State().SafeToStop {
		t.Fatal("expected safe to stop after the marker")
	}

	if _, err := r.track.Write(pcm(100), audio.Voice); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A late notification for the first write.
	r.track.MarkerReached(100)
	if r.track.State().SafeToStop {
		t.Fatal("stale marker must not mark the track safe")
	}
	done := r.track.RequestStop()
	time.Sleep(10 * time.Millisecond)
	if isClosed(done) {
		t.Fatal("stale marker must not complete a stop")
	}
	r.out.Advance(100)
	waitClosed(t, done)
}

func TestTrack_ZeroLengthWriteRearmsMarker(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	r.out.Capacity = 50

	if _, err := r.track.Write(pcm(50), audio.Voice); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err := r.track.Write(pcm(50), audio.Voice)
	if err != nil || n != 0 {
		t.Fatalf("expected a refused write, got n=%d err=%v", n, err)
	}
	done := r.track.RequestStop()
	r.out.Advance(50)
	waitClosed(t, done)
}

func TestTrack_ForceStopDiscardsAndReleases(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	if _, err := r.track.Write(pcm(800), audio.Voice); err != nil {
		t.Fatalf("write: %v", err)
	}
	done := r.track.RequestStop()
	r.track.ForceStop()

	if !isClosed(done) {
		t.Error("force stop must complete a pending stop")
	}
	if r.gate.Enabled() {
		t.Error("force stop must release the amplifier")
	}
	if r.out.Discarded != 800 {
		t.Errorf("expected 800 discarded frames, got %d", r.out.Discarded)
	}
	r.track.ForceStop()
	if got := r.line.Calls(); len(got) != 2 {
		t.Errorf("repeated force stop must not re-drive the line, got %v", got)
	}
}

func TestTrack_StreamErrorKeepsStopPending(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	if _, err := r.track.Write(pcm(64), audio.Voice); err != nil {
		t.Fatalf("write: %v", err)
	}
	done := r.track.RequestStop()
	r.out.InjectError(errors.New("underrun"))
	r.out.Advance(0)
	time.Sleep(10 * time.Millisecond)
	if isClosed(done) || !r.gate.Enabled() {
		t.Fatal("a stream fault must not complete the stop")
	}
	r.out.Advance(64)
	waitClosed(t, done)
}

func TestTrack_SetGain(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	if err := r.track.SetGain(0.25); err != nil {
		t.Fatalf("set gain: %v", err)
	}
	if r.out.Gain() != 0.25 {
		t.Errorf("gain = %v, want 0.25", r.out.Gain())
	}
}

func TestTrack_CloseReleasesDevice(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	if _, err := r.track.Write(pcm(10), audio.Voice); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := r.track.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.track.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if r.gate.Enabled() {
		t.Error("close must release the amplifier")
	}
	if _, err := r.track.Write(pcm(10), audio.Voice); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

// TestTrack_NoPrematureAmplifierDisable drives random interleavings of
// writes, hardware progress and stop requests and checks the amplifier is
// powered whenever audio is queued in the device.
func TestTrack_NoPrematureAmplifierDisable(t *testing.T) {
	t.Parallel()

	for seed := range uint64(20) {
		r := newRig(t)
		r.out.Capacity = 2048
		rng := rand.New(rand.NewPCG(seed, seed*7+1))
		var pending []<-chan struct{}

		for step := range 300 {
			switch op := rng.IntN(10); {
			case op < 4:
				if _, err := r.track.Write(pcm(1+rng.IntN(400)), audio.Voice); err != nil {
					t.Fatalf("seed %d step %d: write: %v", seed, step, err)
				}
			case op < 8:
				r.out.Advance(uint64(rng.IntN(500)))
			default:
				pending = append(pending, r.track.RequestStop())
			}

			if r.out.Queued() > 0 && !r.gate.Enabled() {
				t.Fatalf("seed %d step %d: %d frames queued with the amplifier off",
					seed, step, r.out.Queued())
			}
		}

		final := r.track.RequestStop()
		deadline := time.After(2 * time.Second)
		for !isClosed(final) {
			r.out.Advance(4096)
			select {
			case <-final:
			case <-deadline:
				t.Fatalf("seed %d: drain did not complete", seed)
			case <-time.After(time.Millisecond):
			}
		}
		if r.out.Queued() != 0 || r.out.Discarded != 0 {
			t.Errorf("seed %d: drained stop lost audio: queued=%d discarded=%d",
				seed, r.out.Queued(), r.out.Discarded)
		}
		if r.gate.Enabled() {
			t.Errorf("seed %d: amplifier on after drain", seed)
		}
		for _, ch := range pending {
			if !isClosed(ch) {
				// An earlier stop pending across later writes completes with
				// the final drain.
				waitClosed(t, ch)
			}
		}
		calls := r.line.Calls()
		for i := 1; i < len(calls); i++ {
			if calls[i] == calls[i-1] {
				t.Fatalf("seed %d: line driven twice to %v", seed, calls[i])
			}
		}
	}
}
