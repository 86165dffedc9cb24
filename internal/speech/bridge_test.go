package speech_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/pushtalk/internal/amp"
	"github.com/MrWong99/pushtalk/internal/observe"
	"github.com/MrWong99/pushtalk/internal/playback"
	"github.com/MrWong99/pushtalk/internal/speech"
	"github.com/MrWong99/pushtalk/pkg/audio"
	audiomock "github.com/MrWong99/pushtalk/pkg/audio/mock"
	gpiomock "github.com/MrWong99/pushtalk/pkg/gpio/mock"
	"github.com/MrWong99/pushtalk/pkg/provider/tts"
	ttsmock "github.com/MrWong99/pushtalk/pkg/provider/tts/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type rig struct {
	out     *audiomock.OutputStream
	line    *gpiomock.Line
	arbiter *playback.Arbiter
	worker  *playback.Worker
	engine  *ttsmock.Engine
	m       *observe.Metrics
	cancel  context.CancelFunc
}

func newRig(t *testing.T, engine *ttsmock.Engine, opts ...speech.Option) (*rig, *speech.Bridge) {
	t.Helper()
	return newRigPlaying(t, engine, true, opts...)
}

// newRigPlaying builds a rig whose speaker consumes audio only when advance
// is set.
func newRigPlaying(t *testing.T, engine *ttsmock.Engine, advance bool, opts ...speech.Option) (*rig, *speech.Bridge) {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	r := &rig{
		out:     audiomock.NewOutputStream(audio.Voice),
		line:    &gpiomock.Line{},
		arbiter: playback.NewArbiter(),
		engine:  engine,
		m:       m,
	}
	gate := amp.New(r.line, amp.WithMetrics(m))
	track := playback.NewTrack(r.out, gate, playback.WithTrackMetrics(m))
	r.worker = playback.NewWorker(track, r.arbiter,
		playback.WithWorkerMetrics(m), playback.WithRetryDelay(time.Millisecond))

	opts = append([]speech.Option{speech.WithMetrics(m), speech.WithTrack(track)}, opts...)
	b := speech.New(engine, r.worker, r.arbiter, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_ = r.worker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if advance {
			r.out.Run(ctx, time.Millisecond, 160)
		}
	}()
	go func() {
		defer wg.Done()
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		_ = track.Close()
	})
	return r, b
}

func speak(t *testing.T, b *speech.Bridge, text string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Speak(ctx, text)
}

func totalBytes(sizes []int) int {
	n := 0
	for _, s := range sizes {
		n += s
	}
	return n
}

// nextTurnID acquires and releases a turn, returning its sequence number.
func nextTurnID(t *testing.T, a *playback.Arbiter) uint64 {
	t.Helper()
	turn, err := a.Acquire(context.Background(), audio.SourceAssistant)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	turn.Release()
	return turn.ID()
}

func TestBridge_SpeakAcquiresOneTurnAndCyclesAmplifier(t *testing.T) {
	t.Parallel()
	engine := &ttsmock.Engine{Events: []tts.Event{
		tts.Audio(make([]byte, 3200)),
		tts.Audio(make([]byte, 3200)),
		tts.Done(),
	}}
	r, b := newRig(t, engine)

	if err := speak(t, b, "test"); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	if r.arbiter.Holder() != nil {
		t.Fatal("playback turn still held after Speak returned")
	}
	if id := nextTurnID(t, r.arbiter); id != 2 {
		t.Errorf("next turn id = %d, want 2 (exactly one turn acquired by Speak)", id)
	}
	calls := r.line.Calls()
	if len(calls) != 2 || !calls[0] || calls[1] {
		t.Errorf("amplifier transitions = %v, want [true false]", calls)
	}
	if got := totalBytes(r.out.WriteSizes()); got != 6400 {
		t.Errorf("device received %d bytes, want 6400", got)
	}
	if r.out.Queued() != 0 {
		t.Errorf("Speak returned with %d frames unplayed", r.out.Queued())
	}
	if texts := engine.Texts(); len(texts) != 1 || texts[0] != "test" {
		t.Errorf("synthesised %v", texts)
	}
}

func TestBridge_EngineNotReady(t *testing.T) {
	t.Parallel()
	engine := &ttsmock.Engine{NotReady: true}
	r, b := newRig(t, engine)

	if err := speak(t, b, "hello"); !errors.Is(err, speech.ErrEngineNotReady) {
		t.Fatalf("Speak = %v, want ErrEngineNotReady", err)
	}
	if len(engine.Texts()) != 0 {
		t.Error("engine must not be called while not ready")
	}
	if len(r.line.Calls()) != 0 {
		t.Error("amplifier must stay off")
	}
}

func TestBridge_FormatHandling(t *testing.T) {
	t.Parallel()
	tts22k := audio.NewFormat(22050, 1, audio.EncodingPCMS16)

	t.Run("mismatch without resampler", func(t *testing.T) {
		t.Parallel()
		engine := &ttsmock.Engine{EngineFormat: tts22k, Events: []tts.Event{tts.Audio(make([]byte, 441)), tts.Done()}}
		_, b := newRig(t, engine)
		if err := speak(t, b, "hi"); !errors.Is(err, speech.ErrFormatMismatch) {
			t.Fatalf("Speak = %v, want ErrFormatMismatch", err)
		}
	})

	t.Run("resampled", func(t *testing.T) {
		t.Parallel()
		// 2205 frames at 22.05 kHz is 100 ms, 1600 frames at 16 kHz.
		engine := &ttsmock.Engine{EngineFormat: tts22k, Events: []tts.Event{tts.Audio(make([]byte, 2205*2)), tts.Done()}}
		r, b := newRig(t, engine, speech.WithResampler(&audio.LinearResampler{}))
		if err := speak(t, b, "hi"); err != nil {
			t.Fatalf("Speak: %v", err)
		}
		if got := totalBytes(r.out.WriteSizes()); got != 1600*2 {
			t.Errorf("device received %d bytes, want %d", got, 1600*2)
		}
	})
}

func TestBridge_CarriesPartialFrames(t *testing.T) {
	t.Parallel()
	engine := &ttsmock.Engine{Events: []tts.Event{
		tts.Audio([]byte{1, 2, 3}),
		tts.Audio([]byte{4, 5, 6, 7, 8}),
		tts.Done(),
	}}
	r, b := newRig(t, engine)

	if err := speak(t, b, "odd"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	var got []byte
	for _, w := range r.out.Writes {
		got = append(got, w...)
	}
	if string(got) != string([]byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("device received %v", got)
	}
}

func TestBridge_SynthesisFailure(t *testing.T) {
	t.Parallel()
	engine := &ttsmock.Engine{Events: []tts.Event{
		tts.Audio(make([]byte, 640)),
		tts.Failed(500, errors.New("server error")),
	}}
	r, b := newRig(t, engine)

	err := speak(t, b, "boom")
	if !errors.Is(err, speech.ErrSynthesisFailed) {
		t.Fatalf("Speak = %v, want ErrSynthesisFailed", err)
	}
	var se *speech.SynthesisError
	if !errors.As(err, &se) || se.Code != 500 {
		t.Errorf("error = %#v, want code 500", err)
	}
	if r.arbiter.Holder() != nil {
		t.Error("playback turn must be released after a failure")
	}

	// The bridge keeps serving after a failed call.
	engine.Script = func(string) []tts.Event { return []tts.Event{tts.Done()} }
	if err := speak(t, b, "again"); err != nil {
		t.Errorf("Speak after failure: %v", err)
	}
}

func TestBridge_StartFailure(t *testing.T) {
	t.Parallel()
	engine := &ttsmock.Engine{SynthesizeErr: errors.New("unreachable")}
	_, b := newRig(t, engine)

	err := speak(t, b, "x")
	var se *speech.SynthesisError
	if !errors.As(err, &se) || se.Code != tts.CodeRequestFailed {
		t.Fatalf("Speak = %v, want request-failed synthesis error", err)
	}
}

func TestBridge_PlaysWaveFileAndRemovesIt(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}
	hdr, err := audio.EncodeWaveHeader(audio.Voice, uint32(len(payload)))
	if err != nil {
		t.Fatalf("EncodeWaveHeader: %v", err)
	}
	path := filepath.Join(t.TempDir(), "utterance.wav")
	if err := os.WriteFile(path, append(hdr, payload...), 0o600); err != nil {
		t.Fatal(err)
	}

	engine := &ttsmock.Engine{Events: []tts.Event{tts.File(path), tts.Done()}}
	r, b := newRig(t, engine)
	if err := speak(t, b, "file"); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	var got []byte
	for _, w := range r.out.Writes {
		got = append(got, w...)
	}
	if len(got) != len(payload) {
		t.Fatalf("device received %d bytes, want %d (header must be skipped)", len(got), len(payload))
	}
	if got[0] != 0 || got[len(got)-1] != payload[len(payload)-1] {
		t.Error("payload bytes differ")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp file still exists: %v", err)
	}
}

func TestBridge_MalformedFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.wav")
	if err := os.WriteFile(path, []byte("not a wave file at all"), 0o600); err != nil {
		t.Fatal(err)
	}
	engine := &ttsmock.Engine{Events: []tts.Event{tts.File(path), tts.Done()}}
	_, b := newRig(t, engine)

	err := speak(t, b, "bad")
	if !errors.Is(err, speech.ErrSynthesisFailed) || !errors.Is(err, audio.ErrMalformedHeader) {
		t.Fatalf("Speak = %v, want synthesis failure wrapping a malformed header", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("malformed temp file must be removed too")
	}
}

func TestBridge_SerialisesInSubmissionOrder(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	engine := &ttsmock.Engine{
		Gate:   gate,
		Events: []tts.Event{tts.Audio(make([]byte, 320)), tts.Done()},
	}
	_, b := newRig(t, engine)

	errs := make(chan error, 3)
	texts := []string{"one", "two", "three"}
	for i, text := range texts {
		go func() { errs <- speak(t, b, text) }()
		// Wait until the previous request is queued before submitting.
		deadline := time.Now().Add(2 * time.Second)
		for i == 0 && len(engine.Texts()) == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(gate)
	for range texts {
		if err := <-errs; err != nil {
			t.Errorf("Speak: %v", err)
		}
	}
	got := engine.Texts()
	if len(got) != 3 {
		t.Fatalf("synthesised %v", got)
	}
	for i := range texts {
		if got[i] != texts[i] {
			t.Fatalf("synthesis order = %v, want %v", got, texts)
		}
	}
}

func TestBridge_SpeakAfterStop(t *testing.T) {
	t.Parallel()
	r, b := newRig(t, &ttsmock.Engine{})
	r.cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := speak(t, b, "late")
		if errors.Is(err, speech.ErrClosed) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Speak after stop = %v, want ErrClosed", err)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBridge_DrainTimeoutStopsOutput(t *testing.T) {
	t.Parallel()
	engine := &ttsmock.Engine{Events: []tts.Event{tts.Audio(make([]byte, 3200)), tts.Done()}}
	r, b := newRigPlaying(t, engine, false, speech.WithDrainTimeout(50*time.Millisecond))

	start := time.Now()
	err := speak(t, b, "stuck")
	if !errors.Is(err, speech.ErrDrainTimeout) {
		t.Fatalf("Speak = %v, want ErrDrainTimeout", err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("Speak took %v with a 50ms drain timeout", d)
	}
	if r.arbiter.Holder() != nil {
		t.Error("playback turn still held after the drain timed out")
	}
	if r.line.State() {
		t.Error("amplifier still on after the drain timed out")
	}
	if _, _, flush, _ := r.out.Counts(); flush == 0 {
		t.Error("output was not flushed")
	}
	if r.out.Queued() != 0 {
		t.Errorf("queued = %d, want 0 after force stop", r.out.Queued())
	}
	if id := nextTurnID(t, r.arbiter); id != 2 {
		t.Errorf("next turn id = %d, want 2", id)
	}
}

func TestBridge_SpeakReturnsWhenCancelledMidPlayback(t *testing.T) {
	t.Parallel()
	engine := &ttsmock.Engine{Events: []tts.Event{tts.Audio(make([]byte, 3200)), tts.Done()}}
	r, b := newRigPlaying(t, engine, false)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- b.Speak(ctx, "long") }()
	deadline := time.Now().Add(2 * time.Second)
	for len(r.out.WriteSizes()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("utterance never reached the speaker")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Speak = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Speak ignored cancellation while its audio was playing")
	}

	// The abandoned utterance releases the speaker without waiting for it
	// to drain.
	deadline = time.Now().Add(2 * time.Second)
	for r.arbiter.Holder() != nil || r.line.State() {
		if time.Now().After(deadline) {
			t.Fatalf("turn held=%v amp=%v after cancel", r.arbiter.Holder() != nil, r.line.State())
		}
		time.Sleep(time.Millisecond)
	}
}
