// Package duplex runs push-to-talk turns against the remote assistant.
//
// A [Session] owns at most one turn at a time. A turn captures microphone
// audio while the button is held, streams it to the assistant channel and
// plays the streamed reply through the shared playback worker, holding the
// playback turn token for the ASSISTANT source from the first reply chunk
// until the hardware confirmed the last one.
//
// State machine:
//
//	Idle ──Begin──▶ Capturing ──Cancel──▶ AwaitingResponse ──done──▶ Draining ──▶ Idle
//	                    │                        │                      │
//	                    └─────────── error ──────┴───────▶ Failed ──────┴──▶ Idle
//
// Capture steps run on the playback worker goroutine, so microphone reads and
// speaker writes never happen concurrently. Reply audio is handed to a
// playout goroutine that waits for the playback turn and queues the frames,
// so button release and channel errors are handled while the speaker is
// still busy. Everything else of a turn runs on its own goroutine;
// [Session.Begin] and [Session.Cancel] never block.
package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/pushtalk/internal/capture"
	"github.com/MrWong99/pushtalk/internal/observe"
	"github.com/MrWong99/pushtalk/internal/playback"
	"github.com/MrWong99/pushtalk/internal/resilience"
	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/provider/assistant"
)

// DefaultDrainTimeout bounds the wait for playback to confirm the last frame
// of a reply.
const DefaultDrainTimeout = 30 * time.Second

var (
	// ErrSessionBusy is returned by Begin while a turn is in progress. The
	// running turn is not affected.
	ErrSessionBusy = errors.New("duplex: session busy")

	// ErrTransport wraps every failure of the assistant channel.
	ErrTransport = errors.New("duplex: transport error")

	// ErrCaptureFault wraps fatal microphone failures.
	ErrCaptureFault = errors.New("duplex: capture fault")

	// ErrDrainTimeout is returned when playback did not confirm the end of
	// the reply within the drain timeout. The track is force-stopped.
	ErrDrainTimeout = errors.New("duplex: playback drain timed out")
)

// State is the lifecycle state of a [Session].
type State int

const (
	Idle State = iota
	Capturing
	AwaitingResponse
	Draining
	Failed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case AwaitingResponse:
		return "awaiting_response"
	case Draining:
		return "draining"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TranscriptSink receives recognised and response text.
type TranscriptSink interface {
	OnTranscript(turnID, text string)
}

// ActionHandler executes device actions sent by the assistant. The payload
// is opaque to the session.
type ActionHandler interface {
	HandleAction(ctx context.Context, raw json.RawMessage) error
}

// Notifier is told once about every failed turn.
type Notifier interface {
	TurnFailed(turnID string, err error)
}

// VolumeControl is the authoritative output volume.
type VolumeControl interface {
	SetPercentage(pct int) error
	Percentage() int
}

// ForceStopper stops playback immediately. It is satisfied by
// [*playback.Track].
type ForceStopper interface {
	ForceStop()
}

// CaptureFactory returns a fresh capture session for one turn.
type CaptureFactory func() *capture.Session

// Option is a functional option for configuring a [Session].
type Option func(*Session)

// WithBreaker routes every assistant connect through cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Session) { s.breaker = cb }
}

// WithTranscriptSink sets the transcript receiver.
func WithTranscriptSink(ts TranscriptSink) Option {
	return func(s *Session) { s.transcripts = ts }
}

// WithActionHandler sets the device action handler.
func WithActionHandler(h ActionHandler) Option {
	return func(s *Session) { s.actions = h }
}

// WithNotifier sets the failure notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// WithVolume sets the volume controller. Its percentage is sent with every
// turn config and assistant volume updates are applied to it.
func WithVolume(v VolumeControl) Option {
	return func(s *Session) { s.volume = v }
}

// WithTrack sets the track that is force-stopped on hardware faults and
// drain timeouts.
func WithTrack(t ForceStopper) Option {
	return func(s *Session) { s.track = t }
}

// WithInputDevice selects the preferred microphone. Nil means the default.
func WithInputDevice(ref *audio.DeviceRef) Option {
	return func(s *Session) { s.inputDevice = ref }
}

// WithFormat sets the capture and playback format. Defaults to audio.Voice.
func WithFormat(f audio.Format) Option {
	return func(s *Session) { s.format = f }
}

// WithBlockSize sets the capture block size in bytes.
func WithBlockSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.blockSize = n
		}
	}
}

// WithMaxReadRetries sets how many consecutive transient capture faults are
// tolerated before the turn fails.
func WithMaxReadRetries(n int) Option {
	return func(s *Session) {
		if n >= 0 {
			s.maxReadRetries = n
		}
	}
}

// WithDrainTimeout sets the playback drain timeout.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// WithIdentity sets the language and device identifiers sent in every turn
// config.
func WithIdentity(languageCode, deviceID, deviceModelID string) Option {
	return func(s *Session) {
		s.languageCode = languageCode
		s.deviceID = deviceID
		s.deviceModelID = deviceModelID
	}
}

// WithStateHook registers fn for every state transition. fn runs with the
// session lock held and must not call back into the session.
func WithStateHook(fn func(turnID string, from, to State)) Option {
	return func(s *Session) { s.onState = fn }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session is the push-to-talk turn state machine. It is safe for concurrent
// use.
type Session struct {
	provider   assistant.Provider
	newCapture CaptureFactory
	worker     *playback.Worker
	arbiter    *playback.Arbiter

	breaker     *resilience.CircuitBreaker
	transcripts TranscriptSink
	actions     ActionHandler
	notifier    Notifier
	volume      VolumeControl
	track       ForceStopper
	metrics     *observe.Metrics
	onState     func(turnID string, from, to State)

	inputDevice    *audio.DeviceRef
	format         audio.Format
	blockSize      int
	maxReadRetries int
	drainTimeout   time.Duration
	languageCode   string
	deviceID       string
	deviceModelID  string

	mu    sync.Mutex
	state State
	cur   *turn
	token []byte

	wg sync.WaitGroup
}

// New creates an idle Session.
func New(provider assistant.Provider, newCapture CaptureFactory, worker *playback.Worker, arbiter *playback.Arbiter, opts ...Option) *Session {
	s := &Session{
		provider:       provider,
		newCapture:     newCapture,
		worker:         worker,
		arbiter:        arbiter,
		format:         audio.Voice,
		blockSize:      capture.DefaultBlockSize,
		maxReadRetries: capture.DefaultMaxReadRetries,
		drainTimeout:   DefaultDrainTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// turn holds the per-turn resources. Fields below sendMu are owned by the
// turn goroutine unless noted.
type turn struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	release     chan struct{}
	releaseOnce sync.Once

	// sendMu serialises SendAudio from the capture step with CloseSend.
	sendMu     sync.Mutex
	sendClosed bool

	ch          assistant.Channel
	capture     *capture.Session
	captureDone chan error
	ended       bool

	// The playout goroutine owns playback and reframer until playDone has
	// been received.
	chunks     chan []byte
	playCancel context.CancelFunc
	playDone   chan error
	fed        bool
	joined     bool
	playback   *playback.Turn
	reframer   audio.Reframer
}

// Begin starts a new turn and returns immediately. The session is in
// Capturing when Begin returns nil. ctx bounds the whole turn.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ErrSessionBusy
	}

	t := &turn{
		id:          uuid.NewString(),
		started:     time.Now(),
		release:     make(chan struct{}),
		captureDone: make(chan error, 1),
		reframer:    audio.Reframer{Format: s.format},
	}
	t.ctx, t.cancel = context.WithCancel(observe.WithTurnID(ctx, t.id))
	s.cur = t
	s.setStateLocked(t, Capturing)

	s.wg.Add(1)
	go s.run(t)
	return nil
}

// Cancel ends capture of the current turn, as on button release. The reply
// is still awaited and played. Cancel is a no-op when no turn is capturing.
func (s *Session) Cancel() {
	s.mu.Lock()
	t := s.cur
	s.mu.Unlock()
	if t != nil {
		t.releaseOnce.Do(func() { close(t.release) })
	}
}

// Abort tears the current turn down without waiting for playback. No failure
// is reported for an aborted turn.
func (s *Session) Abort() {
	s.mu.Lock()
	t := s.cur
	s.mu.Unlock()
	if t != nil {
		t.cancel()
	}
}

// Wait blocks until the current turn, if any, has returned to Idle.
func (s *Session) Wait() { s.wg.Wait() }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ContinuationToken returns a copy of the token received in the last turn,
// or nil before the first turn.
func (s *Session) ContinuationToken() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.token...)
}

func (s *Session) setStateLocked(t *turn, to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	slog.Debug("duplex: state", "turn_id", t.id, "from", from.String(), "to", to.String())
	if s.onState != nil {
		s.onState(t.id, from, to)
	}
}

func (s *Session) setState(t *turn, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(t, to)
}

// run drives one turn from Capturing back to Idle.
func (s *Session) run(t *turn) {
	defer s.wg.Done()
	defer t.cancel()

	ctx, span := observe.StartSpan(t.ctx, "duplex.turn")
	defer span.End()
	log := observe.Logger(ctx)

	s.metrics.ActiveTurns.Add(ctx, 1)
	defer s.metrics.ActiveTurns.Add(context.WithoutCancel(ctx), -1)

	err := s.converse(ctx, t)
	s.stopPlayout(t)
	status := "ok"
	if err != nil {
		status = "failed"
		if errors.Is(err, context.Canceled) {
			status = "aborted"
		}
		observe.Fail(span, err)
		log.Warn("duplex: turn failed", "err", err)
		s.fail(t, err)
	} else {
		log.Info("duplex: turn complete", "duration", time.Since(t.started))
	}

	if t.ch != nil {
		if cerr := t.ch.Close(); cerr != nil {
			log.Debug("duplex: close channel", "err", cerr)
		}
	}
	if t.playback != nil {
		t.playback.Release()
	}
	s.metrics.RecordTurn(context.WithoutCancel(ctx), status, time.Since(t.started))

	s.mu.Lock()
	s.cur = nil
	s.setStateLocked(t, Idle)
	s.mu.Unlock()
}

func (s *Session) converse(ctx context.Context, t *turn) error {
	ch, err := s.connect(ctx)
	if err != nil {
		return err
	}
	t.ch = ch

	cs := s.newCapture()
	if err := cs.Start(s.inputDevice); err != nil {
		return fmt.Errorf("%w: %w", ErrCaptureFault, err)
	}
	t.capture = cs
	if !s.worker.Post(s.captureStep(ctx, t, 0)) {
		return fmt.Errorf("%w: %w", ErrCaptureFault, playback.ErrStopped)
	}

	release := t.release
	captureDone := t.captureDone
	responses := ch.Responses()
	var pending [][]byte
	for {
		// Reply audio waits in pending while the playout goroutine is busy.
		var (
			feed chan<- []byte
			next []byte
		)
		if len(pending) > 0 {
			feed, next = t.chunks, pending[0]
		}
		select {
		case feed <- next:
			pending[0] = nil
			pending = pending[1:]
		case err := <-t.playDone:
			t.joined = true
			if err != nil {
				return err
			}
		case <-release:
			release = nil
			if err := s.endCapture(ctx, t); err != nil {
				return err
			}
		case err := <-captureDone:
			captureDone = nil
			if err != nil {
				return err
			}
		case r, ok := <-responses:
			if !ok {
				if err := ch.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrTransport, err)
				}
				if err := s.endCapture(ctx, t); err != nil {
					return err
				}
				return s.drain(ctx, t, pending)
			}
			s.handleResponse(ctx, t, r)
			if len(r.Audio) > 0 {
				s.startPlayout(ctx, t)
				pending = append(pending, r.Audio...)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) connect(ctx context.Context) (assistant.Channel, error) {
	s.mu.Lock()
	cfg := assistant.Config{
		Format:            s.format,
		VolumePercentage:  100,
		ContinuationToken: append([]byte(nil), s.token...),
		LanguageCode:      s.languageCode,
		DeviceID:          s.deviceID,
		DeviceModelID:     s.deviceModelID,
	}
	s.mu.Unlock()
	if len(cfg.ContinuationToken) == 0 {
		cfg.ContinuationToken = nil
	}
	if s.volume != nil {
		cfg.VolumePercentage = s.volume.Percentage()
	}

	var ch assistant.Channel
	dial := func() error {
		var err error
		ch, err = s.provider.Connect(ctx, cfg)
		return err
	}
	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(dial)
	} else {
		err = dial()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ErrTransport, err)
	}
	return ch, nil
}

// captureStep returns a worker job that reads one block and re-posts itself.
// faults counts consecutive transient read errors. Exactly one value is
// eventually sent on t.captureDone.
func (s *Session) captureStep(ctx context.Context, t *turn, faults int) func() {
	return func() {
		if ctx.Err() != nil {
			t.captureDone <- nil
			return
		}
		buf := make([]byte, s.blockSize)
		n, err := t.capture.ReadBlock(buf)
		if err != nil {
			if errors.Is(err, capture.ErrIO) && faults < s.maxReadRetries {
				observe.Logger(ctx).Warn("duplex: transient capture fault, retrying",
					"attempt", faults+1, "err", err)
				s.repost(ctx, t, faults+1)
				return
			}
			t.captureDone <- fmt.Errorf("%w: %w", ErrCaptureFault, err)
			return
		}
		if n == 0 {
			t.captureDone <- nil
			return
		}

		t.sendMu.Lock()
		if t.sendClosed {
			t.sendMu.Unlock()
			t.captureDone <- nil
			return
		}
		err = t.ch.SendAudio(ctx, buf[:n])
		t.sendMu.Unlock()
		if err != nil {
			t.captureDone <- fmt.Errorf("%w: send audio: %w", ErrTransport, err)
			return
		}
		s.repost(ctx, t, 0)
	}
}

func (s *Session) repost(ctx context.Context, t *turn, faults int) {
	if !s.worker.Post(s.captureStep(ctx, t, faults)) {
		t.captureDone <- fmt.Errorf("%w: %w", ErrCaptureFault, playback.ErrStopped)
	}
}

// endCapture half-closes the uplink, then stops the microphone. It is
// idempotent and moves a capturing session to AwaitingResponse.
func (s *Session) endCapture(ctx context.Context, t *turn) error {
	if t.ended {
		return nil
	}
	t.ended = true

	t.sendMu.Lock()
	t.sendClosed = true
	err := t.ch.CloseSend(ctx)
	t.sendMu.Unlock()

	if serr := t.capture.Stop(); serr != nil {
		observe.Logger(ctx).Warn("duplex: stop capture", "err", serr)
	}

	s.mu.Lock()
	if s.state == Capturing {
		s.setStateLocked(t, AwaitingResponse)
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: close send: %w", ErrTransport, err)
	}
	return nil
}

// handleResponse applies everything in r except its audio.
func (s *Session) handleResponse(ctx context.Context, t *turn, r assistant.Response) {
	log := observe.Logger(ctx)

	if s.transcripts != nil {
		for _, text := range r.Transcripts {
			s.transcripts.OnTranscript(t.id, text)
		}
	}
	if r.VolumePercentage != nil && s.volume != nil {
		if err := s.volume.SetPercentage(*r.VolumePercentage); err != nil {
			log.Warn("duplex: apply volume", "percentage", *r.VolumePercentage, "err", err)
		}
	}
	if len(r.DeviceAction) > 0 && s.actions != nil {
		if err := s.actions.HandleAction(ctx, r.DeviceAction); err != nil {
			log.Warn("duplex: device action failed", "err", err)
		}
	}
	if len(r.ContinuationToken) > 0 {
		s.mu.Lock()
		s.token = append([]byte(nil), r.ContinuationToken...)
		s.mu.Unlock()
	}
}

// startPlayout starts the playout goroutine on the first reply audio.
func (s *Session) startPlayout(ctx context.Context, t *turn) {
	if t.chunks != nil {
		return
	}
	t.chunks = make(chan []byte)
	t.playDone = make(chan error, 1)
	var pctx context.Context
	pctx, t.playCancel = context.WithCancel(ctx)
	go func() {
		t.playDone <- s.playout(pctx, t)
	}()
}

// playout queues reply chunks until t.chunks is closed.
func (s *Session) playout(ctx context.Context, t *turn) error {
	for {
		select {
		case chunk, ok := <-t.chunks:
			if !ok {
				return nil
			}
			if err := s.play(ctx, t, chunk); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// finishPlayout hands the remaining chunks over and waits until all of them
// are queued.
func (s *Session) finishPlayout(ctx context.Context, t *turn, pending [][]byte) error {
	if t.chunks == nil || t.joined {
		return nil
	}
	for _, chunk := range pending {
		select {
		case t.chunks <- chunk:
		case err := <-t.playDone:
			t.joined = true
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.fed = true
	close(t.chunks)
	select {
	case err := <-t.playDone:
		t.joined = true
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopPlayout cancels the playout goroutine and waits for it.
func (s *Session) stopPlayout(t *turn) {
	if t.chunks == nil {
		return
	}
	t.playCancel()
	if !t.fed {
		t.fed = true
		close(t.chunks)
	}
	if !t.joined {
		t.joined = true
		<-t.playDone
	}
}

// play enqueues one reply chunk, acquiring the playback turn on first use.
func (s *Session) play(ctx context.Context, t *turn, chunk []byte) error {
	if t.playback == nil {
		pt, err := s.arbiter.Acquire(ctx, audio.SourceAssistant)
		if err != nil {
			return err
		}
		t.playback = pt
	}
	data := t.reframer.Push(chunk)
	if len(data) == 0 {
		return nil
	}
	frame := audio.Frame{Data: data, Format: s.format, Source: audio.SourceAssistant}
	if err := s.worker.Enqueue(ctx, t.playback, frame); err != nil {
		return fmt.Errorf("duplex: enqueue reply audio: %w", err)
	}
	return nil
}

// drain queues the remaining reply audio and waits until every frame was
// confirmed played.
func (s *Session) drain(ctx context.Context, t *turn, pending [][]byte) error {
	s.setState(t, Draining)
	if err := s.finishPlayout(ctx, t, pending); err != nil {
		return err
	}
	if t.playback == nil {
		return nil
	}
	if n := t.reframer.Pending(); n > 0 {
		observe.Logger(ctx).Warn("duplex: dropping partial trailing frame", "bytes", n)
	}
	return s.awaitEnd(ctx, t)
}

func (s *Session) awaitEnd(ctx context.Context, t *turn) error {
	end := s.worker.EndStream(ctx, t.playback)
	timer := time.NewTimer(s.drainTimeout)
	defer timer.Stop()
	select {
	case err := <-end:
		if err != nil {
			return fmt.Errorf("duplex: drain: %w", err)
		}
		return nil
	case <-timer.C:
		s.forceStop()
		return ErrDrainTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) forceStop() {
	if s.track != nil {
		s.track.ForceStop()
	}
}

// fail runs the Failed path: capture is stopped, unwritten reply audio is
// dropped and written audio drains, unless the fault is in the hardware or
// the turn was aborted.
func (s *Session) fail(t *turn, cause error) {
	s.setState(t, Failed)
	ctx := context.WithoutCancel(t.ctx)
	log := observe.Logger(ctx)

	if t.capture != nil && !t.ended {
		t.ended = true
		t.sendMu.Lock()
		t.sendClosed = true
		t.sendMu.Unlock()
		if err := t.capture.Stop(); err != nil {
			log.Warn("duplex: stop capture", "err", err)
		}
	}

	if t.playback != nil {
		if n := s.worker.Discard(audio.SourceAssistant); n > 0 {
			log.Info("duplex: discarded unplayed reply audio", "buffers", n)
		}
		switch {
		case isHardwareFault(cause), errors.Is(cause, ErrDrainTimeout), errors.Is(cause, context.Canceled):
			s.forceStop()
		default:
			// Audio already written plays out; the gate is released by the
			// track once the last frame is confirmed.
			if err := s.awaitEnd(ctx, t); err != nil && !errors.Is(err, ErrDrainTimeout) {
				log.Debug("duplex: drain after failure", "err", err)
			}
		}
	}

	if s.notifier != nil && !errors.Is(cause, context.Canceled) {
		s.notifier.TurnFailed(t.id, cause)
	}
}

func isHardwareFault(err error) bool {
	return errors.Is(err, ErrCaptureFault) ||
		errors.Is(err, playback.ErrFormatMismatch) ||
		errors.Is(err, playback.ErrClosed)
}
