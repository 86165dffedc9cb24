// Package app wires the pushtalk subsystems into a running device.
//
// [New] builds the playback chain (amplifier gate, track, arbiter, worker),
// the duplex assistant session, the TTS bridge and the device-action router
// from the config and the opened devices. [App.Run] then serves the button
// and every background loop until the context is cancelled, and
// [App.Shutdown] tears the device down.
//
// For testing, pass mock devices and providers; nothing in this package
// touches real hardware.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pushtalk/internal/actions"
	"github.com/MrWong99/pushtalk/internal/amp"
	"github.com/MrWong99/pushtalk/internal/capture"
	"github.com/MrWong99/pushtalk/internal/config"
	"github.com/MrWong99/pushtalk/internal/duplex"
	"github.com/MrWong99/pushtalk/internal/health"
	"github.com/MrWong99/pushtalk/internal/observe"
	"github.com/MrWong99/pushtalk/internal/playback"
	"github.com/MrWong99/pushtalk/internal/resilience"
	"github.com/MrWong99/pushtalk/internal/speech"
	"github.com/MrWong99/pushtalk/internal/volume"
	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/gpio"
	"github.com/MrWong99/pushtalk/pkg/provider/assistant"
	"github.com/MrWong99/pushtalk/pkg/provider/tts"
)

// killWait bounds how long Kill waits for an aborted turn to unwind.
const killWait = 2 * time.Second

// VolumeSetPhrase is spoken after the assistant changed the volume.
const VolumeSetPhrase = "volume set"

// Providers holds the remote services. TTS may be nil, in which case local
// speech is disabled.
type Providers struct {
	Assistant assistant.Provider
	TTS       tts.Engine
}

// Devices holds the opened hardware. Output, Input, Amplifier and Button are
// required; the rest are optional.
type Devices struct {
	Input       audio.InputOpener
	InputDevice *audio.DeviceRef
	Output      audio.OutputStream

	Amplifier gpio.Line
	LED       gpio.Line
	OnOff     gpio.Line
	Button    gpio.Button

	// Mixer, when set, receives the volume in addition to the stream gain.
	Mixer volume.Sink
}

// App owns every subsystem lifetime.
type App struct {
	cfg     *config.Config
	devices *Devices
	metrics *observe.Metrics

	gate    *amp.Gate
	track   *playback.Track
	arbiter *playback.Arbiter
	worker  *playback.Worker
	volume  *volume.Controller
	session *duplex.Session
	bridge  *speech.Bridge
	tools   *actions.ToolHost
	router  *actions.Router

	levelVar   *slog.LevelVar
	configPath string

	// Hot-reloadable speech settings.
	speechMu       sync.Mutex
	announceVolume bool
	failurePhrase  string

	// announce is set when the assistant changed the volume during the
	// current turn.
	announce atomic.Bool

	// speakCtx is cancelled by Kill and Shutdown.
	speakCtx    context.Context
	speakCancel context.CancelFunc
	speakWG     sync.WaitGroup

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the handler built
// around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithConfigWatch makes Run poll path and hot-apply changes.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires the subsystems together. MCP servers named in the config are
// connected synchronously, so ctx bounds their handshake.
func New(ctx context.Context, cfg *config.Config, providers *Providers, devices *Devices, opts ...Option) (*App, error) {
	if providers == nil || providers.Assistant == nil {
		return nil, errors.New("app: an assistant provider is required")
	}
	if devices == nil || devices.Output == nil || devices.Input == nil || devices.Button == nil {
		return nil, errors.New("app: input, output and button devices are required")
	}
	format, err := cfg.Audio.Format()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{
		cfg:            cfg,
		devices:        devices,
		announceVolume: cfg.TTS.AnnounceVolume,
		failurePhrase:  cfg.TTS.FailurePhrase,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.speakCtx, a.speakCancel = context.WithCancel(context.WithoutCancel(ctx))

	ampLine := devices.Amplifier
	if ampLine == nil {
		ampLine = gpio.NopLine{}
	}
	a.gate = amp.New(ampLine, amp.WithMetrics(a.metrics))
	a.track = playback.NewTrack(devices.Output, a.gate, playback.WithTrackMetrics(a.metrics))
	a.arbiter = playback.NewArbiter()
	a.worker = playback.NewWorker(a.track, a.arbiter,
		playback.WithQueueDepth(cfg.Playback.QueueDepth),
		playback.WithWorkerMetrics(a.metrics),
	)

	sinks := []volume.Sink{a.track}
	if devices.Mixer != nil {
		sinks = append(sinks, devices.Mixer)
	}
	a.volume = volume.New(sinks,
		volume.WithMaxGain(cfg.Volume.MaxGain),
		volume.WithInitial(cfg.Volume.Initial),
	)
	if err := a.volume.Apply(); err != nil {
		slog.Warn("app: apply initial volume", "err", err)
	}

	if err := a.initActions(ctx); err != nil {
		a.track.Close()
		return nil, err
	}

	if providers.TTS != nil {
		a.bridge = speech.New(providers.TTS, a.worker, a.arbiter,
			speech.WithFormat(format),
			speech.WithResampler(&audio.LinearResampler{}),
			speech.WithTrack(a.track),
			speech.WithDrainTimeout(cfg.Playback.DrainTimeout),
			speech.WithMetrics(a.metrics),
		)
	}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "assistant",
		MaxFailures:  cfg.Assistant.Breaker.MaxFailures,
		ResetTimeout: cfg.Assistant.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("app: circuit breaker", "name", name, "from", from.String(), "to", to.String())
		},
	})

	newCapture := func() *capture.Session {
		return capture.NewSession(devices.Input, format, capture.WithMetrics(a.metrics))
	}
	a.session = duplex.New(providers.Assistant, newCapture, a.worker, a.arbiter,
		duplex.WithBreaker(breaker),
		duplex.WithTranscriptSink(transcriptLog{}),
		duplex.WithActionHandler(a.router),
		duplex.WithNotifier(a),
		duplex.WithVolume(&announcingVolume{Controller: a.volume, pending: &a.announce}),
		duplex.WithTrack(a.track),
		duplex.WithInputDevice(devices.InputDevice),
		duplex.WithFormat(format),
		duplex.WithBlockSize(cfg.Capture.BlockSize),
		duplex.WithMaxReadRetries(cfg.Capture.MaxReadRetries),
		duplex.WithDrainTimeout(cfg.Playback.DrainTimeout),
		duplex.WithIdentity(cfg.Assistant.Language, cfg.Assistant.DeviceID, cfg.Assistant.ModelID),
		duplex.WithStateHook(a.onState),
		duplex.WithMetrics(a.metrics),
	)
	return a, nil
}

func (a *App) initActions(ctx context.Context) error {
	a.tools = actions.NewToolHost()
	if err := a.tools.RegisterBuiltin("set_volume", a.setVolumeTool); err != nil {
		return fmt.Errorf("app: register builtin: %w", err)
	}
	for _, srv := range a.cfg.Actions.MCPServers {
		err := a.tools.RegisterServer(ctx, actions.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			Env:       srv.Env,
			URL:       srv.URL,
		})
		if err != nil {
			// A missing tool server only disables the actions it offers.
			slog.Warn("app: register mcp server", "name", srv.Name, "err", err)
		}
	}

	ropts := []actions.Option{
		actions.WithTools(a.tools),
		actions.WithCommandMap(a.cfg.Actions.Commands),
		actions.WithMatchThreshold(a.cfg.Actions.MatchThreshold),
	}
	if a.devices.OnOff != nil {
		ropts = append(ropts, actions.WithOnOff(a.devices.OnOff))
	}
	a.router = actions.NewRouter(ropts...)
	return nil
}

// setVolumeTool lets device actions adjust the volume, e.g. a
// "SetVolume" command resolved by name.
func (a *App) setVolumeTool(_ context.Context, args map[string]any) (string, error) {
	v, ok := args["volumeLevel"]
	if !ok {
		v = args["percentage"]
	}
	pct, ok := v.(float64)
	if !ok {
		return "", fmt.Errorf("set_volume: missing numeric volumeLevel")
	}
	if err := a.volume.SetPercentage(int(pct)); err != nil {
		return "", err
	}
	return fmt.Sprintf("volume %d", a.volume.Percentage()), nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Session returns the duplex assistant session.
func (a *App) Session() *duplex.Session { return a.session }

// Volume returns the volume controller.
func (a *App) Volume() *volume.Controller { return a.volume }

// Gate returns the amplifier gate.
func (a *App) Gate() *amp.Gate { return a.gate }

// Speak plays text through the TTS bridge and blocks until it played.
func (a *App) Speak(ctx context.Context, text string) error {
	if a.bridge == nil {
		return speech.ErrEngineNotReady
	}
	return a.bridge.Speak(ctx, text)
}

// Status returns a snapshot of the device for the status endpoint.
func (a *App) Status() health.Status {
	st := health.Status{
		Turn:      a.session.State().String(),
		Recording: a.session.State() == duplex.Capturing,
		Amplifier: a.gate.Enabled(),
		Volume:    a.volume.Percentage(),
	}
	if h := a.arbiter.Holder(); h != nil {
		st.Playback = h.Source().String()
	}
	if a.bridge != nil {
		st.Engine = a.bridge.Engine().Name()
	}
	return st
}

// checkers returns the readiness probes of the running device.
func (a *App) checkers() []health.Checker {
	cs := []health.Checker{health.Alive("playback", a.worker)}
	if a.bridge != nil {
		cs = append(cs, health.Ready("tts", a.bridge.Engine()))
	}
	return cs
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the device until ctx is cancelled. The playback worker, the
// button loop, the TTS bridge, the config watcher and the status server run
// in one errgroup; the first failure stops them all.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.worker.Run(ctx) })
	g.Go(func() error { return a.devices.Button.Run(ctx) })
	g.Go(func() error { return a.buttonLoop(ctx) })
	if a.bridge != nil {
		g.Go(func() error { return a.bridge.Run(ctx) })
	}
	if a.configPath != "" {
		g.Go(func() error { return a.watchConfig(ctx) })
	}
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		g.Go(func() error { return a.serveStatus(ctx, addr) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) serveStatus(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	health.New(a.checkers(), health.WithStatus(a.Status)).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("app: status server listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: status server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ─── Kill / Shutdown ─────────────────────────────────────────────────────────

// Kill stops the device immediately: capture stops, playback is force-stopped
// without waiting for confirmation, the amplifier is driven off, and the
// channel, streams and LED are closed. Every step runs regardless of earlier
// failures, which are logged. Kill is safe to call more than once.
func (a *App) Kill() {
	a.stopOnce.Do(func() {
		slog.Info("app: kill")
		a.speakCancel()
		a.session.Abort()
		a.silence()

		done := make(chan struct{})
		go func() {
			a.session.Wait()
			a.speakWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(killWait):
			slog.Warn("app: turn did not unwind in time")
		}

		// A frame the worker was writing during the first pass lands before
		// this job runs.
		a.onWorker(a.silence)
		a.closeAll()
	})
}

// silence drops queued audio of both sources before stopping the track so
// the worker has nothing left to restart it with, then drives the
// amplifier off.
func (a *App) silence() {
	a.worker.Discard(audio.SourceAssistant)
	a.worker.Discard(audio.SourceTTS)
	a.track.ForceStop()
	if err := a.gate.ForceOff(); err != nil {
		slog.Error("app: amplifier off", "err", err)
	}
}

// onWorker runs fn on the playback worker goroutine and waits for it, or
// runs it directly when the worker is not running.
func (a *App) onWorker(fn func()) {
	if !a.worker.Alive() {
		fn()
		return
	}
	done := make(chan struct{})
	if !a.worker.Post(func() { fn(); close(done) }) {
		fn()
		return
	}
	select {
	case <-done:
	case <-time.After(killWait):
		slog.Warn("app: playback worker did not respond, stopping output directly")
		fn()
	}
}

// Shutdown lets the current turn finish within ctx, then kills the device.
// It returns the context error when the turn had to be cut short.
func (a *App) Shutdown(ctx context.Context) error {
	a.session.Cancel()
	done := make(chan struct{})
	go func() {
		a.session.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("app: shutdown deadline exceeded, killing")
		err = ctx.Err()
	}
	a.Kill()
	return err
}

func (a *App) closeAll() {
	closeStep := func(name string, fn func() error) {
		if err := fn(); err != nil {
			slog.Error("app: close", "component", name, "err", err)
		}
	}
	if a.devices.LED != nil {
		closeStep("led", func() error { return a.devices.LED.SetEnabled(false) })
	}
	closeStep("track", a.track.Close)
	closeStep("tools", a.tools.Close)
	for name, l := range map[string]gpio.Line{
		"amplifier": a.devices.Amplifier,
		"led":       a.devices.LED,
		"onoff":     a.devices.OnOff,
	} {
		if c, ok := l.(gpio.Closer); ok {
			closeStep(name, c.Close)
		}
	}
}
