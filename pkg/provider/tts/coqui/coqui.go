// Package coqui provides a TTS engine backed by a locally running Coqui TTS
// server. It implements the tts.Engine interface.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts with
//     URL query parameters; readiness is probed with GET /details.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is performed
//     via POST /tts_to_audio/ with a JSON body; readiness is probed with
//     GET /studio_speakers.
//
// Both servers answer one HTTP call per utterance with a complete WAV file.
// The engine normalises the response to a canonical 44-byte header, writes it
// to a temporary file and emits a single EventFile, so playback can start from
// disk without holding the whole body in the playback queue.
//
// Typical usage:
//
//	e, _ := coqui.New("http://localhost:5002", coqui.WithLanguage("en"))
//	events, err := e.Synthesize(ctx, "volume set")
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/provider/tts"
)

var _ tts.Engine = (*Engine)(nil)

const (
	defaultLanguage        = "en"
	defaultTimeout         = 30 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"

	// maxResponseBytes caps a single WAV response (about 10 minutes of
	// 22050 Hz mono 16-bit audio).
	maxResponseBytes = 32 << 20
)

// DefaultFormat is the native output of the stock Coqui VITS models.
var DefaultFormat = audio.NewFormat(22050, 1, audio.EncodingPCMS16)

// APIMode selects which Coqui server API the engine will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Engine.
type Option func(*Engine)

// WithLanguage sets the language code sent to the TTS server (e.g., "en",
// "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) {
		e.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(e *Engine) {
		e.apiMode = mode
	}
}

// WithSpeaker selects the speaker ID (standard mode) or speaker_wav name
// (XTTS mode).
func WithSpeaker(id string) Option {
	return func(e *Engine) {
		e.speaker = id
	}
}

// WithFormat declares the format the server is expected to produce. It is
// reported by Format so that format problems surface before synthesis.
func WithFormat(f audio.Format) Option {
	return func(e *Engine) {
		e.format = f
	}
}

// WithTempDir sets the directory for synthesised WAV files. Defaults to
// os.TempDir().
func WithTempDir(dir string) Option {
	return func(e *Engine) {
		e.tempDir = dir
	}
}

// Engine implements tts.Engine backed by a Coqui TTS server.
type Engine struct {
	serverURL  string
	language   string
	speaker    string
	httpClient *http.Client
	apiMode    APIMode
	format     audio.Format
	tempDir    string

	ready atomic.Bool
}

// New creates an Engine that targets the TTS server at serverURL (e.g.,
// "http://localhost:5002"). The engine reports ready until a [Engine.Probe]
// fails.
func New(serverURL string, opts ...Option) (*Engine, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	e := &Engine{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		format:     DefaultFormat,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	if e.apiMode == APIModeXTTS && e.speaker == "" {
		return nil, errors.New("coqui: a speaker is required in XTTS mode")
	}
	e.ready.Store(true)
	return e, nil
}

// Name implements tts.Engine.
func (e *Engine) Name() string { return "coqui" }

// Ready implements tts.Engine.
func (e *Engine) Ready() bool { return e.ready.Load() }

// Format implements tts.Engine.
func (e *Engine) Format() audio.Format { return e.format }

// Probe checks that the server answers its catalogue endpoint and updates the
// ready state accordingly.
func (e *Engine) Probe(ctx context.Context) error {
	endpoint := detailsEndpoint
	if e.apiMode == APIModeXTTS {
		endpoint = studioSpeakersEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: create probe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.ready.Store(false)
		return fmt.Errorf("coqui: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		e.ready.Store(false)
		return fmt.Errorf("coqui: GET %s returned status %d", endpoint, resp.StatusCode)
	}
	e.ready.Store(true)
	return nil
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize implements tts.Engine. The stream carries one EventFile followed
// by EventDone, or a single EventError.
func (e *Engine) Synthesize(ctx context.Context, text string) (<-chan tts.Event, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("coqui: text must not be empty")
	}
	req, err := e.newRequest(ctx, text)
	if err != nil {
		return nil, err
	}

	events := make(chan tts.Event, 2)
	go func() {
		defer close(events)

		path, code, err := e.fetch(req)
		if err != nil {
			send(ctx, events, tts.Failed(code, err))
			return
		}
		if !send(ctx, events, tts.File(path)) {
			_ = os.Remove(path)
			return
		}
		send(ctx, events, tts.Done())
	}()
	return events, nil
}

func send(ctx context.Context, ch chan<- tts.Event, ev tts.Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) newRequest(ctx context.Context, text string) (*http.Request, error) {
	if e.apiMode == APIModeXTTS {
		data, err := json.Marshal(ttsRequest{Text: text, SpeakerWav: e.speaker, Language: e.language})
		if err != nil {
			return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+ttsEndpoint, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("coqui: create tts request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "audio/wav")
		return req, nil
	}

	params := url.Values{}
	params.Set("text", text)
	if e.speaker != "" {
		params.Set("speaker_id", e.speaker)
	}
	if e.language != "" {
		params.Set("language_id", e.language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")
	return req, nil
}

// fetch performs req and stores the normalised WAV in a temp file. On
// failure it returns the engine error code for the event.
func (e *Engine) fetch(req *http.Request) (string, int, error) {
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", tts.CodeNetwork, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", tts.CodeNetwork, fmt.Errorf("coqui: read WAV response: %w", err)
	}

	hdr, offset, err := audio.ParseWaveContainer(body)
	if err != nil {
		return "", tts.CodeInvalidResponse, fmt.Errorf("coqui: %w", err)
	}
	payload := body[offset : offset+int(hdr.PayloadLength)]
	if _, err := hdr.Format.BytesToFrames(len(payload)); err != nil {
		payload = payload[:len(payload)-len(payload)%hdr.Format.BytesPerFrame()]
	}

	path, err := e.writeTemp(hdr.Format, payload)
	if err != nil {
		return "", tts.CodeRequestFailed, err
	}
	return path, tts.CodeOK, nil
}

func (e *Engine) writeTemp(f audio.Format, payload []byte) (string, error) {
	header, err := audio.EncodeWaveHeader(f, uint32(len(payload)))
	if err != nil {
		return "", fmt.Errorf("coqui: %w", err)
	}
	file, err := os.CreateTemp(e.tempDir, "pushtalk-coqui-*.wav")
	if err != nil {
		return "", fmt.Errorf("coqui: create temp file: %w", err)
	}
	_, werr := file.Write(header)
	if werr == nil {
		_, werr = file.Write(payload)
	}
	cerr := file.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(file.Name())
		return "", fmt.Errorf("coqui: write temp file: %w", err)
	}
	return file.Name(), nil
}
