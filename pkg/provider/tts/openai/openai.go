// Package openai provides a TTS engine backed by the OpenAI speech API.
//
// The default response format is raw PCM (24 kHz mono 16-bit), streamed to
// the caller as EventAudio chunks while the HTTP body arrives. The "mp3" and
// "wav" formats are written to a temporary file and delivered as a single
// EventFile instead.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/provider/tts"
)

var _ tts.Engine = (*Engine)(nil)

const (
	// DefaultModel is the default OpenAI speech model.
	DefaultModel = "gpt-4o-mini-tts"

	// DefaultVoice is the default OpenAI voice.
	DefaultVoice = "alloy"

	chunkSize = 4096
)

// Response formats understood by the engine.
const (
	FormatPCM = "pcm"
	FormatMP3 = "mp3"
	FormatWAV = "wav"
)

// PCMFormat is the fixed format of the "pcm" response format.
var PCMFormat = audio.NewFormat(24000, 1, audio.EncodingPCMS16)

// config holds optional configuration for the engine.
type config struct {
	baseURL        string
	model          string
	voice          string
	responseFormat string
	instructions   string
	speed          float64
	timeout        time.Duration
	tempDir        string
	maxRetries     int
}

// Option is a functional option for Engine.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the speech model.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithVoice sets the voice name.
func WithVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
}

// WithResponseFormat selects "pcm" (default), "mp3" or "wav".
func WithResponseFormat(f string) Option {
	return func(c *config) { c.responseFormat = f }
}

// WithInstructions passes style instructions to models that support them.
func WithInstructions(s string) Option {
	return func(c *config) { c.instructions = s }
}

// WithSpeed sets the speaking rate (0.25 to 4.0).
func WithSpeed(s float64) Option {
	return func(c *config) { c.speed = s }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithTempDir sets the directory for mp3 and wav files.
func WithTempDir(dir string) Option {
	return func(c *config) { c.tempDir = dir }
}

// WithMaxRetries sets the client retry count for failed requests.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// Engine implements tts.Engine using the OpenAI speech endpoint.
type Engine struct {
	client oai.Client
	cfg    config
}

// New constructs an Engine. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	cfg := config{
		model:          DefaultModel,
		voice:          DefaultVoice,
		responseFormat: FormatPCM,
		maxRetries:     2,
	}
	for _, o := range opts {
		o(&cfg)
	}
	switch cfg.responseFormat {
	case FormatPCM, FormatMP3, FormatWAV:
	default:
		return nil, fmt.Errorf("openai tts: unsupported response format %q", cfg.responseFormat)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Engine{client: oai.NewClient(reqOpts...), cfg: cfg}, nil
}

// Name implements tts.Engine.
func (e *Engine) Name() string { return "openai" }

// Ready implements tts.Engine.
func (e *Engine) Ready() bool { return true }

// Format implements tts.Engine. Only the "pcm" response format produces
// EventAudio chunks; files carry their own format.
func (e *Engine) Format() audio.Format { return PCMFormat }

// Synthesize implements tts.Engine.
func (e *Engine) Synthesize(ctx context.Context, text string) (<-chan tts.Event, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("openai tts: text must not be empty")
	}
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(e.cfg.model),
		Voice:          oai.AudioSpeechNewParamsVoice(e.cfg.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(e.cfg.responseFormat),
	}
	if e.cfg.instructions != "" {
		params.Instructions = param.NewOpt(e.cfg.instructions)
	}
	if e.cfg.speed > 0 {
		params.Speed = param.NewOpt(e.cfg.speed)
	}

	resp, err := e.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai tts: speech: %w", err)
	}

	events := make(chan tts.Event, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		emit := func(ev tts.Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if e.cfg.responseFormat == FormatPCM {
			e.streamPCM(resp.Body, emit)
			return
		}
		path, err := e.saveFile(resp.Body)
		if err != nil {
			emit(tts.Failed(tts.CodeInvalidResponse, err))
			return
		}
		if !emit(tts.File(path)) {
			_ = os.Remove(path)
			return
		}
		emit(tts.Done())
	}()
	return events, nil
}

func (e *Engine) streamPCM(body io.Reader, emit func(tts.Event) bool) {
	for {
		buf := make([]byte, chunkSize)
		n, err := io.ReadFull(body, buf)
		if n > 0 && !emit(tts.Audio(buf[:n])) {
			return
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			emit(tts.Done())
			return
		default:
			emit(tts.Failed(tts.CodeNetwork, fmt.Errorf("openai tts: read body: %w", err)))
			return
		}
	}
}

// saveFile stores an mp3 body as-is and rewrites a wav body with a canonical
// header, since the API streams wav with placeholder chunk sizes.
func (e *Engine) saveFile(body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("openai tts: read body: %w", err)
	}
	if e.cfg.responseFormat == FormatWAV {
		hdr, offset, err := audio.ParseWaveContainer(data)
		if err != nil {
			return "", fmt.Errorf("openai tts: %w", err)
		}
		payload := data[offset : offset+int(hdr.PayloadLength)]
		payload = payload[:len(payload)-len(payload)%hdr.Format.BytesPerFrame()]
		header, err := audio.EncodeWaveHeader(hdr.Format, uint32(len(payload)))
		if err != nil {
			return "", fmt.Errorf("openai tts: %w", err)
		}
		data = append(header, payload...)
	}

	f, err := os.CreateTemp(e.cfg.tempDir, "pushtalk-openai-*."+e.cfg.responseFormat)
	if err != nil {
		return "", fmt.Errorf("openai tts: create temp file: %w", err)
	}
	_, werr := f.Write(data)
	if err := errors.Join(werr, f.Close()); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("openai tts: write temp file: %w", err)
	}
	return f.Name(), nil
}
