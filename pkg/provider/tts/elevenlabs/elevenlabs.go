// Package elevenlabs provides an ElevenLabs-backed TTS engine using the
// ElevenLabs streaming WebSocket API. It implements the tts.Engine interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/provider/tts"
)

var _ tts.Engine = (*Engine)(nil)

const (
	defaultEndpoint  = "wss://api.elevenlabs.io"
	wsPathFmt        = "/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Engine.
type Option func(*Engine)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(e *Engine) {
		e.model = model
	}
}

// WithOutputFormat sets the PCM output format ("pcm_16000", "pcm_22050",
// "pcm_24000" or "pcm_44100").
func WithOutputFormat(format string) Option {
	return func(e *Engine) {
		e.outputFormat = format
	}
}

// WithEndpoint overrides the API base URL. Used by tests.
func WithEndpoint(url string) Option {
	return func(e *Engine) {
		e.endpoint = strings.TrimRight(url, "/")
	}
}

// Engine implements tts.Engine backed by the ElevenLabs streaming API.
type Engine struct {
	apiKey       string
	voiceID      string
	model        string
	outputFormat string
	endpoint     string
	format       audio.Format
}

// New creates a new ElevenLabs Engine speaking with voiceID. apiKey and
// voiceID must be non-empty.
func New(apiKey, voiceID string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}
	e := &Engine{
		apiKey:       apiKey,
		voiceID:      voiceID,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpoint:     defaultEndpoint,
	}
	for _, o := range opts {
		o(e)
	}
	f, err := parseOutputFormat(e.outputFormat)
	if err != nil {
		return nil, err
	}
	e.format = f
	return e, nil
}

// parseOutputFormat maps "pcm_<rate>" to a mono 16-bit format.
func parseOutputFormat(s string) (audio.Format, error) {
	rate, ok := strings.CutPrefix(s, "pcm_")
	if !ok {
		return audio.Format{}, fmt.Errorf("elevenlabs: output format %q is not raw PCM", s)
	}
	n, err := strconv.ParseUint(rate, 10, 32)
	if err != nil || n == 0 {
		return audio.Format{}, fmt.Errorf("elevenlabs: invalid sample rate in %q", s)
	}
	return audio.NewFormat(uint32(n), 1, audio.EncodingPCMS16), nil
}

// Name implements tts.Engine.
func (e *Engine) Name() string { return "elevenlabs" }

// Ready implements tts.Engine. The engine is stateless between utterances.
func (e *Engine) Ready() bool { return true }

// Format implements tts.Engine.
func (e *Engine) Format() audio.Format { return e.format }

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// Synthesize implements tts.Engine. Audio chunks stream as EventAudio until
// the server marks the final message.
func (e *Engine) Synthesize(ctx context.Context, text string) (<-chan tts.Event, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}

	conn, _, err := websocket.Dial(ctx, e.streamURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	// The first message authenticates and must carry a single space.
	msgs := []textMessage{
		{
			Text:          " ",
			VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
			XiAPIKey:      e.apiKey,
		},
		{Text: text + " "},
		{Text: ""}, // flush and end of input
	}
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "marshal")
			return nil, fmt.Errorf("elevenlabs: marshal message: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			conn.Close(websocket.StatusInternalError, "write failed")
			return nil, fmt.Errorf("elevenlabs: send text: %w", err)
		}
	}

	events := make(chan tts.Event, 64)
	go func() {
		defer close(events)
		defer conn.Close(websocket.StatusNormalClosure, "done")
		e.readLoop(ctx, conn, events)
	}()
	return events, nil
}

func (e *Engine) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- tts.Event) {
	emit := func(ev tts.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A normal close after the last chunk still counts as success.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				emit(tts.Done())
				return
			}
			emit(tts.Failed(tts.CodeNetwork, fmt.Errorf("elevenlabs: read: %w", err)))
			return
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			emit(tts.Failed(tts.CodeInvalidResponse, fmt.Errorf("elevenlabs: decode message: %w", err)))
			return
		}
		if resp.Error != "" {
			code := resp.Code
			if code == 0 {
				code = tts.CodeRequestFailed
			}
			emit(tts.Failed(code, fmt.Errorf("elevenlabs: %s", resp.Error)))
			return
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				emit(tts.Failed(tts.CodeInvalidResponse, fmt.Errorf("elevenlabs: decode audio: %w", err)))
				return
			}
			if !emit(tts.Audio(pcm)) {
				return
			}
		}
		if resp.IsFinal {
			emit(tts.Done())
			return
		}
	}
}

func (e *Engine) streamURL() string {
	return e.endpoint + fmt.Sprintf(wsPathFmt, e.voiceID, e.model, e.outputFormat)
}
