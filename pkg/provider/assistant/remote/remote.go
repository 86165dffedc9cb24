// Package remote implements [assistant.Provider] over a WebSocket.
//
// Framing:
//
//   - The client opens each turn with a text "config" event, then streams
//     microphone audio as binary messages (raw PCM, or one Opus packet per
//     message when the opus uplink is enabled), and sends "audio_end" when
//     the button is released.
//   - The server replies with binary messages carrying downlink PCM and text
//     "response" events carrying transcripts, volume changes, device actions
//     and the continuation token. A "done" event completes the turn; an
//     "error" event fails it.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/pushtalk/pkg/provider/assistant"
)

var (
	_ assistant.Provider = (*Provider)(nil)
	_ assistant.Channel  = (*channel)(nil)
)

// Uplink codecs.
const (
	CodecLinear16 = "linear16"
	CodecOpus     = "opus"
)

// ErrRemote is matched by errors reported through a server "error" event.
var ErrRemote = errors.New("remote: assistant reported an error")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithCodec selects the uplink codec. Unknown values fall back to linear16.
func WithCodec(codec string) Option {
	return func(p *Provider) { p.codec = codec }
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider connects to a WebSocket assistant endpoint.
type Provider struct {
	url        string
	apiKey     string
	codec      string
	httpClient *http.Client
}

// New returns a Provider for url (ws:// or wss://).
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("remote: url must not be empty")
	}
	p := &Provider{url: url, codec: CodecLinear16}
	for _, o := range opts {
		o(p)
	}
	if p.codec != CodecOpus {
		p.codec = CodecLinear16
	}
	return p, nil
}

// ── Protocol messages ──────────────────────────────────────────────────────────

type configMessage struct {
	Type   string       `json:"type"`
	Config configParams `json:"config"`
}

type configParams struct {
	SampleRate        uint32 `json:"sample_rate"`
	Channels          uint8  `json:"channels"`
	Encoding          string `json:"encoding"`
	UplinkCodec       string `json:"uplink_codec"`
	VolumePercentage  int    `json:"volume_percentage"`
	ContinuationToken []byte `json:"continuation_token,omitempty"`
	LanguageCode      string `json:"language_code,omitempty"`
	DeviceID          string `json:"device_id,omitempty"`
	DeviceModelID     string `json:"device_model_id,omitempty"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response
	Transcripts       []string        `json:"transcripts,omitempty"`
	VolumePercentage  *int            `json:"volume_percentage,omitempty"`
	DeviceAction      json.RawMessage `json:"device_action,omitempty"`
	ContinuationToken []byte          `json:"continuation_token,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Connect implements [assistant.Provider].
func (p *Provider) Connect(ctx context.Context, cfg assistant.Config) (assistant.Channel, error) {
	opts := &websocket.DialOptions{HTTPClient: p.httpClient}
	if p.apiKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + p.apiKey}}
	}
	conn, _, err := websocket.Dial(ctx, p.url, opts)
	if err != nil {
		return nil, fmt.Errorf("remote: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	chCtx, cancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:      conn,
		responses: make(chan assistant.Response, 64),
		ctx:       chCtx,
		cancel:    cancel,
	}
	if p.codec == CodecOpus {
		if ch.opus, err = newOpusUplink(int(cfg.Format.SampleRate), int(cfg.Format.Channels)); err != nil {
			cancel()
			conn.Close(websocket.StatusInternalError, "codec setup failed")
			return nil, err
		}
	}

	msg := configMessage{Type: "config", Config: configParams{
		SampleRate:        cfg.Format.SampleRate,
		Channels:          cfg.Format.Channels,
		Encoding:          cfg.Format.Encoding.String(),
		UplinkCodec:       p.codec,
		VolumePercentage:  cfg.VolumePercentage,
		ContinuationToken: cfg.ContinuationToken,
		LanguageCode:      cfg.LanguageCode,
		DeviceID:          cfg.DeviceID,
		DeviceModelID:     cfg.DeviceModelID,
	}}
	if err := ch.writeJSON(ctx, msg); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "config failed")
		return nil, fmt.Errorf("remote: send config: %w", err)
	}

	go ch.receiveLoop()
	return ch, nil
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn      *websocket.Conn
	responses chan assistant.Response
	opus      *opusUplink

	// writeMu serialises writes and guards the opus state.
	writeMu  sync.Mutex
	sendDone bool

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *channel) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("remote: marshal: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// SendAudio implements [assistant.Channel].
func (c *channel) SendAudio(ctx context.Context, chunk []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sendDone {
		return errors.New("remote: send side already closed")
	}
	if c.opus == nil {
		if err := c.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
			return fmt.Errorf("remote: send audio: %w", err)
		}
		return nil
	}
	packets, err := c.opus.encode(chunk)
	if err != nil {
		return err
	}
	for _, pkt := range packets {
		if err := c.conn.Write(ctx, websocket.MessageBinary, pkt); err != nil {
			return fmt.Errorf("remote: send audio: %w", err)
		}
	}
	return nil
}

// CloseSend implements [assistant.Channel].
func (c *channel) CloseSend(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sendDone {
		return nil
	}
	c.sendDone = true
	if c.opus != nil {
		pkt, err := c.opus.flush()
		if err != nil {
			return err
		}
		if pkt != nil {
			if err := c.conn.Write(ctx, websocket.MessageBinary, pkt); err != nil {
				return fmt.Errorf("remote: send audio: %w", err)
			}
		}
	}
	if err := c.writeJSON(ctx, map[string]string{"type": "audio_end"}); err != nil {
		return fmt.Errorf("remote: close send: %w", err)
	}
	return nil
}

// Responses implements [assistant.Channel].
func (c *channel) Responses() <-chan assistant.Response { return c.responses }

// Err implements [assistant.Channel].
func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close implements [assistant.Channel].
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "turn closed")
	return nil
}

// receiveLoop owns the responses channel and closes it when it exits.
func (c *channel) receiveLoop() {
	defer close(c.responses)

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				// Closed locally before completion.
				c.setErr(fmt.Errorf("remote: channel closed before completion"))
				return
			}
			c.setErr(fmt.Errorf("remote: read: %w", err))
			return
		}

		if typ == websocket.MessageBinary {
			if len(data) > 0 && !c.emit(assistant.Response{Audio: [][]byte{data}}) {
				return
			}
			continue
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("remote: ignoring malformed event", "error", err)
			continue
		}
		switch evt.Type {
		case "response":
			resp := assistant.Response{
				Transcripts:       evt.Transcripts,
				VolumePercentage:  evt.VolumePercentage,
				DeviceAction:      evt.DeviceAction,
				ContinuationToken: evt.ContinuationToken,
			}
			if !c.emit(resp) {
				return
			}
		case "done":
			c.conn.Close(websocket.StatusNormalClosure, "turn complete")
			return
		case "error":
			c.setErr(fmt.Errorf("%w: %s", ErrRemote, evt.Message))
			c.conn.Close(websocket.StatusNormalClosure, "turn failed")
			return
		default:
			slog.Debug("remote: ignoring event", "type", evt.Type)
		}
	}
}

func (c *channel) emit(r assistant.Response) bool {
	select {
	case c.responses <- r:
		return true
	case <-c.ctx.Done():
		c.setErr(fmt.Errorf("remote: channel closed before completion"))
		return false
	}
}

func (c *channel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}
