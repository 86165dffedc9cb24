package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/provider/tts"
)

// fakeServer accepts one stream, records the text messages and replies with
// the scripted responses.
type fakeServer struct {
	mu       sync.Mutex
	received []textMessage
	query    string
	replies  []audioResponse
}

func (f *fakeServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.query = r.URL.RawQuery
		f.mu.Unlock()
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			_, b, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m textMessage
			_ = json.Unmarshal(b, &m)
			f.mu.Lock()
			f.received = append(f.received, m)
			f.mu.Unlock()
			if m.Text == "" {
				break
			}
		}
		for _, rep := range f.replies {
			b, _ := json.Marshal(rep)
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
	}
}

func collect(t *testing.T, ch <-chan tts.Event) []tts.Event {
	t.Helper()
	var out []tts.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for event stream to close")
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "voice"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("key", ""); err == nil {
		t.Error("expected error for empty voice")
	}
	if _, err := New("key", "voice", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for non-PCM output format")
	}

	e, err := New("key", "voice", WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := audio.NewFormat(24000, 1, audio.EncodingPCMS16)
	if e.Format() != want {
		t.Errorf("Format() = %v, want %v", e.Format(), want)
	}
	if !e.Ready() || e.Name() != "elevenlabs" {
		t.Errorf("Ready=%v Name=%q", e.Ready(), e.Name())
	}
}

func TestSynthesize_StreamsAudio(t *testing.T) {
	t.Parallel()

	chunk1 := []byte{1, 2, 3, 4}
	chunk2 := []byte{5, 6}
	fs := &fakeServer{replies: []audioResponse{
		{Audio: base64.StdEncoding.EncodeToString(chunk1)},
		{Audio: base64.StdEncoding.EncodeToString(chunk2)},
		{IsFinal: true},
	}}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	e, err := New("secret", "rachel", WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := e.Synthesize(context.Background(), "Hello there")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	events := collect(t, ch)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Kind != tts.EventAudio || string(events[0].Audio) != string(chunk1) {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Kind != tts.EventAudio || string(events[1].Audio) != string(chunk2) {
		t.Errorf("event 1 = %+v", events[1])
	}
	if events[2].Kind != tts.EventDone {
		t.Errorf("event 2 = %+v, want done", events[2])
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.received) != 3 {
		t.Fatalf("server received %d messages, want 3", len(fs.received))
	}
	if fs.received[0].XiAPIKey != "secret" || fs.received[0].VoiceSettings == nil {
		t.Errorf("handshake = %+v", fs.received[0])
	}
	if fs.received[1].Text != "Hello there " {
		t.Errorf("text = %q", fs.received[1].Text)
	}
	if !strings.Contains(fs.query, "model_id="+defaultModel) || !strings.Contains(fs.query, "output_format=pcm_16000") {
		t.Errorf("query = %q", fs.query)
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	t.Parallel()

	fs := &fakeServer{replies: []audioResponse{{Error: "quota_exceeded", Code: 1008}}}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	e, err := New("secret", "rachel", WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := e.Synthesize(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	events := collect(t, ch)
	if len(events) != 1 || events[0].Kind != tts.EventError {
		t.Fatalf("events = %+v, want one error", events)
	}
	if events[0].Code != 1008 {
		t.Errorf("code = %d, want 1008", events[0].Code)
	}
}

func TestSynthesize_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	e, err := New("secret", "rachel", WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.Synthesize(context.Background(), "Hello"); err == nil {
		t.Fatal("expected dial error")
	}
}
