// Package assistant defines the Provider interface for remote speech
// assistants.
//
// A push-to-talk turn opens one [Channel]: the device sends a [Config],
// streams microphone audio until the button is released, half-closes its
// side, and then consumes [Response] values until the assistant completes the
// turn. The remote wire format is adapter detail; this package only fixes the
// shape of what crosses it.
//
// All implementations must be safe for concurrent use.
package assistant

import (
	"context"
	"encoding/json"

	"github.com/MrWong99/pushtalk/pkg/audio"
)

// Config is sent once at the start of every turn.
type Config struct {
	// Format is the format of both uplink and downlink audio.
	Format audio.Format

	// VolumePercentage is the device's current output volume, 0..100.
	VolumePercentage int

	// ContinuationToken is the opaque conversation state returned by the
	// previous turn. Nil on the first turn.
	ContinuationToken []byte

	// LanguageCode is a BCP-47 tag such as "en-US". Empty uses the service
	// default.
	LanguageCode string

	// DeviceID and DeviceModelID identify the device to the service. Both are
	// required for device actions to be routed back.
	DeviceID      string
	DeviceModelID string
}

// Response is one inbound message of a turn. Any combination of fields may
// be set.
type Response struct {
	// Transcripts are recognised user speech or assistant display text.
	Transcripts []string

	// VolumePercentage, when non-nil, asks the device to change its volume.
	VolumePercentage *int

	// Audio holds downlink PCM chunks in the negotiated format, in order.
	Audio [][]byte

	// DeviceAction is an opaque JSON command for the device to execute.
	DeviceAction json.RawMessage

	// ContinuationToken replaces the stored conversation state.
	ContinuationToken []byte
}

// Channel is one open turn. Responses is closed when the assistant has
// finished the turn or the transport failed; Err distinguishes the two.
type Channel interface {
	// SendAudio delivers one uplink PCM chunk.
	SendAudio(ctx context.Context, chunk []byte) error

	// CloseSend signals the end of uplink audio. The downlink stays open.
	CloseSend(ctx context.Context) error

	// Responses returns the inbound stream. It is closed exactly once.
	Responses() <-chan Response

	// Err returns the transport error that closed Responses, or nil after a
	// clean completion.
	Err() error

	// Close tears down the channel. It is safe to call more than once.
	Close() error
}

// Provider opens channels to a remote assistant.
type Provider interface {
	// Connect opens a channel and sends cfg. The caller owns the returned
	// Channel and must Close it.
	Connect(ctx context.Context, cfg Config) (Channel, error)
}
