package audio

import (
	"log/slog"
	"strings"
)

// DeviceRef identifies a hardware audio device. A nil *DeviceRef means the
// system default device.
type DeviceRef struct {
	// ID is the backend-specific identifier (index, ALSA name, ...).
	ID string

	// Name is the human-readable device name.
	Name string
}

// DeviceInfo describes one enumerated device.
type DeviceInfo struct {
	Ref               DeviceRef
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	DefaultInput      bool
	DefaultOutput     bool
}

// DeviceLister enumerates the audio devices of a backend.
type DeviceLister interface {
	Devices() ([]DeviceInfo, error)
}

// InputStream is an open microphone stream.
//
// Read blocks until len(p) bytes are available, the stream is closed, or the
// driver faults. After Close, Read returns io.EOF. Close must unblock a
// pending Read and is safe to call more than once.
type InputStream interface {
	Read(p []byte) (int, error)
	Close() error
}

// InputOpener opens microphone streams. ref selects a device; nil selects the
// system default.
type InputOpener interface {
	OpenInput(ref *DeviceRef, f Format) (InputStream, error)
}

// PositionListener receives playback progress from an [OutputStream].
//
// Methods are invoked from the stream's own goroutine and must not block or
// perform device I/O; they may only record state and hand work off.
type PositionListener interface {
	// MarkerReached fires once after the play position reaches the target
	// passed to the most recent SetMarker call.
	MarkerReached(target uint64)

	// PeriodicNotification reports the current play position every
	// configured period. It is informational only.
	PeriodicNotification(position uint64)

	// StreamError reports an asynchronous device fault.
	StreamError(err error)
}

// OutputStream is an open speaker stream. Its behaviour is deliberately
// close to a hardware audio track: writes enqueue into a device buffer, and
// progress is observable only through Position and the listener callbacks.
//
// Position counts frames that have left the device queue, either played or
// discarded by Flush, since the stream was opened. It never decreases.
//
// SetMarker arms a one-shot notification at an absolute frame position. If
// the position is already at or past target when the marker is armed, the
// notification still fires, on the next poll.
type OutputStream interface {
	// Format returns the format the stream was opened with.
	Format() Format

	// Write enqueues whole frames and returns the number of bytes accepted,
	// which may be less than len(p) when the device queue is full.
	Write(p []byte) (int, error)

	// Play starts or resumes consumption of queued frames.
	Play() error

	// Pause stops consumption without discarding queued frames.
	Pause() error

	// Flush discards every queued frame that has not been played.
	Flush() error

	// Position returns the consumed frame count.
	Position() uint64

	// SetMarker arms the one-shot marker notification.
	SetMarker(target uint64) error

	// SetPeriod sets the periodic notification interval in frames; 0 disables it.
	SetPeriod(frames uint64) error

	// SetListener installs the progress listener. nil removes it.
	SetListener(l PositionListener)

	// SetGain sets the linear output gain.
	SetGain(g float64) error

	// Close releases the device.
	Close() error
}

// OutputOpener opens speaker streams. ref selects a device; nil selects the
// system default.
type OutputOpener interface {
	OpenOutput(ref *DeviceRef, f Format) (OutputStream, error)
}

// ResolveDevice looks up a preferred device by case-insensitive name or ID.
// An empty name, a nil lister, or no match yields nil, i.e. the system
// default; a missing preferred device is logged rather than treated as fatal.
func ResolveDevice(l DeviceLister, name string, input bool) *DeviceRef {
	if name == "" || l == nil {
		return nil
	}
	devices, err := l.Devices()
	if err != nil {
		slog.Warn("audio: device enumeration failed, using default", "error", err)
		return nil
	}
	for _, d := range devices {
		if input && d.MaxInputChannels == 0 {
			continue
		}
		if !input && d.MaxOutputChannels == 0 {
			continue
		}
		if strings.EqualFold(d.Ref.Name, name) || d.Ref.ID == name {
			ref := d.Ref
			return &ref
		}
	}
	slog.Warn("audio: preferred device not found, using default", "device", name, "input", input)
	return nil
}
