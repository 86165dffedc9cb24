// Package config provides the configuration schema, loader, watcher and
// provider registry for the pushtalk device.
package config

import (
	"time"

	"github.com/MrWong99/pushtalk/internal/actions"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LineDriver selects how a GPIO output line is driven.
type LineDriver string

const (
	// LineNone disables the line.
	LineNone LineDriver = "none"

	// LineSysfs drives /sys/class/gpio.
	LineSysfs LineDriver = "sysfs"

	// LineCommand runs an external command such as gpioset.
	LineCommand LineDriver = "command"
)

// IsValid reports whether d is a recognised line driver.
func (d LineDriver) IsValid() bool {
	switch d {
	case LineNone, LineSysfs, LineCommand:
		return true
	}
	return false
}

// ButtonDriver selects the push-to-talk button source.
type ButtonDriver string

const (
	ButtonSysfs ButtonDriver = "sysfs"

	// ButtonStdin toggles the button on every line read from stdin.
	ButtonStdin ButtonDriver = "stdin"
)

// IsValid reports whether d is a recognised button driver.
func (d ButtonDriver) IsValid() bool {
	return d == ButtonSysfs || d == ButtonStdin
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Amplifier LineConfig      `yaml:"amplifier"`
	LED       LineConfig      `yaml:"led"`
	Button    ButtonConfig    `yaml:"button"`
	Volume    VolumeConfig    `yaml:"volume"`
	Assistant AssistantConfig `yaml:"assistant"`
	TTS       TTSConfig       `yaml:"tts"`
	Actions   ActionsConfig   `yaml:"actions"`
}

// ServerConfig holds logging and the status server settings.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz and /metrics. Empty disables the
	// status server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig describes the capture and playback stream.
type AudioConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Encoding   string `yaml:"encoding"`

	// InputDevice and OutputDevice select devices by name. Empty uses the
	// system default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`

	// BufferMs is the output driver buffer length.
	BufferMs int `yaml:"buffer_ms"`
}

// CaptureConfig tunes the microphone loop.
type CaptureConfig struct {
	// BlockSize is the number of bytes read per capture step.
	BlockSize int `yaml:"block_size"`

	// MaxReadRetries is the number of consecutive transient read faults that
	// are tolerated. Zero uses the default; a negative value disables retries.
	MaxReadRetries int `yaml:"max_read_retries"`
}

// PlaybackConfig tunes the playback worker.
type PlaybackConfig struct {
	QueueDepth   int           `yaml:"queue_depth"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LineConfig configures one GPIO output line.
type LineConfig struct {
	Driver LineDriver `yaml:"driver"`
	Pin    int        `yaml:"pin"`

	// Command is the argv for the command driver. The "{value}" argument is
	// replaced by 1 or 0.
	Command []string `yaml:"command"`

	ActiveLow bool `yaml:"active_low"`
}

// ButtonConfig configures the push-to-talk button.
type ButtonConfig struct {
	Driver       ButtonDriver  `yaml:"driver"`
	Pin          int           `yaml:"pin"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ActiveLow    bool          `yaml:"active_low"`
}

// VolumeConfig holds the output volume settings.
type VolumeConfig struct {
	// Initial is the start-up percentage. Zero uses 100.
	Initial int `yaml:"initial"`

	// MaxGain is the linear gain applied at 100%.
	MaxGain float64 `yaml:"max_gain"`

	// Mixer, when set, mirrors the volume into an ALSA mixer control.
	Mixer *MixerConfig `yaml:"mixer"`
}

// MixerConfig selects an ALSA simple mixer control.
type MixerConfig struct {
	Card     int    `yaml:"card"`
	Control  string `yaml:"control"`
	Min      int    `yaml:"min"`
	Max      int    `yaml:"max"`
	Inverted bool   `yaml:"inverted"`
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AssistantConfig selects and configures the remote assistant.
type AssistantConfig struct {
	// Provider selects the registered assistant implementation.
	Provider string `yaml:"provider"`

	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`

	Language string `yaml:"language"`
	DeviceID string `yaml:"device_id"`
	ModelID  string `yaml:"model_id"`

	// UplinkCodec is "linear16" or "opus".
	UplinkCodec string `yaml:"uplink_codec"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// ProviderEntry configures one TTS engine. The Name field is used to look up
// the constructor in the [Registry].
type ProviderEntry struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Voice   string `yaml:"voice"`

	// Options holds engine-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// TTSConfig configures local speech.
type TTSConfig struct {
	// Providers are tried in order; the first is the primary engine.
	Providers []ProviderEntry `yaml:"providers"`

	// AnnounceVolume speaks "volume set" after the assistant changed the
	// volume.
	AnnounceVolume bool `yaml:"announce_volume"`

	// FailurePhrase, when set, is spoken after a failed turn.
	FailurePhrase string `yaml:"failure_phrase"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// ActionsConfig configures device action execution.
type ActionsConfig struct {
	// OnOffGPIO is driven by the OnOff command.
	OnOffGPIO LineConfig `yaml:"onoff_gpio"`

	MCPServers []MCPServerConfig `yaml:"mcp_servers"`

	// Commands pins command names to tool names.
	Commands map[string]string `yaml:"commands"`

	// MatchThreshold is the minimum similarity for fuzzy command → tool
	// resolution.
	MatchThreshold float64 `yaml:"match_threshold"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	Name string `yaml:"name"`

	Transport actions.Transport `yaml:"transport"`

	// Command is launched when Transport is "stdio".
	Command string `yaml:"command"`

	// URL is used when Transport is "streamable-http".
	URL string `yaml:"url"`

	Env map[string]string `yaml:"env"`
}
