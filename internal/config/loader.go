package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/pushtalk/internal/actions"
	"github.com/MrWong99/pushtalk/pkg/audio"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"tts":       {"coqui", "elevenlabs", "openai"},
	"assistant": {"remote"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = int(audio.Voice.SampleRate)
	}
	if a.Channels == 0 {
		a.Channels = int(audio.Voice.Channels)
	}
	if a.Encoding == "" {
		a.Encoding = "s16"
	}
	if a.BufferMs == 0 {
		a.BufferMs = 100
	}

	if cfg.Capture.BlockSize == 0 {
		cfg.Capture.BlockSize = 1024
	}
	switch {
	case cfg.Capture.MaxReadRetries == 0:
		cfg.Capture.MaxReadRetries = 3
	case cfg.Capture.MaxReadRetries < 0:
		cfg.Capture.MaxReadRetries = 0
	}

	p := &cfg.Playback
	if p.QueueDepth == 0 {
		p.QueueDepth = 64
	}
	if p.DrainTimeout == 0 {
		p.DrainTimeout = 30 * time.Second
	}
	if p.PollInterval == 0 {
		p.PollInterval = 10 * time.Millisecond
	}

	for _, l := range []*LineConfig{&cfg.Amplifier, &cfg.LED, &cfg.Actions.OnOffGPIO} {
		if l.Driver == "" {
			l.Driver = LineNone
		}
	}

	if cfg.Button.Driver == "" {
		cfg.Button.Driver = ButtonStdin
	}
	if cfg.Button.PollInterval == 0 {
		cfg.Button.PollInterval = 20 * time.Millisecond
	}

	if cfg.Volume.Initial == 0 {
		cfg.Volume.Initial = 100
	}
	if cfg.Volume.MaxGain == 0 {
		cfg.Volume.MaxGain = 1
	}

	if cfg.Assistant.Provider == "" {
		cfg.Assistant.Provider = "remote"
	}
	if cfg.Assistant.UplinkCodec == "" {
		cfg.Assistant.UplinkCodec = "linear16"
	}
	if cfg.Assistant.Language == "" {
		cfg.Assistant.Language = "en-US"
	}
	defaultBreaker(&cfg.Assistant.Breaker)
	defaultBreaker(&cfg.TTS.Breaker)

	if cfg.Actions.MatchThreshold == 0 {
		cfg.Actions.MatchThreshold = actions.DefaultMatchThreshold
	}
}

func defaultBreaker(b *BreakerConfig) {
	if b.MaxFailures == 0 {
		b.MaxFailures = 5
	}
	if b.ResetTimeout == 0 {
		b.ResetTimeout = 30 * time.Second
	}
}

// Format returns the configured stream format.
func (a AudioConfig) Format() (audio.Format, error) {
	enc, err := audio.ParseEncoding(a.Encoding)
	if err != nil {
		return audio.Format{}, err
	}
	if a.SampleRate <= 0 || a.Channels <= 0 || a.Channels > 255 {
		return audio.Format{}, fmt.Errorf("%w: %d Hz, %d channels", audio.ErrInvalidFormat, a.SampleRate, a.Channels)
	}
	f := audio.NewFormat(uint32(a.SampleRate), uint8(a.Channels), enc)
	return f, f.Validate()
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	f, err := cfg.Audio.Format()
	if err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	if cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", cfg.Audio.Channels))
	}
	if cfg.Audio.BufferMs < 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_ms must not be negative"))
	}

	if cfg.Capture.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("capture.block_size must be positive"))
	} else if err == nil && cfg.Capture.BlockSize%f.BytesPerFrame() != 0 {
		errs = append(errs, fmt.Errorf("capture.block_size %d is not a multiple of the %d-byte frame", cfg.Capture.BlockSize, f.BytesPerFrame()))
	}

	if cfg.Playback.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("playback.queue_depth must be positive"))
	}
	if cfg.Playback.DrainTimeout < 0 || cfg.Playback.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("playback durations must not be negative"))
	}

	errs = append(errs, validateLine("amplifier", cfg.Amplifier)...)
	errs = append(errs, validateLine("led", cfg.LED)...)
	errs = append(errs, validateLine("actions.onoff_gpio", cfg.Actions.OnOffGPIO)...)
	if cfg.Amplifier.Driver == LineNone {
		slog.Warn("amplifier.driver is none; the speaker amplifier will not be switched")
	}

	if !cfg.Button.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("button.driver %q is invalid; valid values: sysfs, stdin", cfg.Button.Driver))
	}
	if cfg.Button.Driver == ButtonSysfs && cfg.Button.Pin < 0 {
		errs = append(errs, fmt.Errorf("button.pin must not be negative"))
	}

	if cfg.Volume.Initial < 0 || cfg.Volume.Initial > 100 {
		errs = append(errs, fmt.Errorf("volume.initial %d is out of range [0, 100]", cfg.Volume.Initial))
	}
	if cfg.Volume.MaxGain < 0 {
		errs = append(errs, fmt.Errorf("volume.max_gain must be positive"))
	}
	if m := cfg.Volume.Mixer; m != nil {
		if m.Control == "" {
			errs = append(errs, fmt.Errorf("volume.mixer.control is required"))
		}
		if m.Max <= m.Min {
			errs = append(errs, fmt.Errorf("volume.mixer.max must be greater than min"))
		}
	}

	validateProviderName("assistant", cfg.Assistant.Provider)
	if cfg.Assistant.Provider == "remote" && cfg.Assistant.URL == "" {
		errs = append(errs, fmt.Errorf("assistant.url is required for the remote provider"))
	}
	if c := cfg.Assistant.UplinkCodec; c != "linear16" && c != "opus" {
		errs = append(errs, fmt.Errorf("assistant.uplink_codec %q is invalid; valid values: linear16, opus", c))
	}
	if cfg.Assistant.DeviceID == "" || cfg.Assistant.ModelID == "" {
		slog.Warn("assistant.device_id or model_id is empty; device actions will not be routed to this device")
	}

	seen := make(map[string]int, len(cfg.TTS.Providers))
	for i, p := range cfg.TTS.Providers {
		prefix := fmt.Sprintf("tts.providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tts.providers[%d]", prefix, p.Name, prev))
		}
		seen[p.Name] = i
		validateProviderName("tts", p.Name)
	}
	if len(cfg.TTS.Providers) == 0 && (cfg.TTS.AnnounceVolume || cfg.TTS.FailurePhrase != "") {
		errs = append(errs, fmt.Errorf("tts.announce_volume and tts.failure_phrase require at least one tts provider"))
	}

	for i, srv := range cfg.Actions.MCPServers {
		prefix := fmt.Sprintf("actions.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == actions.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == actions.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}
	if t := cfg.Actions.MatchThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("actions.match_threshold %.2f is out of range (0, 1]", t))
	}

	return errors.Join(errs...)
}

func validateLine(prefix string, l LineConfig) []error {
	var errs []error
	if !l.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("%s.driver %q is invalid; valid values: none, sysfs, command", prefix, l.Driver))
	}
	if l.Driver == LineSysfs && l.Pin < 0 {
		errs = append(errs, fmt.Errorf("%s.pin must not be negative", prefix))
	}
	if l.Driver == LineCommand && len(l.Command) == 0 {
		errs = append(errs, fmt.Errorf("%s.command is required when driver is command", prefix))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
