package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VolumeChanged is set when the initial volume or the gain range changed.
	VolumeChanged bool
	NewVolume     VolumeConfig

	// SpeechChanged is set when the announcement or failure phrase changed.
	SpeechChanged bool
	NewSpeech     TTSConfig

	// RestartRequired lists sections that changed but only apply on restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VolumeChanged && !d.SpeechChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Volume.Initial != new.Volume.Initial || old.Volume.MaxGain != new.Volume.MaxGain {
		d.VolumeChanged = true
		d.NewVolume = new.Volume
	}

	if old.TTS.AnnounceVolume != new.TTS.AnnounceVolume || old.TTS.FailurePhrase != new.TTS.FailurePhrase {
		d.SpeechChanged = true
		d.NewSpeech = new.TTS
	}

	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Assistant != new.Assistant {
		d.RestartRequired = append(d.RestartRequired, "assistant")
	}
	if !sameLine(old.Amplifier, new.Amplifier) || !sameLine(old.LED, new.LED) || old.Button != new.Button {
		d.RestartRequired = append(d.RestartRequired, "gpio")
	}
	if !sameProviders(old.TTS.Providers, new.TTS.Providers) {
		d.RestartRequired = append(d.RestartRequired, "tts.providers")
	}
	return d
}

func sameLine(a, b LineConfig) bool {
	if a.Driver != b.Driver || a.Pin != b.Pin || a.ActiveLow != b.ActiveLow || len(a.Command) != len(b.Command) {
		return false
	}
	for i := range a.Command {
		if a.Command[i] != b.Command[i] {
			return false
		}
	}
	return true
}

// sameProviders compares engine identity; options are not inspected.
func sameProviders(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Name != y.Name || x.APIKey != y.APIKey || x.BaseURL != y.BaseURL || x.Model != y.Model || x.Voice != y.Voice {
			return false
		}
	}
	return true
}
