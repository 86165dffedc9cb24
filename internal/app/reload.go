package app

import (
	"context"
	"log/slog"

	"github.com/MrWong99/pushtalk/internal/config"
)

// watchConfig polls the config file until ctx is done.
func (a *App) watchConfig(ctx context.Context) error {
	w, err := config.NewWatcher(a.configPath, func(old, new *config.Config) {
		a.ApplyConfig(config.Diff(old, new))
	})
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// ApplyConfig hot-applies the reloadable part of d. Sections that need a
// restart are only logged.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.VolumeChanged {
		if err := a.volume.SetPercentage(d.NewVolume.Initial); err != nil {
			slog.Warn("app: apply volume", "err", err)
		}
		slog.Info("app: volume changed", "percentage", a.volume.Percentage())
	}
	if d.SpeechChanged {
		a.speechMu.Lock()
		a.announceVolume = d.NewSpeech.AnnounceVolume
		a.failurePhrase = d.NewSpeech.FailurePhrase
		a.speechMu.Unlock()
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config change requires a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config level to a slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
