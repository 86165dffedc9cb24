package main

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/pushtalk/internal/app"
	"github.com/MrWong99/pushtalk/internal/config"
	"github.com/MrWong99/pushtalk/internal/resilience"
	"github.com/MrWong99/pushtalk/pkg/provider/assistant"
	"github.com/MrWong99/pushtalk/pkg/provider/assistant/remote"
	"github.com/MrWong99/pushtalk/pkg/provider/tts"
	"github.com/MrWong99/pushtalk/pkg/provider/tts/coqui"
	"github.com/MrWong99/pushtalk/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/pushtalk/pkg/provider/tts/openai"
)

// registerBuiltinProviders wires the provider factories that ship with
// pushtalk into reg. Each factory receives its config entry.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterAssistant("remote", func(c config.AssistantConfig) (assistant.Provider, error) {
		var opts []remote.Option
		if c.APIKey != "" {
			opts = append(opts, remote.WithAPIKey(c.APIKey))
		}
		if c.UplinkCodec != "" {
			opts = append(opts, remote.WithCodec(c.UplinkCodec))
		}
		return remote.New(c.URL, opts...)
	})

	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Engine, error) {
		var opts []coqui.Option
		if lang := e.OptionString("language", ""); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := e.OptionString("api_mode", ""); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if e.Voice != "" {
			opts = append(opts, coqui.WithSpeaker(e.Voice))
		}
		if dir := e.OptionString("temp_dir", ""); dir != "" {
			opts = append(opts, coqui.WithTempDir(dir))
		}
		return coqui.New(e.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Engine, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if f := e.OptionString("output_format", ""); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if e.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(e.BaseURL))
		}
		return elevenlabs.New(e.APIKey, e.Voice, opts...)
	})

	reg.RegisterTTS("openai", func(e config.ProviderEntry) (tts.Engine, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, openai.WithModel(e.Model))
		}
		if e.Voice != "" {
			opts = append(opts, openai.WithVoice(e.Voice))
		}
		if f := e.OptionString("response_format", ""); f != "" {
			opts = append(opts, openai.WithResponseFormat(f))
		}
		if s := e.OptionString("instructions", ""); s != "" {
			opts = append(opts, openai.WithInstructions(s))
		}
		if sp := e.OptionFloat("speed", 0); sp > 0 {
			opts = append(opts, openai.WithSpeed(sp))
		}
		return openai.New(e.APIKey, opts...)
	})
}

// buildProviders instantiates the assistant and the TTS chain. Several TTS
// providers form a fallback chain in config order.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	a, err := reg.CreateAssistant(cfg.Assistant)
	if err != nil {
		return nil, fmt.Errorf("create assistant provider %q: %w", cfg.Assistant.Provider, err)
	}
	ps.Assistant = a
	slog.Info("provider created", "kind", "assistant", "name", cfg.Assistant.Provider)

	var chain *resilience.TTSFallback
	for _, entry := range cfg.TTS.Providers {
		e, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		slog.Info("provider created", "kind", "tts", "name", entry.Name)
		if chain == nil {
			chain = resilience.NewTTSFallback(e, resilience.FallbackConfig{
				CircuitBreaker: resilience.CircuitBreakerConfig{
					MaxFailures:  cfg.TTS.Breaker.MaxFailures,
					ResetTimeout: cfg.TTS.Breaker.ResetTimeout,
				},
			})
			continue
		}
		chain.AddFallback(e)
	}
	if chain != nil {
		ps.TTS = chain
	}
	return ps, nil
}
