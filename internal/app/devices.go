package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/pushtalk/internal/config"
	"github.com/MrWong99/pushtalk/internal/volume"
	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/audio/oto"
	"github.com/MrWong99/pushtalk/pkg/audio/portaudio"
	"github.com/MrWong99/pushtalk/pkg/gpio"
)

// OpenDevices opens the microphone, speaker and GPIO lines described by cfg.
// stdin backs the button when button.driver is stdin. The returned close
// function releases whatever the App does not close itself.
func OpenDevices(cfg *config.Config, stdin io.Reader) (*Devices, func() error, error) {
	format, err := cfg.Audio.Format()
	if err != nil {
		return nil, nil, err
	}

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Devices, func() error, error) {
		if cerr := closeAll(); cerr != nil {
			slog.Warn("app: close devices", "err", cerr)
		}
		return nil, nil, err
	}

	mic, err := portaudio.Open(portaudio.WithFramesPerBuffer(cfg.Capture.BlockSize / format.BytesPerFrame()))
	if err != nil {
		return fail(fmt.Errorf("app: open capture backend: %w", err))
	}
	closers = append(closers, mic.Close)

	d := &Devices{
		Input:       mic,
		InputDevice: audio.ResolveDevice(mic, cfg.Audio.InputDevice, true),
	}

	speaker := &oto.Opener{
		Buffer:       time.Duration(cfg.Audio.BufferMs) * time.Millisecond,
		PollInterval: cfg.Playback.PollInterval,
	}
	d.Output, err = speaker.OpenOutput(audio.ResolveDevice(mic, cfg.Audio.OutputDevice, false), format)
	if err != nil {
		return fail(fmt.Errorf("app: open output: %w", err))
	}

	if d.Amplifier, err = openLine(cfg.Amplifier); err != nil {
		return fail(fmt.Errorf("app: amplifier: %w", err))
	}
	if cfg.LED.Driver != config.LineNone {
		if d.LED, err = openLine(cfg.LED); err != nil {
			return fail(fmt.Errorf("app: led: %w", err))
		}
	}
	if cfg.Actions.OnOffGPIO.Driver != config.LineNone {
		if d.OnOff, err = openLine(cfg.Actions.OnOffGPIO); err != nil {
			return fail(fmt.Errorf("app: onoff line: %w", err))
		}
	}

	switch cfg.Button.Driver {
	case config.ButtonSysfs:
		btn, err := gpio.OpenSysfsButton(cfg.Button.Pin, cfg.Button.PollInterval, gpio.WithActiveLow(cfg.Button.ActiveLow))
		if err != nil {
			return fail(fmt.Errorf("app: button: %w", err))
		}
		d.Button = btn
	default:
		slog.Info("app: button driven by stdin, press Enter to talk")
		d.Button = gpio.NewReaderButton(stdin)
	}

	if m := cfg.Volume.Mixer; m != nil {
		d.Mixer = &volume.Mixer{
			Card:     m.Card,
			Control:  m.Control,
			RawMin:   m.Min,
			RawMax:   m.Max,
			Inverted: m.Inverted,
		}
	}
	return d, closeAll, nil
}

func openLine(c config.LineConfig) (gpio.Line, error) {
	switch c.Driver {
	case config.LineSysfs:
		return gpio.OpenSysfsLine(c.Pin, gpio.WithActiveLow(c.ActiveLow))
	case config.LineCommand:
		return gpio.NewCommandLine(c.Command, gpio.WithCommandActiveLow(c.ActiveLow))
	default:
		return gpio.NopLine{}, nil
	}
}
