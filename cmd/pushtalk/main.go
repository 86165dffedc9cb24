// Command pushtalk runs the push-to-talk voice assistant device.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/pushtalk/internal/app"
	"github.com/MrWong99/pushtalk/internal/config"
	"github.com/MrWong99/pushtalk/internal/observe"
	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/audio/portaudio"
)

// shutdownTimeout bounds the wait for an in-flight turn on SIGINT/SIGTERM.
const shutdownTimeout = 15 * time.Second

var (
	configPath string
	levelVar   = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "pushtalk",
	Short: "Push-to-talk voice assistant device",
	Long: `pushtalk streams the microphone to a remote assistant while the button is
held, plays the spoken reply, and speaks locally synthesised text, switching the
speaker amplifier around every playback.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the device loop",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		watch, _ := cmd.Flags().GetBool("watch")
		if stdinButton, _ := cmd.Flags().GetBool("stdin-button"); stdinButton {
			cfg.Button.Driver = config.ButtonStdin
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "pushtalk"})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			if err := shutdownOTel(context.Background()); err != nil {
				slog.Warn("telemetry shutdown", "err", err)
			}
		}()

		var opts []app.Option
		if watch {
			opts = append(opts, app.WithConfigWatch(configPath))
		}
		a, closeDevices, err := build(ctx, cfg, opts...)
		if err != nil {
			return err
		}
		defer closeDevices()

		slog.Info("pushtalk ready",
			"listen_addr", cfg.Server.ListenAddr,
			"button", cfg.Button.Driver,
			"amplifier", cfg.Amplifier.Driver,
			"tts_providers", len(cfg.TTS.Providers),
		)
		runErr := a.Run(ctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown", "err", err)
		}
		slog.Info("goodbye")
		return runErr
	},
}

var speakCmd = &cobra.Command{
	Use:   "speak <text>",
	Short: "Speak one utterance through the configured TTS engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(cfg.TTS.Providers) == 0 {
			return errors.New("no tts providers configured")
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg.Server.ListenAddr = ""
		a, closeDevices, err := build(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeDevices()

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- a.Run(runCtx) }()

		speakErr := a.Speak(ctx, args[0])
		a.Kill()
		cancel()
		if err := <-done; err != nil {
			slog.Debug("run", "err", err)
		}
		return speakErr
	},
}

var wavinfoCmd = &cobra.Command{
	Use:   "wavinfo <file>",
	Short: "Print the format of a WAVE file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		hdr, err := audio.ParseWaveHeader(b)
		offset := audio.WaveHeaderSize
		if err != nil {
			// Not canonical; walk the chunks instead.
			var cerr error
			if hdr, offset, cerr = audio.ParseWaveContainer(b); cerr != nil {
				return errors.Join(err, cerr)
			}
		}
		frames, ferr := hdr.Format.BytesToFrames(int(hdr.PayloadLength))
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "format\t%s\n", hdr.Format)
		fmt.Fprintf(w, "payload\t%d bytes at offset %d\n", hdr.PayloadLength, offset)
		if ferr == nil {
			dur := time.Duration(frames) * time.Second / time.Duration(hdr.Format.FramesPerSecond())
			fmt.Fprintf(w, "duration\t%s (%d frames)\n", dur, frames)
		} else {
			fmt.Fprintf(w, "duration\tunknown: %v\n", ferr)
		}
		return w.Flush()
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio devices",
	RunE: func(cmd *cobra.Command, _ []string) error {
		backend, err := portaudio.Open()
		if err != nil {
			return err
		}
		defer backend.Close()
		devs, err := backend.Devices()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tIN\tOUT\tRATE\tDEFAULT")
		for _, d := range devs {
			var def bytes.Buffer
			if d.DefaultInput {
				def.WriteString("in ")
			}
			if d.DefaultOutput {
				def.WriteString("out")
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.0f\t%s\n",
				d.Ref.ID, d.Ref.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, def.String())
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "pushtalk.yaml", "path to the YAML configuration file")
	runCmd.Flags().Bool("watch", false, "reload the configuration file when it changes")
	runCmd.Flags().Bool("stdin-button", false, "press Enter on stdin instead of the hardware button")
	rootCmd.AddCommand(runCmd, speakCmd, wavinfoCmd, devicesCmd)

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", configPath)
		}
		return nil, err
	}
	levelVar.Set(app.SlogLevel(cfg.Server.LogLevel))
	return cfg, nil
}

// build opens the devices and providers named in cfg and wires the App.
func build(ctx context.Context, cfg *config.Config, opts ...app.Option) (*app.App, func(), error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return nil, nil, err
	}

	devices, closeDevices, err := app.OpenDevices(cfg, os.Stdin)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := closeDevices(); err != nil {
			slog.Warn("close devices", "err", err)
		}
	}

	opts = append(opts, app.WithLevelVar(levelVar))
	a, err := app.New(ctx, cfg, providers, devices, opts...)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return a, closeFn, nil
}
