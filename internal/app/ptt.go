package app

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/pushtalk/internal/duplex"
	"github.com/MrWong99/pushtalk/internal/volume"
)

// buttonLoop turns button edges into turn starts and capture ends. It never
// blocks on a turn.
func (a *App) buttonLoop(ctx context.Context) error {
	events := a.devices.Button.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pressed, ok := <-events:
			if !ok {
				return nil
			}
			if pressed {
				a.Press(ctx)
			} else {
				a.Release()
			}
		}
	}
}

// Press starts a push-to-talk turn. A press while a turn is still running is
// ignored.
func (a *App) Press(ctx context.Context) {
	a.setLED(true)
	if err := a.session.Begin(ctx); err != nil {
		if errors.Is(err, duplex.ErrSessionBusy) {
			slog.Debug("app: button pressed while busy", "state", a.session.State().String())
			return
		}
		slog.Error("app: begin turn", "err", err)
		a.setLED(false)
	}
}

// Release ends capture of the current turn; the reply still plays.
func (a *App) Release() {
	a.session.Cancel()
}

func (a *App) setLED(on bool) {
	if a.devices.LED == nil {
		return
	}
	if err := a.devices.LED.SetEnabled(on); err != nil {
		slog.Warn("app: led", "on", on, "err", err)
	}
}

// onState runs on every duplex transition. Idle is entered only after the
// turn released the playback token.
func (a *App) onState(turnID string, _, to duplex.State) {
	if to != duplex.Idle {
		return
	}
	a.setLED(false)
	if !a.announce.Swap(false) {
		return
	}
	a.speechMu.Lock()
	enabled := a.announceVolume
	a.speechMu.Unlock()
	if enabled {
		a.speakAsync(turnID, VolumeSetPhrase)
	}
}

// TurnFailed implements [duplex.Notifier].
func (a *App) TurnFailed(turnID string, err error) {
	slog.Error("app: turn failed", "turn_id", turnID, "err", err)
	a.speechMu.Lock()
	phrase := a.failurePhrase
	a.speechMu.Unlock()
	if phrase != "" {
		a.speakAsync(turnID, phrase)
	}
}

// speakAsync queues text on the bridge without blocking the caller, which is
// a duplex callback.
func (a *App) speakAsync(turnID, text string) {
	if a.bridge == nil {
		return
	}
	a.speakWG.Add(1)
	go func() {
		defer a.speakWG.Done()
		if err := a.bridge.Speak(a.speakCtx, text); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("app: speak", "turn_id", turnID, "text", text, "err", err)
		}
	}()
}

// announcingVolume marks a pending "volume set" announcement whenever the
// assistant sets a non-zero volume.
type announcingVolume struct {
	*volume.Controller
	pending *atomic.Bool
}

func (v *announcingVolume) SetPercentage(pct int) error {
	if err := v.Controller.SetPercentage(pct); err != nil {
		return err
	}
	if pct > 0 {
		v.pending.Store(true)
	}
	return nil
}

type transcriptLog struct{}

func (transcriptLog) OnTranscript(turnID, text string) {
	slog.Info("app: transcript", "turn_id", turnID, "text", text)
}
