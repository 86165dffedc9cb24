package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/pushtalk/pkg/audio"
)

// Arbiter grants the playback turn to one producer at a time. Waiters are
// served in the order they called Acquire.
type Arbiter struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	holder  *Turn
	seq     uint64
	changed chan struct{}
}

// NewArbiter returns an Arbiter with no holder.
func NewArbiter() *Arbiter {
	return &Arbiter{
		sem:     semaphore.NewWeighted(1),
		changed: make(chan struct{}, 1),
	}
}

// Turn is an acquired playback turn. Release it once the producer's audio has
// been confirmed played.
type Turn struct {
	a      *Arbiter
	id     uint64
	source audio.Source
	once   sync.Once
}

// ID returns the turn's sequence number. IDs increase monotonically.
func (t *Turn) ID() uint64 { return t.id }

// Source returns the producer that owns the turn.
func (t *Turn) Source() audio.Source { return t.source }

// Acquire blocks until the turn is free or ctx is done.
func (a *Arbiter) Acquire(ctx context.Context, src audio.Source) (*Turn, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("playback: acquire turn for %s: %w", src, err)
	}
	a.mu.Lock()
	a.seq++
	t := &Turn{a: a, id: a.seq, source: src}
	a.holder = t
	a.mu.Unlock()
	a.notify()
	slog.Debug("playback: turn acquired", "turn", t.id, "source", src.String())
	return t, nil
}

// Release hands the turn to the next waiter. It is idempotent.
func (t *Turn) Release() {
	t.once.Do(func() {
		a := t.a
		a.mu.Lock()
		if a.holder == t {
			a.holder = nil
		}
		a.mu.Unlock()
		a.sem.Release(1)
		a.notify()
		slog.Debug("playback: turn released", "turn", t.id, "source", t.source.String())
	})
}

// Holder returns the current turn, or nil.
func (a *Arbiter) Holder() *Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holder
}

// Changed is signalled, coalesced, whenever the holder changes.
func (a *Arbiter) Changed() <-chan struct{} { return a.changed }

func (a *Arbiter) notify() {
	select {
	case a.changed <- struct{}{}:
	default:
	}
}
