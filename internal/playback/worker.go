package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pushtalk/internal/observe"
	"github.com/MrWong99/pushtalk/pkg/audio"
)

// DefaultQueueDepth is the per-source queue capacity in buffers.
const DefaultQueueDepth = 64

// defaultRetryDelay is the pause before retrying a write the device did not
// accept any of.
const defaultRetryDelay = 5 * time.Millisecond

var (
	// ErrNotHolder is returned when audio is offered for a turn that does not
	// match its source's queue, or that is no longer current.
	ErrNotHolder = errors.New("playback: turn is not the current holder")

	// ErrDiscarded is delivered to end-of-stream waiters whose marker was
	// dropped by Discard.
	ErrDiscarded = errors.New("playback: stream discarded")

	// ErrStopped is returned once the worker has exited.
	ErrStopped = errors.New("playback: worker stopped")
)

// item is one queue entry. An item with a non-nil end channel is the
// end-of-stream marker.
type item struct {
	frame audio.Frame
	turn  uint64
	end   chan error
}

// failure records a write fault for one turn.
type failure struct {
	turn uint64
	err  error
}

// Worker is the audio-I/O goroutine. It drains the queue of the current
// playback-turn holder into the [Track] and runs jobs posted with Post.
type Worker struct {
	track      *Track
	arbiter    *Arbiter
	metrics    *observe.Metrics
	retryDelay time.Duration

	queues [audio.NumSources]chan item

	jobMu sync.Mutex
	jobs  []func()
	wake  chan struct{}

	errMu  sync.Mutex
	failed [audio.NumSources]failure

	alive atomic.Bool
	done  chan struct{}
	once  sync.Once
}

// WorkerOption configures a [Worker].
type WorkerOption func(*Worker)

// WithQueueDepth sets the per-source queue capacity. Values below 1 are
// ignored.
func WithQueueDepth(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			for i := range w.queues {
				w.queues[i] = make(chan item, n)
			}
		}
	}
}

// WithWorkerMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithWorkerMetrics(m *observe.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithRetryDelay sets the back-off between writes the device refused.
func WithRetryDelay(d time.Duration) WorkerOption {
	return func(w *Worker) { w.retryDelay = d }
}

// NewWorker returns a worker feeding track. Call Run to start it.
func NewWorker(track *Track, arbiter *Arbiter, opts ...WorkerOption) *Worker {
	w := &Worker{
		track:      track,
		arbiter:    arbiter,
		retryDelay: defaultRetryDelay,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for i := range w.queues {
		w.queues[i] = make(chan item, DefaultQueueDepth)
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

// Run processes jobs and audio until ctx is cancelled. It must be called
// exactly once.
func (w *Worker) Run(ctx context.Context) error {
	w.alive.Store(true)
	defer func() {
		w.alive.Store(false)
		w.once.Do(func() { close(w.done) })
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if job, ok := w.nextJob(); ok {
			job()
			// Interleave audio with a busy capture loop.
			w.drainOne()
			continue
		}

		var q chan item
		if h := w.arbiter.Holder(); h != nil {
			q = w.queues[h.source]
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
		case it := <-q:
			w.handle(ctx, it)
		case <-w.arbiter.Changed():
		}
	}
}

// Alive reports whether Run is executing.
func (w *Worker) Alive() bool { return w.alive.Load() }

// Post schedules job on the worker goroutine. Jobs run in FIFO order. A job
// may post itself again to form a loop. Post never blocks and reports false
// once the worker has stopped.
func (w *Worker) Post(job func()) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	w.jobMu.Lock()
	w.jobs = append(w.jobs, job)
	w.jobMu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *Worker) nextJob() (func(), bool) {
	w.jobMu.Lock()
	defer w.jobMu.Unlock()
	if len(w.jobs) == 0 {
		return nil, false
	}
	job := w.jobs[0]
	w.jobs[0] = nil
	w.jobs = w.jobs[1:]
	return job, true
}

func (w *Worker) drainOne() {
	h := w.arbiter.Holder()
	if h == nil {
		return
	}
	select {
	case it := <-w.queues[h.source]:
		w.handle(context.Background(), it)
	default:
	}
}

// Enqueue offers a frame for turn. It blocks while the source queue is full.
// After a write fault for the turn, Enqueue returns that fault.
func (w *Worker) Enqueue(ctx context.Context, turn *Turn, f audio.Frame) error {
	if turn == nil || f.Source != turn.source {
		return ErrNotHolder
	}
	if err := w.failedErr(turn); err != nil {
		return err
	}
	if f.Format != w.track.Format() {
		return fmt.Errorf("%w: got %s, output is %s", ErrFormatMismatch, f.Format, w.track.Format())
	}
	if _, err := f.Frames(); err != nil {
		return err
	}
	if len(f.Data) == 0 {
		return nil
	}
	if err := w.push(ctx, turn.source, item{frame: f, turn: turn.id}); err != nil {
		return err
	}
	w.metrics.QueuedFrames.Add(ctx, 1)
	return nil
}

// EndStream queues the end-of-stream marker for turn. When the worker
// reaches it the track is asked to stop, and the returned channel receives
// nil once every frame of the turn has been confirmed played. A write fault
// or Discard is delivered instead. The channel is buffered and receives
// exactly one value.
func (w *Worker) EndStream(ctx context.Context, turn *Turn) <-chan error {
	end := make(chan error, 1)
	if turn == nil {
		end <- ErrNotHolder
		return end
	}
	if err := w.push(ctx, turn.source, item{turn: turn.id, end: end}); err != nil {
		end <- err
	}
	return end
}

func (w *Worker) push(ctx context.Context, src audio.Source, it item) error {
	select {
	case w.queues[src] <- it:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("playback: enqueue %s: %w", src, ctx.Err())
	case <-w.done:
		return ErrStopped
	}
}

// Discard drops every queued frame of src without writing it. End-of-stream
// waiters caught in the queue receive ErrDiscarded. Audio already written to
// the device is unaffected.
func (w *Worker) Discard(src audio.Source) int {
	n := 0
	for {
		select {
		case it := <-w.queues[src]:
			if it.end != nil {
				it.end <- ErrDiscarded
				continue
			}
			n++
			w.metrics.QueuedFrames.Add(context.Background(), -1)
		default:
			if n > 0 {
				slog.Debug("playback: discarded queued audio", "source", src.String(), "buffers", n)
			}
			return n
		}
	}
}

func (w *Worker) handle(ctx context.Context, it item) {
	if it.end == nil {
		w.metrics.QueuedFrames.Add(ctx, -1)
	}

	h := w.arbiter.Holder()
	if h == nil || h.id != it.turn {
		if it.end != nil {
			it.end <- ErrNotHolder
		}
		return
	}

	if it.end != nil {
		if err := w.failedErr(h); err != nil {
			it.end <- err
			return
		}
		stopped := w.track.RequestStop()
		go func() {
			<-stopped
			it.end <- w.failedErr(h)
		}()
		return
	}

	if w.failedErr(h) != nil {
		return
	}
	if err := w.write(ctx, it.frame); err != nil {
		w.fail(h, err)
		return
	}
	frames, _ := it.frame.Frames()
	w.metrics.RecordFramesWritten(ctx, h.source.String(), frames)
}

// write pushes one frame into the track, retrying short writes.
func (w *Worker) write(ctx context.Context, f audio.Frame) error {
	data := f.Data
	for len(data) > 0 {
		n, err := w.track.Write(data, f.Format)
		if err != nil {
			return err
		}
		data = data[n:]
		if n == 0 && len(data) > 0 {
			t := time.NewTimer(w.retryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return nil
}

// fail force-stops the track after a write fault and poisons the turn.
func (w *Worker) fail(turn *Turn, err error) {
	slog.Error("playback: write failed, stopping output",
		"turn", turn.id, "source", turn.source.String(), "error", err)
	w.metrics.RecordPlaybackError(context.Background(), "write")
	w.errMu.Lock()
	w.failed[turn.source] = failure{turn: turn.id, err: err}
	w.errMu.Unlock()
	w.track.ForceStop()
}

func (w *Worker) failedErr(turn *Turn) error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	f := w.failed[turn.source]
	if f.turn == turn.id && f.err != nil {
		return f.err
	}
	return nil
}
