package gpio

import (
	"bufio"
	"context"
	"io"
)

// ReaderButton turns lines read from r into alternating press and release
// events. It backs the --stdin-button development mode: press Enter to start
// talking and Enter again to stop.
type ReaderButton struct {
	r      io.Reader
	events chan bool
}

var _ Button = (*ReaderButton)(nil)

// NewReaderButton returns a Button driven by newline-terminated input.
func NewReaderButton(r io.Reader) *ReaderButton {
	return &ReaderButton{r: r, events: make(chan bool, 8)}
}

// Events implements [Button].
func (b *ReaderButton) Events() <-chan bool { return b.events }

// Run implements [Button]. It returns when r is exhausted or ctx is done;
// a pending read on a blocking reader such as os.Stdin is abandoned.
func (b *ReaderButton) Run(ctx context.Context) error {
	defer close(b.events)
	lines := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(b.r)
		for sc.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	pressed := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			pressed = !pressed
			select {
			case b.events <- pressed:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
