package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer goroutine whose output is no longer wanted,
// e.g. the response channel of a failed assistant turn or a TTS event stream
// after an error.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
