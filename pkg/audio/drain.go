package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to unblock a producer whose output is no longer needed, e.g. the
// inbound audio channel of a transport session that is being torn down.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
