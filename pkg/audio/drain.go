package audio

// Drain reads from ch until it is closed, discarding all values. Producers
// whose sends block until consumed (such as a transport event stream) must
// still be drained when nobody wants the data.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
