// Package watcher provides a best-effort in-process broadcast of state values.
//
// It is designed for observers that only care about the latest value: a slow
// subscriber never blocks the publisher, it just skips intermediate values.
package watcher

// Watcher lets callers subscribe to a stream of values
type Watcher[T any] interface {
	// Watch subscribes to the stream and returns:
	//   - a channel that emits values
	//   - a stop function to unsubscribe (safe to call more than once)
	Watch() (<-chan T, func())
}

// Notifier is a Watcher that can also publish values
type Notifier[T any] interface {
	Watcher[T]

	// Notify broadcasts the value to all subscribers
	Notify(v T)
}
