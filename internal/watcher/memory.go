package watcher

import "sync"

// MemoryOptions configures NewMemory
type MemoryOptions struct {
	Buffer int
}

type memoryNotifier[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan T
	buffer int
}

// NewMemory returns a Notifier whose subscribers always end up holding the
// most recent value. When a subscriber's buffer is full the oldest queued value
// is dropped to make room.
func NewMemory[T any](opts MemoryOptions) Notifier[T] {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 1
	}

	return &memoryNotifier[T]{
		subs:   make(map[uint64]chan T),
		buffer: buffer,
	}
}

func (w *memoryNotifier[T]) Watch() (<-chan T, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.nextID
	w.nextID++

	ch := make(chan T, w.buffer)
	w.subs[id] = ch

	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()

		sub, ok := w.subs[id]
		if !ok {
			return
		}

		delete(w.subs, id)
		close(sub)
	}
}

func (w *memoryNotifier[T]) Notify(v T) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, ch := range w.subs {
		for {
			select {
			case ch <- v:
			default:
				// Full: drop the oldest value and retry
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}
