// Package watch provides a minimal observable value: get, set, subscribe.
// It decouples state publishers (the workflow engine, the session layer)
// from whatever transport pushes updates to the console frontend.
package watch

import "sync"

// Observable holds a value and a set of subscribers notified on every Set.
type Observable[T any] struct {
	mu     sync.Mutex
	value  T
	nextID int
	subs   map[int]func(T)
}

// New creates an observable seeded with the given value.
func New[T any](initial T) *Observable[T] {
	return &Observable[T]{value: initial, subs: make(map[int]func(T))}
}

// Get returns the current value.
func (o *Observable[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

// Set stores a new value and notifies all current subscribers with it.
// Callbacks run synchronously without the lock held, so a subscriber may
// call back into the observable.
func (o *Observable[T]) Set(value T) {
	o.mu.Lock()
	o.value = value
	callbacks := make([]func(T), 0, len(o.subs))
	for _, callback := range o.subs {
		callbacks = append(callbacks, callback)
	}
	o.mu.Unlock()

	for _, callback := range callbacks {
		callback(value)
	}
}

// Subscribe registers a callback invoked on every Set. The returned function
// removes the subscription; calling it more than once is harmless.
func (o *Observable[T]) Subscribe(callback func(T)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = callback
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}
