// Package observable provides a small value cell whose changes can be
// subscribed to. Connection state, tool lists and autostart snapshots are all
// published through it.
package observable

import (
	"context"
	"sync"
)

// Value holds a value of type T and notifies subscribers on every Set.
//
// Subscribers run synchronously on the goroutine that called Set, after the
// value lock has been released, in subscription order. Deliveries are
// serialized and each one carries the value current when it began, so the
// last value a subscriber sees is the latest one. A subscriber must not Set
// the Value it is subscribed to.
type Value[T any] struct {
	notifyMu sync.Mutex

	mu     sync.RWMutex
	v      T
	subs   map[uint64]func(T)
	order  []uint64
	nextID uint64
}

// NewValue returns a Value initialised to initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{v: initial, subs: make(map[uint64]func(T))}
}

// Get returns the current value.
func (o *Value[T]) Get() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.v
}

// Set replaces the value and notifies subscribers.
func (o *Value[T]) Set(v T) {
	o.mu.Lock()
	o.v = v
	o.mu.Unlock()
	o.publish()
}

// Update applies fn to the current value under the write lock and publishes
// the result.
func (o *Value[T]) Update(fn func(T) T) T {
	o.mu.Lock()
	o.v = fn(o.v)
	v := o.v
	o.mu.Unlock()
	o.publish()
	return v
}

func (o *Value[T]) publish() {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	o.mu.RLock()
	v := o.v
	fns := o.snapshotLocked()
	o.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Subscribe registers fn for future changes. The returned func removes it.
func (o *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	o.mu.Lock()
	if o.subs == nil {
		o.subs = make(map[uint64]func(T))
	}
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.order = append(o.order, id)
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			for i, sid := range o.order {
				if sid == id {
					o.order = append(o.order[:i], o.order[i+1:]...)
					break
				}
			}
			o.mu.Unlock()
		})
	}
}

// WaitFor blocks until pred reports true for the current or a future value,
// or ctx is done. It returns the value that satisfied pred.
func (o *Value[T]) WaitFor(ctx context.Context, pred func(T) bool) (T, error) {
	ch := make(chan T, 1)
	unsubscribe := o.Subscribe(func(v T) {
		if pred(v) {
			select {
			case ch <- v:
			default:
			}
		}
	})
	defer unsubscribe()

	if v := o.Get(); pred(v) {
		return v, nil
	}
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (o *Value[T]) snapshotLocked() []func(T) {
	if len(o.order) == 0 {
		return nil
	}
	fns := make([]func(T), 0, len(o.order))
	for _, id := range o.order {
		fns = append(fns, o.subs[id])
	}
	return fns
}
