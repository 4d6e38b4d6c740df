// Package debounce batches bursty inbound messages per conversation key
// and deduplicates redelivered platform events.
package debounce

import (
	"sync"
	"time"
)

type bucket[T any] struct {
	items []*T
	timer *time.Timer
}

// Debouncer collects items per key and flushes the batch once the key
// has been quiet for the configured window. Items the policy declines to
// debounce flush immediately, draining any pending batch for the same
// key first so ordering is preserved.
type Debouncer[T any] struct {
	mu      sync.Mutex
	buckets map[string]*bucket[T]
	stopped bool

	window  time.Duration
	keyFn   func(item *T) string
	holdFn  func(item *T) bool
	flushFn func(items []*T) error
	errFn   func(err error, items []*T)
}

// Option configures a Debouncer.
type Option[T any] func(*Debouncer[T])

// WithWindow sets the quiet window. Zero disables batching.
func WithWindow[T any](window time.Duration) Option[T] {
	return func(d *Debouncer[T]) {
		if window < 0 {
			window = 0
		}
		d.window = window
	}
}

// WithKey sets the grouping key function.
func WithKey[T any](fn func(item *T) string) Option[T] {
	return func(d *Debouncer[T]) { d.keyFn = fn }
}

// WithHold sets the policy predicate: items it rejects bypass batching
// and flush immediately.
func WithHold[T any](fn func(item *T) bool) Option[T] {
	return func(d *Debouncer[T]) { d.holdFn = fn }
}

// WithFlush sets the batch callback.
func WithFlush[T any](fn func(items []*T) error) Option[T] {
	return func(d *Debouncer[T]) { d.flushFn = fn }
}

// WithError sets the callback invoked when a flush returns an error.
func WithError[T any](fn func(err error, items []*T)) Option[T] {
	return func(d *Debouncer[T]) { d.errFn = fn }
}

// New creates a Debouncer.
func New[T any](opts ...Option[T]) *Debouncer[T] {
	d := &Debouncer[T]{buckets: map[string]*bucket[T]{}}
	for _, opt := range opts {
		opt(d)
	}
	if d.keyFn == nil {
		d.keyFn = func(*T) string { return "default" }
	}
	if d.flushFn == nil {
		d.flushFn = func([]*T) error { return nil }
	}
	return d
}

// Add enqueues an item. The key's timer restarts on every append, so a
// steady burst flushes as one batch once the sender pauses.
func (d *Debouncer[T]) Add(item *T) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	key := d.keyFn(item)
	hold := d.window > 0 && key != "" && (d.holdFn == nil || d.holdFn(item))
	if !hold {
		var pending []*T
		if key != "" {
			if b, ok := d.buckets[key]; ok {
				pending = d.takeLocked(key, b)
			}
		}
		d.mu.Unlock()
		// Drain whatever was queued for the key before the item that
		// bypassed the window, so arrival order survives.
		d.deliver(pending)
		d.deliver([]*T{item})
		return
	}

	b, ok := d.buckets[key]
	if !ok {
		b = &bucket[T]{}
		d.buckets[key] = b
	}
	b.items = append(b.items, item)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(d.window, func() { d.Flush(key) })
	d.mu.Unlock()
}

// Flush delivers any pending batch for key immediately.
func (d *Debouncer[T]) Flush(key string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	var items []*T
	if b, ok := d.buckets[key]; ok {
		items = d.takeLocked(key, b)
	}
	d.mu.Unlock()
	d.deliver(items)
}

// Stop cancels all timers and delivers every pending batch.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	var batches [][]*T
	for key, b := range d.buckets {
		if b.timer != nil {
			b.timer.Stop()
		}
		if len(b.items) > 0 {
			batches = append(batches, b.items)
		}
		delete(d.buckets, key)
	}
	d.mu.Unlock()
	for _, items := range batches {
		d.deliver(items)
	}
}

func (d *Debouncer[T]) takeLocked(key string, b *bucket[T]) []*T {
	delete(d.buckets, key)
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	items := b.items
	b.items = nil
	return items
}

func (d *Debouncer[T]) deliver(items []*T) {
	if len(items) == 0 {
		return
	}
	if err := d.flushFn(items); err != nil && d.errFn != nil {
		d.errFn(err, items)
	}
}
