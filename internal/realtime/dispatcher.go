// Package realtime fans messages out to subscribers grouped by key.
package realtime

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// Dispatcher delivers published messages to every subscriber of the message key.
// A subscriber whose buffer is full misses the message.
type Dispatcher[M any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber[M]
	nextID      int64
	bufferSize  int
}

type subscriber[M any] struct {
	id     int64
	stream chan M
	once   sync.Once
}

// NewDispatcher returns a dispatcher; a non-positive bufferSize selects the default.
func NewDispatcher[M any](bufferSize int) *Dispatcher[M] {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher[M]{
		subscribers: make(map[string]map[int64]*subscriber[M]),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a stream for key until ctx ends or the returned cleanup runs.
// The stream is closed on cleanup.
func (d *Dispatcher[M]) Subscribe(ctx context.Context, key string) (<-chan M, func()) {
	if key == "" {
		ch := make(chan M)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber[M]{
		id:     d.nextSequence(),
		stream: make(chan M, d.bufferSize),
	}
	d.register(key, sub)
	cleanup := func() {
		sub.once.Do(func() {
			d.unregister(key, sub.id)
			close(sub.stream)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers message to the subscribers of key and reports how many received it.
func (d *Dispatcher[M]) Publish(key string, message M) int {
	if key == "" {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	delivered := 0
	for _, sub := range d.subscribers[key] {
		select {
		case sub.stream <- message:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of live subscribers of key.
func (d *Dispatcher[M]) Subscribers(key string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[key])
}

func (d *Dispatcher[M]) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher[M]) register(key string, sub *subscriber[M]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*subscriber[M])
	}
	d.subscribers[key][sub.id] = sub
}

func (d *Dispatcher[M]) unregister(key string, id int64) {
	d.mu.Lock()
	subscribers := d.subscribers[key]
	if subscribers != nil {
		delete(subscribers, id)
		if len(subscribers) == 0 {
			delete(d.subscribers, key)
		}
	}
	d.mu.Unlock()
}
