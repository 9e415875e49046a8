package medias

import (
	"sync"
)

// Player is anything a publisher can fan frames out to. Calls are made with
// the publisher lock held, so implementations must only enqueue.
type Player interface {
	Id() string
	// Kind names the transport: rtmp, flv or ws.
	Kind() string
	// Begin is called once when the player is attached, before any frame.
	Begin(hasAudio, hasVideo bool)
	// Play enqueues a frame and reports false when the player cannot keep up.
	Play(frame *Frame) bool
	// Unpublished is called when the publisher goes away. Returning true keeps
	// the player waiting for the next publisher on the same path.
	Unpublished() bool
	IsClosed() bool
	Close() error
}

// Queue is a bounded batch queue drained by a single writer goroutine.
type Queue[T any] struct {
	items     []T
	mtx       sync.Mutex
	frameCome chan struct{}
	limit     int
}

func NewQueue[T any](limit int) *Queue[T] {
	return &Queue[T]{
		items:     make([]T, 0, 64),
		frameCome: make(chan struct{}, 1),
		limit:     limit,
	}
}

// Push appends item and wakes the writer. It fails when the queue is full.
func (q *Queue[T]) Push(item T) bool {
	q.mtx.Lock()
	if q.limit > 0 && len(q.items) >= q.limit {
		q.mtx.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mtx.Unlock()
	select {
	case q.frameCome <- struct{}{}:
	default:
	}
	return true
}

// Come fires when items are waiting.
func (q *Queue[T]) Come() <-chan struct{} {
	return q.frameCome
}

// Drain takes every queued item.
func (q *Queue[T]) Drain() []T {
	q.mtx.Lock()
	items := q.items
	q.items = nil
	q.mtx.Unlock()
	return items
}

func (q *Queue[T]) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.items)
}
