// Package flow implements the explicit pause/resume discipline used on the
// multiplexed connection. One connection carries many logical streams, so TCP
// window updates cannot slow down a single stream; instead the saturated side
// sends a pause verb for that id and a resume verb once it drains.
package flow

import (
	"errors"
	"sync"
)

// ErrClosed is returned by queue operations after Close.
var ErrClosed = errors.New("flow: queue closed")

// Gate is a latch honored by a pumping goroutine: Wait blocks while paused.
type Gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	closed bool
}

// NewGate returns an open gate.
func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Pause stops Wait from returning until Resume.
func (g *Gate) Pause() {
	g.mu.Lock()
	g.paused = true
	g.mu.Unlock()
}

// Resume releases any goroutine blocked in Wait.
func (g *Gate) Resume() {
	g.mu.Lock()
	g.paused = false
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Close permanently releases the gate.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Wait blocks while the gate is paused. Returns false if the gate was closed.
func (g *Gate) Wait() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.paused && !g.closed {
		g.cond.Wait()
	}
	return !g.closed
}

// Queue is a byte-bounded chunk queue between a producer that must never
// block (the connection read loop) and a consumer (the socket writer). When
// buffered bytes exceed the high-water mark, OnPause fires once; when they
// drain below the low-water mark, OnResume fires once.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	bytes  int
	closed bool
	paused bool

	high int
	low  int

	// OnPause and OnResume translate saturation into wire messages. Either
	// may be nil. Called without the queue lock held.
	OnPause  func()
	OnResume func()
}

// NewQueue builds a queue with the given watermarks. low defaults to high/2.
func NewQueue(high int) *Queue {
	if high <= 0 {
		high = 256 * 1024
	}
	q := &Queue{high: high, low: high / 2}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a chunk without blocking. The chunk is copied.
func (q *Queue) Push(p []byte) error {
	cp := make([]byte, len(p))
	copy(cp, p)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.chunks = append(q.chunks, cp)
	q.bytes += len(cp)
	firePause := !q.paused && q.bytes > q.high
	if firePause {
		q.paused = true
	}
	q.mu.Unlock()

	q.cond.Signal()
	if firePause && q.OnPause != nil {
		q.OnPause()
	}
	return nil
}

// Pop blocks until a chunk is available or the queue is closed. A nil chunk
// with ok=false means the queue is drained and closed.
func (q *Queue) Pop() ([]byte, bool) {
	q.mu.Lock()
	for len(q.chunks) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.chunks) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	p := q.chunks[0]
	q.chunks = q.chunks[1:]
	q.bytes -= len(p)
	fireResume := q.paused && q.bytes < q.low
	if fireResume {
		q.paused = false
	}
	q.mu.Unlock()

	if fireResume && q.OnResume != nil {
		q.OnResume()
	}
	return p, true
}

// Close wakes any blocked Pop once remaining chunks drain.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Buffered reports bytes currently queued.
func (q *Queue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}
