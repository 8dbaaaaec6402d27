package sshadapter

import (
	"io"
	"sync"
	"sync/atomic"
)

// connCloser combines io.Closer with comparable for map key usage.
type connCloser interface {
	comparable
	io.Closer
}

// connTracker tracks active SSH server connections for this handler, mainly
// so a future graceful-shutdown path has something to fan a Close() out to.
type connTracker[T connCloser] struct {
	mu          sync.Mutex
	connections map[T]struct{}
	count       atomic.Int64
}

func newConnTracker[T connCloser]() *connTracker[T] {
	return &connTracker[T]{connections: make(map[T]struct{})}
}

func (t *connTracker[T]) add(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections[conn] = struct{}{}
	t.count.Add(1)
}

func (t *connTracker[T]) remove(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.connections[conn]; ok {
		delete(t.connections, conn)
		t.count.Add(-1)
	}
}

func (t *connTracker[T]) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conn := range t.connections {
		conn.Close()
	}
	t.connections = make(map[T]struct{})
	t.count.Store(0)
}
