package broadcast

import "sync"

// queue is a bounded FIFO that evicts its oldest message when full.
type queue struct {
	mu     sync.Mutex
	buf    [][]byte
	head   int
	n      int
	closed bool
	notify chan struct{}
}

func newQueue(size int) *queue {
	if size <= 0 {
		size = 1
	}
	return &queue{buf: make([][]byte, size), notify: make(chan struct{}, 1)}
}

// push appends msg and reports whether an older message was evicted to make room.
func (q *queue) push(msg []byte) (evicted bool, ok bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}
	if q.n == len(q.buf) {
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		evicted = true
	}
	q.buf[(q.head+q.n)%len(q.buf)] = msg
	q.n++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted, true
}

func (q *queue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return nil, false
	}
	msg := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return msg, true
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
