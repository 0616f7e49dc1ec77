package bitvavo

import "sync"

type eventKind int

const (
	eventFrame eventKind = iota
	eventError
	eventConnection
	eventUserDisconnect
)

// event is a transport notification tagged with the session it belongs to.
type event struct {
	kind      eventKind
	gen       uint64
	frame     []byte
	err       error
	connected bool
}

// fifo is an unbounded queue with a single consumer. push never blocks, so
// producers cannot stall on a slow consumer.
type fifo[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{signal: make(chan struct{}, 1)}
}

func (q *fifo[T]) push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// ready fires after a push; drain then returns everything queued so far.
func (q *fifo[T]) ready() <-chan struct{} {
	return q.signal
}

func (q *fifo[T]) drain() []T {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}
