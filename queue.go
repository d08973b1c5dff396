package capture

import "sync"

// MsgQueue is a bounded FIFO of frame descriptors with blocking send and
// receive. Destroy wakes every blocked caller and waits for them to leave
// before returning, so a worker can tear a queue down while consumers are
// still parked on it.
type MsgQueue struct {
	mu sync.Mutex
	cv *sync.Cond

	items []Frame
	head  int
	count int

	waiters int
	quit    bool
}

// NewMsgQueue creates a queue holding up to depth frames.
func NewMsgQueue(depth int) *MsgQueue {
	if depth <= 0 {
		depth = 1
	}
	q := &MsgQueue{items: make([]Frame, depth)}
	q.cv = sync.NewCond(&q.mu)
	return q
}

// Send enqueues f, blocking while the queue is full. It returns
// ErrInvalidState if the queue is destroyed or reset while waiting.
func (q *MsgQueue) Send(f Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == len(q.items) && !q.quit {
		q.waiters++
		q.cv.Wait()
		q.waiters--
		q.cv.Broadcast() // let Destroy observe the waiter count
	}
	if q.quit {
		return ErrInvalidState
	}

	q.items[(q.head+q.count)%len(q.items)] = f
	q.count++
	q.cv.Broadcast()
	return nil
}

// Recv dequeues the oldest frame. With noWait it returns ErrNotFound
// instead of blocking on an empty queue.
func (q *MsgQueue) Recv(noWait bool) (Frame, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.quit {
		if noWait {
			return Frame{}, ErrNotFound
		}
		q.waiters++
		q.cv.Wait()
		q.waiters--
		q.cv.Broadcast()
	}
	if q.count == 0 {
		return Frame{}, ErrInvalidState
	}

	f := q.items[q.head]
	q.items[q.head] = Frame{}
	q.head = (q.head + 1) % len(q.items)
	q.count--
	q.cv.Broadcast()
	return f, nil
}

// Count returns the number of queued frames.
func (q *MsgQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Reset wakes all blocked callers without enqueueing data and empties the
// queue. The queue stays usable afterwards.
func (q *MsgQueue) Reset() {
	q.mu.Lock()
	q.drain()
	q.quit = false
	q.mu.Unlock()
}

// Destroy wakes all blocked callers and waits for them to leave. Any use of
// the queue after Destroy returns ErrInvalidState.
func (q *MsgQueue) Destroy() {
	q.mu.Lock()
	q.drain()
	q.mu.Unlock()
}

func (q *MsgQueue) drain() {
	q.quit = true
	q.cv.Broadcast()
	for q.waiters > 0 {
		q.cv.Wait()
	}
	q.head = 0
	q.count = 0
}
