package capture

import (
	"encoding/binary"
	"sync"
)

// wrapMarker in a record header means the rest of the buffer tail is
// padding and the next record starts at offset zero.
const wrapMarker = ^uint32(0)

// recordHeaderSize is the per-record length prefix inside the ring.
const recordHeaderSize = 4

// ByteQueue is a single-producer single-consumer ring of variable-length
// records. The producer reserves a contiguous region with GetBuffer, fills
// it in place and commits with SendBuffer; the consumer borrows the oldest
// record with ReadLock and returns it with ReadUnlock. At most one
// reservation and one read lock are outstanding at a time.
type ByteQueue struct {
	mu sync.Mutex
	cv *sync.Cond

	buf  []byte
	rpos int // consumer position
	wpos int // producer position
	fill int // committed bytes, headers and wrap padding included

	records  int // committed, unread records
	reserved int // payload bytes reserved by GetBuffer, 0 if none
	locked   int // total bytes of the record handed out by ReadLock

	waiters int
	quit    bool
}

// NewByteQueue creates a byte-stream queue with the given capacity in bytes.
func NewByteQueue(size int) *ByteQueue {
	if size < 2*recordHeaderSize {
		size = 2 * recordHeaderSize
	}
	q := &ByteQueue{buf: make([]byte, size)}
	q.cv = sync.NewCond(&q.mu)
	return q
}

// GetBuffer reserves a contiguous region for a record of size bytes,
// blocking until the ring has room. The returned slice aliases the ring and
// is only valid until SendBuffer.
func (q *ByteQueue) GetBuffer(size int) ([]byte, error) {
	if size <= 0 || size+recordHeaderSize > len(q.buf) {
		return nil, ErrInvalidArg
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reserved != 0 {
		return nil, ErrInvalidState
	}

	need := recordHeaderSize + size
	for !q.quit {
		q.rewindIfEmpty()
		tail := len(q.buf) - q.wpos
		free := len(q.buf) - q.fill
		if tail >= need && free >= need {
			break
		}
		// Not enough room at the tail: pad it out and wrap, provided the
		// front of the buffer can take the whole record.
		if tail < need && q.rpos >= need && free >= need+tail {
			if tail >= recordHeaderSize {
				binary.LittleEndian.PutUint32(q.buf[q.wpos:], wrapMarker)
			}
			q.fill += tail
			q.wpos = 0
			break
		}
		q.waiters++
		q.cv.Wait()
		q.waiters--
		q.cv.Broadcast()
	}
	if q.quit {
		return nil, ErrInvalidState
	}

	q.reserved = size
	start := q.wpos + recordHeaderSize
	return q.buf[start : start+size], nil
}

// TryGetBuffer is GetBuffer without blocking: it returns ErrNotEnough when
// the ring has no room for the record right now.
func (q *ByteQueue) TryGetBuffer(size int) ([]byte, error) {
	if size <= 0 || size+recordHeaderSize > len(q.buf) {
		return nil, ErrInvalidArg
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.quit || q.reserved != 0 {
		return nil, ErrInvalidState
	}

	need := recordHeaderSize + size
	q.rewindIfEmpty()
	tail := len(q.buf) - q.wpos
	free := len(q.buf) - q.fill
	switch {
	case tail >= need && free >= need:
	case tail < need && q.rpos >= need && free >= need+tail:
		if tail >= recordHeaderSize {
			binary.LittleEndian.PutUint32(q.buf[q.wpos:], wrapMarker)
		}
		q.fill += tail
		q.wpos = 0
	default:
		return nil, ErrNotEnough
	}

	q.reserved = size
	start := q.wpos + recordHeaderSize
	return q.buf[start : start+size], nil
}

// SendBuffer commits the first n bytes of the current reservation. n == 0
// aborts the reservation without publishing anything.
func (q *ByteQueue) SendBuffer(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reserved == 0 || n > q.reserved {
		return ErrInvalidState
	}

	if n > 0 {
		binary.LittleEndian.PutUint32(q.buf[q.wpos:], uint32(n))
		q.wpos += recordHeaderSize + n
		if q.wpos == len(q.buf) {
			q.wpos = 0
		}
		q.fill += recordHeaderSize + n
		q.records++
	}
	q.reserved = 0
	q.cv.Broadcast()
	return nil
}

// ReadLock borrows the oldest record. The slice is valid until ReadUnlock.
// With noWait it returns ErrNotFound instead of blocking when empty.
func (q *ByteQueue) ReadLock(noWait bool) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.locked != 0 {
		return nil, ErrInvalidState
	}

	for q.records == 0 && !q.quit {
		if noWait {
			return nil, ErrNotFound
		}
		q.waiters++
		q.cv.Wait()
		q.waiters--
		q.cv.Broadcast()
	}
	if q.quit {
		return nil, ErrInvalidState
	}

	q.skipWrap()
	size := int(binary.LittleEndian.Uint32(q.buf[q.rpos:]))
	q.locked = recordHeaderSize + size
	start := q.rpos + recordHeaderSize
	return q.buf[start : start+size], nil
}

// ReadUnlock releases the record returned by the last ReadLock.
func (q *ByteQueue) ReadUnlock() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.locked == 0 {
		return ErrInvalidState
	}

	q.rpos += q.locked
	if q.rpos == len(q.buf) {
		q.rpos = 0
	}
	q.fill -= q.locked
	q.locked = 0
	q.records--
	q.cv.Broadcast()
	return nil
}

// rewindIfEmpty restarts both positions at offset zero once every committed
// byte has been consumed. Without it an empty ring whose positions sit near
// the tail cannot reserve a record larger than the remaining tail. Caller
// holds the lock and has verified no reservation is outstanding; an empty
// ring cannot have a read lock either.
func (q *ByteQueue) rewindIfEmpty() {
	if q.fill == 0 {
		q.rpos = 0
		q.wpos = 0
	}
}

// skipWrap advances the consumer past tail padding. Caller holds the lock
// and has verified a committed record exists.
func (q *ByteQueue) skipWrap() {
	tail := len(q.buf) - q.rpos
	if tail < recordHeaderSize {
		q.fill -= tail
		q.rpos = 0
		return
	}
	if binary.LittleEndian.Uint32(q.buf[q.rpos:]) == wrapMarker {
		q.fill -= tail
		q.rpos = 0
	}
}

// HaveData reports whether a committed record is waiting.
func (q *ByteQueue) HaveData() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.records > 0
}

// ConsumeAll drains and discards everything currently queued. It must not
// be called while a record is read-locked.
func (q *ByteQueue) ConsumeAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.locked != 0 {
		return ErrInvalidState
	}

	for q.records > 0 {
		q.skipWrap()
		size := int(binary.LittleEndian.Uint32(q.buf[q.rpos:]))
		q.rpos += recordHeaderSize + size
		if q.rpos == len(q.buf) {
			q.rpos = 0
		}
		q.fill -= recordHeaderSize + size
		q.records--
	}
	q.cv.Broadcast()
	return nil
}

// Destroy wakes all blocked callers and waits for them to leave. Any use of
// the queue after Destroy returns ErrInvalidState.
func (q *ByteQueue) Destroy() {
	q.mu.Lock()
	q.quit = true
	q.cv.Broadcast()
	for q.waiters > 0 {
		q.cv.Wait()
	}
	q.rpos = 0
	q.wpos = 0
	q.fill = 0
	q.records = 0
	q.mu.Unlock()
}
