package capture

import "sync"

// ShareQueueConfig configures a fan-out queue.
type ShareQueueConfig struct {
	Consumers int // Number of consumer slots (N)
	Depth     int // Ring depth (D), frames in flight at once

	// OnRelease is called exactly once per added frame, after every
	// consumer that was enabled at Add time has released it.
	OnRelease func(Frame)

	// UserQueues optionally supplies the per-consumer backing queues.
	// Sharing one MsgQueue between the muxer consumers of the audio and
	// video fan-outs gives the muxer worker a single queue to block on.
	UserQueues []*MsgQueue
}

type shareSlot struct {
	frame Frame
	refs  int
}

// ShareQueue fans frames from one producer out to N consumers with
// per-frame reference counting. Each consumer has its own backing message
// queue and can be enabled or disabled at runtime; a frame entering the
// ring is retained once per consumer enabled at that moment and the
// OnRelease callback fires when the count reaches zero.
type ShareQueue struct {
	mu      sync.Mutex
	notFull *sync.Cond

	slots []shareSlot
	rd    int
	count int

	queues  []*MsgQueue
	owned   bool // queues created here, destroyed here
	enabled []bool
	nEn     int

	onRelease func(Frame)
	nextSeq   uint64
	quit      bool
}

// NewShareQueue creates a fan-out queue. All consumers start disabled.
func NewShareQueue(cfg ShareQueueConfig) (*ShareQueue, error) {
	if cfg.Consumers <= 0 || cfg.Depth <= 0 || cfg.OnRelease == nil {
		return nil, ErrInvalidArg
	}
	if cfg.UserQueues != nil && len(cfg.UserQueues) != cfg.Consumers {
		return nil, ErrInvalidArg
	}

	q := &ShareQueue{
		slots:     make([]shareSlot, cfg.Depth),
		enabled:   make([]bool, cfg.Consumers),
		onRelease: cfg.OnRelease,
		nextSeq:   1,
	}
	q.notFull = sync.NewCond(&q.mu)
	if cfg.UserQueues != nil {
		q.queues = cfg.UserQueues
	} else {
		q.owned = true
		q.queues = make([]*MsgQueue, cfg.Consumers)
		for i := range q.queues {
			q.queues[i] = NewMsgQueue(cfg.Depth)
		}
	}
	return q, nil
}

// Add inserts a frame into the ring and pushes it to every enabled
// consumer. With no consumers enabled the frame is released immediately.
// Add blocks while the ring is full.
func (q *ShareQueue) Add(f Frame) error {
	q.mu.Lock()
	if q.quit {
		q.mu.Unlock()
		return ErrInvalidState
	}
	if q.nEn == 0 {
		q.mu.Unlock()
		q.onRelease(f)
		return nil
	}

	for q.count == len(q.slots) && !q.quit {
		q.notFull.Wait()
	}
	if q.quit {
		q.mu.Unlock()
		return ErrInvalidState
	}

	f.seq = q.nextSeq
	q.nextSeq++
	q.slots[(q.rd+q.count)%len(q.slots)] = shareSlot{frame: f, refs: q.nEn}
	q.count++

	// Consumer queues are at least as deep as the ring, so these sends
	// cannot block while we hold the mutex; the ring's own flow control
	// has already guaranteed room.
	var failed []*MsgQueue
	for i, mq := range q.queues {
		if q.enabled[i] {
			if err := mq.Send(f); err != nil {
				failed = append(failed, mq)
			}
		}
	}
	q.mu.Unlock()

	for range failed {
		q.Release(f)
	}
	return nil
}

// Release decrements the reference count of the slot carrying f. When the
// count reaches zero the slot is retired and OnRelease is invoked.
// Releasing a command sentinel that never entered the ring is a no-op.
func (q *ShareQueue) Release(f Frame) error {
	if f.Stream.isCommand() {
		return nil
	}

	q.mu.Lock()
	idx := -1
	for i := 0; i < q.count; i++ {
		s := &q.slots[(q.rd+i)%len(q.slots)]
		if s.refs > 0 && s.frame.seq == f.seq {
			idx = (q.rd + i) % len(q.slots)
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return ErrNotFound
	}

	q.slots[idx].refs--
	var done []Frame
	// Retire the contiguous run of finished slots at the read pointer.
	for q.count > 0 && q.slots[q.rd].refs == 0 {
		done = append(done, q.slots[q.rd].frame)
		q.slots[q.rd] = shareSlot{}
		q.rd = (q.rd + 1) % len(q.slots)
		q.count--
	}
	if len(done) > 0 {
		q.notFull.Broadcast()
	}
	q.mu.Unlock()

	for _, df := range done {
		q.onRelease(df)
	}
	return nil
}

// Recv dequeues the next frame for consumer index.
func (q *ShareQueue) Recv(index int, noWait bool) (Frame, error) {
	mq, err := q.queue(index)
	if err != nil {
		return Frame{}, err
	}
	return mq.Recv(noWait)
}

// SendSentinel pushes a zero-length command frame straight into a
// consumer's queue, bypassing the ring, so a blocked consumer wakes up.
func (q *ShareQueue) SendSentinel(index int, stream StreamType) error {
	mq, err := q.queue(index)
	if err != nil {
		return err
	}
	return mq.Send(Frame{Stream: stream})
}

// Enable toggles a consumer. Disabling drains and releases everything
// currently queued for that consumer so outstanding ref-counts converge.
func (q *ShareQueue) Enable(index int, enable bool) error {
	q.mu.Lock()
	if index < 0 || index >= len(q.enabled) {
		q.mu.Unlock()
		return ErrInvalidArg
	}
	if q.enabled[index] == enable {
		q.mu.Unlock()
		return nil
	}
	q.enabled[index] = enable
	if enable {
		q.nEn++
		q.mu.Unlock()
		return nil
	}
	q.nEn--
	mq := q.queues[index]
	q.mu.Unlock()

	q.drainQueue(mq)
	return nil
}

// drainQueue empties a consumer queue, releasing every frame of this ring.
// A shared queue can carry frames from another ring; those are put back
// for their own ring's drain. Bounded by the entry count so put-backs do
// not loop.
func (q *ShareQueue) drainQueue(mq *MsgQueue) {
	for n := mq.Count(); n > 0; n-- {
		f, err := mq.Recv(true)
		if err != nil {
			return
		}
		if q.Release(f) == ErrNotFound {
			mq.Send(f)
		}
	}
}

// Enabled reports whether consumer index is enabled.
func (q *ShareQueue) Enabled(index int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return index >= 0 && index < len(q.enabled) && q.enabled[index]
}

// RecvAll drains every enabled consumer queue, releasing each frame.
func (q *ShareQueue) RecvAll() error {
	q.mu.Lock()
	var targets []*MsgQueue
	for i, mq := range q.queues {
		if q.enabled[i] {
			targets = append(targets, mq)
		}
	}
	q.mu.Unlock()

	for _, mq := range targets {
		q.drainQueue(mq)
	}
	return nil
}

// Count returns the number of frames queued for consumer index.
func (q *ShareQueue) Count(index int) int {
	mq, err := q.queue(index)
	if err != nil {
		return 0
	}
	return mq.Count()
}

// Destroy releases everything in flight and tears down owned consumer
// queues. External queues supplied through UserQueues stay alive.
func (q *ShareQueue) Destroy() {
	q.mu.Lock()
	q.quit = true
	q.notFull.Broadcast()
	var done []Frame
	for q.count > 0 {
		done = append(done, q.slots[q.rd].frame)
		q.slots[q.rd] = shareSlot{}
		q.rd = (q.rd + 1) % len(q.slots)
		q.count--
	}
	for i := range q.enabled {
		q.enabled[i] = false
	}
	q.nEn = 0
	queues := q.queues
	owned := q.owned
	q.mu.Unlock()

	for _, f := range done {
		q.onRelease(f)
	}
	if owned {
		for _, mq := range queues {
			mq.Destroy()
		}
	}
}

func (q *ShareQueue) queue(index int) (*MsgQueue, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.queues) {
		return nil, ErrInvalidArg
	}
	return q.queues[index], nil
}
