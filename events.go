package capture

import (
	"sync"
	"time"
)

// Event bits used by the engine to observe worker exits.
const (
	evAudioSrcExited uint32 = 1 << iota
	evVideoSrcExited
	evMuxerExitedBase
)

// evMuxerExited is the exit bit of one path's muxer worker. Sharing a
// single bit would let one path's exit satisfy another path's stop wait.
func evMuxerExited(id PathID) uint32 {
	return evMuxerExitedBase << uint(id)
}

// eventBits is a tiny condition-variable backed bit set. Workers set their
// exit bit; teardown waits for it with a timeout and proceeds regardless.
type eventBits struct {
	mu   sync.Mutex
	cond *sync.Cond
	bits uint32
}

func newEventBits() *eventBits {
	e := &eventBits{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *eventBits) set(mask uint32) {
	e.mu.Lock()
	e.bits |= mask
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *eventBits) clear(mask uint32) {
	e.mu.Lock()
	e.bits &^= mask
	e.mu.Unlock()
}

func (e *eventBits) get() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bits
}

// wait blocks until all bits in mask are set or the timeout elapses.
// It reports whether the bits were seen.
func (e *eventBits) wait(mask uint32, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	t := time.AfterFunc(timeout, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer t.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for e.bits&mask != mask {
		if !time.Now().Before(deadline) {
			return false
		}
		e.cond.Wait()
	}
	return true
}
