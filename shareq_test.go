package capture

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"
)

// releaseRecorder collects the frames a ShareQueue hands back.
type releaseRecorder struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *releaseRecorder) release(f Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *releaseRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestShareQueueNoConsumersReleasesImmediately(t *testing.T) {
	rec := &releaseRecorder{}
	q, err := NewShareQueue(ShareQueueConfig{Consumers: 2, Depth: 3, OnRelease: rec.release})
	if err != nil {
		t.Fatalf("NewShareQueue: %v", err)
	}
	defer q.Destroy()

	if err := q.Add(Frame{Stream: StreamTypeAudio, PTS: 7}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := rec.count(); got != 1 {
		t.Fatalf("released %d frames, want 1 (no consumers enabled)", got)
	}
}

func TestShareQueueFanOutAndRefCount(t *testing.T) {
	rec := &releaseRecorder{}
	q, err := NewShareQueue(ShareQueueConfig{Consumers: 2, Depth: 3, OnRelease: rec.release})
	if err != nil {
		t.Fatalf("NewShareQueue: %v", err)
	}
	defer q.Destroy()

	q.Enable(0, true)
	q.Enable(1, true)

	data := []byte{1, 2, 3}
	if err := q.Add(Frame{Stream: StreamTypeVideo, Data: data, PTS: 10}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	f0, err := q.Recv(0, true)
	if err != nil {
		t.Fatalf("Recv(0): %v", err)
	}
	f1, err := q.Recv(1, true)
	if err != nil {
		t.Fatalf("Recv(1): %v", err)
	}
	if f0.PTS != 10 || f1.PTS != 10 {
		t.Fatalf("consumers saw pts %d, %d, want 10, 10", f0.PTS, f1.PTS)
	}

	// One release holds the frame; the second retires it.
	if err := q.Release(f0); err != nil {
		t.Fatalf("Release(0): %v", err)
	}
	if got := rec.count(); got != 0 {
		t.Fatalf("released after one of two consumers: %d, want 0", got)
	}
	if err := q.Release(f1); err != nil {
		t.Fatalf("Release(1): %v", err)
	}
	if got := rec.count(); got != 1 {
		t.Fatalf("released after both consumers: %d, want 1", got)
	}
}

func TestShareQueueOrderingPerConsumer(t *testing.T) {
	rec := &releaseRecorder{}
	q, _ := NewShareQueue(ShareQueueConfig{Consumers: 1, Depth: 5, OnRelease: rec.release})
	defer q.Destroy()
	q.Enable(0, true)

	for i := 0; i < 5; i++ {
		if err := q.Add(Frame{Stream: StreamTypeAudio, Data: []byte{byte(i)}, PTS: uint32(i)}); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		f, err := q.Recv(0, true)
		if err != nil {
			t.Fatalf("Recv(%d): %v", i, err)
		}
		if f.PTS != uint32(i) {
			t.Fatalf("frame %d has pts %d, arrival order broken", i, f.PTS)
		}
		q.Release(f)
	}
}

func TestShareQueueDisableDrainsConsumer(t *testing.T) {
	rec := &releaseRecorder{}
	q, _ := NewShareQueue(ShareQueueConfig{Consumers: 2, Depth: 4, OnRelease: rec.release})
	defer q.Destroy()
	q.Enable(0, true)
	q.Enable(1, true)

	for i := 0; i < 3; i++ {
		q.Add(Frame{Stream: StreamTypeAudio, Data: []byte{byte(i)}, PTS: uint32(i)})
	}

	// Consumer 0 drains its side; consumer 1 goes away with frames still
	// queued. Its references must converge so every frame is released.
	for i := 0; i < 3; i++ {
		f, err := q.Recv(0, true)
		if err != nil {
			t.Fatalf("Recv(0, %d): %v", i, err)
		}
		q.Release(f)
	}
	if got := rec.count(); got != 0 {
		t.Fatalf("released %d before consumer 1 let go", got)
	}

	q.Enable(1, false)
	if got := rec.count(); got != 3 {
		t.Fatalf("released %d after disable, want 3", got)
	}
	if q.Enabled(1) {
		t.Error("Enabled(1) = true after disable")
	}
}

func TestShareQueueDisabledConsumerSeesNothing(t *testing.T) {
	rec := &releaseRecorder{}
	q, _ := NewShareQueue(ShareQueueConfig{Consumers: 2, Depth: 4, OnRelease: rec.release})
	defer q.Destroy()
	q.Enable(0, true)

	q.Add(Frame{Stream: StreamTypeAudio, Data: []byte{1}, PTS: 1})

	if _, err := q.Recv(1, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("disabled consumer Recv = %v, want ErrNotFound", err)
	}

	f, err := q.Recv(0, true)
	if err != nil {
		t.Fatalf("Recv(0): %v", err)
	}
	q.Release(f)
	if got := rec.count(); got != 1 {
		t.Fatalf("released %d, want 1: disabled consumer held a reference", got)
	}
}

func TestShareQueueSharedUserQueue(t *testing.T) {
	// Two rings share one backing queue for their consumer, the way the
	// engine wires the muxer consumer of the audio and video fan-outs.
	shared := NewMsgQueue(8)
	defer shared.Destroy()

	recA := &releaseRecorder{}
	recV := &releaseRecorder{}
	qa, _ := NewShareQueue(ShareQueueConfig{
		Consumers: 1, Depth: 4, OnRelease: recA.release,
		UserQueues: []*MsgQueue{shared},
	})
	qv, _ := NewShareQueue(ShareQueueConfig{
		Consumers: 1, Depth: 4, OnRelease: recV.release,
		UserQueues: []*MsgQueue{shared},
	})
	defer qa.Destroy()
	defer qv.Destroy()
	qa.Enable(0, true)
	qv.Enable(0, true)

	qa.Add(Frame{Stream: StreamTypeAudio, Data: []byte{1}, PTS: 1})
	qv.Add(Frame{Stream: StreamTypeVideo, Data: []byte{2}, PTS: 2})
	qa.Add(Frame{Stream: StreamTypeAudio, Data: []byte{3}, PTS: 3})

	if got := shared.Count(); got != 3 {
		t.Fatalf("shared queue holds %d frames, want 3", got)
	}

	// Disabling the audio ring's consumer must release only audio frames;
	// the video frame stays queued for the video ring.
	qa.Enable(0, false)
	if got := recA.count(); got != 2 {
		t.Fatalf("audio ring released %d frames, want 2", got)
	}
	if got := recV.count(); got != 0 {
		t.Fatalf("video ring released %d frames, want 0", got)
	}
	qv.Enable(0, false)
	if got := recV.count(); got != 1 {
		t.Fatalf("video ring released %d frames after its disable, want 1", got)
	}
}

func TestShareQueueAddBlocksWhenRingFull(t *testing.T) {
	rec := &releaseRecorder{}
	q, _ := NewShareQueue(ShareQueueConfig{Consumers: 1, Depth: 2, OnRelease: rec.release})
	defer q.Destroy()
	q.Enable(0, true)

	q.Add(Frame{Stream: StreamTypeAudio, Data: []byte{1}, PTS: 1})
	q.Add(Frame{Stream: StreamTypeAudio, Data: []byte{2}, PTS: 2})

	done := make(chan error, 1)
	go func() {
		done <- q.Add(Frame{Stream: StreamTypeAudio, Data: []byte{3}, PTS: 3})
	}()

	select {
	case <-done:
		t.Fatal("Add returned with the ring full")
	case <-time.After(50 * time.Millisecond):
	}

	f, err := q.Recv(0, true)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	q.Release(f)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Add: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Add still blocked after a slot was retired")
	}
}

func TestShareQueueSentinelBypassesRing(t *testing.T) {
	rec := &releaseRecorder{}
	q, _ := NewShareQueue(ShareQueueConfig{Consumers: 1, Depth: 2, OnRelease: rec.release})
	defer q.Destroy()
	q.Enable(0, true)

	if err := q.SendSentinel(0, StreamTypeStopCmd); err != nil {
		t.Fatalf("SendSentinel: %v", err)
	}
	f, err := q.Recv(0, true)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if f.Stream != StreamTypeStopCmd || len(f.Data) != 0 {
		t.Fatalf("sentinel = %+v, want empty stop command", f)
	}
	// Releasing a sentinel is a no-op.
	if err := q.Release(f); err != nil {
		t.Fatalf("Release(sentinel): %v", err)
	}
	if got := rec.count(); got != 0 {
		t.Fatalf("sentinel triggered %d releases", got)
	}
}

func TestShareQueueReleaseBalanceRandomToggles(t *testing.T) {
	seed := time.Now().UnixNano()
	rng := rand.New(rand.NewSource(seed))
	t.Logf("seed %d", seed)

	const (
		consumers = 3
		depth     = 4
		rounds    = 2000
	)
	rec := &releaseRecorder{}
	q, err := NewShareQueue(ShareQueueConfig{Consumers: consumers, Depth: depth, OnRelease: rec.release})
	if err != nil {
		t.Fatalf("NewShareQueue: %v", err)
	}

	// Every received frame is released in the same step, so the ring's
	// occupancy is exactly adds minus releases and Add never has to block.
	adds := 0
	for i := 0; i < rounds; i++ {
		c := rng.Intn(consumers)
		switch rng.Intn(4) {
		case 0:
			q.Enable(c, !q.Enabled(c))
		case 1:
			if adds-rec.count() < depth {
				if err := q.Add(Frame{Stream: StreamTypeAudio, PTS: uint32(adds)}); err != nil {
					t.Fatalf("Add(%d): %v", adds, err)
				}
				adds++
			}
		case 2:
			f, err := q.Recv(c, true)
			if err != nil {
				continue
			}
			if err := q.Release(f); err != nil {
				t.Fatalf("Release(pts %d): %v", f.PTS, err)
			}
		case 3:
			if err := q.RecvAll(); err != nil {
				t.Fatalf("RecvAll: %v", err)
			}
		}
	}

	// Disabling every consumer converges the outstanding references.
	for c := 0; c < consumers; c++ {
		q.Enable(c, false)
	}

	if got := rec.count(); got != adds {
		t.Fatalf("released %d frames for %d adds", got, adds)
	}
	rec.mu.Lock()
	seen := make(map[uint32]bool, len(rec.frames))
	for _, f := range rec.frames {
		if seen[f.PTS] {
			t.Fatalf("frame pts %d released twice", f.PTS)
		}
		seen[f.PTS] = true
	}
	rec.mu.Unlock()
	for pts := 0; pts < adds; pts++ {
		if !seen[uint32(pts)] {
			t.Fatalf("frame pts %d was never released", pts)
		}
	}
	q.Destroy()
}

func TestShareQueueRecvAll(t *testing.T) {
	rec := &releaseRecorder{}
	q, _ := NewShareQueue(ShareQueueConfig{Consumers: 2, Depth: 4, OnRelease: rec.release})
	defer q.Destroy()
	q.Enable(0, true)
	q.Enable(1, true)

	for i := 0; i < 3; i++ {
		q.Add(Frame{Stream: StreamTypeAudio, Data: []byte{byte(i)}, PTS: uint32(i)})
	}
	if err := q.RecvAll(); err != nil {
		t.Fatalf("RecvAll: %v", err)
	}
	if got := rec.count(); got != 3 {
		t.Fatalf("RecvAll released %d frames, want 3", got)
	}
	if got := q.Count(0); got != 0 {
		t.Errorf("consumer 0 still holds %d frames", got)
	}
}
