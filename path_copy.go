package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// copyPollInterval paces the copy workers when the source queues are empty.
const copyPollInterval = 5 * time.Millisecond

type copyPathState struct {
	sink SinkConfig

	enabled   atomic.Bool
	videoBad  atomic.Bool
	overlayOn atomic.Bool

	mu      sync.Mutex
	overlay Overlay

	audioBitrate atomic.Int64
	videoBitrate atomic.Int64
}

// CopyPath is a pass-through ProcessPath: it copies source frames into its
// own buffers and hands them straight to the engine's fan-out, so the
// source borrow is returned immediately. It performs no transcoding, so a
// path's sink codec must match what the source negotiates. Raw RGB565
// video can have an overlay surface blended in.
type CopyPath struct {
	mu      sync.Mutex
	cb      PathCallbacks
	paths   map[PathID]*copyPathState
	opened  bool
	started bool

	running atomic.Bool
	wg      sync.WaitGroup

	pool sync.Pool
}

// NewCopyPath builds an unopened pass-through path processor.
func NewCopyPath() *CopyPath {
	return &CopyPath{
		paths: make(map[PathID]*copyPathState),
		pool: sync.Pool{
			New: func() any { return new([]byte) },
		},
	}
}

func (c *CopyPath) Open(cb PathCallbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return ErrInvalidState
	}
	if cb == nil {
		return ErrInvalidArg
	}
	c.cb = cb
	c.opened = true
	return nil
}

func (c *CopyPath) Close() error {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = make(map[PathID]*copyPathState)
	c.opened = false
	return nil
}

func (c *CopyPath) AddPath(id PathID, sink SinkConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return ErrInvalidState
	}
	if _, ok := c.paths[id]; ok {
		return fmt.Errorf("%w: path %d exists", ErrInvalidArg, id)
	}

	if sink.Audio.Codec != AudioCodecNone {
		got, err := c.cb.NegotiateAudio(sink.Audio)
		if err != nil {
			return fmt.Errorf("negotiate audio: %w", err)
		}
		if got.Codec != sink.Audio.Codec {
			return fmt.Errorf("%w: source offers %v audio, sink wants %v", ErrNotSupported, got.Codec, sink.Audio.Codec)
		}
	}
	if sink.Video.Codec != VideoCodecNone {
		got, err := c.cb.NegotiateVideo(sink.Video)
		if err != nil {
			return fmt.Errorf("negotiate video: %w", err)
		}
		if got.Codec != sink.Video.Codec {
			return fmt.Errorf("%w: source offers %v video, sink wants %v", ErrNotSupported, got.Codec, sink.Video.Codec)
		}
	}

	c.paths[id] = &copyPathState{sink: sink}
	return nil
}

func (c *CopyPath) EnablePath(id PathID, enable bool) error {
	st, err := c.path(id)
	if err != nil {
		return err
	}
	st.enabled.Store(enable)
	return nil
}

func (c *CopyPath) AddOverlay(id PathID, o Overlay) error {
	st, err := c.path(id)
	if err != nil {
		return err
	}
	if st.sink.Video.Codec != VideoCodecRGB565 {
		return fmt.Errorf("%w: overlay needs raw RGB565 video", ErrNotSupported)
	}
	st.mu.Lock()
	st.overlay = o
	st.mu.Unlock()
	return nil
}

func (c *CopyPath) EnableOverlay(id PathID, enable bool) error {
	st, err := c.path(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	has := st.overlay != nil
	st.mu.Unlock()
	if enable && !has {
		return fmt.Errorf("%w: no overlay attached", ErrInvalidState)
	}
	st.overlayOn.Store(enable)
	return nil
}

// AudioFrameSamples reports no preference; the engine keeps its default.
func (c *CopyPath) AudioFrameSamples(PathID) int { return 0 }

func (c *CopyPath) Set(id PathID, setting PathSetting, value int) error {
	st, err := c.path(id)
	if err != nil {
		return err
	}
	switch setting {
	case PathSettingAudioBitrate:
		st.audioBitrate.Store(int64(value))
	case PathSettingVideoBitrate:
		st.videoBitrate.Store(int64(value))
	default:
		return fmt.Errorf("%w: setting %d", ErrNotSupported, setting)
	}
	return nil
}

func (c *CopyPath) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return ErrInvalidState
	}
	if c.started {
		return nil
	}
	c.running.Store(true)

	var audio, video bool
	for _, st := range c.paths {
		audio = audio || st.sink.Audio.Codec != AudioCodecNone
		video = video || st.sink.Video.Codec != VideoCodecNone
	}
	if audio {
		c.wg.Add(1)
		go c.worker(StreamTypeAudio)
	}
	if video {
		c.wg.Add(1)
		go c.worker(StreamTypeVideo)
	}
	c.started = true
	return nil
}

func (c *CopyPath) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.mu.Unlock()

	c.running.Store(false)
	c.wg.Wait()
	return nil
}

func (c *CopyPath) ReturnFrame(_ PathID, f Frame) error {
	if f.Data != nil {
		c.putBuf(f.Data)
	}
	return nil
}

func (c *CopyPath) path(id PathID) (*copyPathState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.paths[id]
	if !ok {
		return nil, fmt.Errorf("%w: path %d", ErrNotFound, id)
	}
	return st, nil
}

// wanted snapshots the paths currently pulling on a stream.
func (c *CopyPath) wanted(stream StreamType) map[PathID]*copyPathState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[PathID]*copyPathState, len(c.paths))
	for id, st := range c.paths {
		if !st.enabled.Load() {
			continue
		}
		switch stream {
		case StreamTypeAudio:
			if st.sink.Audio.Codec != AudioCodecNone {
				out[id] = st
			}
		case StreamTypeVideo:
			if st.sink.Video.Codec != VideoCodecNone && !st.videoBad.Load() {
				out[id] = st
			}
		}
	}
	return out
}

// worker polls one stream's source queue and fans copies out to every
// enabled path. The source borrow is released before the copies travel.
func (c *CopyPath) worker(stream StreamType) {
	defer c.wg.Done()
	for c.running.Load() {
		paths := c.wanted(stream)
		if len(paths) == 0 {
			time.Sleep(workerIdleSleep)
			continue
		}

		f, err := c.cb.AcquireSrcFrame(stream, true)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				time.Sleep(copyPollInterval)
				continue
			}
			return
		}
		if f.Stream.isCommand() || len(f.Data) == 0 {
			c.cb.ReleaseSrcFrame(stream, f)
			time.Sleep(copyPollInterval)
			continue
		}

		c.dispatch(stream, f, paths)
		c.cb.ReleaseSrcFrame(stream, f)
	}
}

func (c *CopyPath) dispatch(stream StreamType, src Frame, paths map[PathID]*copyPathState) {
	for id, st := range paths {
		if stream == StreamTypeVideo && st.sink.Video.Codec == VideoCodecRGB565 {
			if want := st.sink.Video.Width * st.sink.Video.Height * 2; len(src.Data) != want {
				if !st.videoBad.Swap(true) {
					c.cb.OnEvent(id, PathEventVideoError)
				}
				continue
			}
		}

		buf := c.getBuf(len(src.Data))
		copy(buf, src.Data)
		if stream == StreamTypeVideo && st.overlayOn.Load() {
			c.composite(st, buf)
		}

		out := Frame{Stream: stream, Data: buf, PTS: src.PTS}
		if err := c.cb.FrameProcessed(id, out); err != nil {
			c.putBuf(buf)
		}
	}
}

// composite blends the path's overlay surface into a raw RGB565 frame.
func (c *CopyPath) composite(st *copyPathState, frame []byte) {
	st.mu.Lock()
	ov := st.overlay
	st.mu.Unlock()
	if ov == nil {
		return
	}
	// AcquireFrame holds the overlay mutex until ReleaseFrame; anything
	// else the overlay must answer has to be read before the borrow.
	region := ov.Region()
	alpha := ov.Alpha()

	surface, err := ov.AcquireFrame()
	if err != nil {
		return
	}
	defer ov.ReleaseFrame(surface)

	blendRGB565(frame, st.sink.Video.Width, st.sink.Video.Height,
		surface.Data, region, alpha)
}

// blendRGB565 alpha-blends src over the region of dst. Both are RGB565
// little-endian.
func blendRGB565(dst []byte, dw, dh int, src []byte, r OverlayRegion, alpha uint8) {
	a := uint32(alpha)
	ia := 255 - a
	for y := 0; y < r.Height; y++ {
		dy := r.Y + y
		if dy < 0 || dy >= dh {
			continue
		}
		for x := 0; x < r.Width; x++ {
			dx := r.X + x
			if dx < 0 || dx >= dw {
				continue
			}
			sp := binary.LittleEndian.Uint16(src[(y*r.Width+x)*2:])
			di := (dy*dw + dx) * 2
			dp := binary.LittleEndian.Uint16(dst[di:])

			sr, sg, sb := uint32(sp>>11), uint32(sp>>5&0x3F), uint32(sp&0x1F)
			dr, dg, db := uint32(dp>>11), uint32(dp>>5&0x3F), uint32(dp&0x1F)
			or := (sr*a + dr*ia) / 255
			og := (sg*a + dg*ia) / 255
			ob := (sb*a + db*ia) / 255
			binary.LittleEndian.PutUint16(dst[di:], uint16(or<<11|og<<5|ob))
		}
	}
}

func (c *CopyPath) getBuf(size int) []byte {
	buf := *c.pool.Get().(*[]byte)
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	return buf[:size]
}

func (c *CopyPath) putBuf(buf []byte) {
	c.pool.Put(&buf)
}
