package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// =============================================================================
// Muxer attachment and worker
// =============================================================================

// StreamMask selects which streams a muxer consumes.
type StreamMask uint8

const (
	StreamMaskAudio StreamMask = 1 << iota
	StreamMaskVideo

	// StreamMaskAll is the default when the config leaves the mask zero.
	StreamMaskAll = StreamMaskAudio | StreamMaskVideo
)

func (m StreamMask) has(stream StreamType) bool {
	switch stream {
	case StreamTypeAudio:
		return m&StreamMaskAudio != 0
	case StreamTypeVideo:
		return m&StreamMaskVideo != 0
	default:
		return false
	}
}

// MuxerConfig configures a path's container muxer.
type MuxerConfig struct {
	Container ContainerType

	// SlicePattern supplies the writer for slice number seq. When set, the
	// muxer rotates to a new writer every SliceDuration.
	SlicePattern func(seq int) (io.WriteCloser, error)

	// SliceDuration is the target duration of one slice. Zero means a
	// single unbounded slice.
	SliceDuration time.Duration

	// StreamData mirrors the muxer output into the path's byte-stream
	// queue as {pts u32 LE}{payload} records for Path.AcquireFrame with
	// StreamTypeMuxer.
	StreamData bool

	// MuxerOnly disables the path's user-facing consumers; frames go to
	// the muxer alone.
	MuxerOnly bool

	// Streams selects which streams are muxed. Zero means all.
	Streams StreamMask
}

func (c MuxerConfig) streams() StreamMask {
	if c.Streams == 0 {
		return StreamMaskAll
	}
	return c.Streams
}

func validateMuxerConfig(cfg MuxerConfig, sink SinkConfig) error {
	if cfg.Container == ContainerNone {
		return fmt.Errorf("%w: container required", ErrInvalidArg)
	}
	if cfg.SlicePattern == nil && !cfg.StreamData {
		return fmt.Errorf("%w: muxer without output", ErrInvalidArg)
	}
	mask := cfg.streams()
	if mask.has(StreamTypeAudio) && sink.Audio.Codec != AudioCodecNone && sink.Audio.Codec != AudioCodecAAC {
		return fmt.Errorf("%w: %v cannot carry %v audio", ErrNotSupported, cfg.Container, sink.Audio.Codec)
	}
	if mask.has(StreamTypeVideo) && sink.Video.Codec != VideoCodecNone && sink.Video.Codec != VideoCodecH264 {
		return fmt.Errorf("%w: %v cannot carry %v video", ErrNotSupported, cfg.Container, sink.Video.Codec)
	}
	return nil
}

// muxer is the engine-internal container writer. writeFrame is called from
// the muxer worker only.
type muxer interface {
	writeFrame(f Frame) error
	close() error
}

// muxerSink is where container implementations emit their bytes. It is
// owned by the path and routes to the slice writer and the streaming
// byte queue.
type muxerSink struct {
	p   *Path
	cfg MuxerConfig

	slice      io.WriteCloser
	sliceSeq   int
	sliceStart int64 // pts ms at slice open, -1 before first write
	curPTS     uint32
}

func newMuxerSink(p *Path, cfg MuxerConfig) *muxerSink {
	return &muxerSink{p: p, cfg: cfg, sliceStart: -1}
}

// setPTS records the pts the next writes belong to.
func (s *muxerSink) setPTS(pts uint32) { s.curPTS = pts }

// rotate closes the current slice when it has run its duration and reports
// whether a boundary was crossed. Keyframe-aligned rotation is the
// container's job: it calls rotate only at points where cutting is legal.
func (s *muxerSink) rotate() bool {
	if s.cfg.SlicePattern == nil || s.cfg.SliceDuration <= 0 {
		return false
	}
	if s.sliceStart >= 0 && int64(s.curPTS)-s.sliceStart < s.cfg.SliceDuration.Milliseconds() {
		return false
	}
	if s.slice == nil {
		return false
	}
	s.slice.Close()
	s.slice = nil
	s.sliceStart = int64(s.curPTS)
	return true
}

// Write implements io.Writer for the container writers.
func (s *muxerSink) Write(b []byte) (int, error) {
	if s.cfg.SlicePattern != nil {
		if s.slice == nil {
			w, err := s.cfg.SlicePattern(s.sliceSeq)
			if err != nil {
				return 0, err
			}
			s.sliceSeq++
			s.slice = w
			if s.sliceStart < 0 {
				s.sliceStart = int64(s.curPTS)
			}
		}
		if _, err := s.slice.Write(b); err != nil {
			// Slice I/O errors are reported to the writer's owner; the
			// pipeline keeps running.
			s.p.eng.log.Warn().Err(err).Uint8("path", uint8(s.p.id)).Msg("muxer slice write failed")
		}
	}
	if s.cfg.StreamData {
		s.p.qmu.RLock()
		bq := s.p.muxerByteQ
		s.p.qmu.RUnlock()
		if bq != nil {
			if rec, err := bq.GetBuffer(4 + len(b)); err == nil {
				binary.LittleEndian.PutUint32(rec, s.curPTS)
				copy(rec[4:], b)
				bq.SendBuffer(4 + len(b))
			}
		}
	}
	return len(b), nil
}

func (s *muxerSink) close() error {
	if s.slice != nil {
		err := s.slice.Close()
		s.slice = nil
		return err
	}
	return nil
}

// muxerByteQueueBytes is the capacity of the streaming muxer output queue.
const muxerByteQueueBytes = 256 * 1024

func (e *Engine) startMuxerLocked(p *Path) error {
	if p.muxCfg == nil {
		return fmt.Errorf("%w: no muxer attached", ErrInvalidState)
	}
	if p.muxerStarted {
		return nil
	}

	cfg := *p.muxCfg
	if cfg.StreamData {
		p.qmu.Lock()
		p.muxerByteQ = NewByteQueue(muxerByteQueueBytes)
		p.qmu.Unlock()
	}

	sink := newMuxerSink(p, cfg)
	var (
		m   muxer
		err error
	)
	switch cfg.Container {
	case ContainerTS:
		m, err = newTSMuxer(sink, cfg.streams(), p.sink)
	case ContainerMP4:
		m, err = newMP4Muxer(sink, cfg.streams(), p.sink)
	default:
		err = fmt.Errorf("%w: container %v", ErrNotSupported, cfg.Container)
	}
	if err != nil {
		return err
	}

	p.qmu.Lock()
	p.mux = m
	p.qmu.Unlock()

	mask := cfg.streams()
	if p.audioShare != nil && mask.has(StreamTypeAudio) {
		p.audioShare.Enable(shareConsumerMuxer, true)
	}
	if p.videoShare != nil && mask.has(StreamTypeVideo) {
		p.videoShare.Enable(shareConsumerMuxer, true)
	}

	e.events.clear(evMuxerExited(p.id))
	p.muxing.Store(true)
	go e.muxerWorker(p)
	p.muxerStarted = true
	e.log.Debug().Uint8("path", uint8(p.id)).Str("container", cfg.Container.String()).Msg("muxer started")
	return nil
}

func (e *Engine) stopMuxerLocked(p *Path) {
	if !p.muxerStarted {
		return
	}

	if p.audioShare != nil {
		p.audioShare.Enable(shareConsumerMuxer, false)
	}
	if p.videoShare != nil {
		p.videoShare.Enable(shareConsumerMuxer, false)
	}

	p.muxing.Store(false)
	p.qmu.RLock()
	mq := p.muxerMsgQ
	p.qmu.RUnlock()
	if mq != nil {
		mq.Send(Frame{Stream: StreamTypeStopCmd})
	}
	if !e.events.wait(evMuxerExited(p.id), workerExitTimeout) {
		e.log.Warn().Uint8("path", uint8(p.id)).Msg("muxer worker did not exit in time")
	}

	p.qmu.Lock()
	m, bq := p.mux, p.muxerByteQ
	p.mux = nil
	p.muxerByteQ = nil
	p.qmu.Unlock()
	if m != nil {
		if err := m.close(); err != nil {
			e.log.Warn().Err(err).Uint8("path", uint8(p.id)).Msg("muxer close failed")
		}
	}
	if bq != nil {
		bq.Destroy()
	}
	p.muxerStarted = false
	e.log.Debug().Uint8("path", uint8(p.id)).Msg("muxer stopped")
}

// muxerWorker drains the muxer consumer of the path's fan-outs, feeds the
// container writer and releases each frame. It exits on the stop sentinel.
func (e *Engine) muxerWorker(p *Path) {
	defer e.events.set(evMuxerExited(p.id))

	p.qmu.RLock()
	mq, m := p.muxerMsgQ, p.mux
	p.qmu.RUnlock()
	if mq == nil || m == nil {
		return
	}

	for {
		f, err := mq.Recv(false)
		if err != nil {
			return
		}
		if f.Stream == StreamTypeStopCmd {
			return
		}
		if p.muxing.Load() && len(f.Data) > 0 {
			if err := m.writeFrame(f); err != nil {
				e.log.Warn().Err(err).Uint8("path", uint8(p.id)).Msg("mux write failed")
			}
			p.muxerCurPTS.Store(f.PTS)
		}
		if sq := p.share(f.Stream); sq != nil {
			sq.Release(f)
		}
	}
}
