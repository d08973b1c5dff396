package capture

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine defaults.
const (
	// defaultAudioFrameMs sizes audio frames when no path states a
	// preference: 20 ms of samples per frame.
	defaultAudioFrameMs = 20

	// audioQueueBytes is the capacity of the audio source byte-stream
	// queue; it holds several frames at any common rate.
	audioQueueBytes = 64 * 1024

	// videoQueueDepth is the depth of the video source frame queue.
	videoQueueDepth = 8

	// workerIdleSleep is how long a source worker sleeps when no enabled
	// path wants its stream.
	workerIdleSleep = 10 * time.Millisecond

	// workerExitTimeout bounds how long teardown waits for a worker's
	// exit bit before proceeding anyway.
	workerExitTimeout = time.Second
)

// srcFrameHeaderSize is the header the engine prepends to each record in
// the audio byte-stream queue: stream type (1 byte) + pts (4 bytes LE).
const srcFrameHeaderSize = 5

// Config enumerates an engine's collaborators. At least one source is
// required. With no ProcessPath the engine runs in direct mode: a single
// path that negotiates straight with the sources and reads the source
// queues itself.
type Config struct {
	AudioSource AudioSource
	VideoSource VideoSource
	Path        ProcessPath
	SyncMode    SyncMode

	// Logger receives lifecycle and fault events. Nil disables logging.
	Logger *zerolog.Logger
}

// Engine is the media capture pipeline: it pulls frames from its sources,
// fans each one out to the enabled paths and hands encoded or muxed output
// to consumers. Public operations are serialized by an internal mutex,
// except Path.AcquireFrame / Path.ReleaseFrame.
type Engine struct {
	mu  sync.Mutex
	cfg Config
	log zerolog.Logger

	clock  *SyncClock
	events *eventBits
	paths  [PathMax]*Path

	// Negotiated formats, guarded by negoMu because process-path
	// callbacks run while the API mutex is held.
	negoMu            sync.Mutex
	audioInfo         AudioInfo
	videoInfo         VideoInfo
	audioNegoDone     bool
	videoNegoDone     bool
	audioFrameSamples int
	audioFrameSize    int

	audioQ *ByteQueue
	videoQ *MsgQueue

	started       atomic.Bool
	fetchingAudio atomic.Bool
	fetchingVideo atomic.Bool
	audioActive   atomic.Int32 // enabled paths pulling audio
	videoActive   atomic.Int32 // enabled paths pulling video
	closed        bool
}

// Open creates an engine from cfg. It opens the sources and the process
// path; the engine does not stream until Start.
func Open(cfg Config) (*Engine, error) {
	if cfg.AudioSource == nil && cfg.VideoSource == nil {
		return nil, fmt.Errorf("%w: no source configured", ErrInvalidArg)
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	e := &Engine{
		cfg:    cfg,
		log:    log.With().Str("engine", uuid.NewString()[:8]).Logger(),
		clock:  NewSyncClock(cfg.SyncMode),
		events: newEventBits(),
	}

	if cfg.AudioSource != nil {
		if err := cfg.AudioSource.Open(); err != nil {
			return nil, fmt.Errorf("open audio source: %w", err)
		}
		e.audioQ = NewByteQueue(audioQueueBytes)
	}
	if cfg.VideoSource != nil {
		if err := cfg.VideoSource.Open(); err != nil {
			if cfg.AudioSource != nil {
				cfg.AudioSource.Close()
			}
			return nil, fmt.Errorf("open video source: %w", err)
		}
		e.videoQ = NewMsgQueue(videoQueueDepth)
	}
	if cfg.Path != nil {
		if err := cfg.Path.Open(&engineCallbacks{e}); err != nil {
			e.closeSources()
			return nil, fmt.Errorf("open process path: %w", err)
		}
	}

	e.log.Debug().Str("sync", cfg.SyncMode.String()).Msg("engine opened")
	return e, nil
}

// SetupPath records a new path. It must be called before Start.
func (e *Engine) SetupPath(id PathID, sink SinkConfig) (*Path, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.started.Load() {
		return nil, fmt.Errorf("%w: setup after start", ErrInvalidState)
	}
	if int(id) >= PathMax {
		return nil, fmt.Errorf("%w: path id %d", ErrNotEnough, id)
	}
	if e.paths[id] != nil {
		return nil, fmt.Errorf("%w: path %d exists", ErrInvalidArg, id)
	}
	if sink.Audio.Codec != AudioCodecNone && e.cfg.AudioSource == nil {
		return nil, fmt.Errorf("%w: audio sink without audio source", ErrInvalidArg)
	}
	if sink.Video.Codec != VideoCodecNone && e.cfg.VideoSource == nil {
		return nil, fmt.Errorf("%w: video sink without video source", ErrInvalidArg)
	}

	if e.cfg.Path == nil {
		// Direct mode supports exactly one path.
		for _, p := range e.paths {
			if p != nil {
				return nil, fmt.Errorf("%w: multiple paths need a process path", ErrNotSupported)
			}
		}
	}

	p := &Path{eng: e, id: id, sink: sink}
	if e.cfg.Path != nil {
		if err := e.cfg.Path.AddPath(id, sink); err != nil {
			return nil, fmt.Errorf("add path %d: %w", id, err)
		}
	} else {
		if err := e.negotiateDirect(sink); err != nil {
			return nil, err
		}
	}
	e.paths[id] = p
	e.log.Debug().Uint8("path", uint8(id)).Msg("path set up")
	return p, nil
}

// Start begins streaming: enabled paths start, the sync clock starts, then
// the source workers start. A second Start on a running engine is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrInvalidState
	}
	if e.started.Load() {
		return nil
	}
	e.started.Store(true)

	for _, p := range e.paths {
		if p == nil || !p.enabled.Load() {
			continue
		}
		if p.muxerEnable && !p.muxerStarted {
			if err := e.startMuxerLocked(p); err != nil {
				e.log.Warn().Err(err).Uint8("path", uint8(p.id)).Msg("muxer start failed")
			}
		}
	}
	if e.cfg.Path != nil {
		if err := e.cfg.Path.Start(); err != nil {
			e.started.Store(false)
			return fmt.Errorf("start process path: %w", err)
		}
	}
	e.refreshAudioFrameSamples()

	e.clock.Start()
	e.startSourcesLocked()
	e.log.Info().Msg("engine started")
	return nil
}

// Stop halts streaming and releases per-path queues. Stop on a
// never-started engine returns ErrInvalidState.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	if !e.started.Load() {
		return ErrInvalidState
	}
	e.started.Store(false)

	// Muxers first, so container trailers are written while frames can
	// still be released back into the rings.
	for _, p := range e.paths {
		if p != nil {
			e.stopMuxerLocked(p)
		}
	}
	for _, p := range e.paths {
		if p != nil {
			p.sinkDisabled.Store(true)
		}
	}
	e.drainPathQueues(true)
	e.sendSrcLeaveData()
	if e.cfg.Path != nil {
		if err := e.cfg.Path.Stop(); err != nil {
			e.log.Warn().Err(err).Msg("process path stop failed")
		}
	}
	e.drainPathQueues(true)

	for _, p := range e.paths {
		if p == nil || !p.enabled.Load() {
			continue
		}
		p.enabled.Store(false)
		if e.cfg.Path != nil {
			e.cfg.Path.EnablePath(p.id, false)
		}
		e.destroyPathQueuesLocked(p)
	}
	e.audioActive.Store(0)
	e.videoActive.Store(0)

	e.stopSourcesLocked()
	e.clock.Stop()
	e.negoMu.Lock()
	e.audioNegoDone = false
	e.videoNegoDone = false
	e.negoMu.Unlock()
	e.log.Info().Msg("engine stopped")
	return nil
}

// Close stops the engine if needed, closes the process path and the
// sources, and frees everything. The engine is unusable afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrInvalidState
	}
	if e.started.Load() {
		e.stopLocked()
	}
	if e.cfg.Path != nil {
		if err := e.cfg.Path.Close(); err != nil {
			e.log.Warn().Err(err).Msg("process path close failed")
		}
	}
	e.closeSources()
	if e.audioQ != nil {
		e.audioQ.Destroy()
	}
	if e.videoQ != nil {
		e.videoQ.Destroy()
	}
	e.closed = true
	e.log.Info().Msg("engine closed")
	return nil
}

func (e *Engine) closeSources() {
	if e.cfg.AudioSource != nil {
		if err := e.cfg.AudioSource.Close(); err != nil {
			e.log.Warn().Err(err).Msg("audio source close failed")
		}
	}
	if e.cfg.VideoSource != nil {
		if err := e.cfg.VideoSource.Close(); err != nil {
			e.log.Warn().Err(err).Msg("video source close failed")
		}
	}
}

// =============================================================================
// Path operations
// =============================================================================

// Enable toggles streaming through the path. RunTypeOnce produces exactly
// one frame per stream and then latches finished.
func (p *Path) Enable(run RunType) error {
	e := p.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrInvalidState
	}
	if run == RunTypeDisable {
		return e.disablePathLocked(p)
	}
	return e.enablePathLocked(p, run == RunTypeOnce)
}

// AddMuxer attaches muxer configuration to the path. Only valid before
// Start and only when the engine has a process path.
func (p *Path) AddMuxer(cfg MuxerConfig) error {
	e := p.eng
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.started.Load() {
		return fmt.Errorf("%w: add muxer after start", ErrInvalidState)
	}
	if e.cfg.Path == nil {
		return fmt.Errorf("%w: muxer needs a process path", ErrNotSupported)
	}
	if err := validateMuxerConfig(cfg, p.sink); err != nil {
		return err
	}
	p.muxCfg = &cfg
	p.muxerEnable = true
	return nil
}

// EnableMuxer toggles the path's muxer. The muxer is opened lazily here or
// at Start, and closed on disable or Stop.
func (p *Path) EnableMuxer(enable bool) error {
	e := p.eng
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrInvalidState
	}
	if p.muxCfg == nil {
		return fmt.Errorf("%w: no muxer attached", ErrInvalidState)
	}
	p.muxerEnable = enable
	if enable && p.enabled.Load() && !p.muxerStarted {
		return e.startMuxerLocked(p)
	}
	if !enable {
		e.stopMuxerLocked(p)
	}
	return nil
}

// AddOverlay attaches an overlay to the path's video stream.
func (p *Path) AddOverlay(o Overlay) error {
	e := p.eng
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrInvalidState
	}
	if e.cfg.Path == nil {
		return fmt.Errorf("%w: overlay needs a process path", ErrNotSupported)
	}
	if err := e.cfg.Path.AddOverlay(p.id, o); err != nil {
		return err
	}
	p.overlay = o
	return nil
}

// EnableOverlay toggles overlay compositing on the path.
func (p *Path) EnableOverlay(enable bool) error {
	e := p.eng
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrInvalidState
	}
	if e.cfg.Path == nil || p.overlay == nil {
		return fmt.Errorf("%w: no overlay attached", ErrInvalidState)
	}
	return e.cfg.Path.EnableOverlay(p.id, enable)
}

// SetBitrate forwards a bitrate change to the process path. Both audio and
// video are supported.
func (p *Path) SetBitrate(stream StreamType, bps int) error {
	e := p.eng
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrInvalidState
	}
	if e.cfg.Path == nil {
		return ErrNotSupported
	}
	switch stream {
	case StreamTypeAudio:
		return e.cfg.Path.Set(p.id, PathSettingAudioBitrate, bps)
	case StreamTypeVideo:
		return e.cfg.Path.Set(p.id, PathSettingVideoBitrate, bps)
	default:
		return ErrNotSupported
	}
}

// AcquireFrame dequeues the next frame of the given stream for this path.
// With noWait it returns ErrNotFound when nothing is available. The frame
// is a borrow; pass it to ReleaseFrame when done.
func (p *Path) AcquireFrame(stream StreamType, noWait bool) (Frame, error) {
	e := p.eng
	if !p.enabled.Load() {
		return Frame{}, fmt.Errorf("%w: path %d not enabled", ErrInvalidState, p.id)
	}

	switch stream {
	case StreamTypeAudio, StreamTypeVideo:
		if e.cfg.Path == nil {
			f, err := e.acquireSrcFrame(stream, noWait)
			if err != nil {
				return Frame{}, err
			}
			if f.Stream.isCommand() {
				e.releaseSrcFrame(stream, f)
				return Frame{}, ErrInvalidState
			}
			return f, nil
		}
		sq := p.share(stream)
		if sq == nil {
			return Frame{}, ErrInvalidState
		}
		f, err := sq.Recv(shareConsumerUser, noWait)
		if err != nil {
			if err == ErrNotFound {
				return Frame{}, ErrNotFound
			}
			return Frame{}, ErrInvalidState
		}
		if f.Stream.isCommand() {
			return Frame{}, ErrInvalidState
		}
		if len(f.Data) == 0 {
			// Stream fault sentinel: let go of it, drain what is left
			// and report empty. The sentinel occupies a ring slot until
			// its last reference drops.
			sq.Release(f)
			sq.RecvAll()
			return Frame{}, ErrNotFound
		}
		return f, nil

	case StreamTypeMuxer:
		p.qmu.RLock()
		bq := p.muxerByteQ
		p.qmu.RUnlock()
		if bq == nil {
			return Frame{}, fmt.Errorf("%w: muxer streaming not enabled", ErrNotSupported)
		}
		rec, err := bq.ReadLock(noWait)
		if err != nil {
			if err == ErrNotFound {
				return Frame{}, ErrNotFound
			}
			return Frame{}, ErrInvalidState
		}
		if len(rec) < 4 {
			bq.ReadUnlock()
			return Frame{}, ErrInternal
		}
		return Frame{
			Stream: StreamTypeMuxer,
			PTS:    binary.LittleEndian.Uint32(rec),
			Data:   rec[4:],
		}, nil

	default:
		return Frame{}, fmt.Errorf("%w: stream %v", ErrNotSupported, stream)
	}
}

// ReleaseFrame returns a frame acquired with AcquireFrame.
func (p *Path) ReleaseFrame(f Frame) error {
	e := p.eng

	switch f.Stream {
	case StreamTypeMuxer:
		p.qmu.RLock()
		bq := p.muxerByteQ
		p.qmu.RUnlock()
		if bq == nil {
			return ErrInvalidState
		}
		return bq.ReadUnlock()

	case StreamTypeAudio, StreamTypeVideo:
		if p.runOnce {
			p.runFinished.Store(true)
		}
		if e.cfg.Path == nil {
			return e.releaseSrcFrame(f.Stream, f)
		}
		sq := p.share(f.Stream)
		if sq == nil {
			return ErrInvalidState
		}
		return sq.Release(f)

	default:
		return fmt.Errorf("%w: stream %v", ErrNotSupported, f.Stream)
	}
}

// =============================================================================
// Path enable/disable internals (engine mutex held)
// =============================================================================

func (e *Engine) enablePathLocked(p *Path, once bool) error {
	if p.enabled.Load() {
		return nil
	}
	p.runOnce = once
	p.runFinished.Store(false)
	p.sinkDisabled.Store(false)
	p.audioDisabled.Store(false)
	p.videoDisabled.Store(false)

	if e.cfg.Path != nil {
		if err := e.createPathQueuesLocked(p); err != nil {
			return err
		}
		if p.muxerEnable && p.muxCfg != nil && !p.muxerStarted {
			if err := e.startMuxerLocked(p); err != nil {
				e.destroyPathQueuesLocked(p)
				return err
			}
		}
		if err := e.cfg.Path.EnablePath(p.id, true); err != nil {
			e.stopMuxerLocked(p)
			e.destroyPathQueuesLocked(p)
			return fmt.Errorf("enable path %d: %w", p.id, err)
		}
	}

	p.enabled.Store(true)
	if p.hasAudio() {
		e.audioActive.Add(1)
	}
	if p.hasVideo() {
		e.videoActive.Add(1)
	}
	e.refreshAudioFrameSamples()
	e.log.Debug().Uint8("path", uint8(p.id)).Bool("once", once).Msg("path enabled")
	return nil
}

func (e *Engine) disablePathLocked(p *Path) error {
	if !p.enabled.Load() {
		return nil
	}
	p.sinkDisabled.Store(true)
	e.stopMuxerLocked(p)
	e.drainPathQueuesFor(p, false)

	if e.cfg.Path != nil {
		if err := e.cfg.Path.EnablePath(p.id, false); err != nil {
			e.log.Warn().Err(err).Uint8("path", uint8(p.id)).Msg("disable path failed")
		}
	}

	p.enabled.Store(false)
	if p.hasAudio() && !p.audioDisabled.Load() {
		e.audioActive.Add(-1)
	}
	if p.hasVideo() && !p.videoDisabled.Load() {
		e.videoActive.Add(-1)
	}

	// Drop pending source data nobody wants anymore and re-open
	// negotiation for streams with no active path left.
	if e.audioActive.Load() == 0 && e.audioQ != nil {
		e.audioQ.ConsumeAll()
		e.negoMu.Lock()
		e.audioNegoDone = false
		e.negoMu.Unlock()
	}
	if e.videoActive.Load() == 0 && e.videoQ != nil {
		e.drainVideoSrcQueue()
		e.negoMu.Lock()
		e.videoNegoDone = false
		e.negoMu.Unlock()
	}

	e.destroyPathQueuesLocked(p)
	e.refreshAudioFrameSamples()
	e.log.Debug().Uint8("path", uint8(p.id)).Msg("path disabled")
	return nil
}

func (e *Engine) createPathQueuesLocked(p *Path) error {
	p.qmu.Lock()
	defer p.qmu.Unlock()

	// The muxer consumers of both fan-outs share one backing queue so the
	// muxer worker has a single queue to block on. It is sized for both
	// rings so fan-out sends never stall on it.
	p.muxerMsgQ = NewMsgQueue(2 * shareQueueDepth)

	userEnabled := p.muxCfg == nil || !p.muxCfg.MuxerOnly
	mk := func(stream StreamType) (*ShareQueue, error) {
		sq, err := NewShareQueue(ShareQueueConfig{
			Consumers: shareConsumerCount,
			Depth:     shareQueueDepth,
			OnRelease: func(f Frame) { e.returnProcessedFrame(p, f) },
			UserQueues: []*MsgQueue{
				NewMsgQueue(shareQueueDepth),
				p.muxerMsgQ,
			},
		})
		if err != nil {
			return nil, err
		}
		if userEnabled {
			sq.Enable(shareConsumerUser, true)
		}
		return sq, nil
	}

	var err error
	if p.hasAudio() {
		if p.audioShare, err = mk(StreamTypeAudio); err != nil {
			return err
		}
	}
	if p.hasVideo() {
		if p.videoShare, err = mk(StreamTypeVideo); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) destroyPathQueuesLocked(p *Path) {
	p.qmu.Lock()
	audio, video, mq, bq := p.audioShare, p.videoShare, p.muxerMsgQ, p.muxerByteQ
	p.audioShare, p.videoShare, p.muxerMsgQ, p.muxerByteQ = nil, nil, nil, nil
	p.qmu.Unlock()

	if audio != nil {
		audio.Destroy()
	}
	if video != nil {
		video.Destroy()
	}
	if mq != nil {
		mq.Destroy()
	}
	if bq != nil {
		bq.Destroy()
	}
}

// drainPathQueuesFor empties a path's fan-outs and optionally pushes a
// zero-length sentinel so blocked consumers unblock.
func (e *Engine) drainPathQueuesFor(p *Path, sentinel bool) {
	for _, stream := range []StreamType{StreamTypeAudio, StreamTypeVideo} {
		sq := p.share(stream)
		if sq == nil {
			continue
		}
		sq.RecvAll()
		if sentinel {
			sq.SendSentinel(shareConsumerUser, StreamTypeStopCmd)
		}
	}
}

func (e *Engine) drainPathQueues(sentinel bool) {
	for _, p := range e.paths {
		if p != nil && p.enabled.Load() {
			e.drainPathQueuesFor(p, sentinel)
		}
	}
}

// drainVideoSrcQueue empties the video source queue, returning every
// borrowed frame to the source.
func (e *Engine) drainVideoSrcQueue() {
	for {
		f, err := e.videoQ.Recv(true)
		if err != nil {
			return
		}
		if !f.Stream.isCommand() && f.Data != nil {
			e.cfg.VideoSource.ReleaseFrame(f.Data)
		}
	}
}

// refreshAudioFrameSamples applies the smallest per-path frame size
// preference across enabled paths, defaulting to 20 ms of samples.
func (e *Engine) refreshAudioFrameSamples() {
	e.negoMu.Lock()
	defer e.negoMu.Unlock()
	if !e.audioNegoDone {
		return
	}

	samples := e.audioInfo.SampleRate * defaultAudioFrameMs / 1000
	if e.cfg.Path != nil {
		for _, p := range e.paths {
			if p == nil || !p.enabled.Load() || !p.hasAudio() {
				continue
			}
			if n := e.cfg.Path.AudioFrameSamples(p.id); n > 0 && n < samples {
				samples = n
			}
		}
	}
	e.audioFrameSamples = samples
	e.audioFrameSize = e.audioInfo.FrameBytes(samples)
}

// =============================================================================
// Negotiation
// =============================================================================

func (e *Engine) negotiateDirect(sink SinkConfig) error {
	if sink.Audio.Codec != AudioCodecNone {
		if _, err := e.negotiateAudio(sink.Audio); err != nil {
			return err
		}
	}
	if sink.Video.Codec != VideoCodecNone {
		if _, err := e.negotiateVideo(sink.Video); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) negotiateAudio(wanted AudioInfo) (AudioInfo, error) {
	e.negoMu.Lock()
	defer e.negoMu.Unlock()

	if e.audioNegoDone {
		return e.audioInfo, nil
	}
	if e.cfg.AudioSource == nil {
		return AudioInfo{}, fmt.Errorf("%w: no audio source", ErrNotSupported)
	}
	got, err := e.cfg.AudioSource.NegotiateCaps(wanted)
	if err != nil {
		return AudioInfo{}, fmt.Errorf("negotiate audio: %w", err)
	}
	if got.SampleRate <= 0 || got.Channels <= 0 || got.BitsPerSample <= 0 {
		return AudioInfo{}, fmt.Errorf("%w: bad audio caps %+v", ErrInternal, got)
	}
	e.audioInfo = got
	e.audioNegoDone = true
	e.audioFrameSamples = got.SampleRate * defaultAudioFrameMs / 1000
	e.audioFrameSize = got.FrameBytes(e.audioFrameSamples)
	return got, nil
}

func (e *Engine) negotiateVideo(wanted VideoInfo) (VideoInfo, error) {
	e.negoMu.Lock()
	defer e.negoMu.Unlock()

	if e.videoNegoDone {
		return e.videoInfo, nil
	}
	if e.cfg.VideoSource == nil {
		return VideoInfo{}, fmt.Errorf("%w: no video source", ErrNotSupported)
	}
	got, err := e.cfg.VideoSource.NegotiateCaps(wanted)
	if err != nil {
		return VideoInfo{}, fmt.Errorf("negotiate video: %w", err)
	}
	e.videoInfo = got
	e.videoNegoDone = true
	return got, nil
}

// audioFormat snapshots the negotiated audio parameters for the worker.
func (e *Engine) audioFormat() (rate, samples, size int) {
	e.negoMu.Lock()
	defer e.negoMu.Unlock()
	if !e.audioNegoDone {
		return 0, 0, 0
	}
	return e.audioInfo.SampleRate, e.audioFrameSamples, e.audioFrameSize
}

func (e *Engine) videoFormat() (fps int, raw bool) {
	e.negoMu.Lock()
	defer e.negoMu.Unlock()
	if !e.videoNegoDone {
		return 0, false
	}
	return e.videoInfo.FPS, e.videoInfo.Codec.IsRaw()
}

// =============================================================================
// Source workers
// =============================================================================

func (e *Engine) startSourcesLocked() {
	if e.cfg.AudioSource != nil {
		if err := e.cfg.AudioSource.Start(); err != nil {
			e.log.Warn().Err(err).Msg("audio source start failed")
		} else {
			e.events.clear(evAudioSrcExited)
			e.fetchingAudio.Store(true)
			go e.audioWorker()
		}
	}
	if e.cfg.VideoSource != nil {
		if err := e.cfg.VideoSource.Start(); err != nil {
			e.log.Warn().Err(err).Msg("video source start failed")
		} else {
			e.events.clear(evVideoSrcExited)
			e.fetchingVideo.Store(true)
			go e.videoWorker()
		}
	}
}

func (e *Engine) stopSourcesLocked() {
	if e.cfg.AudioSource != nil && e.fetchingAudio.Load() {
		e.fetchingAudio.Store(false)
		e.cfg.AudioSource.Stop()
		e.audioQ.ConsumeAll() // free room so a blocked GetBuffer returns
		if !e.events.wait(evAudioSrcExited, workerExitTimeout) {
			e.log.Warn().Msg("audio worker did not exit in time")
		}
		e.audioQ.ConsumeAll()
	}
	if e.cfg.VideoSource != nil && e.fetchingVideo.Load() {
		e.fetchingVideo.Store(false)
		e.cfg.VideoSource.Stop()
		e.drainVideoSrcQueue() // free room so a blocked Send returns
		if !e.events.wait(evVideoSrcExited, workerExitTimeout) {
			e.log.Warn().Msg("video worker did not exit in time")
		}
		e.drainVideoSrcQueue()
	}
}

// sendSrcLeaveData injects a stop sentinel into the source queues so a
// consumer blocked on an empty queue wakes up and observes shutdown. A
// full queue is skipped: its consumer is not blocked on empty.
func (e *Engine) sendSrcLeaveData() {
	if e.audioQ != nil && e.fetchingAudio.Load() {
		if buf, err := e.audioQ.TryGetBuffer(srcFrameHeaderSize); err == nil {
			buf[0] = byte(StreamTypeStopCmd)
			binary.LittleEndian.PutUint32(buf[1:], 0)
			e.audioQ.SendBuffer(srcFrameHeaderSize)
		}
	}
	if e.videoQ != nil && e.fetchingVideo.Load() {
		if e.videoQ.Count() < videoQueueDepth {
			e.videoQ.Send(Frame{Stream: StreamTypeStopCmd})
		}
	}
}

func (e *Engine) audioWorker() {
	defer e.events.set(evAudioSrcExited)
	log := e.log.With().Str("worker", "audio").Logger()
	frames := uint64(0)

	for e.fetchingAudio.Load() {
		if e.audioActive.Load() == 0 {
			time.Sleep(workerIdleSleep)
			continue
		}
		rate, samples, size := e.audioFormat()
		if samples <= 0 || size <= 0 {
			time.Sleep(workerIdleSleep)
			continue
		}

		buf, err := e.audioQ.GetBuffer(srcFrameHeaderSize + size)
		if err != nil {
			return
		}
		n, err := e.cfg.AudioSource.ReadFrame(buf[srcFrameHeaderSize : srcFrameHeaderSize+size])
		if err != nil {
			e.audioQ.SendBuffer(0)
			if e.fetchingAudio.Load() {
				log.Warn().Err(err).Msg("audio read failed, worker exiting")
			}
			return
		}

		pts := uint32(frames * uint64(samples) * 1000 / uint64(rate))
		if e.clock.Enabled() {
			if e.clock.Mode() == SyncModeAudio {
				e.clock.AudioUpdate(pts)
			} else if now := e.clock.Now(); abs64(int64(pts)-now) > SyncTolerance {
				pts = uint32(now)
			}
		}

		buf[0] = byte(StreamTypeAudio)
		binary.LittleEndian.PutUint32(buf[1:], pts)
		e.audioQ.SendBuffer(srcFrameHeaderSize + n)
		frames++
	}
}

func (e *Engine) videoWorker() {
	defer e.events.set(evVideoSrcExited)
	log := e.log.With().Str("worker", "video").Logger()
	frames := uint64(0)

	for e.fetchingVideo.Load() {
		if e.videoActive.Load() == 0 {
			time.Sleep(workerIdleSleep)
			continue
		}

		data, err := e.cfg.VideoSource.AcquireFrame()
		if err != nil {
			if e.fetchingVideo.Load() {
				log.Warn().Err(err).Msg("video acquire failed, worker exiting")
			}
			return
		}

		fps, raw := e.videoFormat()
		var pts uint32
		if fps > 0 {
			pts = uint32(frames * 1000 / uint64(fps))
		}
		if e.clock.Enabled() {
			now := e.clock.Now()
			if raw && int64(pts) > now {
				// Ahead of the clock: drop raw frames outright. Encoded
				// video is never dropped.
				e.cfg.VideoSource.ReleaseFrame(data)
				frames++
				continue
			}
			if int64(pts) < now-SyncTolerance {
				log.Debug().Uint32("pts", pts).Int64("clock", now).Msg("retiming lagging video frame")
				pts = uint32(now)
			}
		}

		if err := e.videoQ.Send(Frame{Stream: StreamTypeVideo, Data: data, PTS: pts}); err != nil {
			e.cfg.VideoSource.ReleaseFrame(data)
			return
		}
		frames++
	}
}

// =============================================================================
// Process path callbacks
// =============================================================================

// engineCallbacks adapts the engine to the PathCallbacks surface without
// exposing the callback methods on Engine itself.
type engineCallbacks struct{ e *Engine }

func (c *engineCallbacks) AcquireSrcFrame(stream StreamType, noWait bool) (Frame, error) {
	return c.e.acquireSrcFrame(stream, noWait)
}

func (c *engineCallbacks) ReleaseSrcFrame(stream StreamType, f Frame) error {
	return c.e.releaseSrcFrame(stream, f)
}

func (c *engineCallbacks) NegotiateAudio(wanted AudioInfo) (AudioInfo, error) {
	return c.e.negotiateAudio(wanted)
}

func (c *engineCallbacks) NegotiateVideo(wanted VideoInfo) (VideoInfo, error) {
	return c.e.negotiateVideo(wanted)
}

func (c *engineCallbacks) FrameProcessed(id PathID, f Frame) error {
	return c.e.frameProcessed(id, f)
}

func (c *engineCallbacks) OnEvent(id PathID, ev PathEvent) {
	c.e.pathEvent(id, ev)
}

func (e *Engine) acquireSrcFrame(stream StreamType, noWait bool) (Frame, error) {
	switch stream {
	case StreamTypeAudio:
		if e.audioQ == nil {
			return Frame{}, ErrNotSupported
		}
		rec, err := e.audioQ.ReadLock(noWait)
		if err != nil {
			return Frame{}, err
		}
		if len(rec) < srcFrameHeaderSize {
			e.audioQ.ReadUnlock()
			return Frame{}, ErrInternal
		}
		return Frame{
			Stream: StreamType(rec[0]),
			PTS:    binary.LittleEndian.Uint32(rec[1:]),
			Data:   rec[srcFrameHeaderSize:],
		}, nil

	case StreamTypeVideo:
		if e.videoQ == nil {
			return Frame{}, ErrNotSupported
		}
		return e.videoQ.Recv(noWait)

	default:
		return Frame{}, fmt.Errorf("%w: stream %v", ErrNotSupported, stream)
	}
}

func (e *Engine) releaseSrcFrame(stream StreamType, f Frame) error {
	switch stream {
	case StreamTypeAudio:
		if e.audioQ == nil {
			return ErrNotSupported
		}
		return e.audioQ.ReadUnlock()

	case StreamTypeVideo:
		if e.cfg.VideoSource == nil {
			return ErrNotSupported
		}
		if f.Stream.isCommand() || f.Data == nil {
			return nil
		}
		return e.cfg.VideoSource.ReleaseFrame(f.Data)

	default:
		return fmt.Errorf("%w: stream %v", ErrNotSupported, stream)
	}
}

// frameProcessed routes a finished frame into the path's fan-out. When it
// returns ErrNotSupported the frame was not consumed and the process path
// keeps ownership.
func (e *Engine) frameProcessed(id PathID, f Frame) error {
	if int(id) >= PathMax {
		return ErrInvalidArg
	}
	p := e.paths[id]
	if p == nil {
		return ErrInvalidArg
	}
	if p.sinkDisabled.Load() {
		return ErrNotSupported
	}
	if p.runOnce && p.runFinished.Load() {
		return ErrNotSupported
	}

	sq := p.share(f.Stream)
	if sq == nil {
		return ErrNotSupported
	}
	if err := sq.Add(f); err != nil {
		return ErrNotSupported
	}
	return nil
}

// pathEvent handles an asynchronous per-stream fault: the stream is marked
// disabled for the path and a zero-length frame is injected into its
// fan-out so blocked consumers observe the fault.
func (e *Engine) pathEvent(id PathID, ev PathEvent) {
	if int(id) >= PathMax {
		return
	}
	p := e.paths[id]
	if p == nil {
		return
	}
	e.log.Warn().Uint8("path", uint8(id)).Str("event", ev.String()).Msg("path event")

	switch ev {
	case PathEventAudioError, PathEventAudioNotSupported:
		if !p.audioDisabled.Swap(true) && p.enabled.Load() && p.hasAudio() {
			e.audioActive.Add(-1)
		}
		if sq := p.share(StreamTypeAudio); sq != nil {
			sq.Add(Frame{Stream: StreamTypeAudio})
		}
	case PathEventVideoError, PathEventVideoNotSupported:
		if !p.videoDisabled.Swap(true) && p.enabled.Load() && p.hasVideo() {
			e.videoActive.Add(-1)
		}
		if sq := p.share(StreamTypeVideo); sq != nil {
			sq.Add(Frame{Stream: StreamTypeVideo})
		}
	}
}

// returnProcessedFrame is the fan-out release hook: the frame goes back to
// whoever produced it.
func (e *Engine) returnProcessedFrame(p *Path, f Frame) {
	if len(f.Data) == 0 {
		return // fault sentinel, nothing to return
	}
	if e.cfg.Path != nil {
		e.cfg.Path.ReturnFrame(p.id, f)
	}
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
