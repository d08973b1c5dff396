package capture

import (
	"sync"
	"sync/atomic"
)

// PathID identifies a path within an engine.
type PathID uint8

// PathMax is the maximum number of paths one engine can host.
const PathMax = 4

// RunType selects how a path streams once enabled.
type RunType int

const (
	RunTypeDisable    RunType = iota // Stop streaming through the path
	RunTypeContinuous                // Stream until disabled
	RunTypeOnce                      // Produce one frame per stream, then latch finished
)

func (r RunType) String() string {
	switch r {
	case RunTypeContinuous:
		return "continuous"
	case RunTypeOnce:
		return "once"
	default:
		return "disable"
	}
}

// SinkConfig is the format a path presents to its consumers, distinct from
// the source format. A zero codec disables that stream for the path.
type SinkConfig struct {
	Audio AudioInfo
	Video VideoInfo
}

// PathEvent is an asynchronous per-stream fault raised by the process path.
type PathEvent int

const (
	PathEventAudioError PathEvent = iota
	PathEventAudioNotSupported
	PathEventVideoError
	PathEventVideoNotSupported
)

func (ev PathEvent) String() string {
	switch ev {
	case PathEventAudioError:
		return "audio error"
	case PathEventAudioNotSupported:
		return "audio not supported"
	case PathEventVideoError:
		return "video error"
	case PathEventVideoNotSupported:
		return "video not supported"
	default:
		return "unknown"
	}
}

// PathSetting is a runtime-tunable knob forwarded to the process path.
type PathSetting int

const (
	PathSettingAudioBitrate PathSetting = iota // value in bits per second
	PathSettingVideoBitrate
)

// PathCallbacks is the engine-supplied surface a ProcessPath drives its
// work through. Implementations must not call back into the engine's
// public API from these methods.
type PathCallbacks interface {
	// AcquireSrcFrame borrows the next source frame of the given stream.
	// A StreamTypeStopCmd frame signals engine shutdown; release it and
	// stop pulling.
	AcquireSrcFrame(stream StreamType, noWait bool) (Frame, error)

	// ReleaseSrcFrame returns a borrowed source frame.
	ReleaseSrcFrame(stream StreamType, f Frame) error

	// NegotiateAudio forwards a wanted format to the audio source.
	NegotiateAudio(wanted AudioInfo) (AudioInfo, error)

	// NegotiateVideo forwards a wanted format to the video source.
	NegotiateVideo(wanted VideoInfo) (VideoInfo, error)

	// FrameProcessed hands a finished frame back to the engine for fan-out.
	// ErrNotSupported means the engine did not consume the frame and the
	// path remains its owner.
	FrameProcessed(id PathID, f Frame) error

	// OnEvent reports a per-stream fatal error.
	OnEvent(id PathID, ev PathEvent)
}

// ProcessPath encodes, composites or passes through source frames for one
// or more paths. The engine calls it; it drives work through the
// PathCallbacks it was opened with. Implementations must return errors,
// never panic across the interface boundary.
type ProcessPath interface {
	Open(cb PathCallbacks) error
	Close() error

	// AddPath registers a path and negotiates its source formats through
	// the callbacks.
	AddPath(id PathID, sink SinkConfig) error

	// EnablePath toggles streaming through a path.
	EnablePath(id PathID, enable bool) error

	// AddOverlay attaches an overlay for the path's video stream.
	AddOverlay(id PathID, o Overlay) error

	// EnableOverlay toggles overlay compositing.
	EnableOverlay(id PathID, enable bool) error

	// AudioFrameSamples returns the path's preferred audio frame size in
	// samples, or 0 for no preference.
	AudioFrameSamples(id PathID) int

	// Set applies a runtime setting for one path.
	Set(id PathID, setting PathSetting, value int) error

	Start() error
	Stop() error

	// ReturnFrame gives a processed frame back to the path after every
	// fan-out consumer has released it.
	ReturnFrame(id PathID, f Frame) error
}

// Fan-out consumer slots. Every per-path shared queue has exactly two
// consumers: the user-facing one and the muxer.
const (
	shareConsumerUser  = 0
	shareConsumerMuxer = 1
	shareConsumerCount = 2
)

// shareQueueDepth is the ring depth of every per-path fan-out.
const shareQueueDepth = 5

// Path is a consumer-facing lane of the pipeline with its own sink
// configuration and optional muxer. Create one with Engine.SetupPath.
//
// AcquireFrame and ReleaseFrame are not serialized against lifecycle calls
// by the engine; the caller is responsible for not racing them with
// Enable, Stop or Close.
type Path struct {
	eng  *Engine
	id   PathID
	sink SinkConfig

	muxCfg  *MuxerConfig
	overlay Overlay

	enabled       atomic.Bool
	runOnce       bool
	runFinished   atomic.Bool
	sinkDisabled  atomic.Bool
	audioDisabled atomic.Bool
	videoDisabled atomic.Bool

	muxerEnable  bool
	muxerStarted bool
	muxing       atomic.Bool
	muxerCurPTS  atomic.Uint32

	// qmu guards the queue pointers below; the queues themselves carry
	// their own locks.
	qmu        sync.RWMutex
	audioShare *ShareQueue
	videoShare *ShareQueue
	muxerMsgQ  *MsgQueue
	muxerByteQ *ByteQueue
	mux        muxer
}

// ID returns the path id.
func (p *Path) ID() PathID { return p.id }

// Sink returns the path's sink configuration.
func (p *Path) Sink() SinkConfig { return p.sink }

// hasAudio reports whether the path's sink consumes audio.
func (p *Path) hasAudio() bool { return p.sink.Audio.Codec != AudioCodecNone }

// hasVideo reports whether the path's sink consumes video.
func (p *Path) hasVideo() bool { return p.sink.Video.Codec != VideoCodecNone }

// wantsAudio reports whether the path currently pulls on the audio stream.
func (p *Path) wantsAudio() bool {
	return p.enabled.Load() && p.hasAudio() && !p.audioDisabled.Load()
}

// wantsVideo reports whether the path currently pulls on the video stream.
func (p *Path) wantsVideo() bool {
	return p.enabled.Load() && p.hasVideo() && !p.videoDisabled.Load()
}

// share returns the fan-out queue for a stream, or nil.
func (p *Path) share(stream StreamType) *ShareQueue {
	p.qmu.RLock()
	defer p.qmu.RUnlock()
	switch stream {
	case StreamTypeAudio:
		return p.audioShare
	case StreamTypeVideo:
		return p.videoShare
	default:
		return nil
	}
}
