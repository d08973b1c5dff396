// Core frame and format types used across the capture package.
package capture

// StreamType identifies which stream of a path a frame belongs to.
type StreamType uint8

const (
	StreamTypeAudio StreamType = 1 // Raw or encoded audio
	StreamTypeVideo StreamType = 2 // Raw or encoded video
	StreamTypeMuxer StreamType = 3 // Muxed container bytes

	// Command values ride the same queues as data frames. They carry a
	// zero-length payload and never collide with real stream ids.
	StreamTypeStartCmd StreamType = 0x10
	StreamTypeStopCmd  StreamType = 0x11
)

func (s StreamType) String() string {
	switch s {
	case StreamTypeAudio:
		return "audio"
	case StreamTypeVideo:
		return "video"
	case StreamTypeMuxer:
		return "muxer"
	case StreamTypeStartCmd:
		return "start"
	case StreamTypeStopCmd:
		return "stop"
	default:
		return "unknown"
	}
}

// isCommand reports whether the frame is a control sentinel rather than data.
func (s StreamType) isCommand() bool {
	return s == StreamTypeStartCmd || s == StreamTypeStopCmd
}

// AudioCodec identifies the audio payload format of a stream.
type AudioCodec int

const (
	AudioCodecNone AudioCodec = iota
	AudioCodecPCM             // Signed 16-bit little-endian PCM
	AudioCodecAAC             // AAC-LC access units
)

func (c AudioCodec) String() string {
	switch c {
	case AudioCodecPCM:
		return "PCM"
	case AudioCodecAAC:
		return "AAC"
	default:
		return "None"
	}
}

// VideoCodec identifies the video payload format of a stream.
type VideoCodec int

const (
	VideoCodecNone   VideoCodec = iota
	VideoCodecRGB565            // Raw RGB565, 2 bytes per pixel
	VideoCodecH264              // H.264 Annex B access units
	VideoCodecMJPEG             // One JPEG image per frame
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecRGB565:
		return "RGB565"
	case VideoCodecH264:
		return "H264"
	case VideoCodecMJPEG:
		return "MJPEG"
	default:
		return "None"
	}
}

// IsRaw reports whether frames of this codec are uncompressed pixels.
// The sync policy only ever drops raw video; encoded frames are never
// dropped because downstream decoders need every access unit.
func (c VideoCodec) IsRaw() bool {
	return c == VideoCodecRGB565
}

// ContainerType identifies a muxer output container.
type ContainerType int

const (
	ContainerNone ContainerType = iota
	ContainerMP4                // Fragmented MP4
	ContainerTS                 // MPEG transport stream
)

func (c ContainerType) String() string {
	switch c {
	case ContainerMP4:
		return "MP4"
	case ContainerTS:
		return "TS"
	default:
		return "None"
	}
}

// AudioInfo describes an audio stream format.
type AudioInfo struct {
	Codec         AudioCodec
	SampleRate    int // Hz
	BitsPerSample int
	Channels      int
}

// FrameBytes returns the byte size of sampleCount samples in this format.
func (a AudioInfo) FrameBytes(sampleCount int) int {
	return sampleCount * a.Channels * a.BitsPerSample / 8
}

// VideoInfo describes a video stream format.
type VideoInfo struct {
	Codec  VideoCodec
	Width  int
	Height int
	FPS    int
}

// Frame is the descriptor that flows through every queue in the engine.
// Data is a borrow: for source video frames it is owned by the source until
// released, for audio it aliases the byte-stream queue, and for processed
// frames it is owned by the process path until ReturnFrame.
type Frame struct {
	Stream StreamType
	Data   []byte
	PTS    uint32 // Presentation timestamp in milliseconds

	// seq identifies the frame inside a fan-out ring. Payload pointer
	// identity does not work for the zero-length fault sentinels, so the
	// ring stamps a monotonically increasing id at Add time instead.
	seq uint64
}
