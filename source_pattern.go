package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

func init() {
	RegisterVideoSource("pattern", func(config interface{}) (VideoSource, error) {
		cfg, _ := config.(PatternConfig)
		return NewPatternVideoSource(cfg), nil
	})
	RegisterAudioSource("tone", func(config interface{}) (AudioSource, error) {
		cfg, _ := config.(ToneConfig)
		return NewToneAudioSource(cfg), nil
	})
}

// PatternType selects what a PatternVideoSource draws.
type PatternType int

const (
	PatternColorBars PatternType = iota
	PatternMovingBox
	PatternSolid
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternMovingBox:
		return "MovingBox"
	case PatternSolid:
		return "Solid"
	default:
		return "Unknown"
	}
}

// PatternConfig configures a synthetic video source.
type PatternConfig struct {
	Width   int         // default 320
	Height  int         // default 240
	FPS     int         // default 30
	Pattern PatternType // default ColorBars

	// Solid pattern color.
	Color uint16
}

// patternBars are the classic bar colors in RGB565.
var patternBars = []uint16{
	ColorWhite, ColorYellow, ColorCyan, ColorGreen,
	ColorMagenta, ColorRed, ColorBlue, ColorBlack,
}

// PatternVideoSource generates RGB565 test frames at a fixed rate.
// AcquireFrame blocks until the next frame is due; payloads are recycled
// through ReleaseFrame.
type PatternVideoSource struct {
	config PatternConfig

	frameBytes int
	frameDur   time.Duration
	frameCount uint64
	startTime  time.Time

	mu      sync.Mutex
	free    [][]byte
	opened  bool
	running atomic.Bool
	stopCh  chan struct{}
}

// NewPatternVideoSource creates a test pattern video source.
func NewPatternVideoSource(config PatternConfig) *PatternVideoSource {
	if config.Width <= 0 {
		config.Width = 320
	}
	if config.Height <= 0 {
		config.Height = 240
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}
	return &PatternVideoSource{config: config}
}

func (s *PatternVideoSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return ErrInvalidState
	}
	s.frameBytes = s.config.Width * s.config.Height * 2
	s.frameDur = time.Second / time.Duration(s.config.FPS)
	s.opened = true
	return nil
}

func (s *PatternVideoSource) Close() error {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = nil
	s.opened = false
	return nil
}

func (s *PatternVideoSource) NegotiateCaps(wanted VideoInfo) (VideoInfo, error) {
	if wanted.Codec != VideoCodecNone && wanted.Codec != VideoCodecRGB565 {
		return VideoInfo{}, fmt.Errorf("%w: pattern source produces RGB565, not %v", ErrNotSupported, wanted.Codec)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if wanted.Width > 0 && wanted.Height > 0 {
		s.config.Width = wanted.Width
		s.config.Height = wanted.Height
	}
	if wanted.FPS > 0 {
		s.config.FPS = wanted.FPS
	}
	s.frameBytes = s.config.Width * s.config.Height * 2
	s.frameDur = time.Second / time.Duration(s.config.FPS)
	return VideoInfo{
		Codec:  VideoCodecRGB565,
		Width:  s.config.Width,
		Height: s.config.Height,
		FPS:    s.config.FPS,
	}, nil
}

func (s *PatternVideoSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return ErrInvalidState
	}
	if s.running.Load() {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.frameCount = 0
	s.startTime = time.Now()
	s.running.Store(true)
	return nil
}

func (s *PatternVideoSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Swap(false) {
		return nil
	}
	close(s.stopCh)
	return nil
}

func (s *PatternVideoSource) AcquireFrame() ([]byte, error) {
	if !s.running.Load() {
		return nil, ErrInvalidState
	}

	s.mu.Lock()
	n := s.frameCount
	s.frameCount++
	stopCh := s.stopCh
	s.mu.Unlock()

	// Pace to the frame grid; a stop while waiting aborts the acquire.
	due := s.startTime.Add(time.Duration(n) * s.frameDur)
	if wait := time.Until(due); wait > 0 {
		select {
		case <-time.After(wait):
		case <-stopCh:
			return nil, ErrInvalidState
		}
	}

	buf := s.takeBuffer()
	s.render(buf, n)
	return buf, nil
}

func (s *PatternVideoSource) ReleaseFrame(data []byte) error {
	if data == nil {
		return ErrInvalidArg
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cap(data) == s.frameBytes {
		s.free = append(s.free, data[:s.frameBytes])
	}
	return nil
}

func (s *PatternVideoSource) takeBuffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.free); n > 0 {
		buf := s.free[n-1]
		s.free = s.free[:n-1]
		return buf
	}
	return make([]byte, s.frameBytes)
}

func (s *PatternVideoSource) render(buf []byte, frame uint64) {
	w, h := s.config.Width, s.config.Height
	switch s.config.Pattern {
	case PatternSolid:
		for i := 0; i < len(buf); i += 2 {
			binary.LittleEndian.PutUint16(buf[i:], s.config.Color)
		}
	case PatternMovingBox:
		for i := 0; i < len(buf); i += 2 {
			binary.LittleEndian.PutUint16(buf[i:], ColorBlack)
		}
		box := h / 4
		if box < 1 {
			box = 1
		}
		x0 := int(frame*4) % (w - box + 1)
		y0 := (h - box) / 2
		for y := y0; y < y0+box; y++ {
			for x := x0; x < x0+box; x++ {
				binary.LittleEndian.PutUint16(buf[(y*w+x)*2:], ColorWhite)
			}
		}
	default: // color bars
		barW := w / len(patternBars)
		if barW < 1 {
			barW = 1
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				bar := x / barW
				if bar >= len(patternBars) {
					bar = len(patternBars) - 1
				}
				binary.LittleEndian.PutUint16(buf[(y*w+x)*2:], patternBars[bar])
			}
		}
	}
}

// ToneConfig configures a synthetic audio source.
type ToneConfig struct {
	SampleRate int     // default 16000
	Channels   int     // default 1
	Frequency  float64 // Hz; 0 means silence
	Amplitude  float64 // 0..1, default 0.5
}

// ToneAudioSource produces S16LE PCM of a sine tone (or silence) paced to
// real time. ReadFrame blocks until the requested frame's samples are due.
type ToneAudioSource struct {
	config ToneConfig

	mu        sync.Mutex
	opened    bool
	running   atomic.Bool
	stopCh    chan struct{}
	samples   uint64
	startTime time.Time
	phase     float64
}

// NewToneAudioSource creates a tone audio source.
func NewToneAudioSource(config ToneConfig) *ToneAudioSource {
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}
	if config.Channels <= 0 {
		config.Channels = 1
	}
	if config.Amplitude <= 0 || config.Amplitude > 1 {
		config.Amplitude = 0.5
	}
	return &ToneAudioSource{config: config}
}

func (s *ToneAudioSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return ErrInvalidState
	}
	s.opened = true
	return nil
}

func (s *ToneAudioSource) Close() error {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return nil
}

func (s *ToneAudioSource) NegotiateCaps(wanted AudioInfo) (AudioInfo, error) {
	if wanted.Codec != AudioCodecNone && wanted.Codec != AudioCodecPCM {
		return AudioInfo{}, fmt.Errorf("%w: tone source produces PCM, not %v", ErrNotSupported, wanted.Codec)
	}
	if wanted.BitsPerSample != 0 && wanted.BitsPerSample != 16 {
		return AudioInfo{}, fmt.Errorf("%w: %d bits per sample", ErrNotSupported, wanted.BitsPerSample)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if wanted.SampleRate > 0 {
		s.config.SampleRate = wanted.SampleRate
	}
	if wanted.Channels > 0 {
		s.config.Channels = wanted.Channels
	}
	return AudioInfo{
		Codec:         AudioCodecPCM,
		SampleRate:    s.config.SampleRate,
		BitsPerSample: 16,
		Channels:      s.config.Channels,
	}, nil
}

func (s *ToneAudioSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return ErrInvalidState
	}
	if s.running.Load() {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.samples = 0
	s.phase = 0
	s.startTime = time.Now()
	s.running.Store(true)
	return nil
}

func (s *ToneAudioSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Swap(false) {
		return nil
	}
	close(s.stopCh)
	return nil
}

func (s *ToneAudioSource) ReadFrame(buf []byte) (int, error) {
	if !s.running.Load() {
		return 0, ErrInvalidState
	}

	bytesPerSample := 2 * s.config.Channels
	n := len(buf) / bytesPerSample
	if n == 0 {
		return 0, fmt.Errorf("%w: buffer below one sample", ErrInvalidArg)
	}

	s.mu.Lock()
	first := s.samples
	s.samples += uint64(n)
	stopCh := s.stopCh
	phase := s.phase
	step := 2 * math.Pi * s.config.Frequency / float64(s.config.SampleRate)
	s.phase = math.Mod(phase+step*float64(n), 2*math.Pi)
	s.mu.Unlock()

	// Pace against the sample clock so a frame is handed out no earlier
	// than its real-time position.
	due := s.startTime.Add(time.Duration(first+uint64(n)) * time.Second / time.Duration(s.config.SampleRate))
	if wait := time.Until(due); wait > 0 {
		select {
		case <-time.After(wait):
		case <-stopCh:
			return 0, ErrInvalidState
		}
	}

	amp := s.config.Amplitude * 32767
	for i := 0; i < n; i++ {
		var v int16
		if s.config.Frequency > 0 {
			v = int16(amp * math.Sin(phase+step*float64(i)))
		}
		for ch := 0; ch < s.config.Channels; ch++ {
			binary.LittleEndian.PutUint16(buf[(i*s.config.Channels+ch)*2:], uint16(v))
		}
	}
	return n * bytesPerSample, nil
}
