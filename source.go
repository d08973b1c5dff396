package capture

import (
	"fmt"
	"sync"
)

// AudioSource produces raw audio. The engine pulls with copy: ReadFrame
// fills a caller-owned buffer with exactly one frame of samples.
type AudioSource interface {
	// Open prepares the device. Called once by Engine Open.
	Open() error

	// Close releases the device. Called once by Engine Close.
	Close() error

	// NegotiateCaps asks the source for a format compatible with wanted.
	// The returned format is what the source will actually produce.
	NegotiateCaps(wanted AudioInfo) (AudioInfo, error)

	// Start begins capture.
	Start() error

	// Stop halts capture. A blocked ReadFrame must return after Stop.
	Stop() error

	// ReadFrame reads the next frame of samples into buf (blocking) and
	// returns the number of bytes written.
	ReadFrame(buf []byte) (int, error)
}

// VideoSource produces raw or encoded video frames. Frames are borrows:
// the payload belongs to the source until ReleaseFrame is called, which
// only happens after every fan-out consumer has released it.
type VideoSource interface {
	Open() error
	Close() error

	// NegotiateCaps asks the source for a format compatible with wanted.
	NegotiateCaps(wanted VideoInfo) (VideoInfo, error)

	Start() error

	// Stop halts capture. A blocked AcquireFrame must return after Stop.
	Stop() error

	// AcquireFrame borrows the next frame's payload (blocking).
	AcquireFrame() ([]byte, error)

	// ReleaseFrame returns a borrowed payload to the source.
	ReleaseFrame(data []byte) error
}

// AudioSourceFactory creates an audio source from a configuration value.
type AudioSourceFactory func(config interface{}) (AudioSource, error)

// VideoSourceFactory creates a video source from a configuration value.
type VideoSourceFactory func(config interface{}) (VideoSource, error)

type sourceRegistry struct {
	audioFactories map[string]AudioSourceFactory
	videoFactories map[string]VideoSourceFactory
	mu             sync.RWMutex
}

var globalSourceRegistry = &sourceRegistry{
	audioFactories: make(map[string]AudioSourceFactory),
	videoFactories: make(map[string]VideoSourceFactory),
}

// RegisterAudioSource registers an audio source factory under a name.
func RegisterAudioSource(name string, factory AudioSourceFactory) {
	globalSourceRegistry.mu.Lock()
	defer globalSourceRegistry.mu.Unlock()
	globalSourceRegistry.audioFactories[name] = factory
}

// RegisterVideoSource registers a video source factory under a name.
func RegisterVideoSource(name string, factory VideoSourceFactory) {
	globalSourceRegistry.mu.Lock()
	defer globalSourceRegistry.mu.Unlock()
	globalSourceRegistry.videoFactories[name] = factory
}

// CreateAudioSource creates a registered audio source by name.
func CreateAudioSource(name string, config interface{}) (AudioSource, error) {
	globalSourceRegistry.mu.RLock()
	factory, ok := globalSourceRegistry.audioFactories[name]
	globalSourceRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: audio source %q", ErrNotFound, name)
	}
	return factory(config)
}

// CreateVideoSource creates a registered video source by name.
func CreateVideoSource(name string, config interface{}) (VideoSource, error) {
	globalSourceRegistry.mu.RLock()
	factory, ok := globalSourceRegistry.videoFactories[name]
	globalSourceRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: video source %q", ErrNotFound, name)
	}
	return factory(config)
}

// AvailableAudioSources returns the registered audio source names.
func AvailableAudioSources() []string {
	globalSourceRegistry.mu.RLock()
	defer globalSourceRegistry.mu.RUnlock()

	names := make([]string, 0, len(globalSourceRegistry.audioFactories))
	for n := range globalSourceRegistry.audioFactories {
		names = append(names, n)
	}
	return names
}

// AvailableVideoSources returns the registered video source names.
func AvailableVideoSources() []string {
	globalSourceRegistry.mu.RLock()
	defer globalSourceRegistry.mu.RUnlock()

	names := make([]string, 0, len(globalSourceRegistry.videoFactories))
	for n := range globalSourceRegistry.videoFactories {
		names = append(names, n)
	}
	return names
}
