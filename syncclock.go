package capture

import (
	"sync/atomic"
	"time"
)

// SyncMode selects what drives the presentation clock.
type SyncMode int

const (
	SyncModeNone   SyncMode = iota // No clock; timestamps pass through
	SyncModeAudio                  // Audio pts updates are authoritative
	SyncModeSystem                 // Clock free-runs from the monotonic timer
)

func (m SyncMode) String() string {
	switch m {
	case SyncModeAudio:
		return "audio"
	case SyncModeSystem:
		return "system"
	default:
		return "none"
	}
}

// SyncTolerance is the window, in milliseconds, within which a stream's
// computed pts is left untouched by the clock.
const SyncTolerance = 100

// SyncClock returns a monotonically advancing presentation timestamp in
// milliseconds. It is lock-free: the audio source worker is the only
// writer, and readers tolerate a stale pair of update values.
type SyncClock struct {
	mode    SyncMode
	started atomic.Bool
	lastPTS atomic.Int64 // ms at last update
	lastAt  atomic.Int64 // monotonic ns at last update
	base    time.Time
}

// NewSyncClock creates a clock for the given mode.
func NewSyncClock(mode SyncMode) *SyncClock {
	return &SyncClock{base: time.Now(), mode: mode}
}

// Mode returns the configured sync mode.
func (c *SyncClock) Mode() SyncMode { return c.mode }

// Enabled reports whether the clock participates in pts correction.
func (c *SyncClock) Enabled() bool { return c.mode != SyncModeNone }

// Start zeroes the clock and begins advancing it.
func (c *SyncClock) Start() {
	c.lastPTS.Store(0)
	c.lastAt.Store(c.monotonic())
	c.started.Store(true)
}

// Stop freezes the clock.
func (c *SyncClock) Stop() {
	c.started.Store(false)
}

// Now returns last-update pts plus the time elapsed since that update.
func (c *SyncClock) Now() int64 {
	if c.mode == SyncModeNone || !c.started.Load() {
		return 0
	}
	elapsed := (c.monotonic() - c.lastAt.Load()) / int64(time.Millisecond)
	return c.lastPTS.Load() + elapsed
}

// AudioUpdate feeds an audio pts into the clock. It only takes effect in
// SyncModeAudio.
func (c *SyncClock) AudioUpdate(pts uint32) {
	if c.mode != SyncModeAudio || !c.started.Load() {
		return
	}
	c.lastAt.Store(c.monotonic())
	c.lastPTS.Store(int64(pts))
}

func (c *SyncClock) monotonic() int64 {
	return int64(time.Since(c.base))
}
