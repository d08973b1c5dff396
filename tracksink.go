package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// TrackSink drains one stream of a path into a pion sample track, suitable
// for handing to a PeerConnection with AddTrack.
type TrackSink struct {
	path   *Path
	stream StreamType
	track  *webrtc.TrackLocalStaticSample

	running atomic.Bool
	wg      sync.WaitGroup
	lastPTS int64
}

// NewTrackSink builds a sample track for the path's audio or video stream.
func NewTrackSink(p *Path, stream StreamType, id, streamID string) (*TrackSink, error) {
	if p == nil {
		return nil, ErrInvalidArg
	}

	var capability webrtc.RTPCodecCapability
	switch stream {
	case StreamTypeVideo:
		if p.Sink().Video.Codec != VideoCodecH264 {
			return nil, fmt.Errorf("%w: track video needs H264, path has %v", ErrNotSupported, p.Sink().Video.Codec)
		}
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}
	case StreamTypeAudio:
		a := p.Sink().Audio
		capability = webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: uint32(a.SampleRate),
			Channels:  uint16(a.Channels),
		}
		if a.Codec == AudioCodecAAC {
			return nil, fmt.Errorf("%w: webrtc carries no AAC", ErrNotSupported)
		}
	default:
		return nil, fmt.Errorf("%w: stream %v", ErrNotSupported, stream)
	}

	track, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create track: %w", err)
	}
	return &TrackSink{path: p, stream: stream, track: track}, nil
}

// Track returns the underlying pion track.
func (s *TrackSink) Track() *webrtc.TrackLocalStaticSample { return s.track }

// Start begins draining the path into the track.
func (s *TrackSink) Start() error {
	if s.running.Swap(true) {
		return ErrInvalidState
	}
	s.lastPTS = -1
	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop halts draining and waits for the worker.
func (s *TrackSink) Stop() error {
	if !s.running.Swap(false) {
		return ErrInvalidState
	}
	s.wg.Wait()
	return nil
}

func (s *TrackSink) loop() {
	defer s.wg.Done()
	for s.running.Load() {
		f, err := s.path.AcquireFrame(s.stream, true)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				time.Sleep(copyPollInterval)
				continue
			}
			return
		}

		// Sample duration comes from pts deltas; the first frame gets
		// a nominal one.
		dur := 20 * time.Millisecond
		if s.lastPTS >= 0 && int64(f.PTS) > s.lastPTS {
			dur = time.Duration(int64(f.PTS)-s.lastPTS) * time.Millisecond
		}
		s.lastPTS = int64(f.PTS)

		werr := s.track.WriteSample(media.Sample{Data: f.Data, Duration: dur})
		s.path.ReleaseFrame(f)
		if werr != nil {
			return
		}
	}
}
