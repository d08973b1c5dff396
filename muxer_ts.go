package capture

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// tsMuxer wraps mediacommon's MPEG-TS writer. Frames carry millisecond
// pts; the TS clock runs at 90 kHz.
type tsMuxer struct {
	sink *muxerSink

	audioTrack *mpegts.Track
	videoTrack *mpegts.Track
	w          *mpegts.Writer
}

func newTSMuxer(sink *muxerSink, mask StreamMask, cfg SinkConfig) (*tsMuxer, error) {
	m := &tsMuxer{sink: sink}

	var tracks []*mpegts.Track
	if mask.has(StreamTypeVideo) && cfg.Video.Codec == VideoCodecH264 {
		m.videoTrack = &mpegts.Track{Codec: &mpegts.CodecH264{}}
		tracks = append(tracks, m.videoTrack)
	}
	if mask.has(StreamTypeAudio) && cfg.Audio.Codec == AudioCodecAAC {
		m.audioTrack = &mpegts.Track{Codec: &mpegts.CodecMPEG4Audio{
			Config: mpeg4audio.Config{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   cfg.Audio.SampleRate,
				ChannelCount: cfg.Audio.Channels,
			},
		}}
		tracks = append(tracks, m.audioTrack)
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no muxable tracks", ErrInvalidArg)
	}

	if err := m.newWriter(tracks); err != nil {
		return nil, err
	}
	return m, nil
}

// newWriter (re)creates the TS writer so a fresh slice starts with its own
// PAT/PMT.
func (m *tsMuxer) newWriter(tracks []*mpegts.Track) error {
	w := &mpegts.Writer{W: m.sink, Tracks: tracks}
	if err := w.Initialize(); err != nil {
		return err
	}
	m.w = w
	return nil
}

func (m *tsMuxer) tracks() []*mpegts.Track {
	var tracks []*mpegts.Track
	if m.videoTrack != nil {
		tracks = append(tracks, m.videoTrack)
	}
	if m.audioTrack != nil {
		tracks = append(tracks, m.audioTrack)
	}
	return tracks
}

func (m *tsMuxer) writeFrame(f Frame) error {
	m.sink.setPTS(f.PTS)
	pts := int64(f.PTS) * 90

	switch f.Stream {
	case StreamTypeAudio:
		if m.audioTrack == nil {
			return nil
		}
		// Audio-only output rotates on any frame.
		if m.videoTrack == nil && m.sink.rotate() {
			if err := m.newWriter(m.tracks()); err != nil {
				return err
			}
		}
		return m.w.WriteMPEG4Audio(m.audioTrack, pts, [][]byte{f.Data})

	case StreamTypeVideo:
		if m.videoTrack == nil {
			return nil
		}
		var au h264.AnnexB
		if err := au.Unmarshal(f.Data); err != nil {
			return fmt.Errorf("parse access unit: %w", err)
		}
		if h264.IsRandomAccess(au) && m.sink.rotate() {
			if err := m.newWriter(m.tracks()); err != nil {
				return err
			}
		}
		return m.w.WriteH264(m.videoTrack, pts, pts, au)
	}
	return nil
}

func (m *tsMuxer) close() error {
	return m.sink.close()
}
