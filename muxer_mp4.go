package capture

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

const (
	mp4VideoTimeScale = 90000

	// mp4AudioFlushMS bounds part duration when the output has no video
	// track to cut on.
	mp4AudioFlushMS = 500
)

// mp4Track accumulates samples for one fragment. A sample's duration is
// only known once the next sample arrives, so the newest sample stays
// pending until then.
type mp4Track struct {
	id         int
	timeScale  uint32
	defaultDur uint32

	pending    *fmp4.Sample
	pendingDTS int64
	partStart  int64
	samples    []*fmp4.Sample
}

func (t *mp4Track) push(dts int64, s *fmp4.Sample) {
	if t.pending != nil {
		d := dts - t.pendingDTS
		if d <= 0 {
			d = int64(t.defaultDur)
		}
		t.pending.Duration = uint32(d)
		if len(t.samples) == 0 {
			t.partStart = t.pendingDTS
		}
		t.samples = append(t.samples, t.pending)
	}
	t.pending = s
	t.pendingDTS = dts
}

// finish moves the pending sample into the part with its default duration.
func (t *mp4Track) finish() {
	if t.pending == nil {
		return
	}
	t.pending.Duration = t.defaultDur
	if len(t.samples) == 0 {
		t.partStart = t.pendingDTS
	}
	t.samples = append(t.samples, t.pending)
	t.pending = nil
}

// mp4Muxer writes fragmented MP4. The init segment for a video track
// waits for SPS/PPS from the stream; parts are cut on IDR frames, or on a
// timer when the output is audio-only.
type mp4Muxer struct {
	sink *muxerSink

	audio *mp4Track
	video *mp4Track

	audioInfo AudioInfo
	sps, pps  []byte

	initDone     bool
	partSeq      uint32
	lastFlushDTS int64
}

func newMP4Muxer(sink *muxerSink, mask StreamMask, cfg SinkConfig) (*mp4Muxer, error) {
	m := &mp4Muxer{sink: sink, audioInfo: cfg.Audio}

	id := 1
	if mask.has(StreamTypeVideo) && cfg.Video.Codec == VideoCodecH264 {
		fps := cfg.Video.FPS
		if fps <= 0 {
			fps = 30
		}
		m.video = &mp4Track{
			id:         id,
			timeScale:  mp4VideoTimeScale,
			defaultDur: uint32(mp4VideoTimeScale / fps),
		}
		id++
	}
	if mask.has(StreamTypeAudio) && cfg.Audio.Codec == AudioCodecAAC {
		m.audio = &mp4Track{
			id:         id,
			timeScale:  uint32(cfg.Audio.SampleRate),
			defaultDur: mpeg4audio.SamplesPerAccessUnit,
		}
	}
	if m.audio == nil && m.video == nil {
		return nil, fmt.Errorf("%w: no muxable tracks", ErrInvalidArg)
	}

	// Audio-only output needs nothing from the stream to describe itself.
	if m.video == nil {
		if err := m.writeInit(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *mp4Muxer) writeInit() error {
	var tracks []*fmp4.InitTrack
	if m.video != nil {
		tracks = append(tracks, &fmp4.InitTrack{
			ID:        m.video.id,
			TimeScale: m.video.timeScale,
			Codec:     &mp4.CodecH264{SPS: m.sps, PPS: m.pps},
		})
	}
	if m.audio != nil {
		tracks = append(tracks, &fmp4.InitTrack{
			ID:        m.audio.id,
			TimeScale: m.audio.timeScale,
			Codec: &mp4.CodecMPEG4Audio{
				Config: mpeg4audio.Config{
					Type:         mpeg4audio.ObjectTypeAACLC,
					SampleRate:   m.audioInfo.SampleRate,
					ChannelCount: m.audioInfo.Channels,
				},
			},
		})
	}

	init := &fmp4.Init{Tracks: tracks}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return err
	}
	_, err := m.sink.Write(buf.Bytes())
	if err == nil {
		m.initDone = true
	}
	return err
}

func (m *mp4Muxer) flushPart() error {
	var parts []*fmp4.PartTrack
	for _, t := range []*mp4Track{m.video, m.audio} {
		if t == nil || len(t.samples) == 0 {
			continue
		}
		parts = append(parts, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: uint64(t.partStart),
			Samples:  t.samples,
		})
		t.samples = nil
	}
	if len(parts) == 0 {
		return nil
	}

	part := &fmp4.Part{SequenceNumber: m.partSeq, Tracks: parts}
	m.partSeq++
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return err
	}
	_, err := m.sink.Write(buf.Bytes())
	return err
}

func (m *mp4Muxer) writeFrame(f Frame) error {
	m.sink.setPTS(f.PTS)

	switch f.Stream {
	case StreamTypeAudio:
		if m.audio == nil || !m.initDone {
			return nil
		}
		dts := int64(f.PTS) * int64(m.audio.timeScale) / 1000
		// The sample stays pending after the frame is released, so the
		// payload must not alias the frame buffer.
		m.audio.push(dts, &fmp4.Sample{Payload: append([]byte(nil), f.Data...)})

		// No video track: cut parts on elapsed time instead of IDRs.
		if m.video == nil && int64(f.PTS)-m.lastFlushDTS >= mp4AudioFlushMS {
			m.lastFlushDTS = int64(f.PTS)
			if err := m.flushPart(); err != nil {
				return err
			}
			if m.sink.rotate() {
				return m.writeInit()
			}
		}
		return nil

	case StreamTypeVideo:
		if m.video == nil {
			return nil
		}
		var au h264.AnnexB
		if err := au.Unmarshal(f.Data); err != nil {
			return fmt.Errorf("parse access unit: %w", err)
		}
		for _, nalu := range au {
			switch h264.NALUType(nalu[0] & 0x1F) {
			case h264.NALUTypeSPS:
				m.sps = nalu
			case h264.NALUTypePPS:
				m.pps = nalu
			}
		}
		idr := h264.IsRandomAccess(au)

		if !m.initDone {
			if m.sps == nil || m.pps == nil || !idr {
				// Cannot describe the track yet; wait for the first
				// parameter sets.
				return nil
			}
			if err := m.writeInit(); err != nil {
				return err
			}
		}

		if idr {
			if err := m.flushPart(); err != nil {
				return err
			}
			if m.sink.rotate() {
				if err := m.writeInit(); err != nil {
					return err
				}
			}
		}

		avcc := h264.AVCC(au)
		payload, err := avcc.Marshal()
		if err != nil {
			return err
		}
		dts := int64(f.PTS) * int64(m.video.timeScale) / 1000
		m.video.push(dts, &fmp4.Sample{
			IsNonSyncSample: !idr,
			Payload:         payload,
		})
		return nil
	}
	return nil
}

func (m *mp4Muxer) close() error {
	if m.video != nil {
		m.video.finish()
	}
	if m.audio != nil {
		m.audio.finish()
	}
	if m.initDone {
		if err := m.flushPart(); err != nil {
			m.sink.close()
			return err
		}
	}
	return m.sink.close()
}
