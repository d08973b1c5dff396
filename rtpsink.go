package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pion/rtp"
)

// H264 NAL unit types relevant to packetization.
const (
	nalTypeFUA = 28 // Fragmentation Unit A
)

// RTPWriter receives the packets an RTPSink produces.
type RTPWriter interface {
	WriteRTP(pkt *rtp.Packet) error
}

// rtpPacketizer turns one frame payload into RTP packets.
type rtpPacketizer interface {
	packetize(data []byte, timestamp uint32) ([]*rtp.Packet, error)
}

// h264Packetizer fragments H.264 access units into single-NAL and FU-A
// packets. Input is Annex B.
type h264Packetizer struct {
	ssrc        uint32
	payloadType uint8
	mtu         int
	sequencer   rtp.Sequencer
}

func newH264Packetizer(ssrc uint32, payloadType uint8, mtu int) *h264Packetizer {
	if mtu <= 0 {
		mtu = 1200
	}
	return &h264Packetizer{
		ssrc:        ssrc,
		payloadType: payloadType,
		mtu:         mtu,
		sequencer:   rtp.NewRandomSequencer(),
	}
}

func (p *h264Packetizer) packetize(data []byte, timestamp uint32) ([]*rtp.Packet, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("no NAL units found in frame: %w", err)
	}

	var packets []*rtp.Packet
	for i, nalu := range au {
		isLast := i == len(au)-1
		if len(nalu) <= p.mtu-12 { // RTP header is 12 bytes
			packets = append(packets, &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					Marker:         isLast,
					PayloadType:    p.payloadType,
					SequenceNumber: p.sequencer.NextSequenceNumber(),
					Timestamp:      timestamp,
					SSRC:           p.ssrc,
				},
				Payload: nalu,
			})
			continue
		}
		packets = append(packets, p.fragment(nalu, timestamp, isLast)...)
	}
	return packets, nil
}

// fragment splits an oversized NAL unit into FU-A packets.
func (p *h264Packetizer) fragment(nalu []byte, timestamp uint32, isLastNALU bool) []*rtp.Packet {
	nalHeader := nalu[0]
	nalType := nalHeader & 0x1F
	nri := nalHeader & 0x60

	payload := nalu[1:]
	maxPayload := p.mtu - 12 - 2 // RTP header + FU indicator + FU header

	var packets []*rtp.Packet
	for offset := 0; offset < len(payload); {
		end := offset + maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		isStart := offset == 0
		isEnd := end == len(payload)

		fuHeader := nalType
		if isStart {
			fuHeader |= 0x80
		}
		if isEnd {
			fuHeader |= 0x40
		}

		pktPayload := make([]byte, 2+end-offset)
		pktPayload[0] = nri | nalTypeFUA
		pktPayload[1] = fuHeader
		copy(pktPayload[2:], payload[offset:end])

		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         isEnd && isLastNALU,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: pktPayload,
		})
		offset = end
	}
	return packets
}

// audioPacketizer sends one frame per packet, marker set.
type audioPacketizer struct {
	ssrc        uint32
	payloadType uint8
	sequencer   rtp.Sequencer
}

func (p *audioPacketizer) packetize(data []byte, timestamp uint32) ([]*rtp.Packet, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return []*rtp.Packet{{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    p.payloadType,
			SequenceNumber: p.sequencer.NextSequenceNumber(),
			Timestamp:      timestamp,
			SSRC:           p.ssrc,
		},
		Payload: data,
	}}, nil
}

// RTPSinkConfig configures an RTPSink.
type RTPSinkConfig struct {
	Stream      StreamType
	PayloadType uint8
	SSRC        uint32
	MTU         int // H.264 only, default 1200

	// ClockRate converts millisecond pts to RTP ticks. Defaults to 90000
	// for video and the sink's audio sample rate for audio.
	ClockRate uint32
}

// RTPSink drains one stream of a path's user-side queue and packetizes it
// to an RTPWriter. The caller enables the path and starts the engine; the
// sink only consumes.
type RTPSink struct {
	path *Path
	w    RTPWriter
	cfg  RTPSinkConfig
	pk   rtpPacketizer

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewRTPSink builds a sink for one stream of the path.
func NewRTPSink(p *Path, w RTPWriter, cfg RTPSinkConfig) (*RTPSink, error) {
	if p == nil || w == nil {
		return nil, ErrInvalidArg
	}

	var pk rtpPacketizer
	switch cfg.Stream {
	case StreamTypeVideo:
		if p.Sink().Video.Codec != VideoCodecH264 {
			return nil, fmt.Errorf("%w: rtp video needs H264, path has %v", ErrNotSupported, p.Sink().Video.Codec)
		}
		if cfg.ClockRate == 0 {
			cfg.ClockRate = 90000
		}
		pk = newH264Packetizer(cfg.SSRC, cfg.PayloadType, cfg.MTU)
	case StreamTypeAudio:
		if cfg.ClockRate == 0 {
			cfg.ClockRate = uint32(p.Sink().Audio.SampleRate)
		}
		if cfg.ClockRate == 0 {
			return nil, fmt.Errorf("%w: audio clock rate unknown", ErrInvalidArg)
		}
		pk = &audioPacketizer{
			ssrc:        cfg.SSRC,
			payloadType: cfg.PayloadType,
			sequencer:   rtp.NewRandomSequencer(),
		}
	default:
		return nil, fmt.Errorf("%w: stream %v", ErrNotSupported, cfg.Stream)
	}

	return &RTPSink{path: p, w: w, cfg: cfg, pk: pk}, nil
}

// Start begins draining the path.
func (s *RTPSink) Start() error {
	if s.running.Swap(true) {
		return ErrInvalidState
	}
	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop halts draining and waits for the worker.
func (s *RTPSink) Stop() error {
	if !s.running.Swap(false) {
		return ErrInvalidState
	}
	s.wg.Wait()
	return nil
}

func (s *RTPSink) loop() {
	defer s.wg.Done()
	for s.running.Load() {
		f, err := s.path.AcquireFrame(s.cfg.Stream, true)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				time.Sleep(copyPollInterval)
				continue
			}
			return
		}

		ts := uint32(uint64(f.PTS) * uint64(s.cfg.ClockRate) / 1000)
		packets, err := s.pk.packetize(f.Data, ts)
		if err != nil {
			s.path.ReleaseFrame(f)
			continue
		}
		// Packet payloads alias the frame, so the frame is released only
		// after the last write.
		werr := error(nil)
		for _, pkt := range packets {
			if werr = s.w.WriteRTP(pkt); werr != nil {
				break
			}
		}
		s.path.ReleaseFrame(f)
		if werr != nil {
			return
		}
	}
}
