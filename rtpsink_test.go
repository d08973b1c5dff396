package capture

import (
	"bytes"
	"errors"
	"testing"

	"github.com/pion/rtp"
)

type nullRTPWriter struct{}

func (nullRTPWriter) WriteRTP(*rtp.Packet) error { return nil }

func newTestSequencer() rtp.Sequencer { return rtp.NewFixedSequencer(100) }

func annexB(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = append(b, 0, 0, 0, 1)
		b = append(b, n...)
	}
	return b
}

func TestH264PacketizerSingleNALU(t *testing.T) {
	pk := newH264Packetizer(0x11223344, 96, 1200)

	sps := []byte{0x67, 0x42, 0x00, 0x1E}
	idr := append([]byte{0x65}, bytes.Repeat([]byte{0xAB}, 100)...)
	packets, err := pk.packetize(annexB(sps, idr), 9000)
	if err != nil {
		t.Fatalf("packetize: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2", len(packets))
	}

	if !bytes.Equal(packets[0].Payload, sps) {
		t.Error("packet 0 payload is not the SPS")
	}
	if !bytes.Equal(packets[1].Payload, idr) {
		t.Error("packet 1 payload is not the IDR slice")
	}
	if packets[0].Marker {
		t.Error("marker set before the last packet of the access unit")
	}
	if !packets[1].Marker {
		t.Error("marker missing on the last packet")
	}
	for i, pkt := range packets {
		if pkt.Timestamp != 9000 {
			t.Errorf("packet %d timestamp = %d, want 9000", i, pkt.Timestamp)
		}
		if pkt.SSRC != 0x11223344 {
			t.Errorf("packet %d ssrc = %#x", i, pkt.SSRC)
		}
		if pkt.PayloadType != 96 {
			t.Errorf("packet %d payload type = %d", i, pkt.PayloadType)
		}
	}
	if packets[1].SequenceNumber != packets[0].SequenceNumber+1 {
		t.Error("sequence numbers are not consecutive")
	}
}

func TestH264PacketizerFUA(t *testing.T) {
	const mtu = 1200
	pk := newH264Packetizer(1, 96, mtu)

	nalu := append([]byte{0x65}, bytes.Repeat([]byte{0xCD}, 3000)...)
	packets, err := pk.packetize(annexB(nalu), 0)
	if err != nil {
		t.Fatalf("packetize: %v", err)
	}
	if len(packets) < 2 {
		t.Fatalf("oversized NALU produced %d packets, want fragments", len(packets))
	}

	reassembled := []byte{0x65}
	for i, pkt := range packets {
		if len(pkt.Payload) > mtu-12 {
			t.Fatalf("fragment %d payload is %d bytes, above the MTU budget", i, len(pkt.Payload))
		}
		indicator, header := pkt.Payload[0], pkt.Payload[1]
		if indicator != 0x60|nalTypeFUA {
			t.Fatalf("fragment %d FU indicator = %#02x", i, indicator)
		}
		if header&0x1F != 0x05 {
			t.Fatalf("fragment %d carries NAL type %d, want 5", i, header&0x1F)
		}
		if got, want := header&0x80 != 0, i == 0; got != want {
			t.Errorf("fragment %d start bit = %v", i, got)
		}
		if got, want := header&0x40 != 0, i == len(packets)-1; got != want {
			t.Errorf("fragment %d end bit = %v", i, got)
		}
		if got, want := pkt.Marker, i == len(packets)-1; got != want {
			t.Errorf("fragment %d marker = %v", i, got)
		}
		reassembled = append(reassembled, pkt.Payload[2:]...)
	}
	if !bytes.Equal(reassembled, nalu) {
		t.Fatal("reassembled fragments do not match the original NALU")
	}
}

func TestAudioPacketizer(t *testing.T) {
	pk := &audioPacketizer{ssrc: 7, payloadType: 97, sequencer: newTestSequencer()}

	data := bytes.Repeat([]byte{0x42}, 320)
	packets, err := pk.packetize(data, 4800)
	if err != nil {
		t.Fatalf("packetize: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	pkt := packets[0]
	if !pkt.Marker {
		t.Error("audio packet without marker")
	}
	if pkt.Timestamp != 4800 || pkt.SSRC != 7 || pkt.PayloadType != 97 {
		t.Errorf("header = %+v", pkt.Header)
	}
	if !bytes.Equal(pkt.Payload, data) {
		t.Error("payload mismatch")
	}

	if empty, err := pk.packetize(nil, 0); err != nil || empty != nil {
		t.Errorf("packetize(nil) = %v, %v, want no packets", empty, err)
	}
}

func TestNewRTPSinkValidation(t *testing.T) {
	w := &nullRTPWriter{}

	rawPath := &Path{sink: SinkConfig{Video: VideoInfo{Codec: VideoCodecRGB565, Width: 320, Height: 240}}}
	if _, err := NewRTPSink(rawPath, w, RTPSinkConfig{Stream: StreamTypeVideo}); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("video sink on raw path = %v, want ErrNotSupported", err)
	}

	silentPath := &Path{sink: SinkConfig{Audio: AudioInfo{Codec: AudioCodecPCM}}}
	if _, err := NewRTPSink(silentPath, w, RTPSinkConfig{Stream: StreamTypeAudio}); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("audio sink with no clock rate = %v, want ErrInvalidArg", err)
	}

	if _, err := NewRTPSink(nil, w, RTPSinkConfig{}); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("nil path = %v, want ErrInvalidArg", err)
	}
	if _, err := NewRTPSink(rawPath, nil, RTPSinkConfig{}); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("nil writer = %v, want ErrInvalidArg", err)
	}

	h264Path := &Path{sink: SinkConfig{Video: VideoInfo{Codec: VideoCodecH264}}}
	if _, err := NewRTPSink(h264Path, w, RTPSinkConfig{Stream: StreamTypeVideo, PayloadType: 96}); err != nil {
		t.Fatalf("NewRTPSink(h264): %v", err)
	}
}

func TestNewTrackSinkValidation(t *testing.T) {
	rawPath := &Path{sink: SinkConfig{Video: VideoInfo{Codec: VideoCodecRGB565}}}
	if _, err := NewTrackSink(rawPath, StreamTypeVideo, "v", "s"); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("track sink on raw path = %v, want ErrNotSupported", err)
	}

	aacPath := &Path{sink: SinkConfig{Audio: AudioInfo{Codec: AudioCodecAAC, SampleRate: 48000, Channels: 2}}}
	if _, err := NewTrackSink(aacPath, StreamTypeAudio, "a", "s"); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("track sink on AAC path = %v, want ErrNotSupported", err)
	}

	h264Path := &Path{sink: SinkConfig{Video: VideoInfo{Codec: VideoCodecH264, Width: 640, Height: 480}}}
	ts, err := NewTrackSink(h264Path, StreamTypeVideo, "v", "s")
	if err != nil {
		t.Fatalf("NewTrackSink(h264): %v", err)
	}
	if ts.Track() == nil {
		t.Fatal("Track() is nil")
	}
}
