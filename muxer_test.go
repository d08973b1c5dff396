package capture

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestValidateMuxerConfig(t *testing.T) {
	aac := AudioInfo{Codec: AudioCodecAAC, SampleRate: 48000, BitsPerSample: 16, Channels: 2}
	pcm := AudioInfo{Codec: AudioCodecPCM, SampleRate: 16000, BitsPerSample: 16, Channels: 1}
	h264 := VideoInfo{Codec: VideoCodecH264, Width: 640, Height: 480, FPS: 30}
	raw := VideoInfo{Codec: VideoCodecRGB565, Width: 320, Height: 240, FPS: 10}

	sliceOut := func(int) (io.WriteCloser, error) { return nopWriteCloser{}, nil }

	tests := []struct {
		name    string
		cfg     MuxerConfig
		sink    SinkConfig
		wantErr error
	}{
		{
			name:    "ts with aac and h264",
			cfg:     MuxerConfig{Container: ContainerTS, StreamData: true},
			sink:    SinkConfig{Audio: aac, Video: h264},
			wantErr: nil,
		},
		{
			name:    "mp4 with slice output",
			cfg:     MuxerConfig{Container: ContainerMP4, SlicePattern: sliceOut},
			sink:    SinkConfig{Audio: aac},
			wantErr: nil,
		},
		{
			name:    "no container",
			cfg:     MuxerConfig{StreamData: true},
			sink:    SinkConfig{Audio: aac},
			wantErr: ErrInvalidArg,
		},
		{
			name:    "no output at all",
			cfg:     MuxerConfig{Container: ContainerTS},
			sink:    SinkConfig{Audio: aac},
			wantErr: ErrInvalidArg,
		},
		{
			name:    "pcm audio rejected",
			cfg:     MuxerConfig{Container: ContainerTS, StreamData: true},
			sink:    SinkConfig{Audio: pcm},
			wantErr: ErrNotSupported,
		},
		{
			name:    "raw video rejected",
			cfg:     MuxerConfig{Container: ContainerMP4, StreamData: true},
			sink:    SinkConfig{Video: raw},
			wantErr: ErrNotSupported,
		},
		{
			name:    "pcm allowed when masked out",
			cfg:     MuxerConfig{Container: ContainerTS, StreamData: true, Streams: StreamMaskVideo},
			sink:    SinkConfig{Audio: pcm, Video: h264},
			wantErr: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateMuxerConfig(tt.cfg, tt.sink)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("validateMuxerConfig: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("validateMuxerConfig = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

// sliceRecorder hands out buffer-backed slice writers and remembers them.
type sliceRecorder struct {
	slices []*bytes.Buffer
	closed []bool
}

func (r *sliceRecorder) pattern(seq int) (io.WriteCloser, error) {
	buf := &bytes.Buffer{}
	r.slices = append(r.slices, buf)
	r.closed = append(r.closed, false)
	i := len(r.closed) - 1
	return &sliceWriter{buf: buf, closed: &r.closed[i]}, nil
}

type sliceWriter struct {
	buf    *bytes.Buffer
	closed *bool
}

func (w *sliceWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *sliceWriter) Close() error                { *w.closed = true; return nil }

func TestMuxerExitBitsPerPath(t *testing.T) {
	ev := newEventBits()

	ev.set(evMuxerExited(0))
	if ev.wait(evMuxerExited(1), 50*time.Millisecond) {
		t.Fatal("path 1 stop wait was satisfied by path 0's muxer exit")
	}

	ev.set(evMuxerExited(1))
	if !ev.wait(evMuxerExited(1), time.Second) {
		t.Fatal("path 1 exit bit was set but never observed")
	}
}

func testMuxerPath() *Path {
	p := &Path{eng: &Engine{log: zerolog.Nop()}}
	p.enabled.Store(true)
	return p
}

func TestMuxerSinkSliceRotation(t *testing.T) {
	rec := &sliceRecorder{}
	p := testMuxerPath()
	sink := newMuxerSink(p, MuxerConfig{
		Container:     ContainerTS,
		SlicePattern:  rec.pattern,
		SliceDuration: 100 * time.Millisecond,
	})

	sink.setPTS(0)
	if rotated := sink.rotate(); rotated {
		t.Fatal("rotate() before the first write reported a boundary")
	}
	sink.Write([]byte("slice zero"))

	// Inside the slice duration nothing rotates.
	sink.setPTS(50)
	if sink.rotate() {
		t.Fatal("rotate() inside the slice duration")
	}
	sink.Write([]byte(" more"))

	sink.setPTS(150)
	if !sink.rotate() {
		t.Fatal("rotate() at 150 ms with 100 ms slices did not rotate")
	}
	sink.Write([]byte("slice one"))
	sink.close()

	if len(rec.slices) != 2 {
		t.Fatalf("created %d slices, want 2", len(rec.slices))
	}
	if got := rec.slices[0].String(); got != "slice zero more" {
		t.Errorf("slice 0 = %q", got)
	}
	if got := rec.slices[1].String(); got != "slice one" {
		t.Errorf("slice 1 = %q", got)
	}
	for i, closed := range rec.closed {
		if !closed {
			t.Errorf("slice %d was never closed", i)
		}
	}
}

func TestMuxerSinkStreamData(t *testing.T) {
	p := testMuxerPath()
	p.muxerByteQ = NewByteQueue(4096)
	defer p.muxerByteQ.Destroy()

	sink := newMuxerSink(p, MuxerConfig{Container: ContainerTS, StreamData: true})
	sink.setPTS(1234)
	payload := []byte("container bytes")
	if _, err := sink.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := p.AcquireFrame(StreamTypeMuxer, true)
	if err != nil {
		t.Fatalf("AcquireFrame(muxer): %v", err)
	}
	if f.PTS != 1234 {
		t.Errorf("record pts = %d, want 1234", f.PTS)
	}
	if !bytes.Equal(f.Data, payload) {
		t.Errorf("record payload = %q, want %q", f.Data, payload)
	}
	if err := p.ReleaseFrame(f); err != nil {
		t.Fatalf("ReleaseFrame: %v", err)
	}
}

func collectMuxerOutput(t *testing.T, p *Path) []byte {
	t.Helper()
	var out bytes.Buffer
	for {
		f, err := p.AcquireFrame(StreamTypeMuxer, true)
		if errors.Is(err, ErrNotFound) {
			return out.Bytes()
		}
		if err != nil {
			t.Fatalf("AcquireFrame(muxer): %v", err)
		}
		out.Write(f.Data)
		p.ReleaseFrame(f)
	}
}

func TestTSMuxerAudioOnlyOutput(t *testing.T) {
	p := testMuxerPath()
	p.muxerByteQ = NewByteQueue(256 * 1024)
	defer p.muxerByteQ.Destroy()

	sink := newMuxerSink(p, MuxerConfig{Container: ContainerTS, StreamData: true})
	cfg := SinkConfig{Audio: AudioInfo{Codec: AudioCodecAAC, SampleRate: 48000, BitsPerSample: 16, Channels: 2}}
	m, err := newTSMuxer(sink, StreamMaskAudio, cfg)
	if err != nil {
		t.Fatalf("newTSMuxer: %v", err)
	}

	au := bytes.Repeat([]byte{0x5A}, 256)
	for i := 0; i < 10; i++ {
		f := Frame{Stream: StreamTypeAudio, Data: au, PTS: uint32(i * 20)}
		if err := m.writeFrame(f); err != nil {
			t.Fatalf("writeFrame(%d): %v", i, err)
		}
	}
	if err := m.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out := collectMuxerOutput(t, p)
	if len(out) == 0 {
		t.Fatal("TS muxer produced no output")
	}
	if len(out)%188 != 0 {
		t.Fatalf("TS output is %d bytes, not a multiple of 188", len(out))
	}
	for i := 0; i < len(out); i += 188 {
		if out[i] != 0x47 {
			t.Fatalf("packet at offset %d lacks the 0x47 sync byte", i)
		}
	}
}

func TestMP4MuxerAudioOnlyOutput(t *testing.T) {
	p := testMuxerPath()
	p.muxerByteQ = NewByteQueue(256 * 1024)
	defer p.muxerByteQ.Destroy()

	sink := newMuxerSink(p, MuxerConfig{Container: ContainerMP4, StreamData: true})
	cfg := SinkConfig{Audio: AudioInfo{Codec: AudioCodecAAC, SampleRate: 48000, BitsPerSample: 16, Channels: 2}}
	m, err := newMP4Muxer(sink, StreamMaskAudio, cfg)
	if err != nil {
		t.Fatalf("newMP4Muxer: %v", err)
	}

	first := bytes.Repeat([]byte{0xA7}, 128)
	if err := m.writeFrame(Frame{Stream: StreamTypeAudio, Data: first, PTS: 0}); err != nil {
		t.Fatalf("writeFrame(pts 0): %v", err)
	}
	// The frame buffer is recycled once the worker releases it; the muxer
	// must have taken its own copy.
	for i := range first {
		first[i] = 0
	}

	au := bytes.Repeat([]byte{0x3C}, 128)
	// 700 ms of frames crosses the audio-only part boundary.
	for pts := uint32(20); pts <= 700; pts += 20 {
		if err := m.writeFrame(Frame{Stream: StreamTypeAudio, Data: au, PTS: pts}); err != nil {
			t.Fatalf("writeFrame(pts %d): %v", pts, err)
		}
	}
	if err := m.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out := collectMuxerOutput(t, p)
	if len(out) < 8 {
		t.Fatalf("fMP4 output is only %d bytes", len(out))
	}
	if string(out[4:8]) != "ftyp" {
		t.Fatalf("output does not start with an init segment, box %q", out[4:8])
	}
	if !bytes.Contains(out, []byte("moov")) {
		t.Error("no moov box in init segment")
	}
	if !bytes.Contains(out, []byte("moof")) {
		t.Error("no moof box: no media part was flushed")
	}
	if !bytes.Contains(out, bytes.Repeat([]byte{0xA7}, 128)) {
		t.Error("first sample payload missing: the muxer aliased the frame buffer")
	}
}

// A real SPS/PPS pair, needed because the fMP4 init segment parses the SPS
// for the track dimensions.
var (
	testVideoSPS = []byte{
		0x67, 0x64, 0x00, 0x0c, 0xac, 0x3b, 0x50, 0xb0,
		0x4b, 0x42, 0x00, 0x00, 0x03, 0x00, 0x02, 0x00,
		0x00, 0x03, 0x00, 0x3d, 0x08,
	}
	testVideoPPS = []byte{0x68, 0xee, 0x3c, 0x80}
)

func testIDR(fill byte) []byte {
	nalu := bytes.Repeat([]byte{fill}, 64)
	nalu[0] = 0x65
	return nalu
}

func testNonIDR(fill byte) []byte {
	nalu := bytes.Repeat([]byte{fill}, 64)
	nalu[0] = 0x41
	return nalu
}

func TestTSMuxerVideoSliceOnIDR(t *testing.T) {
	rec := &sliceRecorder{}
	p := testMuxerPath()
	sink := newMuxerSink(p, MuxerConfig{
		Container:     ContainerTS,
		SlicePattern:  rec.pattern,
		SliceDuration: 50 * time.Millisecond,
	})
	cfg := SinkConfig{Video: VideoInfo{Codec: VideoCodecH264, Width: 320, Height: 240, FPS: 10}}
	m, err := newTSMuxer(sink, StreamMaskVideo, cfg)
	if err != nil {
		t.Fatalf("newTSMuxer: %v", err)
	}

	frames := []Frame{
		{Stream: StreamTypeVideo, PTS: 0, Data: annexB(testVideoSPS, testVideoPPS, testIDR(0x11))},
		// Past the slice duration but not a random access point: no cut.
		{Stream: StreamTypeVideo, PTS: 100, Data: annexB(testNonIDR(0x22))},
		{Stream: StreamTypeVideo, PTS: 200, Data: annexB(testIDR(0x33))},
	}
	for _, f := range frames {
		if err := m.writeFrame(f); err != nil {
			t.Fatalf("writeFrame(pts %d): %v", f.PTS, err)
		}
	}
	if err := m.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(rec.slices) != 2 {
		t.Fatalf("created %d slices, want 2: rotation must wait for an IDR", len(rec.slices))
	}
	for si, buf := range rec.slices {
		out := buf.Bytes()
		if len(out) == 0 || len(out)%188 != 0 {
			t.Fatalf("slice %d is %d bytes, want a nonzero multiple of 188", si, len(out))
		}
		for i := 0; i < len(out); i += 188 {
			if out[i] != 0x47 {
				t.Fatalf("slice %d packet at offset %d lacks the 0x47 sync byte", si, i)
			}
		}
	}
}

func TestMP4MuxerVideoOutput(t *testing.T) {
	p := testMuxerPath()
	p.muxerByteQ = NewByteQueue(256 * 1024)
	defer p.muxerByteQ.Destroy()

	sink := newMuxerSink(p, MuxerConfig{Container: ContainerMP4, StreamData: true})
	cfg := SinkConfig{Video: VideoInfo{Codec: VideoCodecH264, Width: 320, Height: 240, FPS: 30}}
	m, err := newMP4Muxer(sink, StreamMaskVideo, cfg)
	if err != nil {
		t.Fatalf("newMP4Muxer: %v", err)
	}

	// Before parameter sets and a sync sample arrive nothing may be written.
	if err := m.writeFrame(Frame{Stream: StreamTypeVideo, PTS: 0, Data: annexB(testNonIDR(0x22))}); err != nil {
		t.Fatalf("writeFrame(pre-init): %v", err)
	}
	if out := collectMuxerOutput(t, p); len(out) != 0 {
		t.Fatalf("muxer wrote %d bytes before the init segment was describable", len(out))
	}

	frames := []Frame{
		{Stream: StreamTypeVideo, PTS: 33, Data: annexB(testVideoSPS, testVideoPPS, testIDR(0xB7))},
		{Stream: StreamTypeVideo, PTS: 66, Data: annexB(testNonIDR(0x22))},
		{Stream: StreamTypeVideo, PTS: 100, Data: annexB(testIDR(0x44))},
	}
	for _, f := range frames {
		if err := m.writeFrame(f); err != nil {
			t.Fatalf("writeFrame(pts %d): %v", f.PTS, err)
		}
	}
	if err := m.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out := collectMuxerOutput(t, p)
	if len(out) < 8 || string(out[4:8]) != "ftyp" {
		t.Fatalf("output does not start with an init segment")
	}
	if !bytes.Contains(out, []byte("moov")) {
		t.Error("no moov box in init segment")
	}
	if !bytes.Contains(out, []byte("moof")) {
		t.Error("no moof box: no media part was flushed")
	}
	if !bytes.Contains(out, testIDR(0xB7)) {
		t.Error("IDR payload missing from the fragment data")
	}
}
