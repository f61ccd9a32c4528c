package capture_test

import (
	"context"
	"errors"
	"fmt"
	"image"
	"testing"
	"time"

	"github.com/MrWong99/milla/pkg/audio"
	"github.com/MrWong99/milla/pkg/capture"
	"github.com/MrWong99/milla/pkg/capture/mock"
)

// chanSink forwards everything it receives onto buffered channels.
type chanSink struct {
	audio chan audio.AudioFrame
	video chan image.Image
}

func newChanSink() *chanSink {
	return &chanSink{
		audio: make(chan audio.AudioFrame, 64),
		video: make(chan image.Image, 64),
	}
}

func (s *chanSink) OnAudioFrame(f audio.AudioFrame) { s.audio <- f }
func (s *chanSink) OnVideoFrame(img image.Image)    { s.video <- img }

func ramp(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start+i) / 100000
	}
	return out
}

func TestAdapter_CapabilityQueriedOnce(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{UnsupportedReason: "no media stack"}
	a := capture.NewAdapter(dev)

	for range 3 {
		_, err := a.Start(context.Background(), capture.Config{Audio: true}, newChanSink())
		if !errors.Is(err, capture.ErrUnsupported) {
			t.Fatalf("Start err = %v, want ErrUnsupported", err)
		}
	}
	if got := dev.CapabilityCalls(); got != 1 {
		t.Errorf("Capability called %d times, want 1", got)
	}
	if a.Capability().Reason() != "no media stack" {
		t.Errorf("Reason = %q", a.Capability().Reason())
	}
}

func TestAdapter_StartErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		dev        *mock.Device
		cfg        capture.Config
		wantErr    error
		wantSource string
	}{
		{
			name:       "microphone permission denied",
			dev:        &mock.Device{MicError: fmt.Errorf("prompt dismissed: %w", capture.ErrPermissionDenied)},
			cfg:        capture.Config{Audio: true},
			wantErr:    capture.ErrPermissionDenied,
			wantSource: "microphone",
		},
		{
			name:       "microphone missing",
			dev:        &mock.Device{MicError: capture.ErrDeviceNotFound},
			cfg:        capture.Config{Audio: true},
			wantErr:    capture.ErrDeviceNotFound,
			wantSource: "microphone",
		},
		{
			name: "camera busy",
			dev: &mock.Device{VideoErrors: map[capture.VideoSource]error{
				capture.CameraFront: capture.ErrDeviceBusy,
			}},
			cfg:        capture.Config{Audio: true, Video: true, VideoSource: capture.CameraFront},
			wantErr:    capture.ErrDeviceBusy,
			wantSource: "camera-front",
		},
		{
			name: "screen share denied",
			dev: &mock.Device{VideoErrors: map[capture.VideoSource]error{
				capture.Screen: capture.ErrPermissionDenied,
			}},
			cfg:        capture.Config{Audio: true, Video: true, VideoSource: capture.Screen},
			wantErr:    capture.ErrPermissionDenied,
			wantSource: "screen",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h, err := capture.NewAdapter(tt.dev).Start(context.Background(), tt.cfg, newChanSink())
			if h != nil {
				t.Fatal("expected nil handle on failure")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			var cerr *capture.Error
			if !errors.As(err, &cerr) {
				t.Fatalf("err %T is not *capture.Error", err)
			}
			if cerr.Op != "start" || cerr.Source != tt.wantSource {
				t.Errorf("Error{Op:%q Source:%q}, want {start %q}", cerr.Op, cerr.Source, tt.wantSource)
			}
			if n := tt.dev.ActiveTracks(); n != 0 {
				t.Errorf("ActiveTracks = %d, want 0", n)
			}
			for i, mic := range tt.dev.AudioTracks() {
				if mic.StopCount() != 1 {
					t.Errorf("mic %d StopCount = %d, want 1", i, mic.StopCount())
				}
			}
		})
	}
}

func TestAdapter_AudioReblocking(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	sink := newChanSink()
	h, err := capture.NewAdapter(dev).Start(context.Background(), capture.Config{Audio: true}, sink)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	mic := dev.Mic()
	if mic.SampleRate != audio.CaptureSampleRate {
		t.Errorf("mic opened at %d Hz, want %d", mic.SampleRate, audio.CaptureSampleRate)
	}
	mic.Push(ramp(0, 3000))
	mic.Push(ramp(3000, 3000))
	mic.Push(ramp(6000, 2500))

	for i := range 2 {
		select {
		case f := <-sink.audio:
			if len(f.Samples) != capture.DefaultBlockSize {
				t.Fatalf("frame %d: %d samples, want %d", i, len(f.Samples), capture.DefaultBlockSize)
			}
			if want := time.Duration(i) * 256 * time.Millisecond; f.Timestamp != want {
				t.Errorf("frame %d: Timestamp = %v, want %v", i, f.Timestamp, want)
			}
			if want := float32(i*capture.DefaultBlockSize) / 100000; f.Samples[0] != want {
				t.Errorf("frame %d: first sample = %v, want %v", i, f.Samples[0], want)
			}
			if f.Duration() != 256*time.Millisecond {
				t.Errorf("frame %d: Duration = %v", i, f.Duration())
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}

	select {
	case f := <-sink.audio:
		t.Fatalf("unexpected third frame with %d samples", len(f.Samples))
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHandle_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{Frame: image.NewRGBA(image.Rect(0, 0, 2, 2))}
	h, err := capture.NewAdapter(dev).Start(context.Background(),
		capture.Config{Audio: true, Video: true}, newChanSink())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.Stop()
	h.Stop()

	if got := dev.Mic().StopCount(); got != 1 {
		t.Errorf("mic StopCount = %d, want 1", got)
	}
	for i, v := range dev.VideoTracks() {
		if got := v.StopCount(); got != 1 {
			t.Errorf("video %d StopCount = %d, want 1", i, got)
		}
	}
	if n := dev.ActiveTracks(); n != 0 {
		t.Errorf("ActiveTracks = %d, want 0", n)
	}
	if dev.Mic().Push([]float32{1}) {
		t.Error("Push succeeded after Stop")
	}
}

func TestHandle_VideoSnapshots(t *testing.T) {
	t.Parallel()

	frame := image.NewRGBA(image.Rect(0, 0, 4, 4))
	dev := &mock.Device{Frame: frame}
	sink := newChanSink()
	h, err := capture.NewAdapter(dev).Start(context.Background(),
		capture.Config{Audio: true, Video: true, FrameInterval: 5 * time.Millisecond}, sink)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	select {
	case img := <-sink.video:
		if img != frame {
			t.Error("unexpected frame delivered")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a snapshot")
	}
}

// orderCheckingDevice records how many video tracks were still live each time
// a new one was opened.
type orderCheckingDevice struct {
	*mock.Device
	liveAtOpen []int
}

func (d *orderCheckingDevice) OpenVideo(ctx context.Context, src capture.VideoSource) (capture.VideoTrack, error) {
	live := 0
	for _, v := range d.VideoTracks() {
		if v.StopCount() == 0 {
			live++
		}
	}
	d.liveAtOpen = append(d.liveAtOpen, live)
	return d.Device.OpenVideo(ctx, src)
}

func TestHandle_SwitchVideoSource(t *testing.T) {
	t.Parallel()

	dev := &orderCheckingDevice{Device: &mock.Device{}}
	h, err := capture.NewAdapter(dev).Start(context.Background(),
		capture.Config{Audio: true, Video: true, VideoSource: capture.CameraFront}, newChanSink())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.SwitchVideoSource(context.Background(), capture.CameraRear); err != nil {
		t.Fatalf("SwitchVideoSource: %v", err)
	}
	if got := h.VideoSource(); got != capture.CameraRear {
		t.Errorf("VideoSource = %v, want camera-rear", got)
	}
	for i, live := range dev.liveAtOpen {
		if live != 0 {
			t.Errorf("open %d: %d video tracks still live", i, live)
		}
	}

	videos := dev.VideoTracks()
	if len(videos) != 2 {
		t.Fatalf("opened %d video tracks, want 2", len(videos))
	}
	if videos[0].Source != capture.CameraFront || videos[1].Source != capture.CameraRear {
		t.Errorf("sources = %v, %v", videos[0].Source, videos[1].Source)
	}

	h.Stop()
	for i, v := range videos {
		if v.StopCount() != 1 {
			t.Errorf("video %d StopCount = %d, want 1", i, v.StopCount())
		}
	}

	if err := h.SwitchVideoSource(context.Background(), capture.Screen); !errors.Is(err, capture.ErrHandleStopped) {
		t.Errorf("switch after Stop: err = %v, want ErrHandleStopped", err)
	}
}

func TestHandle_SwitchWithoutVideo(t *testing.T) {
	t.Parallel()

	h, err := capture.NewAdapter(&mock.Device{}).Start(context.Background(), capture.Config{Audio: true}, newChanSink())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	if err := h.SwitchVideoSource(context.Background(), capture.Screen); err == nil {
		t.Error("expected error when video is disabled")
	}
}

func TestParseVideoSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want capture.VideoSource
		ok   bool
	}{
		{"camera-front", capture.CameraFront, true},
		{"user", capture.CameraFront, true},
		{"environment", capture.CameraRear, true},
		{"screen", capture.Screen, true},
		{"projector", 0, false},
	}
	for _, tt := range tests {
		got, ok := capture.ParseVideoSource(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseVideoSource(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
