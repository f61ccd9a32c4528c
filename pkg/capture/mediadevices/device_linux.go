//go:build linux && cgo

package mediadevices

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	md "github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	mdaudio "github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"

	"github.com/MrWong99/milla/pkg/audio"
	"github.com/MrWong99/milla/pkg/capture"
)

// Preferred camera resolution.
const (
	preferredWidth  = 1280
	preferredHeight = 720
)

// Option configures a [Device].
type Option func(*Device)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// Device captures from local hardware through pion/mediadevices.
type Device struct {
	log *slog.Logger
}

var _ capture.Device = (*Device)(nil)

// New returns a Device.
func New(opts ...Option) *Device {
	d := &Device{log: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Capability implements [capture.Device]. Capture is supported when at least
// one audio input driver is registered.
func (d *Device) Capability() capture.Capability {
	devices := md.EnumerateDevices()
	for _, info := range devices {
		d.log.Debug("mediadevices: device", "kind", info.Kind, "label", info.Label, "type", info.DeviceType)
	}
	for _, info := range devices {
		if info.Kind == md.AudioInput {
			return capture.Supported()
		}
	}
	return capture.Unsupported("no audio input device found")
}

// OpenMicrophone implements [capture.Device].
func (d *Device) OpenMicrophone(ctx context.Context, sampleRate int) (capture.AudioTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := md.GetUserMedia(md.MediaStreamConstraints{
		Audio: func(c *md.MediaTrackConstraints) {
			c.ChannelCount = prop.Int(1)
		},
	})
	if err != nil {
		return nil, classify(err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		closeTracks(stream.GetTracks())
		return nil, capture.ErrDeviceNotFound
	}
	at, ok := tracks[0].(*md.AudioTrack)
	if !ok {
		closeTracks(stream.GetTracks())
		return nil, fmt.Errorf("mediadevices: unexpected audio track type %T", tracks[0])
	}
	closeTracks(tracks[1:])

	return &audioTrack{track: at, reader: at.NewReader(false), rate: sampleRate}, nil
}

// OpenVideo implements [capture.Device].
func (d *Device) OpenVideo(ctx context.Context, src capture.VideoSource) (capture.VideoTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		stream md.MediaStream
		err    error
	)
	switch src {
	case capture.Screen:
		stream, err = md.GetDisplayMedia(md.MediaStreamConstraints{
			Video: func(*md.MediaTrackConstraints) {},
		})
	case capture.CameraFront, capture.CameraRear:
		stream, err = d.openCamera(src)
	default:
		return nil, fmt.Errorf("mediadevices: unknown video source %d", src)
	}
	if err != nil {
		return nil, classify(err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		closeTracks(stream.GetTracks())
		return nil, capture.ErrDeviceNotFound
	}
	vt, ok := tracks[0].(*md.VideoTrack)
	if !ok {
		closeTracks(stream.GetTracks())
		return nil, fmt.Errorf("mediadevices: unexpected video track type %T", tracks[0])
	}
	closeTracks(tracks[1:])

	return &videoTrack{track: vt, reader: vt.NewReader(true)}, nil
}

// openCamera opens the camera picked for src, relaxing the constraints on
// failure: first the preferred resolution, then any size, then any camera.
func (d *Device) openCamera(src capture.VideoSource) (md.MediaStream, error) {
	id := pickCamera(md.EnumerateDevices(), src)
	if id == "" {
		d.log.Info("mediadevices: no camera matches source, using any camera", "source", src.String())
	}

	var err error
	for _, a := range cameraAttempts(id) {
		var stream md.MediaStream
		stream, err = md.GetUserMedia(md.MediaStreamConstraints{
			Video: func(c *md.MediaTrackConstraints) {
				if a.deviceID != "" {
					c.DeviceID = prop.String(a.deviceID)
				}
				if a.sized {
					c.Width = prop.Int(preferredWidth)
					c.Height = prop.Int(preferredHeight)
				}
			},
		})
		if err == nil {
			return stream, nil
		}
		d.log.Warn("mediadevices: camera constraints failed, relaxing",
			"source", src.String(), "device_id", a.deviceID, "sized", a.sized, "err", err)
	}
	return nil, err
}

func closeTracks(tracks []md.Track) {
	for _, t := range tracks {
		_ = t.Close()
	}
}

// ── Tracks ───────────────────────────────────────────────────────────────────

type audioTrack struct {
	track  *md.AudioTrack
	reader mdaudio.Reader
	rate   int
	once   sync.Once
}

// Read returns the next chunk downmixed to mono at the requested rate.
func (t *audioTrack) Read() ([]float32, error) {
	chunk, release, err := t.reader.Read()
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		mono []float32
		info wave.ChunkInfo
	)
	switch c := chunk.(type) {
	case *wave.Float32Interleaved:
		info = c.Size
		mono = downmix(info.Len, info.Channels, func(i int) float32 { return c.Data[i] })
	case *wave.Int16Interleaved:
		info = c.Size
		mono = downmix(info.Len, info.Channels, func(i int) float32 { return float32(c.Data[i]) / 32768 })
	default:
		return nil, errors.New("mediadevices: unsupported audio chunk format")
	}
	return audio.ResampleFloat32(mono, info.SamplingRate, t.rate), nil
}

func (t *audioTrack) Stop() {
	t.once.Do(func() { _ = t.track.Close() })
}

func downmix(frames, channels int, at func(int) float32) []float32 {
	if channels < 1 {
		channels = 1
	}
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += at(i*channels + ch)
		}
		out[i] = sum / float32(channels)
	}
	return out
}

type videoTrack struct {
	track  *md.VideoTrack
	reader video.Reader
	once   sync.Once
}

// Snapshot blocks until the next frame is available.
func (t *videoTrack) Snapshot() (image.Image, error) {
	img, release, err := t.reader.Read()
	if err != nil {
		return nil, err
	}
	release()
	return img, nil
}

func (t *videoTrack) Stop() {
	t.once.Do(func() { _ = t.track.Close() })
}
