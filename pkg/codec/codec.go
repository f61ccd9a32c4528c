// Package codec converts between in-process audio/video containers and the
// transport wire representation used by the realtime endpoint.
//
// Every chunk on the wire is a {mimeType, data} pair where data is base64.
// Outbound audio is mono 16-bit PCM at 16 kHz, inbound audio is mono 16-bit
// PCM at 24 kHz, and video frames are JPEG stills. All functions in this
// package are pure and safe for concurrent use.
package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strconv"
	"strings"

	"github.com/MrWong99/milla/pkg/audio"
)

// Kind identifies the payload type of an [EncodedChunk].
type Kind int

const (
	// KindAudio marks a PCM audio chunk.
	KindAudio Kind = iota

	// KindVideo marks a JPEG still frame.
	KindVideo
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// MIME types used on the wire.
const (
	MIMEImageJPEG = "image/jpeg"
	pcmMIMEPrefix = "audio/pcm"
)

// VideoQuality is the fixed JPEG quality for video frames. Frames are sent at
// a low rate and low quality to bound upstream bandwidth and model token cost.
const VideoQuality = 50

// ErrDecode is returned by [DecodeAudio] for chunks that cannot be turned into
// a playback buffer at all. Callers drop the chunk and carry on.
var ErrDecode = errors.New("codec: malformed audio chunk")

// EncodedChunk is the transport-ready representation of one audio block or
// video frame. It is an immutable value; Data is already base64-encoded.
type EncodedChunk struct {
	Kind     Kind
	MIMEType string
	Data     string
}

// PCMMIMEType returns the PCM MIME type for the given sample rate, e.g.
// "audio/pcm;rate=16000".
func PCMMIMEType(rate int) string {
	return pcmMIMEPrefix + ";rate=" + strconv.Itoa(rate)
}

// ParseRate extracts the rate parameter from a PCM MIME type. It returns 0 and
// false when the type is not PCM or carries no rate.
func ParseRate(mimeType string) (int, bool) {
	base, params, _ := strings.Cut(mimeType, ";")
	if strings.TrimSpace(base) != pcmMIMEPrefix {
		return 0, false
	}
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || k != "rate" {
			continue
		}
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return 0, false
		}
		return rate, true
	}
	return 0, false
}

// EncodeAudio converts a captured frame to a base64 PCM chunk. Samples are
// clamped to [-1, 1] and packed as little-endian int16.
func EncodeAudio(frame audio.AudioFrame) EncodedChunk {
	rate := frame.SampleRate
	if rate <= 0 {
		rate = audio.CaptureSampleRate
	}
	return EncodedChunk{
		Kind:     KindAudio,
		MIMEType: PCMMIMEType(rate),
		Data:     base64.StdEncoding.EncodeToString(audio.Float32ToPCM16(frame.Samples)),
	}
}

// DecodeAudio converts an inbound PCM chunk into a playback buffer with the
// given output sample rate and channel count. The payload is read as
// interleaved int16 frames; a trailing partial frame is truncated rather than
// rejected. When the chunk's MIME type names a different rate than
// outputSampleRate, the audio is resampled (mono only).
//
// Only undecodable base64 or a payload shorter than one frame yields
// [ErrDecode].
func DecodeAudio(chunk EncodedChunk, outputSampleRate, channels int) (audio.PlaybackBuffer, error) {
	if channels < 1 {
		channels = 1
	}
	raw, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return audio.PlaybackBuffer{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	frameBytes := 2 * channels
	raw = raw[:len(raw)-len(raw)%frameBytes]
	if len(raw) == 0 {
		return audio.PlaybackBuffer{}, fmt.Errorf("%w: payload shorter than one frame", ErrDecode)
	}

	if src, ok := ParseRate(chunk.MIMEType); ok && channels == 1 && outputSampleRate > 0 && src != outputSampleRate {
		raw = audio.ResampleMono16(raw, src, outputSampleRate)
	}

	return audio.PlaybackBuffer{
		Samples:    audio.PCM16ToFloat32(raw),
		SampleRate: outputSampleRate,
		Channels:   channels,
	}, nil
}

// EncodeVideoFrame JPEG-encodes img at [VideoQuality] and wraps it as a video
// chunk.
func EncodeVideoFrame(img image.Image) (EncodedChunk, error) {
	if img == nil {
		return EncodedChunk{}, errors.New("codec: nil video frame")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: VideoQuality}); err != nil {
		return EncodedChunk{}, fmt.Errorf("codec: encode jpeg: %w", err)
	}
	return EncodedChunk{
		Kind:     KindVideo,
		MIMEType: MIMEImageJPEG,
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// VideoChunkFromBase64 wraps an already-encoded base64 JPEG (for example a
// snapshot taken by a UI) as a video chunk. The payload is validated but not
// re-encoded.
func VideoChunkFromBase64(data string) (EncodedChunk, error) {
	if data == "" {
		return EncodedChunk{}, errors.New("codec: empty video frame")
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return EncodedChunk{}, fmt.Errorf("codec: video frame is not base64: %w", err)
	}
	return EncodedChunk{Kind: KindVideo, MIMEType: MIMEImageJPEG, Data: data}, nil
}
