package mediadevices

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	md "github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/driver"

	"github.com/MrWong99/milla/pkg/capture"
)

func cam(id, label string) md.MediaDeviceInfo {
	return md.MediaDeviceInfo{DeviceID: id, Kind: md.VideoInput, Label: label, DeviceType: driver.Camera}
}

func TestPickCamera(t *testing.T) {
	t.Parallel()

	mic := md.MediaDeviceInfo{DeviceID: "mic", Kind: md.AudioInput, Label: "Front Mic", DeviceType: driver.Microphone}
	screen := md.MediaDeviceInfo{DeviceID: "x11", Kind: md.VideoInput, Label: "back display", DeviceType: driver.Screen}

	tests := []struct {
		name    string
		devices []md.MediaDeviceInfo
		src     capture.VideoSource
		want    string
	}{
		{"no cameras", nil, capture.CameraFront, ""},
		{"single unlabeled front", []md.MediaDeviceInfo{cam("v0", "Integrated Webcam")}, capture.CameraFront, "v0"},
		{"single unlabeled rear falls back to any", []md.MediaDeviceInfo{cam("v0", "USB Camera")}, capture.CameraRear, ""},
		{"integrated laptop camera rear", []md.MediaDeviceInfo{cam("v0", "Integrated Webcam")}, capture.CameraRear, ""},
		{"second camera is rear", []md.MediaDeviceInfo{cam("v0", "cam a"), cam("v1", "cam b")}, capture.CameraRear, "v1"},
		{"rear label wins over order", []md.MediaDeviceInfo{cam("v0", "Back Camera"), cam("v1", "Other")}, capture.CameraRear, "v0"},
		{"front label wins over order", []md.MediaDeviceInfo{cam("v0", "Back Camera"), cam("v1", "Front Camera")}, capture.CameraFront, "v1"},
		{"non-camera devices ignored", []md.MediaDeviceInfo{mic, screen, cam("v0", "cam")}, capture.CameraRear, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := pickCamera(tt.devices, tt.src); got != tt.want {
				t.Errorf("pickCamera = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCameraAttempts(t *testing.T) {
	t.Parallel()

	got := cameraAttempts("v1")
	want := []cameraAttempt{{deviceID: "v1", sized: true}, {deviceID: "v1"}, {}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(cameraAttempt{})); diff != "" {
		t.Errorf("attempts for a picked camera (-want +got):\n%s", diff)
	}

	got = cameraAttempts("")
	want = []cameraAttempt{{sized: true}, {}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(cameraAttempt{})); diff != "" {
		t.Errorf("attempts for any camera (-want +got):\n%s", diff)
	}
}
