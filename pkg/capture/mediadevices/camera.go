package mediadevices

import (
	"strings"

	md "github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/driver"

	"github.com/MrWong99/milla/pkg/capture"
)

// Label fragments that name a facing direction.
var (
	frontLabels = []string{"front", "user", "integrated"}
	rearLabels  = []string{"rear", "back", "environment"}
)

// pickCamera chooses the device ID for a front or rear camera among devices.
// A camera whose label names the facing direction wins; otherwise the first
// camera counts as front and the second as rear. An empty result means no
// camera matches src and any camera should be opened instead.
func pickCamera(devices []md.MediaDeviceInfo, src capture.VideoSource) string {
	var cams []md.MediaDeviceInfo
	for _, info := range devices {
		if info.Kind == md.VideoInput && info.DeviceType == driver.Camera {
			cams = append(cams, info)
		}
	}

	want, idx := frontLabels, 0
	if src == capture.CameraRear {
		want, idx = rearLabels, 1
	}
	for _, c := range cams {
		label := strings.ToLower(c.Label)
		for _, w := range want {
			if strings.Contains(label, w) {
				return c.DeviceID
			}
		}
	}
	if idx < len(cams) {
		return cams[idx].DeviceID
	}
	return ""
}

// cameraAttempt is one set of constraints tried by openCamera.
type cameraAttempt struct {
	deviceID string
	sized    bool
}

// cameraAttempts lists the constraints to try for a picked device ID, from
// most to least specific. The last attempt always accepts any camera.
func cameraAttempts(id string) []cameraAttempt {
	attempts := []cameraAttempt{{deviceID: id, sized: true}, {deviceID: id}}
	if id != "" {
		attempts = append(attempts, cameraAttempt{})
	}
	return attempts
}
