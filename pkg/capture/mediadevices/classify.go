// Package mediadevices is the hardware [capture.Device] driver. On Linux with
// cgo it captures the microphone through malgo, cameras through V4L2 and the
// screen through X11, all via pion/mediadevices. Everywhere else the device
// reports itself as unsupported.
package mediadevices

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"

	"github.com/MrWong99/milla/pkg/capture"
)

// classify maps a driver error onto the capture sentinel errors. Errors that
// match no known cause are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, fs.ErrPermission),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM),
		strings.Contains(msg, "permission denied"):
		return fmt.Errorf("%w: %v", capture.ErrPermissionDenied, err)
	case errors.Is(err, syscall.EBUSY),
		strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", capture.ErrDeviceBusy, err)
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, syscall.ENODEV),
		errors.Is(err, syscall.ENOENT),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "failed to find"),
		strings.Contains(msg, "no such device"):
		return fmt.Errorf("%w: %v", capture.ErrDeviceNotFound, err)
	}
	return err
}
