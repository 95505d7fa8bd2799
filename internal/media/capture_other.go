//go:build !linux

package media

// NewDeviceCapturer returns a capturer with no devices; device capture is
// only built on linux
func NewDeviceCapturer(cameraBitrate int) Capturer {
	return Unavailable{}
}
