//go:build cgo
// +build cgo

package camera

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

const fourccMJPEG = 0x47504A4D

// GocvDevice captures grayscale frames from a V4L2 camera via GoCV, cropped
// to a centered square and converted to 8-bit grayscale for the science
// camera pipeline (no color, no mirroring — this is not the VTubing path).
type GocvDevice struct {
	webcam *gocv.VideoCapture

	width, height int
	cropToSquare  bool
}

// NewGocvDevice returns a Device that crops each captured frame to a
// centered square when cropToSquare is set.
func NewGocvDevice(cropToSquare bool) *GocvDevice {
	return &GocvDevice{cropToSquare: cropToSquare}
}

// Open opens deviceID with the V4L2 backend at the requested resolution/fps
// and returns the camera's reported hardware-timestamp capability.
func (d *GocvDevice) Open(deviceID, width, height, fps int) (hardwareTimestamps bool, err error) {
	webcam, err := gocv.OpenVideoCaptureWithAPI(deviceID, gocv.VideoCaptureV4L2)
	if err != nil {
		return false, fmt.Errorf("camera: opening device %d: %w", deviceID, err)
	}
	if !webcam.IsOpened() {
		webcam.Close()
		return false, fmt.Errorf("camera: device %d not found or unavailable", deviceID)
	}

	webcam.Set(gocv.VideoCaptureFOURCC, fourccMJPEG)
	if width > 0 {
		webcam.Set(gocv.VideoCaptureFrameWidth, float64(width))
	}
	if height > 0 {
		webcam.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	if fps > 0 {
		webcam.Set(gocv.VideoCaptureFPS, float64(fps))
	}

	d.width = int(webcam.Get(gocv.VideoCaptureFrameWidth))
	d.height = int(webcam.Get(gocv.VideoCaptureFrameHeight))
	d.webcam = webcam

	warmup := gocv.NewMat()
	d.webcam.Read(&warmup)
	warmup.Close()

	// A driver that always reports 0ms position has no usable hardware
	// clock; callers in production mode must fall back to rejecting this
	// device rather than silently mixing timestamp sources mid-session.
	posMsec := d.webcam.Get(gocv.VideoCapturePosMsec)
	return posMsec > 0, nil
}

// ReadGray captures one frame, returning 8-bit grayscale pixel data
// (optionally cropped to a centered square), the frame's width/height, and
// the driver-reported position in milliseconds (0 if unsupported).
func (d *GocvDevice) ReadGray() (data []byte, width, height int, devicePosMsec float64, err error) {
	if d.webcam == nil {
		return nil, 0, 0, 0, fmt.Errorf("camera: device not open")
	}

	mat := gocv.NewMat()
	defer mat.Close()
	if ok := d.webcam.Read(&mat); !ok {
		return nil, 0, 0, 0, fmt.Errorf("camera: failed to read frame")
	}
	if mat.Empty() {
		return nil, 0, 0, 0, fmt.Errorf("camera: captured frame is empty")
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray) //nolint:errcheck

	working := gray
	if d.cropToSquare {
		side := gray.Rows()
		if gray.Cols() < side {
			side = gray.Cols()
		}
		x0 := (gray.Cols() - side) / 2
		y0 := (gray.Rows() - side) / 2
		cropped := gray.Region(image.Rect(x0, y0, x0+side, y0+side))
		defer cropped.Close()
		working = cropped.Clone()
		defer working.Close()
	}

	devicePosMsec = d.webcam.Get(gocv.VideoCapturePosMsec)
	return working.ToBytes(), working.Cols(), working.Rows(), devicePosMsec, nil
}

// Close releases the underlying capture device.
func (d *GocvDevice) Close() error {
	if d.webcam == nil {
		return nil
	}
	return d.webcam.Close()
}

// CameraInfo describes one detected device, per spec.md §4.4's detect()
// contract: {index, name, width, height}.
type CameraInfo struct {
	Index  int
	Name   string
	Width  int
	Height int
}

// EnumerateCameras probes device indices [0, maxDevices) and returns
// {index, name, width, height} for each that successfully opens. It always
// releases the handle it opened for probing, regardless of outcome — best
// effort, not a lasting claim on the device.
func EnumerateCameras(maxDevices int) []CameraInfo {
	if maxDevices <= 0 {
		maxDevices = 10
	}
	var devices []CameraInfo
	for i := 0; i < maxDevices; i++ {
		cam, err := gocv.OpenVideoCaptureWithAPI(i, gocv.VideoCaptureV4L2)
		if err != nil {
			continue
		}
		if cam.IsOpened() {
			devices = append(devices, CameraInfo{
				Index:  i,
				Name:   fmt.Sprintf("/dev/video%d", i),
				Width:  int(cam.Get(gocv.VideoCaptureFrameWidth)),
				Height: int(cam.Get(gocv.VideoCaptureFrameHeight)),
			})
		}
		cam.Close()
	}
	return devices
}
