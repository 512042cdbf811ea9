// Package webcam captures frames from a local camera through OpenCV.
//
// Capture runs in its own goroutine and keeps only the newest frame, so a
// slow control loop always estimates on a fresh image rather than draining
// a backlog.
package webcam

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/banshee-data/vessel.level/internal/camera"
	"github.com/banshee-data/vessel.level/internal/monitoring"
	"github.com/banshee-data/vessel.level/internal/timeutil"
	"github.com/banshee-data/vessel.level/internal/vision"
)

// Config selects and sizes the capture device.
type Config struct {
	// Device is the OpenCV device index (0 is the first camera).
	Device int
	// Width and Height request a capture resolution; zero keeps the
	// device default.
	Width  int
	Height int
	// FPS requests a capture rate; zero keeps the device default.
	FPS float64
}

// Webcam is a camera.Source backed by gocv.VideoCapture.
type Webcam struct {
	capture *gocv.VideoCapture
	clock   timeutil.Clock
	frames  chan vision.Frame

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ camera.Source = (*Webcam)(nil)

// Open starts capturing from the configured device.
func Open(cfg Config, clock timeutil.Clock) (*Webcam, error) {
	capture, err := gocv.OpenVideoCapture(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", cfg.Device, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("camera %d did not open", cfg.Device)
	}
	if cfg.Width > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	}
	if cfg.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.FPS > 0 {
		capture.Set(gocv.VideoCaptureFPS, cfg.FPS)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	w := &Webcam{
		capture: capture,
		clock:   clock,
		frames:  make(chan vision.Frame, 1),
		done:    make(chan struct{}),
	}
	monitoring.Logf("webcam: device %d open at %.0fx%.0f",
		cfg.Device, capture.Get(gocv.VideoCaptureFrameWidth), capture.Get(gocv.VideoCaptureFrameHeight))

	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *Webcam) run() {
	defer w.wg.Done()
	mat := gocv.NewMat()
	defer mat.Close()

	var index uint64
	failures := 0
	for {
		select {
		case <-w.done:
			return
		default:
		}

		if ok := w.capture.Read(&mat); !ok || mat.Empty() {
			failures++
			if failures == 1 || failures%100 == 0 {
				monitoring.Logf("webcam: read failed (%d consecutive)", failures)
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		failures = 0

		img, err := mat.ToImage()
		if err != nil {
			monitoring.Logf("webcam: convert frame: %v", err)
			continue
		}
		index++
		w.publish(vision.Frame{Image: img, Timestamp: w.clock.Now(), Index: index})
	}
}

// publish replaces any unread frame with f.
func (w *Webcam) publish(f vision.Frame) {
	select {
	case w.frames <- f:
		return
	default:
	}
	select {
	case <-w.frames:
	default:
	}
	select {
	case w.frames <- f:
	default:
	}
}

// NextFrame returns the newest captured frame, waiting up to timeout.
func (w *Webcam) NextFrame(ctx context.Context, timeout time.Duration) (vision.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-w.frames:
		return f, nil
	case <-w.done:
		return vision.Frame{}, camera.ErrSourceClosed
	case <-ctx.Done():
		return vision.Frame{}, ctx.Err()
	case <-timer.C:
		return vision.Frame{}, camera.ErrFrameTimeout
	}
}

// Size reports the capture resolution the device settled on.
func (w *Webcam) Size() image.Point {
	return image.Pt(int(w.capture.Get(gocv.VideoCaptureFrameWidth)), int(w.capture.Get(gocv.VideoCaptureFrameHeight)))
}

// Close stops capture and releases the device.
func (w *Webcam) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		err = w.capture.Close()
	})
	return err
}
