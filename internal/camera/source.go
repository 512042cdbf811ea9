// Package camera provides frame sources for the control loop: a replay of
// recorded frames from a directory, a scripted source for tests, and (in
// the webcam subpackage) a live OpenCV capture.
package camera

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/vessel.level/internal/vision"
)

var (
	// ErrFrameTimeout is returned when no frame arrived within the timeout.
	ErrFrameTimeout = errors.New("camera: no frame within timeout")
	// ErrSourceClosed is returned once a source is closed or exhausted.
	ErrSourceClosed = errors.New("camera: source closed")
)

// Source yields frames. Sources are lazy and cannot be restarted; each
// NextFrame call returns a newer frame than the previous one.
type Source interface {
	// NextFrame blocks for at most timeout.
	NextFrame(ctx context.Context, timeout time.Duration) (vision.Frame, error)
	Close() error
}
