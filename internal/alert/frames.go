package alert

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/vessel.level/internal/monitoring"
	"github.com/banshee-data/vessel.level/internal/supervisor"
	"github.com/banshee-data/vessel.level/internal/vision"
)

type frameJob struct {
	frame vision.Frame
	raw   vision.RawMeasurement
	name  string
}

// FrameWriter saves the last frame, annotated with the ROI and the detected
// boundary, whenever a fault latches. It implements supervisor.FaultCapture
// and encodes on a background goroutine.
type FrameWriter struct {
	dir    string
	roi    vision.ROI
	prefix string

	queue     chan frameJob
	dropped   atomic.Uint64
	closeOnce sync.Once
	done      chan struct{}
}

// NewFrameWriter creates dir and starts a writer naming files after runID.
func NewFrameWriter(dir string, roi vision.ROI, runID string) (*FrameWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fault frames: %w", err)
	}
	prefix := "run"
	if runID != "" {
		prefix = runID
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
	}
	w := &FrameWriter{
		dir:    dir,
		roi:    roi,
		prefix: prefix,
		queue:  make(chan frameJob, 4),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Capture implements supervisor.FaultCapture.
func (w *FrameWriter) Capture(f vision.Frame, raw vision.RawMeasurement, s *supervisor.Snapshot) {
	if f.Image == nil {
		monitoring.Diagf("alert: no frame to save for tick %d", s.Tick)
		return
	}
	kind := "fault"
	if s.LatchedFault != nil {
		kind = string(s.LatchedFault.Kind)
	}
	j := frameJob{frame: f, raw: raw, name: fmt.Sprintf("%s-tick%06d-%s.png", w.prefix, s.Tick, kind)}
	select {
	case w.queue <- j:
	default:
		w.dropped.Add(1)
	}
}

func (w *FrameWriter) run() {
	defer close(w.done)
	for j := range w.queue {
		path := filepath.Join(w.dir, j.name)
		if err := w.write(path, j); err != nil {
			monitoring.Opsf("alert: failed to save fault frame: %v", err)
			continue
		}
		monitoring.Opsf("alert: fault frame saved to %s", path)
	}
}

func (w *FrameWriter) write(path string, j frameJob) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return vision.WriteAnnotatedPNG(f, j.frame, w.roi, j.raw)
}

// Dir returns the directory frames are written to.
func (w *FrameWriter) Dir() string { return w.dir }

// Close waits for pending frames to be written.
func (w *FrameWriter) Close() {
	w.closeOnce.Do(func() { close(w.queue) })
	<-w.done
}
