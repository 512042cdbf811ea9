package camera

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/vessel.level/internal/monitoring"
	"github.com/banshee-data/vessel.level/internal/timeutil"
	"github.com/banshee-data/vessel.level/internal/vision"
)

var frameExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// DirSource replays the images of a directory in name order, one per
// NextFrame call. Frames are stamped with the clock at delivery so the
// loop sees them as live.
type DirSource struct {
	files []string
	loop  bool
	clock timeutil.Clock

	mu     sync.Mutex
	next   int
	index  uint64
	closed bool
	done   chan struct{}
}

// OpenDir lists the JPEG and PNG files in dir. With loop set the sequence
// restarts after the last file; otherwise the source closes itself.
func OpenDir(dir string, clock timeutil.Clock, loop bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !frameExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .jpg or .png frames in %s", dir)
	}
	sort.Strings(files)
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &DirSource{files: files, loop: loop, clock: clock, done: make(chan struct{})}, nil
}

// Len returns the number of frames in one pass.
func (d *DirSource) Len() int { return len(d.files) }

// Done is closed when the source has delivered its last frame.
func (d *DirSource) Done() <-chan struct{} { return d.done }

// NextFrame decodes the next file. An undecodable file yields a frame
// without an image, which the estimator reports as malformed.
func (d *DirSource) NextFrame(ctx context.Context, timeout time.Duration) (vision.Frame, error) {
	if err := ctx.Err(); err != nil {
		return vision.Frame{}, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return vision.Frame{}, ErrSourceClosed
	}
	if d.next >= len(d.files) {
		if !d.loop {
			d.closeLocked()
			d.mu.Unlock()
			return vision.Frame{}, ErrSourceClosed
		}
		d.next = 0
	}
	path := d.files[d.next]
	d.next++
	d.index++
	idx := d.index
	d.mu.Unlock()

	img, err := decodeFile(path)
	if err != nil {
		monitoring.Logf("camera: %v", err)
	}
	return vision.Frame{Image: img, Timestamp: d.clock.Now(), Index: idx}, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func (d *DirSource) closeLocked() {
	if !d.closed {
		d.closed = true
		close(d.done)
	}
}

// Close stops the replay.
func (d *DirSource) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	return nil
}
