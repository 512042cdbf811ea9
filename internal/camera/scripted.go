package camera

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/banshee-data/vessel.level/internal/timeutil"
	"github.com/banshee-data/vessel.level/internal/vision"
)

// Shot is one scripted NextFrame result: an image, or an error such as
// ErrFrameTimeout.
type Shot struct {
	Image image.Image
	Err   error
}

// Scripted is a Source for tests. It returns queued shots in order and
// ErrFrameTimeout once the queue is empty, without ever sleeping.
type Scripted struct {
	mu     sync.Mutex
	clock  timeutil.Clock
	shots  []Shot
	index  uint64
	calls  int
	closed bool
}

// NewScripted returns a Scripted source stamping frames with clock.
func NewScripted(clock timeutil.Clock, shots ...Shot) *Scripted {
	return &Scripted{clock: clock, shots: shots}
}

// Push queues more shots.
func (s *Scripted) Push(shots ...Shot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shots = append(s.shots, shots...)
}

// Calls returns how many times NextFrame was called.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scripted) NextFrame(ctx context.Context, timeout time.Duration) (vision.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.closed {
		return vision.Frame{}, ErrSourceClosed
	}
	if err := ctx.Err(); err != nil {
		return vision.Frame{}, err
	}
	if len(s.shots) == 0 {
		return vision.Frame{}, ErrFrameTimeout
	}
	shot := s.shots[0]
	s.shots = s.shots[1:]
	if shot.Err != nil {
		return vision.Frame{}, shot.Err
	}
	s.index++
	return vision.Frame{Image: shot.Image, Timestamp: s.clock.Now(), Index: s.index}, nil
}

func (s *Scripted) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
