package db

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/vessel.level/internal/monitoring"
	"github.com/banshee-data/vessel.level/internal/supervisor"
)

// DefaultRecorderBuffer is the number of snapshots queued before the
// recorder starts dropping.
const DefaultRecorderBuffer = 256

// Recorder persists supervisor snapshots on a background goroutine. It
// implements supervisor.Sink: Record never blocks the control loop, and a
// snapshot that does not fit in the queue is dropped and counted.
type Recorder struct {
	db    *DB
	runID string

	queue   chan *supervisor.Snapshot
	dropped atomic.Uint64
	failed  atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder starts a recorder writing ticks of runID.
func NewRecorder(db *DB, runID string, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	r := &Recorder{
		db:    db,
		runID: runID,
		queue: make(chan *supervisor.Snapshot, buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record implements supervisor.Sink.
func (r *Recorder) Record(s *supervisor.Snapshot) {
	select {
	case r.queue <- s:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			monitoring.Opsf("db: recorder queue full, %d snapshots dropped", n)
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for s := range r.queue {
		if err := r.db.RecordTick(context.Background(), r.runID, s); err != nil {
			r.failed.Add(1)
			monitoring.Opsf("db: %v", err)
		}
	}
}

// Dropped returns how many snapshots were dropped because the queue was
// full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Failed returns how many snapshots could not be written.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

// Close stops accepting snapshots and waits for the queue to drain. Record
// must not be called after Close.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.queue) })
	<-r.done
}
