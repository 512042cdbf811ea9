// Package alert tells operators when the control loop needs them: a
// webhook message when a fault latches or clears and when a trusted level
// strays past the band, and an annotated PNG of the frame on screen when a
// fault latched.
package alert

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/vessel.level/internal/control"
	"github.com/banshee-data/vessel.level/internal/filter"
	"github.com/banshee-data/vessel.level/internal/httputil"
	"github.com/banshee-data/vessel.level/internal/monitoring"
	"github.com/banshee-data/vessel.level/internal/supervisor"
)

// DefaultTimeout bounds one webhook delivery.
const DefaultTimeout = 5 * time.Second

const defaultBuffer = 32

// Kind names an alert.
type Kind string

const (
	KindFault     Kind = "fault"
	KindCleared   Kind = "fault_cleared"
	KindExcursion Kind = "excursion"
)

// Event is the webhook payload. Text is a one-line summary, which is what
// chat webhooks display.
type Event struct {
	Kind       Kind               `json:"kind"`
	Text       string             `json:"text"`
	RunID      string             `json:"run_id,omitempty"`
	Tick       uint64             `json:"tick"`
	At         time.Time          `json:"at"`
	State      control.State      `json:"state"`
	LevelMM    float64            `json:"level_mm"`
	Confidence filter.Confidence  `json:"confidence"`
	Band       control.Setpoint   `json:"band"`
	Fault      *control.FaultInfo `json:"fault,omitempty"`
}

// Config tunes a Notifier.
type Config struct {
	// URL receives each event as a JSON POST. Empty only logs events.
	URL string
	// ExcursionMM is how far past the band a trusted level must be to
	// raise an excursion. Zero disables excursion alerts.
	ExcursionMM float64
	Timeout     time.Duration
}

// Notifier turns snapshots into alerts. It implements supervisor.Sink;
// deliveries run on a background goroutine and an event that does not fit
// in the queue is dropped and counted.
type Notifier struct {
	cfg    Config
	client httputil.HTTPClient
	runID  string

	// Owned by the loop goroutine.
	fault     *control.FaultInfo
	excursion bool

	queue     chan Event
	dropped   atomic.Uint64
	failed    atomic.Uint64
	closeOnce sync.Once
	done      chan struct{}
}

// NewNotifier starts a notifier posting events of runID with client.
func NewNotifier(cfg Config, client httputil.HTTPClient, runID string) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	n := &Notifier{
		cfg:    cfg,
		client: client,
		runID:  runID,
		queue:  make(chan Event, defaultBuffer),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

// Record implements supervisor.Sink.
func (n *Notifier) Record(s *supervisor.Snapshot) {
	switch {
	case s.LatchedFault != nil && (n.fault == nil || !sameFault(*n.fault, *s.LatchedFault)):
		n.emit(s, KindFault, "FAULT "+s.LatchedFault.String())
	case s.LatchedFault == nil && n.fault != nil:
		n.emit(s, KindCleared, fmt.Sprintf("fault cleared, state %s", s.State))
	}
	n.fault = nil
	if s.LatchedFault != nil {
		f := *s.LatchedFault
		n.fault = &f
	}

	if n.cfg.ExcursionMM <= 0 || s.Confidence != filter.High {
		return
	}
	b := s.Band
	switch {
	case s.LevelMM < b.MinMM-n.cfg.ExcursionMM || s.LevelMM > b.MaxMM+n.cfg.ExcursionMM:
		if !n.excursion {
			n.excursion = true
			n.emit(s, KindExcursion, fmt.Sprintf("level %.1f mm is more than %g mm outside the band [%g,%g]",
				s.LevelMM, n.cfg.ExcursionMM, b.MinMM, b.MaxMM))
		}
	case s.LevelMM >= b.MinMM && s.LevelMM <= b.MaxMM:
		n.excursion = false
	}
}

func sameFault(a, b control.FaultInfo) bool {
	return a.Kind == b.Kind && a.Tick == b.Tick && a.At.Equal(b.At) && a.PumpID == b.PumpID
}

func (n *Notifier) emit(s *supervisor.Snapshot, kind Kind, text string) {
	e := Event{
		Kind:       kind,
		Text:       text,
		RunID:      n.runID,
		Tick:       s.Tick,
		At:         s.Timestamp,
		State:      s.State,
		LevelMM:    s.LevelMM,
		Confidence: s.Confidence,
		Band:       s.Band,
		Fault:      s.LatchedFault,
	}
	monitoring.Opsf("alert: %s", text)
	if n.cfg.URL == "" {
		return
	}
	select {
	case n.queue <- e:
	default:
		n.dropped.Add(1)
		monitoring.Opsf("alert: queue full, dropped %s", kind)
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for e := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
		err := httputil.PostJSON(ctx, n.client, n.cfg.URL, e, nil)
		cancel()
		if err != nil {
			n.failed.Add(1)
			monitoring.Opsf("alert: failed to deliver %s: %v", e.Kind, err)
		}
	}
}

// Dropped returns how many events were dropped because the queue was full.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// Failed returns how many deliveries failed.
func (n *Notifier) Failed() uint64 { return n.failed.Load() }

// Close stops accepting events and waits for pending deliveries. Record
// must not be called after Close.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() { close(n.queue) })
	<-n.done
}
