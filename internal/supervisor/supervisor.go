// Package supervisor runs the control loop: once per tick it pulls a frame,
// estimates and filters the level, steps the controller and executes the
// resulting pump commands. Operator requests are queued and applied at tick
// boundaries, and the outcome of each tick is published as an immutable
// Snapshot.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/vessel.level/internal/camera"
	"github.com/banshee-data/vessel.level/internal/control"
	"github.com/banshee-data/vessel.level/internal/filter"
	"github.com/banshee-data/vessel.level/internal/monitoring"
	"github.com/banshee-data/vessel.level/internal/pump"
	"github.com/banshee-data/vessel.level/internal/timeutil"
	"github.com/banshee-data/vessel.level/internal/vision"
)

// requestQueueSize bounds pending operator requests.
const requestQueueSize = 16

// ErrQueueFull is returned when operator requests arrive faster than ticks.
var ErrQueueFull = errors.New("supervisor: request queue full")

// Config tunes the loop.
type Config struct {
	TickPeriod   time.Duration
	FrameTimeout time.Duration
	// FrameRetries is how many extra pulls a tick makes after a failed one.
	FrameRetries   int
	CommandTimeout time.Duration
	// CommandRetries is how many times a timeout or comm error is retried
	// within the tick.
	CommandRetries int
	// StatusPoll is the pump status polling interval. Zero disables polling.
	StatusPoll time.Duration
	// PriorTTL is how long the last accepted level is used for jump
	// rejection. Zero keeps it forever.
	PriorTTL time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.TickPeriod <= 0 {
		return errors.New("loop: tick period must be positive")
	}
	if c.FrameTimeout <= 0 || c.CommandTimeout <= 0 {
		return errors.New("loop: frame and command timeouts must be positive")
	}
	if c.FrameRetries < 0 || c.CommandRetries < 0 {
		return errors.New("loop: retries must not be negative")
	}
	if c.StatusPoll < 0 || c.PriorTTL < 0 {
		return errors.New("loop: status poll and prior ttl must not be negative")
	}
	return nil
}

// Estimator turns a frame into a raw measurement.
type Estimator interface {
	Estimate(f vision.Frame, prior vision.Prior) vision.RawMeasurement
}

// Sink receives every published snapshot. Record must not block the loop.
type Sink interface {
	Record(s *Snapshot)
}

// FaultCapture is handed the last frame seen and its measurement when a
// fault latches. The frame has a nil Image if none arrived yet. Capture
// must not block the loop.
type FaultCapture interface {
	Capture(f vision.Frame, raw vision.RawMeasurement, s *Snapshot)
}

// Deps are the collaborators of a Supervisor.
type Deps struct {
	Clock      timeutil.Clock
	Source     camera.Source
	Driver     pump.Driver
	Estimator  Estimator
	Filter     *filter.Filter
	Controller *control.Controller
	Sinks      []Sink
	// Capture is optional.
	Capture FaultCapture
}

// Supervisor owns the control loop. Tick and Run must be called from a
// single goroutine; operator methods and Snapshot are safe from any.
type Supervisor struct {
	cfg    Config
	clock  timeutil.Clock
	source camera.Source
	driver pump.Driver
	est    Estimator
	filt   *filter.Filter
	ctl    *control.Controller
	sinks  []Sink
	capt   FaultCapture

	requests chan request
	snap     atomic.Pointer[Snapshot]

	tick       uint64
	hadFault   bool
	lastPoll   time.Time
	prior      vision.Prior
	priorAt    time.Time
	tickFaults []control.FaultInfo
	commands   []CommandResult

	lastFrame vision.Frame
	lastRaw   vision.RawMeasurement
}

// New validates cfg and wires the loop.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Source == nil || deps.Driver == nil || deps.Estimator == nil || deps.Filter == nil || deps.Controller == nil {
		return nil, errors.New("supervisor: source, driver, estimator, filter and controller are required")
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	s := &Supervisor{
		cfg:      cfg,
		clock:    deps.Clock,
		source:   deps.Source,
		driver:   deps.Driver,
		est:      deps.Estimator,
		filt:     deps.Filter,
		ctl:      deps.Controller,
		sinks:    deps.Sinks,
		capt:     deps.Capture,
		requests: make(chan request, requestQueueSize),
	}
	s.snap.Store(s.buildSnapshot(s.clock.Now(), vision.RawMeasurement{BoundaryRow: -1}, s.filt.Current()))
	return s, nil
}

// Snapshot returns the most recently published snapshot. It is never nil
// and must not be modified.
func (s *Supervisor) Snapshot() *Snapshot { return s.snap.Load() }

// Run ticks until ctx is cancelled, then stops every pump and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.TickPeriod)
	defer ticker.Stop()

	monitoring.Logf("supervisor: loop started, tick period %s", s.cfg.TickPeriod)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C():
			s.Tick(ctx, s.clock.Now())
		}
	}
}

// shutdown stops every pump on a fresh context, since the loop's own one is
// already cancelled.
func (s *Supervisor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommandTimeout*time.Duration(len(s.ctl.PumpIDs())+1))
	defer cancel()
	now := s.clock.Now()
	s.commands = nil
	s.execute(ctx, now, s.ctl.Disable(now))
	monitoring.Logf("supervisor: loop stopped, all pumps commanded to stop")
}

// Tick runs one iteration of the loop at now.
func (s *Supervisor) Tick(ctx context.Context, now time.Time) {
	s.tick++
	s.tickFaults = nil
	s.commands = nil
	s.hadFault = s.ctl.Fault() != nil

	s.applyRequests(ctx, now)

	raw, fl := s.measure(ctx, now)

	var decisions []control.Decision
	if s.cfg.StatusPoll > 0 && (s.lastPoll.IsZero() || now.Sub(s.lastPoll) >= s.cfg.StatusPoll) {
		s.lastPoll = now
		decisions = append(decisions, s.pollStatus(ctx, now)...)
	}
	s.execute(ctx, now, decisions)

	s.execute(ctx, now, s.ctl.Step(now, fl))
	s.resendStops(ctx, now)

	snap := s.buildSnapshot(now, raw, fl)
	s.snap.Store(snap)
	for _, sink := range s.sinks {
		sink.Record(snap)
	}
	if s.capt != nil && !s.hadFault && snap.LatchedFault != nil {
		s.capt.Capture(s.lastFrame, s.lastRaw, snap)
	}
	monitoring.Tracef("tick %d raw=%v/%.1f level=%.1f %s state=%s",
		s.tick, raw.Valid, raw.LevelMM, fl.LevelMM, fl.Confidence, snap.State)
}

// measure pulls a frame and feeds the filter. Source and vision problems
// are recorded as tick faults and never escape.
func (s *Supervisor) measure(ctx context.Context, now time.Time) (vision.RawMeasurement, filter.FilteredLevel) {
	frame, err := s.nextFrame(ctx)
	if err != nil {
		s.recordFault(now, control.SourceFault, fmt.Sprintf("no frame: %v", err))
		return vision.Invalid(now, vision.FaultNone), s.filt.Expire(now)
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = now
	}

	if s.prior.Valid && s.cfg.PriorTTL > 0 && frame.Timestamp.Sub(s.priorAt) > s.cfg.PriorTTL {
		s.prior = vision.Prior{}
	}
	raw := s.estimate(frame)
	s.lastFrame, s.lastRaw = frame, raw
	if raw.Valid {
		s.prior = vision.Prior{LevelMM: raw.LevelMM, Valid: true}
		s.priorAt = raw.Timestamp
	} else {
		s.recordFault(now, control.VisionFault, string(raw.Fault))
	}
	return raw, s.filt.Update(raw)
}

func (s *Supervisor) nextFrame(ctx context.Context) (vision.Frame, error) {
	var err error
	for attempt := 0; attempt <= s.cfg.FrameRetries; attempt++ {
		var f vision.Frame
		f, err = s.source.NextFrame(ctx, s.cfg.FrameTimeout)
		if err == nil {
			return f, nil
		}
		if ctx.Err() != nil || errors.Is(err, camera.ErrSourceClosed) {
			break
		}
	}
	return vision.Frame{}, err
}

// estimate runs the estimator, turning a panic into an invalid measurement.
func (s *Supervisor) estimate(f vision.Frame) (m vision.RawMeasurement) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Opsf("supervisor: estimator panic on frame %d: %v", f.Index, r)
			m = vision.Invalid(f.Timestamp, vision.FaultMalformedFrame)
		}
	}()
	return s.est.Estimate(f, s.prior)
}

func (s *Supervisor) pollStatus(ctx context.Context, now time.Time) []control.Decision {
	var out []control.Decision
	for _, id := range s.ctl.PumpIDs() {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
		st, err := s.driver.QueryStatus(cctx, id)
		cancel()
		if err != nil {
			monitoring.Diagf("supervisor: status %s: %v", id, err)
		}
		out = append(out, s.ctl.RecordStatus(now, id, st, err)...)
	}
	return out
}

// execute runs decisions and reports each outcome. Stops returned by the
// controller on a failure are executed at once, in the same tick.
func (s *Supervisor) execute(ctx context.Context, now time.Time, decisions []control.Decision) {
	for len(decisions) > 0 {
		var followUp []control.Decision
		for _, d := range decisions {
			attempts, err := s.send(ctx, d)
			s.commands = append(s.commands, newCommandResult(d, attempts, err))
			followUp = append(followUp, s.ctl.RecordResult(now, d.PumpID, err)...)
		}
		decisions = followUp
	}
}

// send executes one decision, retrying timeouts and comm errors.
func (s *Supervisor) send(ctx context.Context, d control.Decision) (attempts int, err error) {
	for attempts < 1+s.cfg.CommandRetries {
		attempts++
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
		if d.Stop {
			err = s.driver.Stop(cctx, d.PumpID)
		} else {
			err = s.driver.SetRate(cctx, d.PumpID, d.Rate, d.Direction)
		}
		cancel()
		if err == nil || !pump.IsRetryable(err) || ctx.Err() != nil {
			return attempts, err
		}
		monitoring.Opsf("supervisor: %s attempt %d: %v", d, attempts, err)
	}
	return attempts, err
}

// resendStops repeats stops that are still unconfirmed in OFF or FAULT, where
// the controller issues no new commands of its own.
func (s *Supervisor) resendStops(ctx context.Context, now time.Time) {
	st := s.ctl.State()
	if st != control.Off && st != control.Fault {
		return
	}
	sent := make(map[string]bool, len(s.commands))
	for _, c := range s.commands {
		sent[c.Decision.PumpID] = true
	}
	var retry []control.Decision
	for _, ps := range s.ctl.Pumps() {
		if ps.Pending && ps.PendingDecision.Stop && !sent[ps.ID] {
			retry = append(retry, ps.PendingDecision)
		}
	}
	for _, d := range retry {
		attempts, err := s.send(ctx, d)
		s.commands = append(s.commands, newCommandResult(d, attempts, err))
		s.ctl.RecordResult(now, d.PumpID, err)
	}
}

func (s *Supervisor) recordFault(now time.Time, kind control.FaultKind, detail string) {
	f := control.FaultInfo{Kind: kind, Tick: s.tick, At: now, Detail: detail}
	if cur := s.filt.Current(); cur.Confidence != filter.Stale {
		f.LastGoodMM, f.HasLastGood = cur.LevelMM, true
	}
	s.tickFaults = append(s.tickFaults, f)
	monitoring.Diagf("supervisor: %s", f)
}
