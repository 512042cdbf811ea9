// Package control holds the pump controller state machine.
//
// The controller is stepped once per loop tick with the filtered level and
// returns the pump commands for that tick. It never talks to pumps itself:
// the supervisor executes decisions and reports the outcome back through
// RecordResult and RecordStatus.
//
//	OFF --enable--> HOLDING --level < min--> FILLING  --level >= min, HIGH--> HOLDING
//	                        --level > max--> DRAINING --level <= max, HIGH--> HOLDING
//	any non-OFF --stale past grace | pump error | unconfirmed--> FAULT --ack--> HOLDING
//	any --disable--> OFF
//
// In FLOW mode the states are the same but HOLDING runs both pumps, FILLING
// stops the drain pump and DRAINING stops the fill pump.
package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/vessel.level/internal/filter"
	"github.com/banshee-data/vessel.level/internal/monitoring"
	"github.com/banshee-data/vessel.level/internal/pump"
)

// Controller is the pump control state machine. It is owned by the control
// loop and is not safe for concurrent use.
type Controller struct {
	cfg      Config
	setpoint Setpoint
	state    State

	pumps   map[string]*PumpState
	order   []string
	filler  string
	drainer string

	tick           uint64
	level          filter.FilteredLevel
	lastGood       filter.FilteredLevel
	hasLastGood    bool
	staleSince     time.Time
	actuationSince time.Time

	// fault is the latched fault. It survives Disable and is only cleared
	// by Acknowledge.
	fault *FaultInfo
}

// New returns a controller in OFF.
func New(cfg Config, sp Setpoint) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:   cfg,
		state: Off,
		pumps: make(map[string]*PumpState),
		level: filter.FilteredLevel{Confidence: filter.Stale},
	}
	for _, p := range cfg.Pumps {
		c.pumps[p.ID] = &PumpState{ID: p.ID, Role: p.Role}
		c.order = append(c.order, p.ID)
		if p.Role == RoleFill || p.Role == RoleBoth {
			c.filler = p.ID
		}
		if p.Role == RoleDrain || p.Role == RoleBoth {
			c.drainer = p.ID
		}
	}
	if err := c.SetSetpoint(sp); err != nil {
		return nil, err
	}
	return c, nil
}

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Setpoint returns the active setpoint.
func (c *Controller) Setpoint() Setpoint { return c.setpoint }

// Fault returns a copy of the latched fault, or nil.
func (c *Controller) Fault() *FaultInfo {
	if c.fault == nil {
		return nil
	}
	f := *c.fault
	return &f
}

// Pumps returns a copy of every pump state in configuration order.
func (c *Controller) Pumps() []PumpState {
	out := make([]PumpState, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.pumps[id])
	}
	return out
}

// PumpIDs returns the configured pump IDs in configuration order.
func (c *Controller) PumpIDs() []string { return append([]string(nil), c.order...) }

// SetSetpoint applies a new band and mode. It is a reconfiguration event;
// an active fill or drain the new mode forbids ends on the next Step.
func (c *Controller) SetSetpoint(sp Setpoint) error {
	if err := sp.Validate(); err != nil {
		return err
	}
	if fs := c.cfg.FailSafe; fs != nil && (sp.MinMM < fs.MinMM || sp.MaxMM > fs.MaxMM) {
		return fmt.Errorf("%w: band [%g,%g], limits [%g,%g]",
			ErrOutsideFailSafe, sp.MinMM, sp.MaxMM, fs.MinMM, fs.MaxMM)
	}
	if sp.Mode == ModeFlow && (c.filler == "" || c.drainer == "" || c.filler == c.drainer) {
		return ErrFlowNeedsTwoPumps
	}
	if c.setpoint != (Setpoint{}) {
		monitoring.Diagf("control: setpoint [%g,%g] %s -> [%g,%g] %s",
			c.setpoint.MinMM, c.setpoint.MaxMM, c.setpoint.Mode, sp.MinMM, sp.MaxMM, sp.Mode)
	}
	c.setpoint = sp
	return nil
}

// Enable moves OFF to HOLDING. It is refused while a fault is latched and
// is a no-op in any other state.
func (c *Controller) Enable() error {
	if c.fault != nil {
		return fmt.Errorf("enable refused: %w (%s)", ErrFaultActive, c.fault)
	}
	if c.state == Off {
		c.staleSince = time.Time{}
		c.transition(Holding, "enabled")
	}
	return nil
}

// Disable moves any state to OFF and stops every pump. A latched fault
// stays latched.
func (c *Controller) Disable(now time.Time) []Decision {
	if c.state != Off {
		c.transition(Off, "disabled")
	}
	c.actuationSince = time.Time{}
	return c.stopAll(now, "disabled")
}

// Acknowledge clears a latched fault once its condition has cleared. In
// FAULT the controller resumes in HOLDING; in OFF it stays OFF.
func (c *Controller) Acknowledge(now time.Time) error {
	if c.fault == nil {
		return ErrNotFaulted
	}
	if reason := c.faultCondition(); reason != "" {
		return fmt.Errorf("%w: %s", ErrFaultActive, reason)
	}
	monitoring.Opsf("control: fault acknowledged: %s", c.fault)
	c.fault = nil
	c.staleSince = time.Time{}
	c.actuationSince = time.Time{}
	if c.state == Fault {
		c.transition(Holding, "fault acknowledged")
	}
	return nil
}

// faultCondition returns why the system is not yet safe to resume, or "".
func (c *Controller) faultCondition() string {
	if c.level.Confidence == filter.Stale {
		return "level is stale"
	}
	if fs := c.cfg.FailSafe; fs != nil && (c.level.LevelMM < fs.MinMM || c.level.LevelMM > fs.MaxMM) {
		return fmt.Sprintf("level %.1f mm outside fail-safe limits", c.level.LevelMM)
	}
	for _, id := range c.order {
		ps := c.pumps[id]
		if ps.Pending {
			return fmt.Sprintf("pump %s has an unconfirmed command", id)
		}
		if ps.LastStatus.Fault != "" {
			return fmt.Sprintf("pump %s reports %s", id, ps.LastStatus.Fault)
		}
		if !ps.MismatchSince.IsZero() {
			return fmt.Sprintf("pump %s %s", id, statusMismatch(*ps, ps.LastStatus))
		}
	}
	return ""
}

// Step evaluates one tick and returns the decisions to execute.
func (c *Controller) Step(now time.Time, fl filter.FilteredLevel) []Decision {
	c.tick++
	c.level = fl
	if fl.Confidence != filter.Stale {
		c.lastGood = fl
		c.hasLastGood = true
		c.staleSince = time.Time{}
	} else if c.staleSince.IsZero() {
		c.staleSince = now
	}

	if c.state == Off || c.state == Fault {
		return nil
	}

	if f := c.checkFaults(now, fl); f != nil {
		return c.enterFault(now, *f)
	}

	// STALE inside the grace period: freeze. Nothing new is commanded on a
	// level we cannot see.
	if fl.Confidence == filter.Stale {
		return nil
	}
	for _, id := range c.order {
		if c.pumps[id].Pending {
			return nil
		}
	}

	mode := c.setpoint.Mode
	if mode == ModeFlow {
		return c.stepFlow(now, fl)
	}
	switch c.state {
	case Holding:
		if ds := c.stopRunning(now, "mode "+string(mode)); len(ds) > 0 {
			return ds
		}
		if fl.LevelMM < c.setpoint.MinMM && mode.allowsFill() && c.filler != "" {
			c.transition(Filling, fmt.Sprintf("level %.1f mm below %g mm (%s)", fl.LevelMM, c.setpoint.MinMM, fl.Confidence))
			c.actuationSince = now
			return c.drive(now, c.filler, pump.Dispense, c.pumpConfig(c.filler).NominalRate)
		}
		if fl.LevelMM > c.setpoint.MaxMM && mode.allowsDrain() && c.drainer != "" {
			c.transition(Draining, fmt.Sprintf("level %.1f mm above %g mm (%s)", fl.LevelMM, c.setpoint.MaxMM, fl.Confidence))
			c.actuationSince = now
			return c.drive(now, c.drainer, pump.Withdraw, c.pumpConfig(c.drainer).NominalRate)
		}
		return nil

	case Filling:
		if !mode.allowsFill() {
			return c.finish(now, c.filler, "mode "+string(mode))
		}
		if fl.Confidence == filter.High && fl.LevelMM >= c.setpoint.MinMM {
			return c.finish(now, c.filler, fmt.Sprintf("level %.1f mm reached band", fl.LevelMM))
		}
		return c.drive(now, c.filler, pump.Dispense, c.pumpConfig(c.filler).NominalRate)

	case Draining:
		if !mode.allowsDrain() {
			return c.finish(now, c.drainer, "mode "+string(mode))
		}
		if fl.Confidence == filter.High && fl.LevelMM <= c.setpoint.MaxMM {
			return c.finish(now, c.drainer, fmt.Sprintf("level %.1f mm reached band", fl.LevelMM))
		}
		return c.drive(now, c.drainer, pump.Withdraw, c.pumpConfig(c.drainer).NominalRate)
	}
	return nil
}

// stepFlow is Step in FLOW mode. Out of band the pump pushing the level
// further out stops; the other keeps running at its flow rate.
func (c *Controller) stepFlow(now time.Time, fl filter.FilteredLevel) []Decision {
	sp := c.setpoint
	switch c.state {
	case Holding:
		if fl.LevelMM < sp.MinMM {
			c.transition(Filling, fmt.Sprintf("level %.1f mm below %g mm (%s), drain paused", fl.LevelMM, sp.MinMM, fl.Confidence))
			c.actuationSince = now
		} else if fl.LevelMM > sp.MaxMM {
			c.transition(Draining, fmt.Sprintf("level %.1f mm above %g mm (%s), fill paused", fl.LevelMM, sp.MaxMM, fl.Confidence))
			c.actuationSince = now
		}
	case Filling:
		if fl.Confidence == filter.High && fl.LevelMM >= sp.MinMM {
			c.transition(Holding, fmt.Sprintf("level %.1f mm reached band", fl.LevelMM))
			c.actuationSince = time.Time{}
		}
	case Draining:
		if fl.Confidence == filter.High && fl.LevelMM <= sp.MaxMM {
			c.transition(Holding, fmt.Sprintf("level %.1f mm reached band", fl.LevelMM))
			c.actuationSince = time.Time{}
		}
	}

	var out []Decision
	out = append(out, c.flowPump(now, c.filler, pump.Dispense, c.state != Draining)...)
	out = append(out, c.flowPump(now, c.drainer, pump.Withdraw, c.state != Filling)...)
	return out
}

// flowPump drives pumpID at its flow rate, or stops it if it should not run.
func (c *Controller) flowPump(now time.Time, pumpID string, dir pump.Direction, run bool) []Decision {
	if run {
		pc := c.pumpConfig(pumpID)
		rate := pc.FlowRate
		if rate == 0 {
			rate = pc.NominalRate
		}
		return c.drive(now, pumpID, dir, rate)
	}
	if c.pumps[pumpID].LastRate > 0 {
		return []Decision{c.emit(now, Decision{PumpID: pumpID, Stop: true, Reason: string(c.state)})}
	}
	return nil
}

// stopRunning stops every pump still running, as after leaving FLOW mode.
func (c *Controller) stopRunning(now time.Time, reason string) []Decision {
	var out []Decision
	for _, id := range c.order {
		if c.pumps[id].LastRate > 0 {
			out = append(out, c.emit(now, Decision{PumpID: id, Stop: true, Reason: reason}))
		}
	}
	return out
}

// checkFaults returns the fault to enter, if any.
func (c *Controller) checkFaults(now time.Time, fl filter.FilteredLevel) *FaultInfo {
	for _, id := range c.order {
		ps := c.pumps[id]
		if ps.Pending && now.Sub(ps.PendingSince) > c.cfg.ConfirmTimeout {
			return c.newFault(now, ActuatorFault, id,
				fmt.Sprintf("%s unconfirmed for %s", ps.PendingDecision, now.Sub(ps.PendingSince)))
		}
	}
	if fl.Confidence == filter.Stale && now.Sub(c.staleSince) > c.cfg.StaleGrace {
		return c.newFault(now, MeasurementStale, "",
			fmt.Sprintf("level stale for %s (grace %s)", now.Sub(c.staleSince), c.cfg.StaleGrace))
	}
	if fs := c.cfg.FailSafe; fs != nil && fl.Confidence == filter.High &&
		(fl.LevelMM < fs.MinMM || fl.LevelMM > fs.MaxMM) {
		return c.newFault(now, LevelOutOfBounds, "",
			fmt.Sprintf("level %.1f mm outside fail-safe limits [%g,%g]", fl.LevelMM, fs.MinMM, fs.MaxMM))
	}
	if c.cfg.MaxActuation > 0 && (c.state == Filling || c.state == Draining) &&
		now.Sub(c.actuationSince) > c.cfg.MaxActuation {
		return c.newFault(now, ActuatorFault, "",
			fmt.Sprintf("%s for %s without reaching the band", c.state, now.Sub(c.actuationSince)))
	}
	return nil
}

func (c *Controller) newFault(now time.Time, kind FaultKind, pumpID, detail string) *FaultInfo {
	return &FaultInfo{
		Kind:        kind,
		Tick:        c.tick,
		At:          now,
		PumpID:      pumpID,
		Detail:      detail,
		LastGoodMM:  c.lastGood.LevelMM,
		HasLastGood: c.hasLastGood,
	}
}

// enterFault latches f, moves to FAULT and stops every pump.
func (c *Controller) enterFault(now time.Time, f FaultInfo) []Decision {
	c.fault = &f
	monitoring.Opsf("control: FAULT %s", f)
	c.transition(Fault, string(f.Kind))
	c.actuationSince = time.Time{}
	return c.stopAll(now, "fault")
}

// finish ends a fill or drain with a single stop of the active pump.
func (c *Controller) finish(now time.Time, pumpID, reason string) []Decision {
	c.transition(Holding, reason)
	c.actuationSince = time.Time{}
	return []Decision{c.emit(now, Decision{PumpID: pumpID, Stop: true, Reason: reason})}
}

// drive ramps pumpID toward target in dir. A rate increase is emitted at
// most once per RampInterval and raises the rate by at most RampStep; a
// decrease goes straight to target.
func (c *Controller) drive(now time.Time, pumpID string, dir pump.Direction, target float64) []Decision {
	ps := c.pumps[pumpID]
	pc := c.pumpConfig(pumpID)

	current := ps.LastRate
	if ps.LastDirection != dir {
		current = 0
	}
	if current == target {
		return nil
	}
	next := target
	if current < target {
		if !ps.LastRateChangeAt.IsZero() && now.Sub(ps.LastRateChangeAt) < pc.RampInterval {
			return nil
		}
		if pc.RampStep > 0 {
			next = math.Min(target, current+pc.RampStep)
		}
	}
	d := c.emit(now, Decision{PumpID: pumpID, Direction: dir, Rate: next, Reason: string(c.state)})
	ps.LastRateChangeAt = now
	return []Decision{d}
}

// stopAll emits a stop for every pump, pending or not.
func (c *Controller) stopAll(now time.Time, reason string) []Decision {
	out := make([]Decision, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.emit(now, Decision{PumpID: id, Stop: true, Reason: reason}))
	}
	return out
}

// emit marks the pump pending on d and logs it for audit.
func (c *Controller) emit(now time.Time, d Decision) Decision {
	ps := c.pumps[d.PumpID]
	ps.Pending = true
	ps.PendingSince = now
	ps.PendingDecision = d
	ps.LastCommandAt = now
	monitoring.Diagf("control: tick %d decision %s", c.tick, d)
	return d
}

func (c *Controller) transition(to State, reason string) {
	monitoring.Diagf("control: tick %d %s -> %s: %s", c.tick, c.state, to, reason)
	c.state = to
}

func (c *Controller) pumpConfig(id string) PumpConfig {
	for _, p := range c.cfg.Pumps {
		if p.ID == id {
			return p
		}
	}
	return PumpConfig{}
}

// RecordResult reports the outcome of executing the pending decision of
// pumpID. A timeout leaves the command unconfirmed, to be escalated after
// ConfirmTimeout. A cancelled context is the loop shutting down, not the
// pump failing: the command stays pending for the shutdown stops. Any other
// error latches FAULT at once; the returned stop decisions must be executed
// immediately.
func (c *Controller) RecordResult(now time.Time, pumpID string, err error) []Decision {
	ps, ok := c.pumps[pumpID]
	if !ok || !ps.Pending {
		return nil
	}
	d := ps.PendingDecision

	if errors.Is(err, context.Canceled) {
		monitoring.Diagf("control: %s interrupted: %v", d, err)
		return nil
	}

	if err == nil {
		ps.Pending = false
		ps.LastError = ""
		if d.Stop {
			ps.LastRate = 0
		} else {
			ps.LastRate = d.Rate
			ps.LastDirection = d.Direction
		}
		return nil
	}

	ps.LastError = err.Error()
	if pump.KindOf(err) == pump.KindTimeout {
		monitoring.Opsf("control: %s unconfirmed: %v", d, err)
		return nil
	}

	ps.Pending = false
	if c.state == Fault || c.state == Off {
		// Stops issued on the way into FAULT or OFF failed; nothing more
		// to escalate.
		monitoring.Opsf("control: %s failed: %v", d, err)
		return nil
	}
	return c.enterFault(now, *c.newFault(now, ActuatorFault, pumpID, fmt.Sprintf("%s failed: %v", d, err)))
}

// RecordStatus stores a status poll result. A pump reporting an alarm
// latches FAULT, as does a pump whose reported running state or direction
// has disagreed with its last confirmed command for longer than
// ConfirmTimeout. The returned stops must be executed immediately. Timeouts
// and comm errors on polls are only recorded.
func (c *Controller) RecordStatus(now time.Time, pumpID string, st pump.Status, err error) []Decision {
	ps, ok := c.pumps[pumpID]
	if !ok {
		return nil
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		ps.LastError = err.Error()
		kind := pump.KindOf(err)
		if kind == pump.KindHardware && c.state != Off && c.state != Fault {
			return c.enterFault(now, *c.newFault(now, ActuatorFault, pumpID, err.Error()))
		}
		return nil
	}

	ps.LastStatus = st
	ps.LastStatusAt = now
	if st.Fault != "" {
		ps.LastError = st.Fault
		if c.state != Off && c.state != Fault {
			return c.enterFault(now, *c.newFault(now, ActuatorFault, pumpID, "pump reports "+st.Fault))
		}
		return nil
	}
	if ps.Pending {
		ps.MismatchSince = time.Time{}
		return nil
	}
	ps.LastError = ""

	mismatch := statusMismatch(*ps, st)
	if mismatch == "" {
		ps.MismatchSince = time.Time{}
		return nil
	}
	ps.LastError = mismatch
	if ps.MismatchSince.IsZero() {
		ps.MismatchSince = now
		monitoring.Opsf("control: pump %s %s", pumpID, mismatch)
	}
	if c.state != Off && c.state != Fault && now.Sub(ps.MismatchSince) > c.cfg.ConfirmTimeout {
		return c.enterFault(now, *c.newFault(now, ActuatorFault, pumpID,
			fmt.Sprintf("%s for %s", mismatch, now.Sub(ps.MismatchSince))))
	}
	return nil
}

// statusMismatch describes how st disagrees with the last confirmed command
// of ps, or returns "".
func statusMismatch(ps PumpState, st pump.Status) string {
	commanded := ps.LastRate > 0
	switch {
	case st.Running && !commanded:
		return "reports running after a confirmed stop"
	case !st.Running && commanded:
		return fmt.Sprintf("reports stopped, commanded %s at %.3g ml/min", ps.LastDirection, ps.LastRate)
	case st.Running && st.Direction != "" && st.Direction != ps.LastDirection:
		return fmt.Sprintf("reports %s, commanded %s", st.Direction, ps.LastDirection)
	}
	return ""
}
