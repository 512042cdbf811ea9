package control

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/vessel.level/internal/pump"
)

// State is the controller state.
type State string

const (
	Off      State = "OFF"
	Holding  State = "HOLDING"
	Filling  State = "FILLING"
	Draining State = "DRAINING"
	Fault    State = "FAULT"
)

// Mode restricts which way the controller may move the level.
type Mode string

const (
	ModeHold  Mode = "HOLD"  // fill and drain
	ModeFill  Mode = "FILL"  // fill only
	ModeDrain Mode = "DRAIN" // drain only
	ModeOff   Mode = "OFF"   // observe only
	// ModeFlow keeps liquid flowing through the vessel: both pumps run at
	// their flow rate in band, and the one pushing the level further out
	// of band stops until it is back.
	ModeFlow Mode = "FLOW"
)

func (m Mode) allowsFill() bool  { return m == ModeHold || m == ModeFill }
func (m Mode) allowsDrain() bool { return m == ModeHold || m == ModeDrain }

// Setpoint is the operator's target band and mode.
type Setpoint struct {
	MinMM float64 `json:"min_mm"`
	MaxMM float64 `json:"max_mm"`
	Mode  Mode    `json:"mode"`
}

// Validate checks the setpoint on its own.
func (s Setpoint) Validate() error {
	if !(s.MinMM < s.MaxMM) {
		return fmt.Errorf("band min %g must be below max %g", s.MinMM, s.MaxMM)
	}
	switch s.Mode {
	case ModeHold, ModeFill, ModeDrain, ModeOff, ModeFlow:
		return nil
	default:
		return fmt.Errorf("unknown mode %q", s.Mode)
	}
}

// Role says what a pump is for.
type Role string

const (
	RoleFill  Role = "fill"
	RoleDrain Role = "drain"
	// RoleBoth is a single reversible pump: dispense fills, withdraw drains.
	RoleBoth Role = "both"
)

// PumpConfig describes one pump. Rates are in ml/min.
type PumpConfig struct {
	ID          string
	Role        Role
	NominalRate float64
	// RampStep is the largest rate increase per RampInterval. Zero means
	// the pump starts straight at NominalRate.
	RampStep     float64
	RampInterval time.Duration
	// FlowRate is the through-flow rate in FLOW mode. Zero means
	// NominalRate.
	FlowRate float64
}

// Limits is a level range outside which the loop has lost control.
type Limits struct {
	MinMM float64 `json:"min_mm"`
	MaxMM float64 `json:"max_mm"`
}

// Config is the immutable controller configuration.
type Config struct {
	Pumps []PumpConfig
	// StaleGrace is how long STALE is tolerated before FAULT.
	StaleGrace time.Duration
	// ConfirmTimeout is how long a command may stay unconfirmed.
	ConfirmTimeout time.Duration
	// FailSafe, when set, trips FAULT on a trusted level outside it.
	FailSafe *Limits
	// MaxActuation, when non-zero, trips FAULT when a single fill or drain
	// runs longer.
	MaxActuation time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Pumps) == 0 {
		return errors.New("control: at least one pump is required")
	}
	ids := make(map[string]bool)
	fillers, drainers := 0, 0
	for _, p := range c.Pumps {
		if p.ID == "" {
			return errors.New("control: pump id is required")
		}
		if ids[p.ID] {
			return fmt.Errorf("control: duplicate pump id %q", p.ID)
		}
		ids[p.ID] = true
		switch p.Role {
		case RoleFill:
			fillers++
		case RoleDrain:
			drainers++
		case RoleBoth:
			fillers++
			drainers++
		default:
			return fmt.Errorf("control: pump %q has unknown role %q", p.ID, p.Role)
		}
		if p.NominalRate <= 0 {
			return fmt.Errorf("control: pump %q nominal rate must be positive", p.ID)
		}
		if p.FlowRate < 0 {
			return fmt.Errorf("control: pump %q flow rate must not be negative", p.ID)
		}
		if p.RampStep < 0 || p.RampInterval < 0 {
			return fmt.Errorf("control: pump %q ramp settings must not be negative", p.ID)
		}
	}
	if fillers > 1 || drainers > 1 {
		return errors.New("control: at most one pump may fill and one may drain")
	}
	if c.StaleGrace <= 0 {
		return errors.New("control: stale grace must be positive")
	}
	if c.ConfirmTimeout <= 0 {
		return errors.New("control: confirm timeout must be positive")
	}
	if c.FailSafe != nil && !(c.FailSafe.MinMM < c.FailSafe.MaxMM) {
		return errors.New("control: fail-safe min must be below max")
	}
	if c.MaxActuation < 0 {
		return errors.New("control: max actuation must not be negative")
	}
	return nil
}

// Decision is one pump command. Stop decisions ignore Rate and Direction.
type Decision struct {
	PumpID    string         `json:"pump_id"`
	Direction pump.Direction `json:"direction,omitempty"`
	Rate      float64        `json:"rate"`
	Stop      bool           `json:"stop"`
	Reason    string         `json:"reason"`
}

func (d Decision) String() string {
	if d.Stop {
		return fmt.Sprintf("%s stop (%s)", d.PumpID, d.Reason)
	}
	return fmt.Sprintf("%s %s %.3g ml/min (%s)", d.PumpID, d.Direction, d.Rate, d.Reason)
}

// PumpState is the controller's record of one pump.
type PumpState struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`

	LastRate         float64        `json:"last_rate"`
	LastDirection    pump.Direction `json:"last_direction,omitempty"`
	LastCommandAt    time.Time      `json:"last_command_at"`
	LastRateChangeAt time.Time      `json:"last_rate_change_at"`

	Pending         bool      `json:"pending"`
	PendingSince    time.Time `json:"pending_since"`
	PendingDecision Decision  `json:"pending_decision"`

	LastStatus   pump.Status `json:"last_status"`
	LastStatusAt time.Time   `json:"last_status_at"`
	// MismatchSince is when status polls started disagreeing with the
	// last confirmed command. Zero while they agree.
	MismatchSince time.Time `json:"mismatch_since"`
	// LastError is the most recent command or status error, cleared by
	// the next success.
	LastError string `json:"last_error,omitempty"`
}

// FaultKind is the error taxonomy surfaced to operators.
type FaultKind string

const (
	// VisionFault and SourceFault are recovered per tick and only
	// reported. The others latch the controller in FAULT.
	VisionFault      FaultKind = "VisionFault"
	SourceFault      FaultKind = "SourceFault"
	MeasurementStale FaultKind = "MeasurementStale"
	ActuatorFault    FaultKind = "ActuatorFault"
	LevelOutOfBounds FaultKind = "LevelOutOfBounds"
)

// FaultInfo describes one fault.
type FaultInfo struct {
	Kind   FaultKind `json:"kind"`
	Tick   uint64    `json:"tick"`
	At     time.Time `json:"at"`
	PumpID string    `json:"pump_id,omitempty"`
	Detail string    `json:"detail"`
	// LastGoodMM is the last non-stale filtered level, if any.
	LastGoodMM  float64 `json:"last_good_mm"`
	HasLastGood bool    `json:"has_last_good"`
}

func (f FaultInfo) String() string {
	s := fmt.Sprintf("%s at tick %d", f.Kind, f.Tick)
	if f.PumpID != "" {
		s += " pump " + f.PumpID
	}
	return s + ": " + f.Detail
}

var (
	// ErrFaultActive is returned when an acknowledgement or enable is
	// refused because the fault condition persists.
	ErrFaultActive = errors.New("fault condition still active")
	// ErrNotFaulted is returned by Acknowledge when there is nothing to
	// acknowledge.
	ErrNotFaulted = errors.New("controller is not faulted")
	// ErrOutsideFailSafe is returned for a band reaching past the fail-safe
	// limits.
	ErrOutsideFailSafe = errors.New("band outside the fail-safe limits")
	// ErrFlowNeedsTwoPumps is returned for FLOW mode without a separate
	// fill and drain pump.
	ErrFlowNeedsTwoPumps = errors.New("flow mode needs separate fill and drain pumps")
)
