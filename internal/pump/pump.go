// Package pump defines the capability the control loop uses to actuate
// pumps. Vendor dialects live in subpackages; the loop only sees Driver.
package pump

import (
	"context"
	"errors"
	"fmt"
)

// Direction is the flow direction of a peristaltic pump.
type Direction string

const (
	// Dispense pushes liquid into the vessel.
	Dispense Direction = "dispense"
	// Withdraw pulls liquid out of the vessel.
	Withdraw Direction = "withdraw"
)

// Status is what a pump reports about itself. Rate is in ml/min.
type Status struct {
	Running   bool      `json:"running"`
	Rate      float64   `json:"rate"`
	Direction Direction `json:"direction,omitempty"`
	// Fault is non-empty when the pump is in an alarm state.
	Fault string `json:"fault,omitempty"`
}

// Driver actuates pumps identified by the IDs in the run configuration.
// Every method must return within the deadline carried by ctx.
type Driver interface {
	// SetRate starts pumpID (or changes its rate) at rate ml/min in dir.
	SetRate(ctx context.Context, pumpID string, rate float64, dir Direction) error
	// Stop halts pumpID. Stopping a stopped pump is an ack, not an error.
	Stop(ctx context.Context, pumpID string) error
	// QueryStatus reads the pump's current state.
	QueryStatus(ctx context.Context, pumpID string) (Status, error)
}

// ErrorKind classifies driver failures.
type ErrorKind int

const (
	// KindTimeout means no (complete) response arrived in time.
	KindTimeout ErrorKind = iota
	// KindComm covers garbled packets and transport failures.
	KindComm
	// KindRejected means the pump understood and refused the command.
	KindRejected
	// KindHardware means the pump reported an alarm (stall, reset, ...).
	KindHardware
	// KindUnknownPump means the ID is not configured on this driver.
	KindUnknownPump
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindComm:
		return "comm"
	case KindRejected:
		return "rejected"
	case KindHardware:
		return "hardware"
	case KindUnknownPump:
		return "unknown_pump"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is returned by drivers for every failed command.
type Error struct {
	Kind   ErrorKind
	PumpID string
	// Code is the vendor code, e.g. "OOR" or the alarm letter.
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("pump %s: %s", e.PumpID, e.Kind)
	if e.Code != "" {
		s += " [" + e.Code + "]"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a driver error. Errors not produced by a
// driver (context cancellation included) are reported as KindComm.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindComm
}

// IsRetryable reports whether resending the same command may succeed.
// Hardware alarms and rejections are never retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindTimeout, KindComm:
		return true
	default:
		return false
	}
}
