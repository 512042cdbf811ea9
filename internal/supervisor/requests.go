package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/vessel.level/internal/control"
)

// Op names an operator request.
type Op string

const (
	OpEnable      Op = "enable"
	OpDisable     Op = "disable"
	OpAcknowledge Op = "ack"
	OpSetpoint    Op = "setpoint"
)

type request struct {
	op       Op
	setpoint control.Setpoint
	reply    chan error
}

// Enable asks the loop to move OFF to HOLDING. It returns once the request
// has been applied at the next tick boundary.
func (s *Supervisor) Enable(ctx context.Context) error {
	return s.do(ctx, request{op: OpEnable})
}

// Disable asks the loop to stop every pump and move to OFF.
func (s *Supervisor) Disable(ctx context.Context) error {
	return s.do(ctx, request{op: OpDisable})
}

// Acknowledge asks the loop to clear a latched fault.
func (s *Supervisor) Acknowledge(ctx context.Context) error {
	return s.do(ctx, request{op: OpAcknowledge})
}

// SetSetpoint asks the loop to apply a new band and mode.
func (s *Supervisor) SetSetpoint(ctx context.Context, sp control.Setpoint) error {
	if err := sp.Validate(); err != nil {
		return err
	}
	return s.do(ctx, request{op: OpSetpoint, setpoint: sp})
}

func (s *Supervisor) do(ctx context.Context, r request) error {
	reply, err := s.enqueue(r)
	if err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue queues r without waiting for it to be applied.
func (s *Supervisor) enqueue(r request) (<-chan error, error) {
	r.reply = make(chan error, 1)
	select {
	case s.requests <- r:
		return r.reply, nil
	default:
		return nil, ErrQueueFull
	}
}

// applyRequests drains the queue. Stops produced by Disable are executed
// before the tick measures.
func (s *Supervisor) applyRequests(ctx context.Context, now time.Time) {
	for {
		select {
		case r := <-s.requests:
			r.reply <- s.apply(ctx, now, r)
		default:
			return
		}
	}
}

func (s *Supervisor) apply(ctx context.Context, now time.Time, r request) error {
	var err error
	switch r.op {
	case OpEnable:
		err = s.ctl.Enable()
	case OpDisable:
		s.execute(ctx, now, s.ctl.Disable(now))
	case OpAcknowledge:
		err = s.ctl.Acknowledge(now)
	case OpSetpoint:
		err = s.ctl.SetSetpoint(r.setpoint)
	default:
		err = fmt.Errorf("supervisor: unknown request %q", r.op)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", r.op, err)
	}
	return nil
}
