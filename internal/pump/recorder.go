package pump

import (
	"context"
	"sync"
)

// Call is one command received by a Recorder.
type Call struct {
	Op        string // "set_rate", "stop" or "status"
	PumpID    string
	Rate      float64
	Direction Direction
}

// Recorder is an in-memory Driver for tests. It records every call, keeps a
// plausible Status per pump and returns scripted errors.
type Recorder struct {
	mu     sync.Mutex
	calls  []Call
	status map[string]Status
	errs   map[string][]error
}

// NewRecorder returns a Recorder that knows the given pumps. Unknown IDs are
// answered with KindUnknownPump.
func NewRecorder(pumpIDs ...string) *Recorder {
	r := &Recorder{
		status: make(map[string]Status),
		errs:   make(map[string][]error),
	}
	for _, id := range pumpIDs {
		r.status[id] = Status{}
	}
	return r
}

// FailNext queues errs for the next calls of op ("set_rate", "stop",
// "status") on pumpID, one error per call.
func (r *Recorder) FailNext(op, pumpID string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := op + "/" + pumpID
	r.errs[key] = append(r.errs[key], errs...)
}

// SetFault makes QueryStatus report an alarm for pumpID.
func (r *Recorder) SetFault(pumpID, fault string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.status[pumpID]
	st.Fault = fault
	r.status[pumpID] = st
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsFor returns the recorded calls of op, in order.
func (r *Recorder) CallsFor(op string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ClearCalls forgets recorded calls but keeps pump state.
func (r *Recorder) ClearCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// StatusOf returns the simulated state of pumpID.
func (r *Recorder) StatusOf(pumpID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[pumpID]
}

func (r *Recorder) take(op, pumpID string) error {
	if _, ok := r.status[pumpID]; !ok {
		return &Error{Kind: KindUnknownPump, PumpID: pumpID}
	}
	key := op + "/" + pumpID
	q := r.errs[key]
	if len(q) == 0 {
		return nil
	}
	r.errs[key] = q[1:]
	return q[0]
}

func (r *Recorder) SetRate(ctx context.Context, pumpID string, rate float64, dir Direction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: "set_rate", PumpID: pumpID, Rate: rate, Direction: dir})
	if err := r.take("set_rate", pumpID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	st := r.status[pumpID]
	st.Running, st.Rate, st.Direction = rate > 0, rate, dir
	r.status[pumpID] = st
	return nil
}

func (r *Recorder) Stop(ctx context.Context, pumpID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: "stop", PumpID: pumpID})
	if err := r.take("stop", pumpID); err != nil {
		return err
	}
	st := r.status[pumpID]
	st.Running, st.Rate = false, 0
	r.status[pumpID] = st
	return nil
}

func (r *Recorder) QueryStatus(ctx context.Context, pumpID string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: "status", PumpID: pumpID})
	if err := r.take("status", pumpID); err != nil {
		return Status{}, err
	}
	return r.status[pumpID], nil
}
