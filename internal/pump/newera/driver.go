// Package newera drives New Era peristaltic pumps (NE-9000 family) over the
// RS-232 basic-mode protocol. Several pumps may share one port; each is
// addressed by the number set on its front panel.
package newera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/vessel.level/internal/monitoring"
	"github.com/banshee-data/vessel.level/internal/pump"
	"github.com/banshee-data/vessel.level/internal/serialmux"
	"github.com/banshee-data/vessel.level/internal/units"
)

// DefaultTimeout bounds a single command/response exchange.
const DefaultTimeout = 500 * time.Millisecond

var rateUnitCode = map[string]string{
	units.MLPerMin: "MM",
	units.ULPerMin: "UM",
	units.MLPerH:   "MH",
	units.ULPerH:   "UH",
}

// Config describes the pumps sharing one port.
type Config struct {
	// Addresses maps pump IDs to bus addresses (0-99).
	Addresses map[string]int
	// RateUnit is the unit sent with RAT commands. Defaults to ml/min.
	RateUnit string
	// Timeout bounds each exchange. Defaults to DefaultTimeout.
	Timeout time.Duration
}

type pumpState struct {
	running bool
	dir     pump.Direction
}

// Driver implements pump.Driver for New Era pumps.
type Driver struct {
	tx       serialmux.Transactor
	addrs    map[string]int
	unit     string
	unitCode string
	timeout  time.Duration

	mu    sync.Mutex
	state map[string]pumpState
}

var _ pump.Driver = (*Driver)(nil)

// New returns a Driver talking through tx.
func New(tx serialmux.Transactor, cfg Config) (*Driver, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("newera: no pumps configured")
	}
	seen := make(map[int]string)
	for id, addr := range cfg.Addresses {
		if addr < 0 || addr > 99 {
			return nil, fmt.Errorf("newera: pump %q address %d out of range 0-99", id, addr)
		}
		if other, dup := seen[addr]; dup {
			return nil, fmt.Errorf("newera: pumps %q and %q share address %d", other, id, addr)
		}
		seen[addr] = id
	}

	unit := cfg.RateUnit
	if unit == "" {
		unit = units.MLPerMin
	}
	code, ok := rateUnitCode[unit]
	if !ok {
		return nil, fmt.Errorf("newera: unsupported rate unit %q (use one of: %s)", unit, units.GetValidRateUnitsString())
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	addrs := make(map[string]int, len(cfg.Addresses))
	for id, a := range cfg.Addresses {
		addrs[id] = a
	}
	return &Driver{
		tx:       tx,
		addrs:    addrs,
		unit:     unit,
		unitCode: code,
		timeout:  timeout,
		state:    make(map[string]pumpState),
	}, nil
}

// Open opens the serial port at path and returns a Driver on it.
func Open(path string, opts serialmux.PortOptions, cfg Config) (*Driver, error) {
	mux, err := serialmux.NewRealSerialMux(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pump port %s: %w", path, err)
	}
	d, err := New(mux, cfg)
	if err != nil {
		mux.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the serial port.
func (d *Driver) Close() error { return d.tx.Close() }

// xmit sends one command and classifies the reply.
func (d *Driver) xmit(ctx context.Context, pumpID, cmd string) (reply, error) {
	addr, ok := d.addrs[pumpID]
	if !ok {
		return reply{}, &pump.Error{Kind: pump.KindUnknownPump, PumpID: pumpID}
	}

	raw, err := d.tx.Transact(ctx, encodeCommand(addr, cmd), etx, d.timeout)
	if err != nil {
		kind := pump.KindComm
		if errors.Is(err, serialmux.ErrResponseTimeout) || errors.Is(err, context.DeadlineExceeded) {
			kind = pump.KindTimeout
		}
		return reply{}, &pump.Error{Kind: kind, PumpID: pumpID, Code: "NR", Msg: cmd, Err: err}
	}
	monitoring.Tracef("newera %s <- %q", pumpID, raw)

	r, err := parseReply(raw)
	if err != nil {
		return reply{}, &pump.Error{Kind: pump.KindComm, PumpID: pumpID, Msg: cmd, Err: err}
	}
	if r.Address != addr {
		return reply{}, &pump.Error{Kind: pump.KindComm, PumpID: pumpID,
			Msg: fmt.Sprintf("reply from address %d to %q", r.Address, cmd)}
	}
	if r.Alarm {
		return r, &pump.Error{Kind: pump.KindHardware, PumpID: pumpID, Code: r.Data, Msg: alarmText[r.Data]}
	}
	if code, isErr := r.commError(); isErr {
		kind := pump.KindRejected
		if code == "COM" || code == "IGN" {
			kind = pump.KindComm
		}
		return r, &pump.Error{Kind: kind, PumpID: pumpID, Code: code,
			Msg: fmt.Sprintf("%s: %s", cmd, commErrorText[code])}
	}

	d.mu.Lock()
	st := d.state[pumpID]
	st.running = r.running()
	d.state[pumpID] = st
	d.mu.Unlock()
	return r, nil
}

// SetRate implements pump.Driver. A running pump asked to reverse is stopped
// first, since direction cannot change mid-phase.
func (d *Driver) SetRate(ctx context.Context, pumpID string, rate float64, dir pump.Direction) error {
	if rate <= 0 {
		return d.Stop(ctx, pumpID)
	}
	var dirArg string
	switch dir {
	case pump.Dispense:
		dirArg = "INF"
	case pump.Withdraw:
		dirArg = "WDR"
	default:
		return &pump.Error{Kind: pump.KindRejected, PumpID: pumpID, Msg: fmt.Sprintf("unknown direction %q", dir)}
	}
	wireRate, err := units.ConvertRate(rate, units.MLPerMin, d.unit)
	if err != nil {
		return &pump.Error{Kind: pump.KindRejected, PumpID: pumpID, Err: err}
	}

	d.mu.Lock()
	st := d.state[pumpID]
	d.mu.Unlock()

	if st.running && st.dir != dir {
		if err := d.Stop(ctx, pumpID); err != nil {
			return err
		}
		st.running = false
	}
	if !st.running || st.dir != dir {
		if _, err := d.xmit(ctx, pumpID, "DIR "+dirArg); err != nil {
			return err
		}
	}
	if _, err := d.xmit(ctx, pumpID, fmt.Sprintf("RAT %s %s", formatRate(wireRate), d.unitCode)); err != nil {
		return err
	}
	if !st.running {
		if _, err := d.xmit(ctx, pumpID, "RUN"); err != nil {
			return err
		}
	}

	d.mu.Lock()
	d.state[pumpID] = pumpState{running: true, dir: dir}
	d.mu.Unlock()
	return nil
}

// Stop implements pump.Driver. The pump answers STP on a stopped pump with
// "not applicable", which is treated as an ack.
func (d *Driver) Stop(ctx context.Context, pumpID string) error {
	_, err := d.xmit(ctx, pumpID, "STP")
	var pe *pump.Error
	if errors.As(err, &pe) && pe.Kind == pump.KindRejected && pe.Code == "NA" {
		err = nil
	}
	if err != nil {
		return err
	}
	d.mu.Lock()
	st := d.state[pumpID]
	st.running = false
	d.state[pumpID] = st
	d.mu.Unlock()
	return nil
}

// QueryStatus implements pump.Driver. An alarm is reported in Status.Fault
// rather than as an error so the caller can tell a live, faulted pump from
// one that does not answer.
func (d *Driver) QueryStatus(ctx context.Context, pumpID string) (pump.Status, error) {
	r, err := d.xmit(ctx, pumpID, "")
	if err != nil {
		var pe *pump.Error
		if errors.As(err, &pe) && pe.Kind == pump.KindHardware {
			return pump.Status{Fault: pe.Error()}, nil
		}
		return pump.Status{}, err
	}

	st := pump.Status{Running: r.running()}
	switch r.Status {
	case 'I':
		st.Direction = pump.Dispense
	case 'W':
		st.Direction = pump.Withdraw
	}

	rr, err := d.xmit(ctx, pumpID, "RAT")
	if err != nil {
		return st, err
	}
	rate, err := parseRate(rr.Data)
	if err != nil {
		return st, &pump.Error{Kind: pump.KindComm, PumpID: pumpID, Msg: "RAT", Err: err}
	}
	st.Rate = rate
	return st, nil
}
