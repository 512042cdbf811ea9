package supervisor

import (
	"time"

	"github.com/banshee-data/vessel.level/internal/control"
	"github.com/banshee-data/vessel.level/internal/filter"
	"github.com/banshee-data/vessel.level/internal/vision"
)

// Snapshot is the published outcome of one tick. A published Snapshot is
// never modified.
type Snapshot struct {
	Tick      uint64    `json:"tick"`
	Timestamp time.Time `json:"timestamp"`

	RawValid   bool               `json:"raw_valid"`
	RawLevelMM float64            `json:"raw_level_mm"`
	Quality    float64            `json:"quality"`
	RawFault   vision.FaultReason `json:"raw_fault,omitempty"`
	LevelMM    float64            `json:"level_mm"`
	Confidence filter.Confidence  `json:"confidence"`

	State control.State    `json:"state"`
	Mode  control.Mode     `json:"mode"`
	Band  control.Setpoint `json:"band"`

	Commands []CommandResult `json:"commands"`
	// Faults lists what went wrong this tick, including a fault latched
	// during it.
	Faults       []control.FaultInfo `json:"faults"`
	LatchedFault *control.FaultInfo  `json:"latched_fault,omitempty"`
	Pumps        []control.PumpState `json:"pumps"`
}

// CommandResult is one executed decision.
type CommandResult struct {
	Decision control.Decision `json:"decision"`
	Attempts int              `json:"attempts"`
	Acked    bool             `json:"acked"`
	Error    string           `json:"error,omitempty"`
}

func newCommandResult(d control.Decision, attempts int, err error) CommandResult {
	r := CommandResult{Decision: d, Attempts: attempts, Acked: err == nil}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func (s *Supervisor) buildSnapshot(now time.Time, raw vision.RawMeasurement, fl filter.FilteredLevel) *Snapshot {
	sp := s.ctl.Setpoint()
	snap := &Snapshot{
		Tick:         s.tick,
		Timestamp:    now,
		RawValid:     raw.Valid,
		RawLevelMM:   raw.LevelMM,
		Quality:      raw.Quality,
		RawFault:     raw.Fault,
		LevelMM:      fl.LevelMM,
		Confidence:   fl.Confidence,
		State:        s.ctl.State(),
		Mode:         sp.Mode,
		Band:         sp,
		Commands:     append([]CommandResult(nil), s.commands...),
		Faults:       append([]control.FaultInfo(nil), s.tickFaults...),
		LatchedFault: s.ctl.Fault(),
		Pumps:        s.ctl.Pumps(),
	}
	if f := snap.LatchedFault; f != nil && !s.hadFault {
		snap.Faults = append(snap.Faults, *f)
	}
	return snap
}
