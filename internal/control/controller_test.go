package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vessel.level/internal/filter"
	"github.com/banshee-data/vessel.level/internal/pump"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(s float64) time.Time { return t0.Add(time.Duration(s * float64(time.Second))) }

func testConfig() Config {
	return Config{
		Pumps: []PumpConfig{
			{ID: "fill", Role: RoleFill, NominalRate: 10},
			{ID: "drain", Role: RoleDrain, NominalRate: 8},
		},
		StaleGrace:     10 * time.Second,
		ConfirmTimeout: 5 * time.Second,
	}
}

func testSetpoint() Setpoint { return Setpoint{MinMM: 40, MaxMM: 60, Mode: ModeHold} }

func newController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	c, err := New(cfg, testSetpoint())
	require.NoError(t, err)
	require.NoError(t, c.Enable())
	require.Equal(t, Holding, c.State())
	return c
}

func level(mm float64, conf filter.Confidence) filter.FilteredLevel {
	return filter.FilteredLevel{LevelMM: mm, Confidence: conf}
}

// ackAll confirms every decision as the supervisor would on success.
func ackAll(c *Controller, now time.Time, ds []Decision) {
	for _, d := range ds {
		c.RecordResult(now, d.PumpID, nil)
	}
}

func stops(ds []Decision) []string {
	var ids []string
	for _, d := range ds {
		if d.Stop {
			ids = append(ids, d.PumpID)
		}
	}
	return ids
}

func TestScenario_FillIntoBand(t *testing.T) {
	c := newController(t, testConfig())

	var all []Decision
	var states []State
	for i, mm := range []float64{35, 36, 37, 38, 39, 40, 41} {
		now := at(float64(i))
		ds := c.Step(now, level(mm, filter.High))
		ackAll(c, now, ds)
		all = append(all, ds...)
		states = append(states, c.State())
	}

	assert.Equal(t,
		[]State{Filling, Filling, Filling, Filling, Filling, Holding, Holding},
		states)
	want := []Decision{
		{PumpID: "fill", Direction: pump.Dispense, Rate: 10, Reason: "FILLING"},
		{PumpID: "fill", Stop: true, Reason: "level 40.0 mm reached band"},
	}
	if diff := cmp.Diff(want, all); diff != "" {
		t.Errorf("decisions (-want +got):\n%s", diff)
	}
}

func TestScenario_StalePastGraceWhileFilling(t *testing.T) {
	c := newController(t, testConfig())
	ackAll(c, at(0), c.Step(at(0), level(35, filter.High)))
	require.Equal(t, Filling, c.State())

	// Stale from t=1. Within grace the controller freezes.
	for s := 1.0; s <= 11; s++ {
		ds := c.Step(at(s), level(35, filter.Stale))
		require.Empty(t, ds, "t=%v", s)
		require.Equal(t, Filling, c.State())
	}

	ds := c.Step(at(11.5), level(35, filter.Stale))
	assert.Equal(t, Fault, c.State())
	assert.ElementsMatch(t, []string{"fill", "drain"}, stops(ds))
	require.NotNil(t, c.Fault())
	assert.Equal(t, MeasurementStale, c.Fault().Kind)
	assert.True(t, c.Fault().HasLastGood)
	assert.InDelta(t, 35, c.Fault().LastGoodMM, 1e-9)
}

func TestScenario_SetRateErrorFaultsWithoutRetry(t *testing.T) {
	c := newController(t, testConfig())
	ds := c.Step(at(0), level(35, filter.High))
	require.Len(t, ds, 1)

	rejected := &pump.Error{Kind: pump.KindRejected, PumpID: "fill", Code: "OOR"}
	safety := c.RecordResult(at(0), "fill", rejected)

	assert.Equal(t, Fault, c.State())
	assert.ElementsMatch(t, []string{"fill", "drain"}, stops(safety))
	assert.Equal(t, ActuatorFault, c.Fault().Kind)
	assert.Equal(t, "fill", c.Fault().PumpID)

	ackAll(c, at(0), safety)
	for s := 1.0; s < 5; s++ {
		assert.Empty(t, c.Step(at(s), level(35, filter.High)), "no further commands while faulted")
	}
}

func TestUnconfirmedCommandFaultsAfterTimeout(t *testing.T) {
	c := newController(t, testConfig())
	ds := c.Step(at(0), level(35, filter.High))
	require.Len(t, ds, 1)

	timeout := &pump.Error{Kind: pump.KindTimeout, PumpID: "fill"}
	assert.Empty(t, c.RecordResult(at(0), "fill", timeout))
	assert.Equal(t, Filling, c.State())
	assert.True(t, c.Pumps()[0].Pending)

	// Pending blocks new decisions until the confirm timeout.
	for s := 1.0; s <= 5; s++ {
		assert.Empty(t, c.Step(at(s), level(35, filter.High)))
	}
	ds = c.Step(at(5.5), level(35, filter.High))
	assert.Equal(t, Fault, c.State())
	assert.ElementsMatch(t, []string{"fill", "drain"}, stops(ds))
	assert.Contains(t, c.Fault().Detail, "unconfirmed")
}

func TestRamp_OneStepPerInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Pumps[0].RampStep = 2
	cfg.Pumps[0].RampInterval = 3 * time.Second
	c := newController(t, cfg)

	var rates []float64
	var times []time.Time
	for i := 0; i < 20; i++ {
		now := at(float64(i) * 0.5)
		ds := c.Step(now, level(30, filter.High))
		for _, d := range ds {
			require.False(t, d.Stop)
			rates = append(rates, d.Rate)
			times = append(times, now)
		}
		ackAll(c, now, ds)
	}

	assert.Equal(t, []float64{2, 4, 6, 8}, rates)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 3*time.Second)
	}
}

func TestLowConfidenceDoesNotExitFill(t *testing.T) {
	c := newController(t, testConfig())
	ackAll(c, at(0), c.Step(at(0), level(35, filter.Low)))
	require.Equal(t, Filling, c.State(), "LOW may start a fill")

	assert.Empty(t, c.Step(at(1), level(45, filter.Low)))
	assert.Equal(t, Filling, c.State())

	ds := c.Step(at(2), level(45, filter.High))
	assert.Equal(t, []string{"fill"}, stops(ds))
	assert.Equal(t, Holding, c.State())
}

func TestDrainIntoBand(t *testing.T) {
	c := newController(t, testConfig())
	ds := c.Step(at(0), level(65, filter.Low))
	require.Equal(t, Draining, c.State())
	assert.Equal(t, []Decision{{PumpID: "drain", Direction: pump.Withdraw, Rate: 8, Reason: "DRAINING"}}, ds)
	ackAll(c, at(0), ds)

	assert.Empty(t, c.Step(at(1), level(61, filter.High)))
	ds = c.Step(at(2), level(60, filter.High))
	assert.Equal(t, []string{"drain"}, stops(ds))
	assert.Equal(t, Holding, c.State())
}

func TestInBandHoldingIsQuiet(t *testing.T) {
	c := newController(t, testConfig())
	for s := 0.0; s < 5; s++ {
		assert.Empty(t, c.Step(at(s), level(50, filter.High)))
	}
	assert.Equal(t, Holding, c.State())
}

func TestModes(t *testing.T) {
	t.Run("fill only never drains", func(t *testing.T) {
		c := newController(t, testConfig())
		require.NoError(t, c.SetSetpoint(Setpoint{MinMM: 40, MaxMM: 60, Mode: ModeFill}))
		assert.Empty(t, c.Step(at(0), level(70, filter.High)))
		assert.Equal(t, Holding, c.State())
	})

	t.Run("switching to OFF ends a fill", func(t *testing.T) {
		c := newController(t, testConfig())
		ackAll(c, at(0), c.Step(at(0), level(35, filter.High)))
		require.NoError(t, c.SetSetpoint(Setpoint{MinMM: 40, MaxMM: 60, Mode: ModeOff}))
		ds := c.Step(at(1), level(35, filter.High))
		assert.Equal(t, []string{"fill"}, stops(ds))
		assert.Equal(t, Holding, c.State())
	})
}

func TestDisableStopsEverything(t *testing.T) {
	c := newController(t, testConfig())
	ackAll(c, at(0), c.Step(at(0), level(35, filter.High)))

	ds := c.Disable(at(1))
	assert.Equal(t, Off, c.State())
	assert.ElementsMatch(t, []string{"fill", "drain"}, stops(ds))
	ackAll(c, at(1), ds)
	assert.Empty(t, c.Step(at(2), level(35, filter.High)))
}

func TestAcknowledge(t *testing.T) {
	c := newController(t, testConfig())
	assert.ErrorIs(t, c.Acknowledge(at(0)), ErrNotFaulted)

	ackAll(c, at(0), c.Step(at(0), level(35, filter.High)))
	for s := 1.0; s <= 12; s++ {
		ackAll(c, at(s), c.Step(at(s), level(35, filter.Stale)))
	}
	require.Equal(t, Fault, c.State())

	assert.ErrorIs(t, c.Acknowledge(at(12)), ErrFaultActive, "still stale")

	// The level comes back; FAULT stays latched until acknowledged.
	assert.Empty(t, c.Step(at(13), level(35, filter.High)))
	assert.Equal(t, Fault, c.State())

	require.NoError(t, c.Acknowledge(at(13)))
	assert.Equal(t, Holding, c.State())
	assert.Nil(t, c.Fault())

	ds := c.Step(at(14), level(35, filter.High))
	assert.Equal(t, Filling, c.State())
	assert.Len(t, ds, 1)
}

func TestAcknowledge_RefusedWhileStopUnconfirmed(t *testing.T) {
	c := newController(t, testConfig())
	c.Step(at(0), level(35, filter.High))
	c.RecordResult(at(0), "fill", &pump.Error{Kind: pump.KindHardware, Code: "S"})
	require.Equal(t, Fault, c.State())

	// Safety stops were emitted but never confirmed.
	c.Step(at(1), level(35, filter.High))
	assert.ErrorIs(t, c.Acknowledge(at(1)), ErrFaultActive)

	c.RecordResult(at(1), "fill", nil)
	c.RecordResult(at(1), "drain", nil)
	assert.NoError(t, c.Acknowledge(at(1)))
}

func TestFaultLatchedAcrossDisable(t *testing.T) {
	c := newController(t, testConfig())
	c.Step(at(0), level(35, filter.High))
	ackAll(c, at(0), c.RecordResult(at(0), "fill", errors.New("port vanished")))
	require.Equal(t, Fault, c.State())

	ackAll(c, at(1), c.Disable(at(1)))
	assert.Equal(t, Off, c.State())
	assert.ErrorIs(t, c.Enable(), ErrFaultActive)

	c.Step(at(2), level(45, filter.High))
	require.NoError(t, c.Acknowledge(at(2)))
	assert.Equal(t, Off, c.State())
	require.NoError(t, c.Enable())
	assert.Equal(t, Holding, c.State())
}

func TestPumpStatusAlarmFaults(t *testing.T) {
	c := newController(t, testConfig())
	ds := c.RecordStatus(at(0), "drain", pump.Status{Fault: "pump motor is stalled"}, nil)
	assert.Equal(t, Fault, c.State())
	assert.Len(t, stops(ds), 2)
	ackAll(c, at(0), ds)

	c.Step(at(1), level(50, filter.High))
	assert.ErrorIs(t, c.Acknowledge(at(1)), ErrFaultActive)

	c.RecordStatus(at(2), "drain", pump.Status{}, nil)
	assert.NoError(t, c.Acknowledge(at(2)))
}

func TestStatusPollTimeoutIsOnlyRecorded(t *testing.T) {
	c := newController(t, testConfig())
	ds := c.RecordStatus(at(0), "fill", pump.Status{}, &pump.Error{Kind: pump.KindTimeout, PumpID: "fill"})
	assert.Empty(t, ds)
	assert.Equal(t, Holding, c.State())
	assert.NotEmpty(t, c.Pumps()[0].LastError)
}

func TestRunningAfterConfirmedStopFaults(t *testing.T) {
	c := newController(t, testConfig())
	ackAll(c, at(0), c.Step(at(0), level(35, filter.High)))
	ackAll(c, at(1), c.Step(at(1), level(41, filter.High)))
	require.Equal(t, Holding, c.State())
	require.Zero(t, c.Pumps()[0].LastRate)

	stuck := pump.Status{Running: true, Rate: 10, Direction: pump.Dispense}
	for s := 2.0; s <= 7; s++ {
		require.Empty(t, c.RecordStatus(at(s), "fill", stuck, nil), "t=%v", s)
		require.Equal(t, Holding, c.State(), "t=%v", s)
	}
	assert.Equal(t, at(2), c.Pumps()[0].MismatchSince)

	ds := c.RecordStatus(at(7.5), "fill", stuck, nil)
	assert.Equal(t, Fault, c.State())
	assert.ElementsMatch(t, []string{"fill", "drain"}, stops(ds))
	require.NotNil(t, c.Fault())
	assert.Equal(t, ActuatorFault, c.Fault().Kind)
	assert.Equal(t, "fill", c.Fault().PumpID)
	ackAll(c, at(7.5), ds)

	c.Step(at(8), level(50, filter.High))
	c.RecordStatus(at(8), "fill", stuck, nil)
	assert.ErrorIs(t, c.Acknowledge(at(8)), ErrFaultActive, "pump still running")

	c.RecordStatus(at(9), "fill", pump.Status{}, nil)
	assert.NoError(t, c.Acknowledge(at(9)))
}

func TestStatusMismatchClearsWhenPumpAgrees(t *testing.T) {
	c := newController(t, testConfig())
	ackAll(c, at(0), c.Step(at(0), level(35, filter.High)))
	require.Equal(t, Filling, c.State())

	// One poll in the wrong direction, then the pump agrees again.
	c.RecordStatus(at(1), "fill", pump.Status{Running: true, Rate: 10, Direction: pump.Withdraw}, nil)
	assert.Equal(t, at(1), c.Pumps()[0].MismatchSince)
	assert.Contains(t, c.Pumps()[0].LastError, "withdraw")

	c.RecordStatus(at(2), "fill", pump.Status{Running: true, Rate: 10, Direction: pump.Dispense}, nil)
	assert.True(t, c.Pumps()[0].MismatchSince.IsZero())
	assert.Empty(t, c.Pumps()[0].LastError)

	for s := 3.0; s <= 10; s++ {
		c.RecordStatus(at(s), "fill", pump.Status{Running: true, Rate: 10, Direction: pump.Dispense}, nil)
	}
	assert.Equal(t, Filling, c.State())
}

func TestStoppedWhileCommandedFaults(t *testing.T) {
	c := newController(t, testConfig())
	ackAll(c, at(0), c.Step(at(0), level(35, filter.High)))

	c.RecordStatus(at(1), "fill", pump.Status{}, nil)
	ds := c.RecordStatus(at(6.5), "fill", pump.Status{}, nil)
	assert.Equal(t, Fault, c.State())
	assert.Len(t, stops(ds), 2)
	assert.Contains(t, c.Fault().Detail, "reports stopped")
}

func TestCancelledCommandIsNotAPumpFailure(t *testing.T) {
	c := newController(t, testConfig())
	ds := c.Step(at(0), level(35, filter.High))
	require.Len(t, ds, 1)

	assert.Empty(t, c.RecordResult(at(0), "fill", context.Canceled))
	assert.Equal(t, Filling, c.State())
	assert.Nil(t, c.Fault())
	assert.True(t, c.Pumps()[0].Pending, "left for the shutdown stops")

	assert.Empty(t, c.RecordStatus(at(0), "fill", pump.Status{}, context.Canceled))

	ds = c.Disable(at(0))
	ackAll(c, at(0), ds)
	assert.Equal(t, Off, c.State())
	assert.Nil(t, c.Fault())
	assert.False(t, c.Pumps()[0].Pending)
}

func TestFailSafeLimits(t *testing.T) {
	cfg := testConfig()
	cfg.FailSafe = &Limits{MinMM: 20, MaxMM: 80}
	c := newController(t, cfg)

	assert.Error(t, c.SetSetpoint(Setpoint{MinMM: 10, MaxMM: 60, Mode: ModeHold}))

	// LOW readings out of limits do not trip; a trusted one does.
	assert.NotEqual(t, Fault, func() State { c.Step(at(0), level(85, filter.Low)); return c.State() }())
	ds := c.Step(at(1), level(85, filter.High))
	assert.Equal(t, Fault, c.State())
	assert.Equal(t, LevelOutOfBounds, c.Fault().Kind)
	assert.Len(t, stops(ds), 2)
}

func TestMaxActuation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActuation = 30 * time.Second
	c := newController(t, cfg)

	ackAll(c, at(0), c.Step(at(0), level(35, filter.High)))
	for s := 1.0; s <= 30; s++ {
		ackAll(c, at(s), c.Step(at(s), level(35, filter.High)))
	}
	require.Equal(t, Filling, c.State())
	c.Step(at(31), level(35, filter.High))
	assert.Equal(t, Fault, c.State())
	assert.Equal(t, ActuatorFault, c.Fault().Kind)
}

func TestSingleReversiblePump(t *testing.T) {
	cfg := Config{
		Pumps:          []PumpConfig{{ID: "p1", Role: RoleBoth, NominalRate: 5}},
		StaleGrace:     10 * time.Second,
		ConfirmTimeout: 5 * time.Second,
	}
	c := newController(t, cfg)

	ds := c.Step(at(0), level(35, filter.High))
	assert.Equal(t, []Decision{{PumpID: "p1", Direction: pump.Dispense, Rate: 5, Reason: "FILLING"}}, ds)
	ackAll(c, at(0), ds)
	ackAll(c, at(1), c.Step(at(1), level(70, filter.High)))
	require.Equal(t, Holding, c.State(), "overshoot ends the fill")

	ds = c.Step(at(2), level(70, filter.High))
	assert.Equal(t, []Decision{{PumpID: "p1", Direction: pump.Withdraw, Rate: 5, Reason: "DRAINING"}}, ds)
}

func flowConfig() Config {
	cfg := testConfig()
	cfg.Pumps = []PumpConfig{
		{ID: "fill", Role: RoleFill, NominalRate: 10, FlowRate: 4},
		{ID: "drain", Role: RoleDrain, NominalRate: 8},
	}
	return cfg
}

func TestFlowMode(t *testing.T) {
	c, err := New(flowConfig(), Setpoint{MinMM: 40, MaxMM: 60, Mode: ModeFlow})
	require.NoError(t, err)
	require.NoError(t, c.Enable())

	steps := []struct {
		mm    float64
		conf  filter.Confidence
		state State
		want  []Decision
	}{
		{50, filter.High, Holding, []Decision{
			{PumpID: "fill", Direction: pump.Dispense, Rate: 4, Reason: "HOLDING"},
			{PumpID: "drain", Direction: pump.Withdraw, Rate: 8, Reason: "HOLDING"},
		}},
		{50, filter.High, Holding, nil},
		{35, filter.High, Filling, []Decision{{PumpID: "drain", Stop: true, Reason: "FILLING"}}},
		{41, filter.Low, Filling, nil},
		{41, filter.High, Holding, []Decision{{PumpID: "drain", Direction: pump.Withdraw, Rate: 8, Reason: "HOLDING"}}},
		{65, filter.High, Draining, []Decision{{PumpID: "fill", Stop: true, Reason: "DRAINING"}}},
		{59, filter.High, Holding, []Decision{{PumpID: "fill", Direction: pump.Dispense, Rate: 4, Reason: "HOLDING"}}},
	}
	for i, st := range steps {
		now := at(float64(i))
		ds := c.Step(now, level(st.mm, st.conf))
		if diff := cmp.Diff(st.want, ds); diff != "" {
			t.Errorf("step %d decisions (-want +got):\n%s", i, diff)
		}
		assert.Equal(t, st.state, c.State(), "step %d", i)
		ackAll(c, now, ds)
	}

	// Leaving FLOW stops both pumps before HOLD takes over.
	require.NoError(t, c.SetSetpoint(testSetpoint()))
	ds := c.Step(at(10), level(50, filter.High))
	assert.ElementsMatch(t, []string{"fill", "drain"}, stops(ds))
	ackAll(c, at(10), ds)
	assert.Empty(t, c.Step(at(11), level(50, filter.High)))
}

func TestFlowModeLowersRateAtOnce(t *testing.T) {
	cfg := flowConfig()
	cfg.Pumps[0].RampStep, cfg.Pumps[0].RampInterval = 10, time.Minute
	c := newController(t, cfg)
	ackAll(c, at(0), c.Step(at(0), level(35, filter.High)))
	require.Equal(t, 10.0, c.Pumps()[0].LastRate)

	require.NoError(t, c.SetSetpoint(Setpoint{MinMM: 40, MaxMM: 60, Mode: ModeFlow}))
	ds := c.Step(at(1), level(36, filter.High))
	assert.Equal(t, []Decision{{PumpID: "fill", Direction: pump.Dispense, Rate: 4, Reason: "FILLING"}}, ds)
}

func TestFlowModeNeedsTwoPumps(t *testing.T) {
	cfg := Config{
		Pumps:          []PumpConfig{{ID: "p1", Role: RoleBoth, NominalRate: 5}},
		StaleGrace:     10 * time.Second,
		ConfirmTimeout: 5 * time.Second,
	}
	_, err := New(cfg, Setpoint{MinMM: 40, MaxMM: 60, Mode: ModeFlow})
	assert.ErrorIs(t, err, ErrFlowNeedsTwoPumps)

	c := newController(t, cfg)
	assert.ErrorIs(t, c.SetSetpoint(Setpoint{MinMM: 40, MaxMM: 60, Mode: ModeFlow}), ErrFlowNeedsTwoPumps)
	assert.Equal(t, ModeHold, c.Setpoint().Mode)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	bad := []func(*Config){
		func(c *Config) { c.Pumps = nil },
		func(c *Config) { c.Pumps[1].ID = "fill" },
		func(c *Config) { c.Pumps[0].Role = "mixer" },
		func(c *Config) { c.Pumps[0].NominalRate = 0 },
		func(c *Config) { c.Pumps[1].Role = RoleBoth },
		func(c *Config) { c.StaleGrace = 0 },
		func(c *Config) { c.ConfirmTimeout = 0 },
		func(c *Config) { c.FailSafe = &Limits{MinMM: 5, MaxMM: 5} },
		func(c *Config) { c.Pumps[0].FlowRate = -1 },
	}
	for i, mutate := range bad {
		cfg := testConfig()
		cfg.Pumps = append([]PumpConfig(nil), cfg.Pumps...)
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), "case %d", i)
	}

	assert.Error(t, Setpoint{MinMM: 60, MaxMM: 40, Mode: ModeHold}.Validate())
	assert.Error(t, Setpoint{MinMM: 40, MaxMM: 60, Mode: "AUTO"}.Validate())
}
