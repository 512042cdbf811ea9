package filter

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vessel.level/internal/vision"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func valid(i int, level, quality float64) vision.RawMeasurement {
	return vision.RawMeasurement{
		LevelMM:   level,
		Valid:     true,
		Quality:   quality,
		Timestamp: t0.Add(time.Duration(i) * 100 * time.Millisecond),
	}
}

func invalid(i int) vision.RawMeasurement {
	return vision.Invalid(t0.Add(time.Duration(i)*100*time.Millisecond), vision.FaultNoLiquid)
}

func TestFilter_StartsStale(t *testing.T) {
	f := New(DefaultConfig())
	assert.Equal(t, Stale, f.Current().Confidence)
}

func TestFilter_WarmUpThenHigh(t *testing.T) {
	f := New(DefaultConfig()) // MinSamples 3, K 6

	var got []Confidence
	for i := 0; i < 7; i++ {
		got = append(got, f.Update(valid(i, 50, 1)).Confidence)
	}
	assert.Equal(t, []Confidence{Stale, Stale, Low, Low, Low, High, High}, got)
	assert.InDelta(t, 50, f.Current().LevelMM, 1e-9)
}

func TestFilter_RejectsOutlier(t *testing.T) {
	f := New(DefaultConfig())
	for i := 0; i < 6; i++ {
		f.Update(valid(i, 50+0.2*float64(i%2), 1))
	}
	out := f.Update(valid(6, 80, 1))

	assert.Equal(t, High, out.Confidence)
	assert.InDelta(t, 50.1, out.LevelMM, 0.05)
	assert.Equal(t, 7, out.Samples)
	assert.Equal(t, 6, out.Consistent)
}

func TestFilter_NoisyIsLow(t *testing.T) {
	f := New(DefaultConfig())
	var out FilteredLevel
	for i, l := range []float64{40, 52, 47, 60, 44, 55, 49, 58} {
		out = f.Update(valid(i, l, 1))
	}
	assert.Equal(t, Low, out.Confidence)
}

func TestFilter_QualityWeightedMean(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSamples, cfg.MinConsistent = 2, 2
	f := New(cfg)

	f.Update(valid(0, 50, 0.9))
	out := f.Update(valid(1, 51, 0.1))
	assert.InDelta(t, 50.1, out.LevelMM, 1e-9)

	// All-zero quality falls back to the plain mean.
	f.Reset()
	f.Update(valid(0, 50, 0))
	out = f.Update(valid(1, 51, 0))
	assert.InDelta(t, 50.5, out.LevelMM, 1e-9)
}

func TestFilter_StaleAfterTimeoutRegardlessOfConfidence(t *testing.T) {
	cfg := DefaultConfig()
	f := New(cfg)
	for i := 0; i < 10; i++ {
		f.Update(valid(i, 50, 1))
	}
	require.Equal(t, High, f.Current().Confidence)
	last := f.Current().Timestamp

	out := f.Expire(last.Add(100 * time.Millisecond))
	assert.Equal(t, High, out.Confidence)

	out = f.Expire(last.Add(cfg.StaleTimeout + time.Millisecond))
	assert.Equal(t, Stale, out.Confidence)
	assert.InDelta(t, 50, out.LevelMM, 1e-9, "last level kept for display")
}

func TestFilter_InvalidMeasurementsDriveStale(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaleTimeout = time.Second
	f := New(cfg)
	for i := 0; i < 10; i++ {
		f.Update(valid(i, 50, 1))
	}

	var out FilteredLevel
	for i := 10; i < 30; i++ {
		out = f.Update(invalid(i))
	}
	assert.Equal(t, Stale, out.Confidence)
	assert.Equal(t, 0, out.Samples)
}

func TestFilter_ExpireNeverRewindsTime(t *testing.T) {
	f := New(DefaultConfig())
	for i := 0; i < 10; i++ {
		f.Update(valid(i, 50, 1))
	}
	before := f.Current()
	assert.Equal(t, before, f.Expire(t0))
}

func TestFilter_StaleSamplesDoNotRevive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaleTimeout = time.Second
	f := New(cfg)
	for i := 0; i < 10; i++ {
		f.Update(valid(i, 50, 1))
	}
	// One fresh sample after a long gap is not enough to leave warm-up.
	out := f.Update(valid(100, 50, 1))
	assert.Equal(t, Stale, out.Confidence)
	assert.Equal(t, 1, out.Samples)
}

func TestFilter_ReplayIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var seq []vision.RawMeasurement
	for i := 0; i < 200; i++ {
		if rng.Float64() < 0.2 {
			seq = append(seq, invalid(i))
			continue
		}
		seq = append(seq, valid(i, 45+rng.NormFloat64()*2, rng.Float64()))
	}

	run := func(f *Filter) []FilteredLevel {
		var out []FilteredLevel
		for _, m := range seq {
			out = append(out, f.Update(m))
		}
		return out
	}

	f := New(DefaultConfig())
	first := run(f)
	f.Reset()
	second := run(f)
	third := run(New(DefaultConfig()))

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("replay after Reset differs (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(first, third); diff != "" {
		t.Errorf("replay on a new filter differs (-first +third):\n%s", diff)
	}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := []func(*Config){
		func(c *Config) { c.Window = 0 },
		func(c *Config) { c.MinSamples = 11 },
		func(c *Config) { c.MinConsistent = 0 },
		func(c *Config) { c.ConsistencyMM = 0 },
		func(c *Config) { c.OutlierZ = -1 },
		func(c *Config) { c.StaleTimeout = 0 },
	}
	for i, mutate := range bad {
		c := DefaultConfig()
		mutate(&c)
		assert.Error(t, c.Validate(), "case %d", i)
	}
}

func TestModifiedZ(t *testing.T) {
	assert.InDelta(t, 0, modifiedZ(5, 5, 1), 1e-12)
	assert.InDelta(t, 0.6745*2, modifiedZ(7, 5, 1), 1e-12)

	f := New(DefaultConfig())
	assert.InDelta(t, f.cfg.OutlierZ, modifiedZ(52, 50, f.minMAD()), 1e-9,
		"a sample at the consistency edge sits exactly on the outlier threshold")
}

func TestFilter_QuantisedLevelsStayHigh(t *testing.T) {
	f := New(DefaultConfig()) // K 6, ConsistencyMM 2

	var out FilteredLevel
	for i := 0; i < 9; i++ {
		out = f.Update(valid(i, 40+0.5*float64(i%2), 1))
	}
	out = f.Update(invalid(9))

	assert.Equal(t, 9, out.Samples)
	assert.Equal(t, 9, out.Consistent, "one pixel row apart is within tolerance")
	assert.Equal(t, High, out.Confidence)
	assert.InDelta(t, 40+0.5*4.0/9, out.LevelMM, 1e-9)
}

func TestFilter_ZeroMADKeepsSamplesWithinTolerance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConsistent = 5
	f := New(cfg)

	// Most of the window on one value gives a zero MAD; 51.5 is still
	// within tolerance and only the bubble read at 90 is dropped.
	var out FilteredLevel
	for i, l := range []float64{50, 50, 50, 50, 51.5, 51.5, 90} {
		out = f.Update(valid(i, l, 1))
	}
	assert.Equal(t, 6, out.Consistent)
	assert.Equal(t, High, out.Confidence)
}
