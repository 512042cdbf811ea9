// Package filter turns single-frame measurements into the one level signal
// the controller trusts.
//
// The filter keeps the last Window measurements. Valid ones younger than
// StaleTimeout go through a median/MAD outlier test; the survivors within
// ConsistencyMM of their own median form the consistent set whose
// quality-weighted mean is the output level. Time only ever comes from measurement timestamps and the
// argument to Expire, so replaying a sequence reproduces the output exactly.
package filter

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/vessel.level/internal/vision"
)

// Confidence is the filter's trust in its output.
type Confidence string

const (
	High  Confidence = "HIGH"
	Low   Confidence = "LOW"
	Stale Confidence = "STALE"
)

// FilteredLevel is the filter output. When Confidence is Stale, LevelMM is
// the last level that was not stale and must be treated as unknown.
type FilteredLevel struct {
	LevelMM    float64    `json:"level_mm"`
	Confidence Confidence `json:"confidence"`
	Timestamp  time.Time  `json:"timestamp"`
	// Samples is the number of fresh valid measurements in the window.
	Samples int `json:"samples"`
	// Consistent is the size of the consistent set.
	Consistent int `json:"consistent"`
}

// Config tunes the filter.
type Config struct {
	// Window is N, the number of recent measurements kept.
	Window int
	// MinSamples is the warm-up: fewer fresh valid samples is STALE.
	MinSamples int
	// MinConsistent is K: at least K consistent samples give HIGH.
	MinConsistent int
	// ConsistencyMM is the distance from the median within which samples
	// agree.
	ConsistencyMM float64
	// OutlierZ is the modified z-score above which a sample is dropped.
	OutlierZ float64
	// StaleTimeout is how long a valid sample stays usable.
	StaleTimeout time.Duration
}

// DefaultConfig returns the defaults used when the run configuration leaves
// filter settings unset.
func DefaultConfig() Config {
	return Config{
		Window:        10,
		MinSamples:    3,
		MinConsistent: 6,
		ConsistencyMM: 2,
		OutlierZ:      3.5,
		StaleTimeout:  5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Window < 1 {
		return errors.New("filter: window must be at least 1")
	}
	if c.MinSamples < 1 || c.MinSamples > c.Window {
		return fmt.Errorf("filter: min_samples %d must be within [1,%d]", c.MinSamples, c.Window)
	}
	if c.MinConsistent < 1 || c.MinConsistent > c.Window {
		return fmt.Errorf("filter: min_consistent %d must be within [1,%d]", c.MinConsistent, c.Window)
	}
	if c.ConsistencyMM <= 0 {
		return errors.New("filter: consistency_mm must be positive")
	}
	if c.OutlierZ <= 0 {
		return errors.New("filter: outlier_z must be positive")
	}
	if c.StaleTimeout <= 0 {
		return errors.New("filter: stale_timeout must be positive")
	}
	return nil
}

// Filter is the measurement filter. It is not safe for concurrent use; the
// control loop owns it.
type Filter struct {
	cfg    Config
	window []vision.RawMeasurement
	now    time.Time
	out    FilteredLevel
}

// New returns a Filter in its initial STALE state.
func New(cfg Config) *Filter {
	f := &Filter{cfg: cfg}
	f.Reset()
	return f
}

// Reset drops all history.
func (f *Filter) Reset() {
	f.window = make([]vision.RawMeasurement, 0, f.cfg.Window)
	f.now = time.Time{}
	f.out = FilteredLevel{Confidence: Stale}
}

// Current returns the last output without changing anything.
func (f *Filter) Current() FilteredLevel { return f.out }

// Update adds one measurement, valid or not, and returns the new output.
func (f *Filter) Update(raw vision.RawMeasurement) FilteredLevel {
	if len(f.window) == f.cfg.Window {
		copy(f.window, f.window[1:])
		f.window = f.window[:len(f.window)-1]
	}
	f.window = append(f.window, raw)
	f.advance(raw.Timestamp)
	return f.evaluate()
}

// Expire re-evaluates at now without a new measurement, so that a missing
// camera drives the output toward STALE.
func (f *Filter) Expire(now time.Time) FilteredLevel {
	f.advance(now)
	return f.evaluate()
}

func (f *Filter) advance(t time.Time) {
	if t.After(f.now) {
		f.now = t
	}
}

func (f *Filter) evaluate() FilteredLevel {
	var fresh []vision.RawMeasurement
	for _, m := range f.window {
		if m.Valid && f.now.Sub(m.Timestamp) <= f.cfg.StaleTimeout {
			fresh = append(fresh, m)
		}
	}

	out := FilteredLevel{
		LevelMM:    f.out.LevelMM,
		Confidence: Stale,
		Timestamp:  f.now,
		Samples:    len(fresh),
	}
	if len(fresh) < f.cfg.MinSamples {
		f.out = out
		return out
	}

	levels := make([]float64, len(fresh))
	for i, m := range fresh {
		levels[i] = m.LevelMM
	}
	med := median(levels)
	mad := math.Max(medianAbsDev(levels, med), f.minMAD())

	var inliers []vision.RawMeasurement
	var kept []float64
	for _, m := range fresh {
		if modifiedZ(m.LevelMM, med, mad) > f.cfg.OutlierZ {
			continue
		}
		inliers = append(inliers, m)
		kept = append(kept, m.LevelMM)
	}
	if len(kept) > 0 {
		med = median(kept)
	}

	var xs, ws []float64
	for _, m := range inliers {
		if math.Abs(m.LevelMM-med) > f.cfg.ConsistencyMM {
			continue
		}
		xs = append(xs, m.LevelMM)
		ws = append(ws, m.Quality)
	}
	out.Consistent = len(xs)

	switch {
	case len(xs) == 0:
		out.LevelMM = med
	case floats.Sum(ws) > 0:
		out.LevelMM = stat.Mean(xs, ws)
	default:
		out.LevelMM = stat.Mean(xs, nil)
	}

	if len(xs) >= f.cfg.MinConsistent {
		out.Confidence = High
	} else {
		out.Confidence = Low
	}
	f.out = out
	return out
}

// minMAD floors the spread used by the outlier test so that a sample within
// ConsistencyMM of the median never scores above OutlierZ. Without it a
// window sitting mostly on one pixel row has a MAD of zero and the
// neighbouring row is thrown out.
func (f *Filter) minMAD() float64 {
	return 0.6745 * f.cfg.ConsistencyMM / f.cfg.OutlierZ
}

// modifiedZ is Iglewicz and Hoaglin's modified z-score. mad must be
// positive.
func modifiedZ(x, med, mad float64) float64 {
	return 0.6745 * math.Abs(x-med) / mad
}

func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func medianAbsDev(xs []float64, med float64) float64 {
	d := make([]float64, len(xs))
	for i, x := range xs {
		d[i] = math.Abs(x - med)
	}
	return median(d)
}
