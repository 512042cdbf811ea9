// Package sim simulates a vessel, its pumps and the camera watching it. It
// backs the daemon's dev mode and the end-to-end loop tests: the simulated
// pumps change the level and the rendered frames show it.
package sim

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/vessel.level/internal/camera"
	"github.com/banshee-data/vessel.level/internal/pump"
	"github.com/banshee-data/vessel.level/internal/timeutil"
	"github.com/banshee-data/vessel.level/internal/vision"
)

// Colours used when rendering. They fall inside the default classification
// bands of config/level.defaults.json.
var (
	LiquidColor = color.RGBA{40, 90, 200, 255}
	AirColor    = color.RGBA{220, 220, 225, 255}
	WallColor   = color.RGBA{60, 60, 60, 255}
)

// Config describes the simulated rig.
type Config struct {
	// ROI is where the vessel appears in the frame and how rows map to mm.
	ROI vision.ROI
	// FrameSize is the rendered frame size.
	FrameSize image.Point
	// InitialMM is the starting level.
	InitialMM float64
	// MMPerML is the level rise per millilitre added.
	MMPerML float64
	// Bubbles is the share of liquid pixels rendered as air.
	Bubbles float64
	// DropoutRate is the probability a frame request times out.
	DropoutRate float64
	// Seed makes noise reproducible.
	Seed int64
	// PumpIDs lists the simulated pumps.
	PumpIDs []string
}

type simPump struct {
	status pump.Status
	fault  string
}

// Vessel is a simulated vessel. It implements pump.Driver and
// camera.Source.
type Vessel struct {
	cfg   Config
	clock timeutil.Clock

	mu      sync.Mutex
	levelMM float64
	last    time.Time
	pumps   map[string]*simPump
	rng     *rand.Rand
	index   uint64
	closed  bool
}

var (
	_ pump.Driver   = (*Vessel)(nil)
	_ camera.Source = (*Vessel)(nil)
)

// New returns a simulated vessel.
func New(cfg Config, clock timeutil.Clock) (*Vessel, error) {
	if err := cfg.ROI.Validate(); err != nil {
		return nil, err
	}
	if cfg.FrameSize == (image.Point{}) {
		cfg.FrameSize = cfg.ROI.Rect.Max
	}
	if !cfg.ROI.Rect.In(image.Rectangle{Max: cfg.FrameSize}) {
		return nil, fmt.Errorf("sim: roi %v outside frame %v", cfg.ROI.Rect, cfg.FrameSize)
	}
	if cfg.MMPerML <= 0 {
		return nil, fmt.Errorf("sim: mm_per_ml must be positive")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	v := &Vessel{
		cfg:     cfg,
		clock:   clock,
		levelMM: cfg.InitialMM,
		last:    clock.Now(),
		pumps:   make(map[string]*simPump),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, id := range cfg.PumpIDs {
		v.pumps[id] = &simPump{}
	}
	return v, nil
}

// advance integrates pump flow up to now. Callers hold mu.
func (v *Vessel) advance() {
	now := v.clock.Now()
	minutes := now.Sub(v.last).Minutes()
	v.last = now
	if minutes <= 0 {
		return
	}
	for _, p := range v.pumps {
		if !p.status.Running {
			continue
		}
		ml := p.status.Rate * minutes
		if p.status.Direction == pump.Withdraw {
			ml = -ml
		}
		v.levelMM += ml * v.cfg.MMPerML
	}
	lo, hi := v.cfg.ROI.RangeMM()
	v.levelMM = math.Max(lo, math.Min(hi, v.levelMM))
}

// Level returns the true simulated level.
func (v *Vessel) Level() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advance()
	return v.levelMM
}

// SetLevel forces the level, e.g. to simulate a manual top-up.
func (v *Vessel) SetLevel(mm float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advance()
	v.levelMM = mm
}

// SetPumpFault puts a simulated pump into alarm; "" clears it.
func (v *Vessel) SetPumpFault(pumpID, fault string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.pumps[pumpID]; ok {
		p.fault = fault
	}
}

func (v *Vessel) lookup(pumpID string) (*simPump, error) {
	p, ok := v.pumps[pumpID]
	if !ok {
		return nil, &pump.Error{Kind: pump.KindUnknownPump, PumpID: pumpID}
	}
	if p.fault != "" {
		return nil, &pump.Error{Kind: pump.KindHardware, PumpID: pumpID, Code: "S", Msg: p.fault}
	}
	return p, nil
}

func (v *Vessel) SetRate(ctx context.Context, pumpID string, rate float64, dir pump.Direction) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advance()
	p, err := v.lookup(pumpID)
	if err != nil {
		return err
	}
	p.status = pump.Status{Running: rate > 0, Rate: rate, Direction: dir}
	return nil
}

func (v *Vessel) Stop(ctx context.Context, pumpID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advance()
	p, ok := v.pumps[pumpID]
	if !ok {
		return &pump.Error{Kind: pump.KindUnknownPump, PumpID: pumpID}
	}
	p.status.Running = false
	p.status.Rate = 0
	return nil
}

func (v *Vessel) QueryStatus(ctx context.Context, pumpID string) (pump.Status, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.pumps[pumpID]
	if !ok {
		return pump.Status{}, &pump.Error{Kind: pump.KindUnknownPump, PumpID: pumpID}
	}
	st := p.status
	st.Fault = p.fault
	return st, nil
}

// NextFrame renders the vessel at the current level.
func (v *Vessel) NextFrame(ctx context.Context, timeout time.Duration) (vision.Frame, error) {
	if err := ctx.Err(); err != nil {
		return vision.Frame{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return vision.Frame{}, camera.ErrSourceClosed
	}
	v.advance()
	if v.cfg.DropoutRate > 0 && v.rng.Float64() < v.cfg.DropoutRate {
		return vision.Frame{}, camera.ErrFrameTimeout
	}
	v.index++
	return vision.Frame{Image: v.render(), Timestamp: v.clock.Now(), Index: v.index}, nil
}

// render draws the frame. Callers hold mu.
func (v *Vessel) render() *image.RGBA {
	img := image.NewRGBA(image.Rectangle{Max: v.cfg.FrameSize})
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = WallColor.R, WallColor.G, WallColor.B, 255
	}

	roi := v.cfg.ROI
	liquidRows := int(math.Round((v.levelMM - roi.ZeroMM) / roi.MMPerPixel))
	for y := roi.Rect.Min.Y; y < roi.Rect.Max.Y; y++ {
		var fromEnd int
		if roi.Orientation == vision.LiquidAtTop {
			fromEnd = y - roi.Rect.Min.Y
		} else {
			fromEnd = roi.Rect.Max.Y - 1 - y
		}
		for x := roi.Rect.Min.X; x < roi.Rect.Max.X; x++ {
			c := AirColor
			if fromEnd < liquidRows && v.rng.Float64() >= v.cfg.Bubbles {
				c = LiquidColor
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// Close stops frame delivery.
func (v *Vessel) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}
