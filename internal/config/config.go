package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/vessel.level/internal/alert"
	"github.com/banshee-data/vessel.level/internal/control"
	"github.com/banshee-data/vessel.level/internal/filter"
	"github.com/banshee-data/vessel.level/internal/pump/newera"
	"github.com/banshee-data/vessel.level/internal/serialmux"
	"github.com/banshee-data/vessel.level/internal/sim"
	"github.com/banshee-data/vessel.level/internal/supervisor"
	"github.com/banshee-data/vessel.level/internal/units"
	"github.com/banshee-data/vessel.level/internal/vision"
)

// DefaultConfigPath is the path to the canonical run configuration.
const DefaultConfigPath = "config/level.defaults.json"

// VendorNewEra is the only pump dialect currently wired.
const VendorNewEra = "newera"

// RunConfig is the root run configuration. It is loaded once at startup and
// treated as immutable; changing it means restarting the run.
type RunConfig struct {
	ROI      *ROIConfig      `json:"roi,omitempty"`
	Classify *ClassifyConfig `json:"classify,omitempty"`
	Filter   *FilterConfig   `json:"filter,omitempty"`
	Control  *ControlConfig  `json:"control,omitempty"`
	Pumps    []PumpConfig    `json:"pumps,omitempty"`
	Loop     *LoopConfig     `json:"loop,omitempty"`
	Camera   *CameraConfig   `json:"camera,omitempty"`
	Sim      *SimConfig      `json:"sim,omitempty"`
	Alerts   *AlertConfig    `json:"alerts,omitempty"`

	// Serial holds the port settings shared by every pump bus.
	Serial *serialmux.PortOptions `json:"serial,omitempty"`
}

// ROIConfig is the calibrated vessel region.
type ROIConfig struct {
	X           *int         `json:"x,omitempty"`
	Y           *int         `json:"y,omitempty"`
	Width       *int         `json:"width,omitempty"`
	Height      *int         `json:"height,omitempty"`
	Polygon     [][2]int     `json:"polygon,omitempty"`
	FrameWidth  *int         `json:"frame_width,omitempty"`
	FrameHeight *int         `json:"frame_height,omitempty"`
	MMPerPixel  *float64     `json:"mm_per_pixel,omitempty"`
	ZeroMM      *float64     `json:"zero_mm,omitempty"`
	Orientation *string      `json:"orientation,omitempty"` // liquid_at_bottom | liquid_at_top
	Liquid      *vision.Band `json:"liquid,omitempty"`
	Air         *vision.Band `json:"air,omitempty"`
	Wall        *vision.Band `json:"wall,omitempty"`
}

// ClassifyConfig tunes boundary detection.
type ClassifyConfig struct {
	LiquidFraction  *float64 `json:"liquid_fraction,omitempty"`
	RowCoverage     *float64 `json:"row_coverage,omitempty"`
	MinClassifiable *float64 `json:"min_classifiable,omitempty"`
	MaxGapRows      *int     `json:"max_gap_rows,omitempty"`
	MaxJumpMM       *float64 `json:"max_jump_mm,omitempty"`
	ContrastRows    *int     `json:"contrast_rows,omitempty"`
}

// FilterConfig tunes the measurement filter.
type FilterConfig struct {
	Window        *int     `json:"window,omitempty"`
	MinSamples    *int     `json:"min_samples,omitempty"`
	MinConsistent *int     `json:"min_consistent,omitempty"`
	ConsistencyMM *float64 `json:"consistency_mm,omitempty"`
	OutlierZ      *float64 `json:"outlier_z,omitempty"`
	StaleTimeout  *string  `json:"stale_timeout,omitempty"` // duration string like "5s"
}

// ControlConfig holds the initial setpoint and the controller limits.
type ControlConfig struct {
	MinMM          *float64        `json:"min_mm,omitempty"`
	MaxMM          *float64        `json:"max_mm,omitempty"`
	Mode           *string         `json:"mode,omitempty"`
	StaleGrace     *string         `json:"stale_grace,omitempty"`
	ConfirmTimeout *string         `json:"confirm_timeout,omitempty"`
	FailSafe       *control.Limits `json:"fail_safe,omitempty"`
	MaxActuation   *string         `json:"max_actuation,omitempty"`
}

// PumpConfig describes one pump and where it is attached.
type PumpConfig struct {
	ID     string `json:"id"`
	Role   string `json:"role"`             // fill | drain | both
	Vendor string `json:"vendor,omitempty"` // defaults to newera
	// Port is the serial device path. Pumps sharing a path share a bus.
	Port    string `json:"port,omitempty"`
	Address int    `json:"address"`

	NominalRate  float64 `json:"nominal_rate"`
	RateUnit     *string `json:"rate_unit,omitempty"` // unit of nominal_rate, flow_rate and ramp_step
	FlowRate     float64 `json:"flow_rate,omitempty"` // through-flow rate in FLOW mode
	RampStep     float64 `json:"ramp_step,omitempty"`
	RampInterval *string `json:"ramp_interval,omitempty"`
}

// LoopConfig tunes the supervisor loop.
type LoopConfig struct {
	TickPeriod     *string `json:"tick_period,omitempty"`
	FrameTimeout   *string `json:"frame_timeout,omitempty"`
	FrameRetries   *int    `json:"frame_retries,omitempty"`
	CommandTimeout *string `json:"command_timeout,omitempty"`
	CommandRetries *int    `json:"command_retries,omitempty"`
	StatusPoll     *string `json:"status_poll,omitempty"`
}

// CameraConfig selects the capture device.
type CameraConfig struct {
	Device *int     `json:"device,omitempty"`
	Width  *int     `json:"width,omitempty"`
	Height *int     `json:"height,omitempty"`
	FPS    *float64 `json:"fps,omitempty"`
}

// SimConfig tunes the simulated vessel used in dev mode.
type SimConfig struct {
	InitialMM   *float64 `json:"initial_mm,omitempty"`
	MMPerML     *float64 `json:"mm_per_ml,omitempty"`
	Bubbles     *float64 `json:"bubbles,omitempty"`
	DropoutRate *float64 `json:"dropout_rate,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
}

// AlertConfig routes operator alerts.
type AlertConfig struct {
	WebhookURL  *string  `json:"webhook_url,omitempty"`
	ExcursionMM *float64 `json:"excursion_mm,omitempty"`
	Timeout     *string  `json:"timeout,omitempty"`
	// FaultFrames saves the annotated frame next to the run log when a
	// fault latches.
	FaultFrames *bool `json:"fault_frames,omitempty"`
}

// Bus is one serial port and the pumps addressed on it.
type Bus struct {
	Path    string
	Options serialmux.PortOptions
	Driver  newera.Config
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }
func ptrBool(v bool) *bool          { return &v }

// EmptyRunConfig returns a RunConfig with every section unset.
func EmptyRunConfig() *RunConfig {
	return &RunConfig{}
}

// LoadRunConfig loads a RunConfig from a JSON file.
// The file must have a .json extension and be under the max file size.
// Fields omitted from the file fall back to the Get* defaults.
func LoadRunConfig(path string) (*RunConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRunConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical configuration from
// DefaultConfigPath, searching the current directory and its parents.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *RunConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/pump/newera/
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadRunConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that every section converts into a valid typed config.
func (c *RunConfig) Validate() error {
	for name, d := range c.durations() {
		if d != nil && *d != "" {
			v, err := time.ParseDuration(*d)
			if err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
			}
			if v < 0 {
				return fmt.Errorf("%s must not be negative, got %s", name, *d)
			}
		}
	}

	if _, err := c.BuildROI(); err != nil {
		return err
	}
	if err := c.BuildParams().Validate(); err != nil {
		return err
	}
	if err := c.BuildFilter().Validate(); err != nil {
		return err
	}
	ctl, sp, err := c.BuildControl()
	if err != nil {
		return err
	}
	if err := ctl.Validate(); err != nil {
		return err
	}
	if _, err := control.New(ctl, sp); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	if err := c.BuildLoop().Validate(); err != nil {
		return err
	}
	if _, err := c.BuildBuses(); err != nil {
		return err
	}
	if c.GetExcursionMM() < 0 {
		return fmt.Errorf("alerts.excursion_mm must not be negative, got %g", c.GetExcursionMM())
	}
	if c.Sim != nil {
		if r := c.GetDropoutRate(); r < 0 || r > 1 {
			return fmt.Errorf("sim.dropout_rate must be between 0 and 1, got %f", r)
		}
		if b := c.GetBubbles(); b < 0 || b > 1 {
			return fmt.Errorf("sim.bubbles must be between 0 and 1, got %f", b)
		}
	}
	return nil
}

// durations lists every duration string by its JSON path.
func (c *RunConfig) durations() map[string]*string {
	out := map[string]*string{}
	if c.Filter != nil {
		out["filter.stale_timeout"] = c.Filter.StaleTimeout
	}
	if c.Control != nil {
		out["control.stale_grace"] = c.Control.StaleGrace
		out["control.confirm_timeout"] = c.Control.ConfirmTimeout
		out["control.max_actuation"] = c.Control.MaxActuation
	}
	if c.Loop != nil {
		out["loop.tick_period"] = c.Loop.TickPeriod
		out["loop.frame_timeout"] = c.Loop.FrameTimeout
		out["loop.command_timeout"] = c.Loop.CommandTimeout
		out["loop.status_poll"] = c.Loop.StatusPoll
	}
	if c.Alerts != nil {
		out["alerts.timeout"] = c.Alerts.Timeout
	}
	for i, p := range c.Pumps {
		out[fmt.Sprintf("pumps[%d].ramp_interval", i)] = p.RampInterval
	}
	return out
}

// parseDuration returns the parsed value of s, or def when s is unset or
// cannot be parsed.
func parseDuration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetStaleTimeout returns how long a valid measurement stays usable.
func (c *RunConfig) GetStaleTimeout() time.Duration {
	if c.Filter == nil {
		return filter.DefaultConfig().StaleTimeout
	}
	return parseDuration(c.Filter.StaleTimeout, filter.DefaultConfig().StaleTimeout)
}

// GetStaleGrace returns how long STALE is tolerated before FAULT.
func (c *RunConfig) GetStaleGrace() time.Duration {
	if c.Control == nil {
		return 10 * time.Second
	}
	return parseDuration(c.Control.StaleGrace, 10*time.Second)
}

// GetConfirmTimeout returns how long a pump command may stay unconfirmed.
func (c *RunConfig) GetConfirmTimeout() time.Duration {
	if c.Control == nil {
		return 3 * time.Second
	}
	return parseDuration(c.Control.ConfirmTimeout, 3*time.Second)
}

// GetMaxActuation returns the longest single fill or drain; zero disables.
func (c *RunConfig) GetMaxActuation() time.Duration {
	if c.Control == nil {
		return 0
	}
	return parseDuration(c.Control.MaxActuation, 0)
}

// GetTickPeriod returns the supervisor tick period.
func (c *RunConfig) GetTickPeriod() time.Duration {
	if c.Loop == nil {
		return time.Second
	}
	return parseDuration(c.Loop.TickPeriod, time.Second)
}

// GetFrameTimeout returns how long the loop waits for one frame.
func (c *RunConfig) GetFrameTimeout() time.Duration {
	if c.Loop == nil {
		return 200 * time.Millisecond
	}
	return parseDuration(c.Loop.FrameTimeout, 200*time.Millisecond)
}

// GetFrameRetries returns how many extra frame pulls a tick may make.
func (c *RunConfig) GetFrameRetries() int {
	if c.Loop == nil || c.Loop.FrameRetries == nil {
		return 1
	}
	return *c.Loop.FrameRetries
}

// GetCommandTimeout returns the deadline for one pump command.
func (c *RunConfig) GetCommandTimeout() time.Duration {
	if c.Loop == nil {
		return 500 * time.Millisecond
	}
	return parseDuration(c.Loop.CommandTimeout, 500*time.Millisecond)
}

// GetCommandRetries returns how many times a retryable command failure is
// retried within a tick.
func (c *RunConfig) GetCommandRetries() int {
	if c.Loop == nil || c.Loop.CommandRetries == nil {
		return 2
	}
	return *c.Loop.CommandRetries
}

// GetStatusPoll returns the pump status polling interval; zero disables.
func (c *RunConfig) GetStatusPoll() time.Duration {
	if c.Loop == nil {
		return 5 * time.Second
	}
	return parseDuration(c.Loop.StatusPoll, 5*time.Second)
}

// GetCameraDevice returns the OpenCV device index.
func (c *RunConfig) GetCameraDevice() int {
	if c.Camera == nil || c.Camera.Device == nil {
		return 0
	}
	return *c.Camera.Device
}

// GetCameraSize returns the requested capture size. Zero keeps the device
// default.
func (c *RunConfig) GetCameraSize() (width, height int) {
	if c.Camera == nil {
		return 0, 0
	}
	if c.Camera.Width != nil {
		width = *c.Camera.Width
	}
	if c.Camera.Height != nil {
		height = *c.Camera.Height
	}
	return width, height
}

// GetCameraFPS returns the requested capture rate.
func (c *RunConfig) GetCameraFPS() float64 {
	if c.Camera == nil || c.Camera.FPS == nil {
		return 0
	}
	return *c.Camera.FPS
}

// GetBubbles returns the simulated bubble density.
func (c *RunConfig) GetBubbles() float64 {
	if c.Sim == nil || c.Sim.Bubbles == nil {
		return 0.02
	}
	return *c.Sim.Bubbles
}

// GetDropoutRate returns the simulated frame dropout probability.
func (c *RunConfig) GetDropoutRate() float64 {
	if c.Sim == nil || c.Sim.DropoutRate == nil {
		return 0
	}
	return *c.Sim.DropoutRate
}

// GetWebhookURL returns where alerts are posted; empty only logs them.
func (c *RunConfig) GetWebhookURL() string {
	if c.Alerts == nil || c.Alerts.WebhookURL == nil {
		return ""
	}
	return *c.Alerts.WebhookURL
}

// GetExcursionMM returns how far past the band raises an alert; zero
// disables excursion alerts.
func (c *RunConfig) GetExcursionMM() float64 {
	if c.Alerts == nil || c.Alerts.ExcursionMM == nil {
		return 0
	}
	return *c.Alerts.ExcursionMM
}

func (c *RunConfig) GetAlertTimeout() time.Duration {
	if c.Alerts == nil {
		return alert.DefaultTimeout
	}
	return parseDuration(c.Alerts.Timeout, alert.DefaultTimeout)
}

// GetFaultFrames reports whether fault frames are saved. On by default.
func (c *RunConfig) GetFaultFrames() bool {
	if c.Alerts == nil || c.Alerts.FaultFrames == nil {
		return true
	}
	return *c.Alerts.FaultFrames
}

// BuildAlerts converts the alerts section.
func (c *RunConfig) BuildAlerts() alert.Config {
	return alert.Config{
		URL:         c.GetWebhookURL(),
		ExcursionMM: c.GetExcursionMM(),
		Timeout:     c.GetAlertTimeout(),
	}
}

// GetSerial returns the shared serial options with defaults applied.
func (c *RunConfig) GetSerial() (serialmux.PortOptions, error) {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	return opts.Normalise()
}

// BuildROI converts the roi section.
func (c *RunConfig) BuildROI() (vision.ROI, error) {
	r := c.ROI
	if r == nil {
		return vision.ROI{}, errors.New("roi section is required")
	}
	get := func(p *int) int {
		if p == nil {
			return 0
		}
		return *p
	}
	x, y := get(r.X), get(r.Y)
	roi := vision.ROI{
		Rect:        image.Rect(x, y, x+get(r.Width), y+get(r.Height)),
		FrameSize:   image.Pt(get(r.FrameWidth), get(r.FrameHeight)),
		Orientation: vision.LiquidAtBottom,
	}
	for _, pt := range r.Polygon {
		roi.Polygon = append(roi.Polygon, image.Pt(pt[0], pt[1]))
	}
	if r.MMPerPixel != nil {
		roi.MMPerPixel = *r.MMPerPixel
	}
	if r.ZeroMM != nil {
		roi.ZeroMM = *r.ZeroMM
	}
	if r.Orientation != nil && *r.Orientation != "" {
		roi.Orientation = vision.Orientation(*r.Orientation)
	}
	if r.Liquid != nil {
		roi.Liquid = *r.Liquid
	}
	if r.Air != nil {
		roi.Air = *r.Air
	}
	if r.Wall != nil {
		roi.Wall = *r.Wall
	}
	if err := roi.Validate(); err != nil {
		return vision.ROI{}, err
	}
	if fs := roi.FrameSize; fs != (image.Point{}) && !roi.Rect.In(image.Rectangle{Max: fs}) {
		return vision.ROI{}, fmt.Errorf("roi: rectangle %v lies outside the %dx%d frame", roi.Rect, fs.X, fs.Y)
	}
	return roi, nil
}

// BuildParams converts the classify section.
func (c *RunConfig) BuildParams() vision.Params {
	p := vision.DefaultParams()
	k := c.Classify
	if k == nil {
		return p
	}
	if k.LiquidFraction != nil {
		p.LiquidFraction = *k.LiquidFraction
	}
	if k.RowCoverage != nil {
		p.RowCoverage = *k.RowCoverage
	}
	if k.MinClassifiable != nil {
		p.MinClassifiable = *k.MinClassifiable
	}
	if k.MaxGapRows != nil {
		p.MaxGapRows = *k.MaxGapRows
	}
	if k.MaxJumpMM != nil {
		p.MaxJumpMM = *k.MaxJumpMM
	}
	if k.ContrastRows != nil {
		p.ContrastRows = *k.ContrastRows
	}
	return p
}

// BuildFilter converts the filter section.
func (c *RunConfig) BuildFilter() filter.Config {
	fc := filter.DefaultConfig()
	fc.StaleTimeout = c.GetStaleTimeout()
	f := c.Filter
	if f == nil {
		return fc
	}
	if f.Window != nil {
		fc.Window = *f.Window
	}
	if f.MinSamples != nil {
		fc.MinSamples = *f.MinSamples
	}
	if f.MinConsistent != nil {
		fc.MinConsistent = *f.MinConsistent
	}
	if f.ConsistencyMM != nil {
		fc.ConsistencyMM = *f.ConsistencyMM
	}
	if f.OutlierZ != nil {
		fc.OutlierZ = *f.OutlierZ
	}
	return fc
}

// BuildControl converts the control and pumps sections. Pump rates are
// converted to ml/min.
func (c *RunConfig) BuildControl() (control.Config, control.Setpoint, error) {
	cfg := control.Config{
		StaleGrace:     c.GetStaleGrace(),
		ConfirmTimeout: c.GetConfirmTimeout(),
		MaxActuation:   c.GetMaxActuation(),
	}
	sp := control.Setpoint{Mode: control.ModeHold}
	if k := c.Control; k != nil {
		if k.MinMM != nil {
			sp.MinMM = *k.MinMM
		}
		if k.MaxMM != nil {
			sp.MaxMM = *k.MaxMM
		}
		if k.Mode != nil && *k.Mode != "" {
			sp.Mode = control.Mode(strings.ToUpper(*k.Mode))
		}
		if k.FailSafe != nil {
			fs := *k.FailSafe
			cfg.FailSafe = &fs
		}
	}
	for _, p := range c.Pumps {
		unit := units.MLPerMin
		if p.RateUnit != nil && *p.RateUnit != "" {
			unit = *p.RateUnit
		}
		rate, err := units.ConvertRate(p.NominalRate, unit, units.MLPerMin)
		if err != nil {
			return control.Config{}, control.Setpoint{}, fmt.Errorf("pump %q: %w", p.ID, err)
		}
		step, err := units.ConvertRate(p.RampStep, unit, units.MLPerMin)
		if err != nil {
			return control.Config{}, control.Setpoint{}, fmt.Errorf("pump %q: %w", p.ID, err)
		}
		flow, err := units.ConvertRate(p.FlowRate, unit, units.MLPerMin)
		if err != nil {
			return control.Config{}, control.Setpoint{}, fmt.Errorf("pump %q: %w", p.ID, err)
		}
		cfg.Pumps = append(cfg.Pumps, control.PumpConfig{
			ID:           p.ID,
			Role:         control.Role(strings.ToLower(p.Role)),
			NominalRate:  rate,
			RampStep:     step,
			RampInterval: parseDuration(p.RampInterval, 0),
			FlowRate:     flow,
		})
	}
	if cfg.FailSafe != nil && (sp.MinMM < cfg.FailSafe.MinMM || sp.MaxMM > cfg.FailSafe.MaxMM) {
		return control.Config{}, control.Setpoint{}, fmt.Errorf("control: band [%g,%g] lies outside the fail-safe band [%g,%g]",
			sp.MinMM, sp.MaxMM, cfg.FailSafe.MinMM, cfg.FailSafe.MaxMM)
	}
	return cfg, sp, nil
}

// BuildLoop converts the loop section.
func (c *RunConfig) BuildLoop() supervisor.Config {
	return supervisor.Config{
		TickPeriod:     c.GetTickPeriod(),
		FrameTimeout:   c.GetFrameTimeout(),
		FrameRetries:   c.GetFrameRetries(),
		CommandTimeout: c.GetCommandTimeout(),
		CommandRetries: c.GetCommandRetries(),
		StatusPoll:     c.GetStatusPoll(),
		PriorTTL:       c.GetStaleTimeout(),
	}
}

// BuildBuses groups the pumps by serial port. Pumps without a port are
// skipped; they can only be driven by the simulator.
func (c *RunConfig) BuildBuses() ([]Bus, error) {
	opts, err := c.GetSerial()
	if err != nil {
		return nil, fmt.Errorf("serial: %w", err)
	}
	byPath := map[string]*Bus{}
	for _, p := range c.Pumps {
		vendor := p.Vendor
		if vendor == "" {
			vendor = VendorNewEra
		}
		if vendor != VendorNewEra {
			return nil, fmt.Errorf("pump %q: unsupported vendor %q", p.ID, p.Vendor)
		}
		if p.Port == "" {
			continue
		}
		b, ok := byPath[p.Port]
		if !ok {
			b = &Bus{
				Path:    p.Port,
				Options: opts,
				Driver: newera.Config{
					Addresses: map[string]int{},
					Timeout:   c.GetCommandTimeout(),
				},
			}
			byPath[p.Port] = b
		}
		if p.Address < 0 || p.Address > 99 {
			return nil, fmt.Errorf("pump %q: address %d out of range 0-99", p.ID, p.Address)
		}
		for id, addr := range b.Driver.Addresses {
			if addr == p.Address {
				return nil, fmt.Errorf("pumps %q and %q share address %d on %s", id, p.ID, addr, p.Port)
			}
		}
		b.Driver.Addresses[p.ID] = p.Address
	}

	paths := make([]string, 0, len(byPath))
	for path := range byPath {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	buses := make([]Bus, 0, len(paths))
	for _, path := range paths {
		buses = append(buses, *byPath[path])
	}
	return buses, nil
}

// BuildSim converts the sim section for a vessel rendered through roi.
func (c *RunConfig) BuildSim(roi vision.ROI) sim.Config {
	cfg := sim.Config{
		ROI:         roi,
		FrameSize:   roi.FrameSize,
		MMPerML:     1,
		Bubbles:     c.GetBubbles(),
		DropoutRate: c.GetDropoutRate(),
		Seed:        1,
	}
	lo, hi := roi.RangeMM()
	cfg.InitialMM = (lo + hi) / 2
	if cfg.FrameSize == (image.Point{}) {
		cfg.FrameSize = image.Pt(roi.Rect.Max.X+roi.Rect.Min.X, roi.Rect.Max.Y+roi.Rect.Min.Y)
	}
	for _, p := range c.Pumps {
		cfg.PumpIDs = append(cfg.PumpIDs, p.ID)
	}
	if s := c.Sim; s != nil {
		if s.InitialMM != nil {
			cfg.InitialMM = *s.InitialMM
		}
		if s.MMPerML != nil {
			cfg.MMPerML = *s.MMPerML
		}
		if s.Seed != nil {
			cfg.Seed = *s.Seed
		}
	}
	return cfg
}
