// Package app assembles a runnable control loop from a RunConfig: the frame
// source, the pump buses, the run log and the HTTP surface.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"tailscale.com/tsweb"

	"github.com/banshee-data/vessel.level/internal/alert"
	"github.com/banshee-data/vessel.level/internal/api"
	"github.com/banshee-data/vessel.level/internal/camera"
	"github.com/banshee-data/vessel.level/internal/config"
	"github.com/banshee-data/vessel.level/internal/control"
	"github.com/banshee-data/vessel.level/internal/db"
	"github.com/banshee-data/vessel.level/internal/filter"
	"github.com/banshee-data/vessel.level/internal/httputil"
	"github.com/banshee-data/vessel.level/internal/monitoring"
	"github.com/banshee-data/vessel.level/internal/pump"
	"github.com/banshee-data/vessel.level/internal/pump/newera"
	"github.com/banshee-data/vessel.level/internal/sim"
	"github.com/banshee-data/vessel.level/internal/supervisor"
	"github.com/banshee-data/vessel.level/internal/timeutil"
	"github.com/banshee-data/vessel.level/internal/vision"
)

// Source names recorded with each run.
const (
	SourceWebcam = "webcam"
	SourceReplay = "replay"
	SourceSim    = "sim"
)

// WebcamOpener opens the live camera. It is injected so that only the
// command binary links OpenCV.
type WebcamOpener func(device, width, height int, fps float64, clock timeutil.Clock) (camera.Source, error)

// BusOpener opens one pump bus.
type BusOpener func(b config.Bus) (pump.Driver, io.Closer, error)

// Options select how the loop is assembled.
type Options struct {
	// Dev runs against the simulated vessel instead of hardware.
	Dev bool
	// ReplayDir replays recorded frames instead of the webcam.
	ReplayDir  string
	ReplayLoop bool
	// DBPath enables the run log when set. Fault frames are saved in a
	// faults directory beside it.
	DBPath string
	// AlertURL overrides the configured alert webhook.
	AlertURL   string
	HTTPClient httputil.HTTPClient

	Clock      timeutil.Clock
	OpenWebcam WebcamOpener
	// OpenBus defaults to OpenNewEraBus.
	OpenBus BusOpener
}

// App is an assembled control loop and its collaborators.
type App struct {
	Loop *supervisor.Supervisor
	DB   *db.DB
	Run  db.Run
	// Sim is the simulated vessel in dev mode.
	Sim *sim.Vessel

	source   string
	clock    timeutil.Clock
	recorder *db.Recorder
	notifier *alert.Notifier
	frames   *alert.FrameWriter
	closers  []io.Closer
}

// OpenNewEraBus opens a New Era bus on a real serial port.
func OpenNewEraBus(b config.Bus) (pump.Driver, io.Closer, error) {
	d, err := newera.Open(b.Path, b.Options, b.Driver)
	if err != nil {
		return nil, nil, err
	}
	return d, d, nil
}

// Build assembles the loop described by cfg. On error everything opened so
// far is closed.
func Build(cfg *config.RunConfig, opts Options) (_ *App, err error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.OpenBus == nil {
		opts.OpenBus = OpenNewEraBus
	}
	a := &App{clock: opts.Clock}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	roi, err := cfg.BuildROI()
	if err != nil {
		return nil, fmt.Errorf("roi: %w", err)
	}
	ctlCfg, sp, err := cfg.BuildControl()
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	ctl, err := control.New(ctlCfg, sp)
	if err != nil {
		return nil, err
	}

	var (
		src    camera.Source
		driver pump.Driver
	)
	switch {
	case opts.Dev:
		v, err := sim.New(cfg.BuildSim(roi), opts.Clock)
		if err != nil {
			return nil, fmt.Errorf("sim: %w", err)
		}
		a.Sim = v
		a.closers = append(a.closers, v)
		a.source = SourceSim
		driver = v
		if opts.ReplayDir == "" {
			src = v
		}
	default:
		driver, err = a.openBuses(cfg, ctl.PumpIDs(), opts.OpenBus)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case opts.ReplayDir != "":
		d, err := camera.OpenDir(opts.ReplayDir, opts.Clock, opts.ReplayLoop)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, d)
		a.source = SourceReplay
		src = d
	case src == nil:
		if opts.OpenWebcam == nil {
			return nil, errors.New("no webcam available in this build; use dev mode or a replay directory")
		}
		w, h := cfg.GetCameraSize()
		cam, err := opts.OpenWebcam(cfg.GetCameraDevice(), w, h, cfg.GetCameraFPS(), opts.Clock)
		if err != nil {
			return nil, fmt.Errorf("camera: %w", err)
		}
		a.closers = append(a.closers, cam)
		a.source = SourceWebcam
		src = cam
	}

	var sinks []supervisor.Sink
	if opts.DBPath != "" {
		if err := a.openRunLog(cfg, opts.DBPath); err != nil {
			return nil, err
		}
		sinks = append(sinks, a.recorder)
	}
	alerts := cfg.BuildAlerts()
	if opts.AlertURL != "" {
		alerts.URL = opts.AlertURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	a.notifier = alert.NewNotifier(alerts, opts.HTTPClient, a.Run.ID)
	sinks = append(sinks, a.notifier)

	var capture supervisor.FaultCapture
	if opts.DBPath != "" && cfg.GetFaultFrames() {
		a.frames, err = alert.NewFrameWriter(filepath.Join(filepath.Dir(opts.DBPath), "faults"), roi, a.Run.ID)
		if err != nil {
			return nil, err
		}
		capture = a.frames
	}

	a.Loop, err = supervisor.New(cfg.BuildLoop(), supervisor.Deps{
		Clock:      opts.Clock,
		Source:     src,
		Driver:     driver,
		Estimator:  vision.Estimator{ROI: roi, Params: cfg.BuildParams()},
		Filter:     filter.New(cfg.BuildFilter()),
		Controller: ctl,
		Sinks:      sinks,
		Capture:    capture,
	})
	if err != nil {
		return nil, err
	}
	monitoring.Opsf("app: %s source, %d pumps, band [%g,%g] %s", a.source, len(ctlCfg.Pumps), sp.MinMM, sp.MaxMM, sp.Mode)
	if alerts.URL != "" {
		monitoring.Opsf("app: alerts posted to %s", alerts.URL)
	}
	return a, nil
}

// openBuses opens one driver per serial port and routes every configured
// pump to its bus.
func (a *App) openBuses(cfg *config.RunConfig, pumpIDs []string, open BusOpener) (pump.Driver, error) {
	buses, err := cfg.BuildBuses()
	if err != nil {
		return nil, err
	}
	router := pump.NewRouter()
	for _, b := range buses {
		d, closer, err := open(b)
		if err != nil {
			return nil, fmt.Errorf("pump bus %s: %w", b.Path, err)
		}
		a.closers = append(a.closers, closer)
		for id := range b.Driver.Addresses {
			if err := router.Register(id, d); err != nil {
				return nil, err
			}
		}
	}
	routed := map[string]bool{}
	for _, id := range router.IDs() {
		routed[id] = true
	}
	for _, id := range pumpIDs {
		if !routed[id] {
			return nil, fmt.Errorf("pump %q has no serial port", id)
		}
	}
	return router, nil
}

func (a *App) openRunLog(cfg *config.RunConfig, path string) error {
	database, err := db.NewDB(path)
	if err != nil {
		return fmt.Errorf("run log: %w", err)
	}
	a.DB = database
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	a.Run, err = database.StartRun(context.Background(), a.source, string(cfgJSON), a.clock.Now())
	if err != nil {
		return err
	}
	a.recorder = db.NewRecorder(database, a.Run.ID, 0)
	monitoring.Opsf("app: run %s logging to %s", a.Run.ID, path)
	return nil
}

// Handler returns the operator API with the debug pages mounted.
func (a *App) Handler() (http.Handler, error) {
	mux := api.NewServer(a.Loop, a.DB, a.Run.ID).ServeMux()
	if a.DB != nil {
		if err := a.DB.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	debug := tsweb.Debugger(mux)
	debug.Handle("snapshot", "Latest control loop snapshot (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(a.Loop.Snapshot()); err != nil {
			monitoring.Logf("failed to encode snapshot: %v", err)
		}
	}))
	return api.LoggingMiddleware(mux), nil
}

// FaultFrameDir returns where fault frames are saved, or "" when they are
// not.
func (a *App) FaultFrameDir() string {
	if a.frames == nil {
		return ""
	}
	return a.frames.Dir()
}

// Close flushes the run log and pending alerts, stamps the end of the run and releases the
// source and pump buses. The loop must have stopped.
func (a *App) Close() error {
	a.closeSinks()
	var errs []error
	if a.DB != nil && a.Run.ID != "" {
		if err := a.DB.FinishRun(context.Background(), a.Run.ID, a.clock.Now()); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, a.closeAll())
	return errors.Join(errs...)
}

func (a *App) closeSinks() {
	if a.recorder != nil {
		a.recorder.Close()
		if n := a.recorder.Dropped(); n > 0 {
			monitoring.Opsf("app: %d snapshots were dropped from the run log", n)
		}
		a.recorder = nil
	}
	if a.notifier != nil {
		a.notifier.Close()
		if n := a.notifier.Dropped() + a.notifier.Failed(); n > 0 {
			monitoring.Opsf("app: %d alerts were not delivered", n)
		}
		a.notifier = nil
	}
	if a.frames != nil {
		a.frames.Close()
		a.frames = nil
	}
}

func (a *App) closeAll() error {
	a.closeSinks()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, err)
		}
		a.DB = nil
	}
	return errors.Join(errs...)
}
