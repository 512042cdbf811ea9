package app

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vessel.level/internal/alert"
	"github.com/banshee-data/vessel.level/internal/camera"
	"github.com/banshee-data/vessel.level/internal/config"
	"github.com/banshee-data/vessel.level/internal/db"
	"github.com/banshee-data/vessel.level/internal/pump"
	"github.com/banshee-data/vessel.level/internal/timeutil"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type closeCounter struct{ n *int }

func (c closeCounter) Close() error {
	*c.n++
	return nil
}

// fakeBuses opens a pump.Recorder per bus and counts closes.
func fakeBuses(opened *[]config.Bus, closed *int) BusOpener {
	return func(b config.Bus) (pump.Driver, io.Closer, error) {
		*opened = append(*opened, b)
		ids := make([]string, 0, len(b.Driver.Addresses))
		for id := range b.Driver.Addresses {
			ids = append(ids, id)
		}
		return pump.NewRecorder(ids...), closeCounter{closed}, nil
	}
}

func writeFrames(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 320, 240))
		for y := 0; y < 240; y++ {
			for x := 0; x < 320; x++ {
				img.Set(x, y, color.RGBA{200, 200, 200, 255})
			}
		}
		f, err := os.Create(filepath.Join(dir, filepath.Base(t.Name())+string(rune('a'+i))+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
	return dir
}

func TestBuild_DevModeRecordsRun(t *testing.T) {
	cfg := config.MustLoadDefaultConfig()
	clock := timeutil.NewMockClock(t0)
	path := filepath.Join(t.TempDir(), "level.db")

	a, err := Build(cfg, Options{Dev: true, DBPath: path, Clock: clock})
	require.NoError(t, err)
	require.NotNil(t, a.Sim)
	assert.Equal(t, SourceSim, a.source)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		a.Loop.Tick(ctx, clock.Now())
	}
	runID := a.Run.ID
	require.NoError(t, a.Close())

	database, err := db.NewDB(path)
	require.NoError(t, err)
	defer database.Close()
	run, err := database.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, SourceSim, run.Source)
	assert.Contains(t, run.ConfigJSON, `"pumps"`)
	require.NotNil(t, run.FinishedAt)

	points, err := database.LevelHistory(ctx, runID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, points, 3)
}

func TestBuild_HardwareBusesWithReplay(t *testing.T) {
	cfg := config.MustLoadDefaultConfig()
	var (
		opened []config.Bus
		closed int
	)
	a, err := Build(cfg, Options{
		ReplayDir: writeFrames(t, 2),
		Clock:     timeutil.NewMockClock(t0),
		OpenBus:   fakeBuses(&opened, &closed),
	})
	require.NoError(t, err)
	assert.Equal(t, SourceReplay, a.source)
	require.Len(t, opened, 1, "both pumps share one port")
	assert.Equal(t, map[string]int{"fill": 1, "drain": 2}, opened[0].Driver.Addresses)

	a.Loop.Tick(context.Background(), t0.Add(time.Second))
	assert.Equal(t, uint64(1), a.Loop.Snapshot().Tick)

	require.NoError(t, a.Close())
	assert.Equal(t, 1, closed)
}

func TestBuild_WebcamOpener(t *testing.T) {
	cfg := config.MustLoadDefaultConfig()
	var (
		opened []config.Bus
		closed int
		device int = -1
		size   image.Point
	)
	clock := timeutil.NewMockClock(t0)
	a, err := Build(cfg, Options{
		Clock:   clock,
		OpenBus: fakeBuses(&opened, &closed),
		OpenWebcam: func(dev, w, h int, fps float64, c timeutil.Clock) (camera.Source, error) {
			device, size = dev, image.Pt(w, h)
			return camera.NewScripted(c), nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, SourceWebcam, a.source)
	assert.Equal(t, 0, device)
	assert.Equal(t, image.Pt(320, 240), size)
	require.NoError(t, a.Close())
}

func TestBuild_Errors(t *testing.T) {
	t.Run("no webcam in build", func(t *testing.T) {
		var (
			opened []config.Bus
			closed int
		)
		_, err := Build(config.MustLoadDefaultConfig(), Options{OpenBus: fakeBuses(&opened, &closed)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no webcam")
		assert.Equal(t, 1, closed, "opened buses are released")
	})

	t.Run("pump without port", func(t *testing.T) {
		cfg := config.MustLoadDefaultConfig()
		cfg.Pumps[1].Port = ""
		var (
			opened []config.Bus
			closed int
		)
		_, err := Build(cfg, Options{ReplayDir: writeFrames(t, 1), OpenBus: fakeBuses(&opened, &closed)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"drain" has no serial port`)
	})

	t.Run("missing replay dir", func(t *testing.T) {
		_, err := Build(config.MustLoadDefaultConfig(), Options{Dev: true, ReplayDir: filepath.Join(t.TempDir(), "nope")})
		assert.Error(t, err)
	})
}

func TestHandler(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	a, err := Build(config.MustLoadDefaultConfig(), Options{Dev: true, Clock: clock})
	require.NoError(t, err)
	defer a.Close()
	a.Loop.Tick(context.Background(), clock.Now())

	h, err := a.Handler()
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"OFF"`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "no run log without a database")
}

func TestBuild_FaultAlertsAndFrame(t *testing.T) {
	var (
		mu     sync.Mutex
		events []alert.Event
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e alert.Event
		if err := json.NewDecoder(r.Body).Decode(&e); err == nil {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}
	}))
	defer hook.Close()

	clock := timeutil.NewMockClock(t0)
	path := filepath.Join(t.TempDir(), "level.db")
	a, err := Build(config.MustLoadDefaultConfig(), Options{
		Dev:        true,
		DBPath:     path,
		Clock:      clock,
		AlertURL:   hook.URL,
		HTTPClient: hook.Client(),
	})
	require.NoError(t, err)
	frameDir := a.FaultFrameDir()
	assert.Equal(t, filepath.Join(filepath.Dir(path), "faults"), frameDir)

	ctx := context.Background()
	a.Sim.SetPumpFault("fill", "stall")
	enabled := make(chan error, 1)
	go func() { enabled <- a.Loop.Enable(ctx) }()
	for i := 0; i < 60; i++ {
		clock.Advance(time.Second)
		a.Loop.Tick(ctx, clock.Now())
		if s := a.Loop.Snapshot(); s != nil && s.LatchedFault != nil {
			break
		}
	}
	require.NoError(t, <-enabled)
	s := a.Loop.Snapshot()
	require.NotNil(t, s.LatchedFault)
	runID := a.Run.ID
	require.NoError(t, a.Close())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, alert.KindFault, events[0].Kind)
	assert.Equal(t, runID, events[0].RunID)
	assert.Equal(t, s.Tick, events[0].Tick)

	frames, err := filepath.Glob(filepath.Join(frameDir, "*.png"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	f, err := os.Open(frames[0])
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(320, 240), img.Bounds().Size())
}
