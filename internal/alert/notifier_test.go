package alert

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vessel.level/internal/control"
	"github.com/banshee-data/vessel.level/internal/filter"
	"github.com/banshee-data/vessel.level/internal/httputil"
	"github.com/banshee-data/vessel.level/internal/supervisor"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type hook struct {
	mu     sync.Mutex
	events []Event
}

func (h *hook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var e Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (h *hook) received() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

func kinds(events []Event) []Kind {
	var out []Kind
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func snap(tick uint64, level float64, conf filter.Confidence, fault *control.FaultInfo) *supervisor.Snapshot {
	state := control.Holding
	if fault != nil {
		state = control.Fault
	}
	return &supervisor.Snapshot{
		Tick:         tick,
		Timestamp:    t0.Add(time.Duration(tick) * time.Second),
		LevelMM:      level,
		Confidence:   conf,
		State:        state,
		Band:         control.Setpoint{MinMM: 40, MaxMM: 60, Mode: control.ModeHold},
		LatchedFault: fault,
	}
}

func TestNotifier_FaultLatchedAndCleared(t *testing.T) {
	h := &hook{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	n := NewNotifier(Config{URL: srv.URL}, srv.Client(), "run-1")
	stale := &control.FaultInfo{Kind: control.MeasurementStale, Tick: 2, At: t0.Add(2 * time.Second), Detail: "no trusted level"}
	n.Record(snap(1, 50, filter.High, nil))
	n.Record(snap(2, 50, filter.Stale, stale))
	n.Record(snap(3, 50, filter.Stale, stale))
	n.Record(snap(4, 50, filter.Stale, stale))
	n.Record(snap(5, 50, filter.High, nil))
	// A second fault of the same kind is a new latch.
	again := &control.FaultInfo{Kind: control.MeasurementStale, Tick: 6, At: t0.Add(6 * time.Second)}
	n.Record(snap(6, 50, filter.Stale, again))
	n.Close()

	events := h.received()
	require.Equal(t, []Kind{KindFault, KindCleared, KindFault}, kinds(events))
	first := events[0]
	assert.Equal(t, "run-1", first.RunID)
	assert.Equal(t, uint64(2), first.Tick)
	assert.Equal(t, control.Fault, first.State)
	require.NotNil(t, first.Fault)
	assert.Equal(t, control.MeasurementStale, first.Fault.Kind)
	assert.Contains(t, first.Text, "MeasurementStale")
	assert.Zero(t, n.Failed())
	assert.Zero(t, n.Dropped())
}

func TestNotifier_Excursion(t *testing.T) {
	h := &hook{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	n := NewNotifier(Config{URL: srv.URL, ExcursionMM: 5}, srv.Client(), "")
	for i, tc := range []struct {
		level float64
		conf  filter.Confidence
	}{
		{58, filter.High},
		{64, filter.High}, // past the band but within the margin
		{70, filter.Low},  // untrusted
		{66, filter.High}, // excursion
		{80, filter.High}, // still the same excursion
		{62, filter.High}, // back under the margin but not yet in band
		{70, filter.High},
		{55, filter.High}, // in band, rearms
		{30, filter.High}, // excursion below
	} {
		n.Record(snap(uint64(i+1), tc.level, tc.conf, nil))
	}
	n.Close()

	events := h.received()
	require.Equal(t, []Kind{KindExcursion, KindExcursion}, kinds(events))
	assert.Equal(t, uint64(4), events[0].Tick)
	assert.InDelta(t, 66, events[0].LevelMM, 1e-9)
	assert.Equal(t, uint64(9), events[1].Tick)
}

func TestNotifier_DeliveryFailureIsCounted(t *testing.T) {
	m := &httputil.MockHTTPClient{Err: errors.New("connection refused")}
	n := NewNotifier(Config{URL: "http://hooks.invalid/alert"}, m, "")
	n.Record(snap(1, 50, filter.Stale, &control.FaultInfo{Kind: control.VisionFault, Tick: 1, At: t0}))
	n.Close()

	assert.Equal(t, uint64(1), n.Failed())
	require.Len(t, m.Requests, 1)
	assert.Equal(t, http.MethodPost, m.Requests[0].Method)
}

func TestNotifier_WithoutURLOnlyLogs(t *testing.T) {
	m := &httputil.MockHTTPClient{}
	n := NewNotifier(Config{}, m, "")
	n.Record(snap(1, 50, filter.Stale, &control.FaultInfo{Kind: control.VisionFault, Tick: 1, At: t0}))
	n.Close()
	n.Close()

	assert.Empty(t, m.Requests)
}
