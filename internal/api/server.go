// Package api serves the operator HTTP interface: live state, the enable,
// disable, acknowledge and setpoint requests, and run history from the
// database.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/vessel.level/internal/control"
	"github.com/banshee-data/vessel.level/internal/db"
	"github.com/banshee-data/vessel.level/internal/httputil"
	"github.com/banshee-data/vessel.level/internal/monitoring"
	"github.com/banshee-data/vessel.level/internal/supervisor"
	"github.com/banshee-data/vessel.level/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// DefaultRequestTimeout bounds how long a handler waits for the control loop
// to apply an operator request.
const DefaultRequestTimeout = 5 * time.Second

// Operator is the part of the supervisor the HTTP interface drives.
type Operator interface {
	Snapshot() *supervisor.Snapshot
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Acknowledge(ctx context.Context) error
	SetSetpoint(ctx context.Context, sp control.Setpoint) error
}

type Server struct {
	loop  Operator
	db    *db.DB
	runID string

	requestTimeout time.Duration
}

// NewServer returns a server for loop. database may be nil, in which case
// the history endpoints answer 404.
func NewServer(loop Operator, database *db.DB, runID string) *Server {
	return &Server{
		loop:           loop,
		db:             database,
		runID:          runID,
		requestTimeout: DefaultRequestTimeout,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/enable", s.operatorRequest(Operator.Enable))
	mux.HandleFunc("/api/disable", s.operatorRequest(Operator.Disable))
	mux.HandleFunc("/api/ack", s.operatorRequest(Operator.Acknowledge))
	mux.HandleFunc("/api/setpoint", s.setSetpoint)
	mux.HandleFunc("/api/history", s.showHistory)
	mux.HandleFunc("/api/faults", s.showFaults)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/chart", s.showChart)
	return mux
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.loop.Snapshot()
	if snap == nil {
		httputil.ServiceUnavailable(w, "no tick has completed yet")
		return
	}
	httputil.WriteJSONOK(w, snap)
}

func (s *Server) operatorRequest(fn func(Operator, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
		defer cancel()
		s.writeRequestResult(w, fn(s.loop, ctx))
	}
}

func (s *Server) setSetpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var sp control.Setpoint
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sp); err != nil {
		httputil.BadRequest(w, "Invalid setpoint body: "+err.Error())
		return
	}
	if err := sp.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	s.writeRequestResult(w, s.loop.SetSetpoint(ctx, sp))
}

// writeRequestResult maps the outcome of an operator request to a status.
// Refusals by the controller are conflicts with the current state.
func (s *Server) writeRequestResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		httputil.WriteJSONOK(w, s.loop.Snapshot())
	case errors.Is(err, supervisor.ErrQueueFull):
		httputil.ServiceUnavailable(w, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		httputil.WriteJSONError(w, http.StatusGatewayTimeout, "control loop did not apply the request in time")
	case errors.Is(err, control.ErrFaultActive),
		errors.Is(err, control.ErrNotFaulted),
		errors.Is(err, control.ErrOutsideFailSafe),
		errors.Is(err, control.ErrFlowNeedsTwoPumps):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

// runParam resolves the run_id query parameter, defaulting to the current
// run.
func (s *Server) runParam(r *http.Request) string {
	if id := r.URL.Query().Get("run_id"); id != "" {
		return id
	}
	return s.runID
}

func (s *Server) showHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "No database configured")
		return
	}
	since, limit, ok := parseWindow(w, r)
	if !ok {
		return
	}
	points, err := s.db.LevelHistory(r.Context(), s.runParam(r), since, limit)
	if err != nil {
		httputil.InternalServerError(w, "Failed to read history: "+err.Error())
		return
	}
	if points == nil {
		points = []db.LevelPoint{}
	}
	httputil.WriteJSONOK(w, points)
}

// parseWindow reads the optional since (RFC 3339) and limit parameters.
func parseWindow(w http.ResponseWriter, r *http.Request) (time.Time, int, bool) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.BadRequest(w, "Invalid 'since' parameter")
			return time.Time{}, 0, false
		}
		since = t
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return time.Time{}, 0, false
		}
		limit = n
	}
	return since, limit, true
}

func (s *Server) showFaults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "No database configured")
		return
	}
	faults, err := s.db.Faults(r.Context(), s.runParam(r))
	if err != nil {
		httputil.InternalServerError(w, "Failed to read faults: "+err.Error())
		return
	}
	if faults == nil {
		faults = []db.FaultRecord{}
	}
	httputil.WriteJSONOK(w, faults)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "No database configured")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}
	runs, err := s.db.Runs(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, "Failed to list runs: "+err.Error())
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
		"run_id":     s.runID,
	})
}
