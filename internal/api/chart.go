package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/vessel.level/internal/db"
	"github.com/banshee-data/vessel.level/internal/httputil"
	"github.com/banshee-data/vessel.level/internal/monitoring"
)

// gap is the value echarts draws as a break in a line.
const gap = "-"

// showChart renders the level history of a run as an HTML line chart: the
// filtered level, the raw reading where it was valid, and the band edges.
func (s *Server) showChart(w http.ResponseWriter, r *http.Request) {
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
	runID := s.runParam(r)
	points, err := s.db.LevelHistory(r.Context(), runID, since, limit)
	if err != nil {
		httputil.InternalServerError(w, "Failed to read history: "+err.Error())
		return
	}

	var buf bytes.Buffer
	if err := levelChart(runID, points).Render(&buf); err != nil {
		http.Error(w, "failed to render chart", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		monitoring.Logf("failed to write chart: %v", err)
	}
}

func levelChart(runID string, points []db.LevelPoint) *charts.Line {
	x := make([]string, 0, len(points))
	level := make([]opts.LineData, 0, len(points))
	raw := make([]opts.LineData, 0, len(points))
	lo := make([]opts.LineData, 0, len(points))
	hi := make([]opts.LineData, 0, len(points))
	for _, p := range points {
		x = append(x, p.Timestamp.Format("15:04:05"))
		if p.Confidence == "STALE" {
			level = append(level, opts.LineData{Value: gap})
		} else {
			level = append(level, opts.LineData{Value: p.LevelMM})
		}
		if p.RawValid {
			raw = append(raw, opts.LineData{Value: p.RawLevelMM})
		} else {
			raw = append(raw, opts.LineData{Value: gap})
		}
		lo = append(lo, opts.LineData{Value: p.BandMinMM})
		hi = append(hi, opts.LineData{Value: p.BandMaxMM})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Vessel level", Theme: "dark", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Liquid level", Subtitle: fmt.Sprintf("run=%s points=%d", runID, len(points))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "time", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "level (mm)", NameLocation: "middle", NameGap: 40}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x).
		AddSeries("level", level, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})).
		AddSeries("raw", raw, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)})).
		AddSeries("band min", lo, charts.WithLineChartOpts(opts.LineChart{Step: "end", ShowSymbol: opts.Bool(false)})).
		AddSeries("band max", hi, charts.WithLineChartOpts(opts.LineChart{Step: "end", ShowSymbol: opts.Bool(false)}))
	return line
}
