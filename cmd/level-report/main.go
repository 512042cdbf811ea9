// Command level-report renders the level history of a run as a PNG and
// prints a summary. History is read from the run log database, or from a
// running vessel server with -url.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/banshee-data/vessel.level/internal/db"
	"github.com/banshee-data/vessel.level/internal/httputil"
	"github.com/banshee-data/vessel.level/internal/report"
	"github.com/banshee-data/vessel.level/internal/version"
)

var (
	dbPath      = flag.String("db", "level.db", "Run log database")
	serverURL   = flag.String("url", "", "Fetch history from a running server instead of the database (e.g. http://localhost:8080)")
	runID       = flag.String("run", "", "Run ID (default: latest run)")
	limit       = flag.Int("limit", 0, "Keep only the most recent N ticks (0 = all)")
	outPath     = flag.String("out", "level.png", "Output PNG path")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("level-report"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		points []db.LevelPoint
		id     string
		err    error
	)
	if *serverURL != "" {
		client := &http.Client{Timeout: 20 * time.Second}
		id, points, err = fetchHistory(ctx, client, *serverURL, *runID, *limit)
	} else {
		id, points, err = readHistory(ctx, *dbPath, *runID, *limit)
	}
	if err != nil {
		log.Fatalf("failed to load history: %v", err)
	}

	summary, err := report.Summarize(points)
	if err != nil {
		log.Fatalf("run %s: %v", id, err)
	}

	f, err := os.Create(*outPath)
	if err != nil {
		log.Fatalf("failed to create %s: %v", *outPath, err)
	}
	if err := report.WritePNG(f, "Run "+id, points); err != nil {
		f.Close()
		log.Fatalf("failed to render plot: %v", err)
	}
	if err := f.Close(); err != nil {
		log.Fatalf("failed to write %s: %v", *outPath, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		log.Fatalf("failed to print summary: %v", err)
	}
	log.Printf("wrote %s (%d ticks)", *outPath, len(points))
}

func readHistory(ctx context.Context, path, id string, limit int) (string, []db.LevelPoint, error) {
	if _, err := os.Stat(path); err != nil {
		return "", nil, err
	}
	database, err := db.NewDB(path)
	if err != nil {
		return "", nil, err
	}
	defer database.Close()

	if id == "" {
		run, err := database.LatestRun(ctx)
		if err != nil {
			return "", nil, err
		}
		id = run.ID
	}
	points, err := database.LevelHistory(ctx, id, time.Time{}, limit)
	return id, points, err
}

// fetchHistory reads /api/history from a running server. Without a run ID
// the server answers for its current run, whose ID /api/version reports.
func fetchHistory(ctx context.Context, c httputil.HTTPClient, base, id string, limit int) (string, []db.LevelPoint, error) {
	if id == "" {
		var v map[string]string
		if err := httputil.GetJSON(ctx, c, base+"/api/version", &v); err != nil {
			return "", nil, err
		}
		id = v["run_id"]
	}
	q := url.Values{}
	if id != "" {
		q.Set("run_id", id)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var points []db.LevelPoint
	if err := httputil.GetJSON(ctx, c, base+"/api/history?"+q.Encode(), &points); err != nil {
		return "", nil, err
	}
	return id, points, nil
}
