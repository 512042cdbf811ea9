// Command vessel runs the liquid level control loop with its operator HTTP
// interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/vessel.level/internal/app"
	"github.com/banshee-data/vessel.level/internal/camera"
	"github.com/banshee-data/vessel.level/internal/camera/webcam"
	"github.com/banshee-data/vessel.level/internal/config"
	"github.com/banshee-data/vessel.level/internal/monitoring"
	"github.com/banshee-data/vessel.level/internal/timeutil"
	"github.com/banshee-data/vessel.level/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Run configuration (JSON)")
	devMode     = flag.Bool("dev", false, "Run against the simulated vessel instead of hardware")
	replayDir   = flag.String("replay", "", "Replay recorded frames from this directory instead of the webcam")
	replayLoop  = flag.Bool("replay-loop", false, "Restart the replay when it reaches the last frame")
	listen      = flag.String("listen", ":8080", "Listen address")
	dbPath      = flag.String("db", "level.db", "Run log database (empty disables it)")
	alertURL    = flag.String("alert-url", "", "Post fault and excursion alerts to this webhook (overrides alerts.webhook_url)")
	enable      = flag.Bool("enable", false, "Enable control as soon as the loop starts")
	trace       = flag.Bool("trace", false, "Log one line per tick")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func openWebcam(device, width, height int, fps float64, clock timeutil.Clock) (camera.Source, error) {
	return webcam.Open(webcam.Config{Device: device, Width: width, Height: height, FPS: fps}, clock)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("vessel"))
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *trace {
		monitoring.SetLogWriters(os.Stderr, os.Stderr, os.Stderr)
	}

	cfg, err := config.LoadRunConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	a, err := app.Build(cfg, app.Options{
		Dev:        *devMode,
		ReplayDir:  *replayDir,
		ReplayLoop: *replayLoop,
		DBPath:     *dbPath,
		AlertURL:   *alertURL,
		OpenWebcam: openWebcam,
	})
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}()

	handler, err := a.Handler()
	if err != nil {
		log.Printf("failed to mount routes: %v", err)
		return
	}

	// Create a wait group for the HTTP server and the control loop
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Loop.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("control loop stopped: %v", err)
		}
		log.Print("control loop terminated")
	}()

	if *enable {
		go func() {
			reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := a.Loop.Enable(reqCtx); err != nil {
				log.Printf("enable at startup refused: %v", err)
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:              *listen,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("failed to start server: %v", err)
				stop()
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
