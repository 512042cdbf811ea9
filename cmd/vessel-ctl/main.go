// Command vessel-ctl sends operator requests to a running vessel server.
//
//	vessel-ctl [-url http://localhost:8080] state|enable|disable|ack
//	vessel-ctl setpoint <min_mm> <max_mm> [HOLD|FILL|DRAIN|OFF|FLOW]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/vessel.level/internal/control"
	"github.com/banshee-data/vessel.level/internal/httputil"
	"github.com/banshee-data/vessel.level/internal/version"
)

var (
	serverURL   = flag.String("url", "http://localhost:8080", "Vessel server base URL")
	timeout     = flag.Duration("timeout", 10*time.Second, "Request timeout")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

var errUsage = errors.New("usage: vessel-ctl state|enable|disable|ack|setpoint <min_mm> <max_mm> [mode]")

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("vessel-ctl"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := &http.Client{Timeout: *timeout}
	if err := run(ctx, client, *serverURL, flag.Args(), os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, c httputil.HTTPClient, base string, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	base = strings.TrimSuffix(base, "/")

	var resp json.RawMessage
	switch cmd := args[0]; cmd {
	case "state":
		if err := httputil.GetJSON(ctx, c, base+"/api/state", &resp); err != nil {
			return err
		}
	case "enable", "disable", "ack":
		if err := httputil.PostJSON(ctx, c, base+"/api/"+cmd, nil, &resp); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	case "setpoint":
		sp, err := parseSetpoint(args[1:])
		if err != nil {
			return err
		}
		if err := httputil.PostJSON(ctx, c, base+"/api/setpoint", sp, &resp); err != nil {
			return fmt.Errorf("setpoint: %w", err)
		}
	default:
		return errUsage
	}

	var pretty map[string]any
	if err := json.Unmarshal(resp, &pretty); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}

func parseSetpoint(args []string) (control.Setpoint, error) {
	if len(args) < 2 || len(args) > 3 {
		return control.Setpoint{}, errUsage
	}
	lo, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return control.Setpoint{}, fmt.Errorf("min_mm: %w", err)
	}
	hi, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return control.Setpoint{}, fmt.Errorf("max_mm: %w", err)
	}
	sp := control.Setpoint{MinMM: lo, MaxMM: hi, Mode: control.ModeHold}
	if len(args) == 3 {
		sp.Mode = control.Mode(strings.ToUpper(args[2]))
	}
	return sp, sp.Validate()
}
