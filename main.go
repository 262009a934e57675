package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kwv/terrainmesh/terrain"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command line.
type AppOptions struct {
	ConfigFile       string
	CorrectionsCache string
	GeoJSONOutput    string
	Tolerance        float64
	HttpPort         int
	Stats            bool
	Align            bool
	Serve            bool
	MqttMode         bool
}

// Runner is the set of modes main can dispatch to.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunStats() error
	RunAlign() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("terrainmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.CorrectionsCache, "corrections-cache", terrain.DefaultCorrectionsCachePath, "Path to corrections cache file")
	fs.StringVar(&opts.GeoJSONOutput, "geojson", "", "Write patch footprints as GeoJSON to this file after aligning")
	fs.Float64Var(&opts.Tolerance, "simplify", 0, "Douglas-Peucker tolerance for exported footprints (0 disables)")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")
	fs.BoolVar(&opts.Stats, "stats", false, "Print per-patch statistics and exit")
	fs.BoolVar(&opts.Align, "align", false, "Align all configured pairs, persist corrections and exit")
	fs.BoolVar(&opts.Serve, "serve", false, "Align all pairs then serve corrections over HTTP")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish corrections over MQTT")

	if err := fs.Parse(args); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "terrainmesh version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.Stats:
		return app.RunStats()
	case opts.Align:
		return app.RunAlign()
	case opts.Serve || opts.MqttMode:
		return app.RunService()
	}

	_, _ = fmt.Fprintln(out, "Use --stats to print patch statistics")
	_, _ = fmt.Fprintln(out, "Use --align to align configured patch pairs")
	_, _ = fmt.Fprintln(out, "Use --serve to align and serve corrections over HTTP")
	_, _ = fmt.Fprintln(out, "Use --mqtt to publish corrections to the broker")
	_, _ = fmt.Fprintln(out, "\nConfiguration:")
	_, _ = fmt.Fprintln(out, "  config.yaml - patches, pairs, solver and MQTT settings")
	_, _ = fmt.Fprintf(out, "  %s - estimated corrections (cached)\n", terrain.DefaultCorrectionsCachePath)
	return nil
}
