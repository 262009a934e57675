package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kwv/terrainmesh/terrain"
)

// mqttConnectTimeout bounds how long a run waits for the broker before
// aligning without publishing.
const mqttConnectTimeout = 10 * time.Second

// App encapsulates the application state and dependencies
type App struct {
	Config     *terrain.Config
	Registry   *terrain.Registry
	MQTTClient *terrain.MQTTClient
	Publisher  *terrain.Publisher

	// CLI Flags (effectively dependencies)
	ConfigFile       string
	CorrectionsCache string
	GeoJSONOutput    string
	Tolerance        float64
	HttpPort         int
	MqttMode         bool

	out       io.Writer
	fetchOpts []terrain.FetchOption
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		ConfigFile:       "config.yaml",
		CorrectionsCache: terrain.DefaultCorrectionsCachePath,
		HttpPort:         8080,
		out:              os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.CorrectionsCache = opts.CorrectionsCache
	a.GeoJSONOutput = opts.GeoJSONOutput
	a.Tolerance = opts.Tolerance
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
}

// Load reads the configuration and every configured patch into a fresh
// registry backed by the corrections cache.
func (a *App) Load() error {
	config, err := terrain.LoadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Printf("Loaded config from %s", a.ConfigFile)

	reg := terrain.NewRegistryWithCache(config.LineFit, a.CorrectionsCache)
	for _, ps := range config.Patches {
		p, from, err := a.loadPatch(ps)
		if err != nil {
			return fmt.Errorf("load patch %s: %w", ps.ID, err)
		}
		reg.AddPatch(ps.ID, p)
		log.Printf("Loaded patch %s (%d points) from %s", ps.ID, p.Len(), from)
	}

	a.Config = config
	a.Registry = reg
	return nil
}

func (a *App) loadPatch(ps terrain.PatchSource) (*terrain.Patch, string, error) {
	if ps.File != "" {
		p, err := terrain.LoadPatch(ps.File)
		return p, ps.File, err
	}
	p, err := terrain.FetchPatch(context.Background(), ps.URL, a.fetchOpts...)
	return p, ps.URL, err
}

// RunStats prints per-patch diagnostics.
func (a *App) RunStats() error {
	if err := a.Load(); err != nil {
		return err
	}
	a.printStats()
	return nil
}

func (a *App) printStats() {
	for _, id := range a.Registry.PatchIDs() {
		stats, err := a.Registry.Stats(id)
		if err != nil {
			_, _ = fmt.Fprintf(a.out, "=== %s ===\nERROR: %v\n\n", id, err)
			continue
		}
		_, _ = fmt.Fprintf(a.out, "=== %s ===\n", id)
		_, _ = fmt.Fprintf(a.out, "Points: %d\n", stats.Count)
		_, _ = fmt.Fprintf(a.out, "Centroid: (%.3f, %.3f, %.3f)\n", stats.Centroid.X, stats.Centroid.Y, stats.Centroid.Z)
		_, _ = fmt.Fprintf(a.out, "Height: mean %.3f stddev %.3f\n", stats.MeanZ, stats.StdDevZ)
		if stats.LineError != "" {
			_, _ = fmt.Fprintf(a.out, "Line fit: %s\n", stats.LineError)
		} else {
			_, _ = fmt.Fprintf(a.out, "Line fit stddev: %.4f\n", stats.LineStdDev)
		}
		_, _ = fmt.Fprintln(a.out)
	}
}

// RunAlign aligns every configured pair, persists the corrections and
// optionally publishes and exports them.
func (a *App) RunAlign() error {
	if err := a.Load(); err != nil {
		return err
	}
	if a.MqttMode {
		if err := a.connectMQTT(nil); err != nil {
			return err
		}
		defer a.MQTTClient.Disconnect()
	}

	corrections, err := a.AlignPairs(context.Background())
	if err != nil {
		return err
	}
	a.printCorrections(corrections)

	if a.GeoJSONOutput != "" {
		if err := a.WriteGeoJSON(a.GeoJSONOutput); err != nil {
			return err
		}
		log.Printf("Wrote footprints to %s", a.GeoJSONOutput)
	}
	return nil
}

// AlignPairs runs every configured pair, each on its own Adjuster, with at
// most Config.Parallel alignments in flight. Corrections are recorded in the
// registry and published when a publisher is attached. Results follow the
// configured pair order.
func (a *App) AlignPairs(ctx context.Context) ([]terrain.Correction, error) {
	if a.Config == nil || a.Registry == nil {
		return nil, errors.New("app not loaded")
	}

	pairs := a.Config.Pairs
	results := make([]terrain.Correction, len(pairs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, a.Config.Parallel))
	for i, pc := range pairs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c, err := a.alignPair(pc)
			if err != nil {
				return fmt.Errorf("pair %s: %w", pc.Key(), err)
			}
			results[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (a *App) alignPair(pc terrain.PairConfig) (terrain.Correction, error) {
	c, err := terrain.AlignPair(a.Registry, a.Config.Adjuster, pc)
	if err != nil {
		return terrain.Correction{}, err
	}
	a.Registry.UpdateCorrection(c)
	if a.Publisher != nil {
		if err := a.Publisher.PublishCorrection(c); err != nil {
			log.Printf("Error publishing correction for %s: %v", pc.Key(), err)
		}
	}
	return c, nil
}

func (a *App) printCorrections(corrections []terrain.Correction) {
	for _, c := range corrections {
		status := "converged"
		if !c.Converged {
			status = "not converged"
		}
		_, _ = fmt.Fprintf(a.out, "%s: tx=%.4f ty=%.4f cost=%.6g iterations=%d (%s)\n",
			c.Key(), c.Tx, c.Ty, c.FinalCost, c.Iterations, status)
	}
}

// WriteGeoJSON exports the patch footprints in the corrected frame.
func (a *App) WriteGeoJSON(path string) error {
	fc := terrain.ExportGeoJSON(a.Registry, a.Tolerance)
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding GeoJSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing GeoJSON: %w", err)
	}
	return nil
}

// connectMQTT starts the broker connection and attaches a publisher. A
// broker that is still unreachable after the timeout is retried in the
// background; publishes fail until it connects. A non-nil handler receives
// patch updates.
func (a *App) connectMQTT(handler terrain.PatchHandler) error {
	client := terrain.InitMQTT(a.Config.MQTT, handler)
	if client == nil {
		return errors.New("MQTT broker not configured in config.yaml")
	}
	if !client.WaitConnected(mqttConnectTimeout) {
		log.Printf("Warning: MQTT broker not connected after %s", mqttConnectTimeout)
	}
	a.MQTTClient = client
	a.Publisher = terrain.NewPublisher(client.GetClient(), client.PublishPrefix())
	fmt.Println("MQTT corrections publisher initialized")
	return nil
}

// RunService aligns all pairs once, then keeps serving the results over HTTP
// until interrupted.
func (a *App) RunService() error {
	fmt.Println("Starting terrainmesh service...")

	if err := a.Load(); err != nil {
		return err
	}
	aligner := terrain.NewAutoAligner(a.Config, a.Registry, nil)
	if a.MqttMode {
		if err := a.connectMQTT(aligner.HandlePatch); err != nil {
			return err
		}
		aligner.SetPublisher(a.Publisher)
	}

	corrections, err := a.AlignPairs(context.Background())
	if err != nil {
		return err
	}
	for _, c := range corrections {
		aligner.MarkAligned(c.Key())
	}
	a.printCorrections(corrections)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.HttpPort),
		Handler:           newHTTPServer(a.Registry, a.Tolerance, aligner),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		fmt.Printf("HTTP server starting on %s\n", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	fmt.Println("\nService Running")
	fmt.Println("===============")
	if a.MQTTClient != nil {
		fmt.Printf("\nMQTT publishing to: %s/corrections/{movingID}\n", a.MQTTClient.PublishPrefix())
		fmt.Printf("  Combined corrections: %s/corrections\n", a.MQTTClient.PublishPrefix())
		fmt.Printf("  Patch updates: %s\n", a.MQTTClient.PatchTopic())
	}
	fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
	fmt.Println("  GET /health                - Health check")
	fmt.Println("  GET /corrections           - Latest corrections")
	fmt.Println("  GET /patches               - Loaded patch ids")
	fmt.Println("  GET /patches/{id}/stats    - Patch statistics")
	fmt.Println("  POST /patches/{id}         - Replace a patch and re-align its pairs")
	fmt.Println("  GET /patches.geojson       - Corrected patch footprints")
	fmt.Println("\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down service...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Println("Service stopped")
	return nil
}
