package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	err    error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunStats() error              { m.called["RunStats"] = true; return m.err }
func (m *mockApp) RunAlign() error              { m.called["RunAlign"] = true; return m.err }
func (m *mockApp) RunService() error            { m.called["RunService"] = true; return m.err }

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Stats",
			args:           []string{"--stats", "--config", "/tmp/terrain.yaml"},
			expectedCalled: "RunStats",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ConfigFile != "/tmp/terrain.yaml" {
					t.Errorf("expected ConfigFile /tmp/terrain.yaml, got %s", opts.ConfigFile)
				}
				if !opts.Stats {
					t.Error("expected Stats true")
				}
			},
		},
		{
			name:           "Align",
			args:           []string{"--align", "--corrections-cache", "test.json", "--geojson", "out.geojson", "--simplify", "0.25"},
			expectedCalled: "RunAlign",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.CorrectionsCache != "test.json" {
					t.Errorf("expected CorrectionsCache test.json, got %s", opts.CorrectionsCache)
				}
				if opts.GeoJSONOutput != "out.geojson" {
					t.Errorf("expected GeoJSONOutput out.geojson, got %s", opts.GeoJSONOutput)
				}
				if opts.Tolerance != 0.25 {
					t.Errorf("expected Tolerance 0.25, got %v", opts.Tolerance)
				}
			},
		},
		{
			name:           "AlignWithMQTT",
			args:           []string{"--align", "--mqtt"},
			expectedCalled: "RunAlign",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode {
					t.Error("expected MqttMode true")
				}
			},
		},
		{
			name:           "Serve",
			args:           []string{"--serve", "--http-port", "9090"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
				if !opts.Serve {
					t.Error("expected Serve true")
				}
			},
		},
		{
			name:           "MQTTOnly",
			args:           []string{"--mqtt"},
			expectedCalled: "RunService",
		},
		{
			name:           "Defaults",
			args:           []string{"--stats"},
			expectedCalled: "RunStats",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ConfigFile != "config.yaml" {
					t.Errorf("expected default ConfigFile config.yaml, got %s", opts.ConfigFile)
				}
				if opts.CorrectionsCache != ".corrections-cache.json" {
					t.Errorf("expected default CorrectionsCache, got %s", opts.CorrectionsCache)
				}
				if opts.HttpPort != 8080 {
					t.Errorf("expected default HttpPort 8080, got %d", opts.HttpPort)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}
			if len(app.called) != 1 {
				t.Errorf("expected exactly one mode, got %v", app.called)
			}

			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_PropagatesError(t *testing.T) {
	app := newMockApp()
	app.err = errors.New("boom")
	var out bytes.Buffer
	err := run([]string{"--align"}, &out, app)
	if err == nil || err.Error() != "boom" {
		t.Errorf("expected boom error, got %v", err)
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	if err == nil {
		t.Error("expected error from --help, got nil")
	}
	if !strings.Contains(out.String(), "Usage of terrainmesh") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
}

func TestRun_BadFlag(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"--http-port", "notanumber"}, &out, app); err == nil {
		t.Error("expected error for invalid port")
	}
	if len(app.called) != 0 {
		t.Errorf("expected no mode to run, got %v", app.called)
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{}, &out, app)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectedPrefix := "terrainmesh version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "Use --align") {
		t.Errorf("expected output to contain usage hints, got: %s", out.String())
	}
	if len(app.called) != 0 {
		t.Errorf("expected no mode to run, got %v", app.called)
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
