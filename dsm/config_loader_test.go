package dsm

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.SubsamplingFactor != 1 {
		t.Errorf("expected full resolution, got %g", cfg.SubsamplingFactor)
	}
	if cfg.MatchingAlgorithm != AlgorithmNCC {
		t.Errorf("expected %s, got %s", AlgorithmNCC, cfg.MatchingAlgorithm)
	}
	if cfg.FusionThreshold != DefaultFusionThreshold {
		t.Errorf("expected fusion threshold %g, got %g", DefaultFusionThreshold, cfg.FusionThreshold)
	}
	if !cfg.ParallelPairs {
		t.Error("expected pairs to run in parallel by default")
	}
}

// ----------------------------------------------------------------------------
// Loading
// ----------------------------------------------------------------------------

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
dataRoot: /data/pleiades
subsamplingFactor: 0.5
matchingAlgorithm: sad
heightRange:
  min: 0
  max: 300
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	want := DefaultConfig()
	want.DataRoot = "/data/pleiades"
	want.SubsamplingFactor = 0.5
	want.MatchingAlgorithm = AlgorithmSAD
	want.HeightRange = HeightRange{Min: 0, Max: 300}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("LoadConfig mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	tests := []struct {
		name       string
		path       string
		wantConfig bool
		wantMsg    string
	}{
		{"missing file", filepath.Join(dir, "absent.yaml"), false, "config file not found"},
		{"bad yaml", write("bad.yaml", "dataRoot: [unclosed"), false, "parsing config YAML"},
		{"zoom above one", write("zoom.yaml", "subsamplingFactor: 2"), true, "subsampling factor"},
		{"zero zoom", write("zero.yaml", "subsamplingFactor: 0"), true, "subsampling factor"},
		{"unknown algorithm", write("algo.yaml", "matchingAlgorithm: census"), true, "census"},
		{"inverted heights", write("heights.yaml", "heightRange: {min: 10, max: 5}"), true, "heightRange"},
		{"zero threshold", write("fusion.yaml", "fusionThreshold: 0"), true, "fusionThreshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(tt.path)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected %q in error, got %v", tt.wantMsg, err)
			}
			if tt.wantConfig && !errors.Is(err, ErrConfig) {
				t.Errorf("expected a configuration error, got %v", err)
			}
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.WorkDir = "/scratch"
	cfg.MQTT.Broker = "tcp://broker:1883"

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateZoom(t *testing.T) {
	tests := []struct {
		zoom    float64
		wantErr bool
	}{
		{1, false},
		{0.5, false},
		{0.01, false},
		{0, true},
		{-0.5, true},
		{1.01, true},
	}
	for _, tt := range tests {
		err := ValidateZoom(tt.zoom)
		if tt.wantErr && !errors.Is(err, ErrConfig) {
			t.Errorf("zoom %g: expected a configuration error, got %v", tt.zoom, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("zoom %g: unexpected error %v", tt.zoom, err)
		}
	}
}

// ----------------------------------------------------------------------------
// Environment
// ----------------------------------------------------------------------------

func TestApplyEnv(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://env:1883")
	t.Setenv("MQTT_PUBLISH_PREFIX", "sat")
	t.Setenv("MQTT_CLIENT_ID", "")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.MQTT.Broker != "tcp://env:1883" {
		t.Errorf("expected broker from env, got %s", cfg.MQTT.Broker)
	}
	if cfg.MQTT.PublishPrefix != "sat" {
		t.Errorf("expected prefix from env, got %s", cfg.MQTT.PublishPrefix)
	}
	if cfg.MQTT.ClientID != "stereomesh" {
		t.Errorf("empty variables leave the config alone, got client id %s", cfg.MQTT.ClientID)
	}
}
