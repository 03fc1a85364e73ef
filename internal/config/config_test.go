package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Layers != 22 {
		t.Errorf("expected 22 layers, got %d", cfg.Layers)
	}
	if len(cfg.Devices) != 4 {
		t.Errorf("expected 4 devices, got %v", cfg.Devices)
	}
	if !cfg.BOS || cfg.EOS {
		t.Errorf("expected bos=true eos=false, got bos=%v eos=%v", cfg.BOS, cfg.EOS)
	}
	if cfg.InitTimeout != 5*time.Second {
		t.Errorf("expected 5s init timeout, got %s", cfg.InitTimeout)
	}
	if cfg.StreamBatch != 3 {
		t.Errorf("expected stream batch 3, got %d", cfg.StreamBatch)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"zero layers", func(c *Config) { c.Layers = 0 }, true},
		{"no devices", func(c *Config) { c.Devices = nil }, true},
		{"negative device", func(c *Config) { c.Devices = []int{0, -1} }, true},
		{"duplicate device", func(c *Config) { c.Devices = []int{0, 1, 1} }, true},
		{"more devices than layers", func(c *Config) { c.Layers = 2; c.Devices = []int{0, 1, 2} }, true},
		{"peer pair outside list", func(c *Config) { c.PeerPairs = [][2]int{{0, 9}} }, true},
		{"peer pair inside list", func(c *Config) { c.PeerPairs = [][2]int{{0, 1}} }, false},
		{"template without verb", func(c *Config) { c.LayerTemplate = "layer.axmodel" }, true},
		{"zero init timeout", func(c *Config) { c.InitTimeout = 0 }, true},
		{"zero vocab", func(c *Config) { c.EmbedVocab = 0 }, true},
		{"zero width", func(c *Config) { c.EmbedWidth = 0 }, true},
		{"zero retries", func(c *Config) { c.TokenizerRetries = 0 }, true},
		{"zero stream batch", func(c *Config) { c.StreamBatch = 0 }, true},
		{"zero merge", func(c *Config) { c.Vision.MergeSize = 0 }, true},
		{"target not patch aligned", func(c *Config) { c.Vision.Width = 300 }, true},
		{"host context beyond slots", func(c *Config) { c.Host.MaxTokens = c.Host.Slots + 1 }, true},
		{"host zero kv row", func(c *Config) { c.Host.KVRow = 0 }, true},
		{"host geometry ignored elsewhere", func(c *Config) { c.Backend = "ax650"; c.Host.Slots = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoadOverridesOnlyNamedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quiver.yaml")
	data := []byte(`
layers: 28
devices: [0, 1]
init_timeout: 2s
vision:
  merge_size: 2
  width: 448
  height: 448
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Layers != 28 {
		t.Errorf("layers = %d, want 28", cfg.Layers)
	}
	if len(cfg.Devices) != 2 {
		t.Errorf("devices = %v, want [0 1]", cfg.Devices)
	}
	if cfg.InitTimeout != 2*time.Second {
		t.Errorf("init_timeout = %s, want 2s", cfg.InitTimeout)
	}
	if cfg.Vision.Width != 448 || cfg.Vision.PatchSize != 14 {
		t.Errorf("vision = %+v, want width 448 with default patch 14", cfg.Vision)
	}
	if cfg.StreamBatch != 3 {
		t.Errorf("stream_batch default lost: %d", cfg.StreamBatch)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseDevices(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"0,1,2,3", []int{0, 1, 2, 3}, false},
		{" 2 , 5 ", []int{2, 5}, false},
		{"0,,1", []int{0, 1}, false},
		{"", nil, true},
		{"a,1", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDevices(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDevices(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseDevices(%q) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("ParseDevices(%q) = %v, want %v", tt.in, got, tt.want)
				}
			}
		})
	}
}

func TestLayerPath(t *testing.T) {
	cfg := Default()
	if got := cfg.LayerPath(7); got != "tinyllama-int8/tinyllama_l7.axmodel" {
		t.Errorf("LayerPath(7) = %q", got)
	}
}
