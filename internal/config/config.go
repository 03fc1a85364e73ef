package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration errors. They are fatal at initialization.
var ErrInvalid = errors.New("invalid configuration")

// Vision holds the multimodal geometry used by the preprocessor and the
// position-index builder.
type Vision struct {
	PatchSize         int     `yaml:"patch_size"`
	TemporalPatchSize int     `yaml:"temporal_patch_size"`
	MergeSize         int     `yaml:"merge_size"`
	Width             int     `yaml:"width"`
	Height            int     `yaml:"height"`
	TokensPerSecond   float64 `yaml:"tokens_per_second"`
	ImageTokenID      int     `yaml:"image_token_id"`
	VideoTokenID      int     `yaml:"video_token_id"`
	VisionStartID     int     `yaml:"vision_start_token_id"`
	EncoderModel      string  `yaml:"encoder_model"`
}

// Host sizes the model parts of the host-emulated backend. The activation
// width is EmbedWidth and the vocabulary EmbedVocab.
type Host struct {
	DeviceMemory int64 `yaml:"device_memory"`
	KVRow        int   `yaml:"kv_row"`
	Slots        int   `yaml:"slots"`
	MaxTokens    int   `yaml:"max_tokens"`
	Prefill      int   `yaml:"prefill"`
	TopK         int   `yaml:"top_k"`
	MRoPE        bool  `yaml:"mrope"`
	// ReadWeights reads every model file at load time.
	ReadWeights bool `yaml:"read_weights"`
}

type Config struct {
	// Model partition
	LayerTemplate string `yaml:"layer_template"`
	Layers        int    `yaml:"layers"`
	PostModel     string `yaml:"post_model"`
	MmapLayers    bool   `yaml:"mmap_layers"`
	Backend       string `yaml:"backend"`

	// Devices
	Devices     []int         `yaml:"devices"`
	PeerPairs   [][2]int      `yaml:"peer_pairs"`
	InitTimeout time.Duration `yaml:"init_timeout"`

	// Tokenizer
	TokenizerURL     string        `yaml:"tokenizer_url"`
	BOS              bool          `yaml:"bos"`
	EOS              bool          `yaml:"eos"`
	StopTokens       []int         `yaml:"stop_tokens"`
	Template         string        `yaml:"template"`
	TokenizerRetries int           `yaml:"tokenizer_retries"`
	TokenizerBackoff time.Duration `yaml:"tokenizer_backoff"`
	TokenizerTimeout time.Duration `yaml:"tokenizer_timeout"`

	// Embedding table
	EmbedPath  string `yaml:"embed_path"`
	EmbedVocab int    `yaml:"embed_vocab"`
	EmbedWidth int    `yaml:"embed_width"`
	MmapEmbed  bool   `yaml:"mmap_embed"`

	// Generation
	SamplerConfig string `yaml:"sampler_config"`
	StreamBatch   int    `yaml:"stream_batch"`

	Vision Vision `yaml:"vision"`
	Host   Host   `yaml:"host"`

	// Observability
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
	TraceFile   string `yaml:"trace_file"`
	TraceFlight string `yaml:"trace_flight"`
	TraceBatch  int    `yaml:"trace_batch"`
}

func Default() Config {
	return Config{
		LayerTemplate: "tinyllama-int8/tinyllama_l%d.axmodel",
		Layers:        22,
		PostModel:     "tinyllama-int8/tinyllama_post.axmodel",
		Backend:       "host",

		Devices:     []int{0, 1, 2, 3},
		InitTimeout: 5 * time.Second,

		TokenizerURL:     "http://127.0.0.1:12345",
		BOS:              true,
		EOS:              false,
		Template:         "raw",
		TokenizerRetries: 2,
		TokenizerBackoff: time.Second,
		TokenizerTimeout: 3 * time.Second,

		EmbedPath:  "tinyllama-int8/model.embed_tokens.weight.bfloat16.bin",
		EmbedVocab: 32000,
		EmbedWidth: 2048,

		SamplerConfig: "post_config.json",
		StreamBatch:   3,

		Vision: Vision{
			PatchSize:         14,
			TemporalPatchSize: 2,
			MergeSize:         2,
			Width:             308,
			Height:            308,
			TokensPerSecond:   2,
			ImageTokenID:      151655,
			VideoTokenID:      151656,
			VisionStartID:     151652,
		},

		Host: Host{
			DeviceMemory: 1 << 30,
			KVRow:        256,
			Slots:        1024,
			MaxTokens:    1023,
		},

		LogLevel:   "info",
		LogFormat:  "console",
		TraceBatch: 256,
	}
}

// Load reads a YAML file over Default. Keys absent from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Layers <= 0 {
		return fmt.Errorf("%w: layers %d (must be positive)", ErrInvalid, c.Layers)
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("%w: empty device list", ErrInvalid)
	}
	seen := make(map[int]bool, len(c.Devices))
	for _, id := range c.Devices {
		if id < 0 {
			return fmt.Errorf("%w: device id %d (must be non-negative)", ErrInvalid, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: device id %d listed twice", ErrInvalid, id)
		}
		seen[id] = true
	}
	if len(c.Devices) > c.Layers {
		return fmt.Errorf("%w: %d devices for %d layers (a device would hold no layer)", ErrInvalid, len(c.Devices), c.Layers)
	}
	for _, p := range c.PeerPairs {
		if !seen[p[0]] || !seen[p[1]] {
			return fmt.Errorf("%w: peer pair %v names a device not in the device list", ErrInvalid, p)
		}
	}
	if !strings.Contains(c.LayerTemplate, "%d") {
		return fmt.Errorf("%w: layer template %q has no %%d verb", ErrInvalid, c.LayerTemplate)
	}
	if c.InitTimeout <= 0 {
		return fmt.Errorf("%w: init_timeout %s (must be positive)", ErrInvalid, c.InitTimeout)
	}
	if c.EmbedVocab <= 0 {
		return fmt.Errorf("%w: embed_vocab %d (must be positive)", ErrInvalid, c.EmbedVocab)
	}
	if c.EmbedWidth <= 0 {
		return fmt.Errorf("%w: embed_width %d (must be positive)", ErrInvalid, c.EmbedWidth)
	}
	if c.TokenizerRetries <= 0 {
		return fmt.Errorf("%w: tokenizer_retries %d (must be positive)", ErrInvalid, c.TokenizerRetries)
	}
	if c.TokenizerBackoff < 0 {
		return fmt.Errorf("%w: tokenizer_backoff %s (must be non-negative)", ErrInvalid, c.TokenizerBackoff)
	}
	if c.StreamBatch <= 0 {
		return fmt.Errorf("%w: stream_batch %d (must be positive)", ErrInvalid, c.StreamBatch)
	}
	if c.Backend == "host" {
		if err := c.Host.validate(); err != nil {
			return err
		}
	}
	return c.Vision.validate()
}

func (h *Host) validate() error {
	if h.DeviceMemory <= 0 || h.KVRow <= 0 || h.Slots <= 0 {
		return fmt.Errorf("%w: host device_memory %d kv_row %d slots %d (must be positive)", ErrInvalid, h.DeviceMemory, h.KVRow, h.Slots)
	}
	if h.MaxTokens > h.Slots {
		return fmt.Errorf("%w: host max_tokens %d > slots %d", ErrInvalid, h.MaxTokens, h.Slots)
	}
	if h.Prefill < 0 || h.TopK < 0 {
		return fmt.Errorf("%w: host prefill %d top_k %d (must be non-negative)", ErrInvalid, h.Prefill, h.TopK)
	}
	return nil
}

func (v *Vision) validate() error {
	if v.PatchSize <= 0 || v.TemporalPatchSize <= 0 || v.MergeSize <= 0 {
		return fmt.Errorf("%w: vision patch %d temporal %d merge %d (must be positive)",
			ErrInvalid, v.PatchSize, v.TemporalPatchSize, v.MergeSize)
	}
	unit := v.PatchSize * v.MergeSize
	if v.Width <= 0 || v.Height <= 0 || v.Width%unit != 0 || v.Height%unit != 0 {
		return fmt.Errorf("%w: vision target %dx%d (must be a positive multiple of %d)", ErrInvalid, v.Width, v.Height, unit)
	}
	if v.TokensPerSecond < 0 {
		return fmt.Errorf("%w: tokens_per_second %f (must be non-negative)", ErrInvalid, v.TokensPerSecond)
	}
	return nil
}

// LayerPath expands the layer template for layer i.
func (c *Config) LayerPath(i int) string {
	return fmt.Sprintf(c.LayerTemplate, i)
}

// ParseDevices parses a comma separated device id list such as "0,1,2,3".
func ParseDevices(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: device id %q: %v", ErrInvalid, part, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty device list %q", ErrInvalid, s)
	}
	return ids, nil
}
