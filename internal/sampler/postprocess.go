package sampler

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-quiver/internal/logger"
)

// Config is the post_config.json document.
type Config struct {
	EnableTemperature bool    `json:"enable_temperature"`
	Temperature       float64 `json:"temperature"`

	EnableRepetitionPenalty bool    `json:"enable_repetition_penalty"`
	RepetitionPenalty       float64 `json:"repetition_penalty"`
	PenaltyWindow           int     `json:"penalty_window"`

	EnableTopP bool    `json:"enable_top_p_sampling"`
	TopP       float64 `json:"top_p"`

	EnableTopK bool `json:"enable_top_k_sampling"`
	TopK       int  `json:"top_k"`

	Seed int64 `json:"seed"`
}

const defaultPenaltyWindow = 64

// Validate rejects values that cannot produce a distribution.
func (c Config) Validate() error {
	if c.EnableTemperature && c.Temperature < 0 {
		return fmt.Errorf("invalid temperature: %g (must be >= 0)", c.Temperature)
	}
	if c.EnableRepetitionPenalty && c.RepetitionPenalty <= 0 {
		return fmt.Errorf("invalid repetition_penalty: %g (must be positive)", c.RepetitionPenalty)
	}
	if c.EnableTopP && (c.TopP <= 0 || c.TopP > 1) {
		return fmt.Errorf("invalid top_p: %g (must be in (0, 1])", c.TopP)
	}
	if c.EnableTopK && c.TopK <= 0 {
		return fmt.Errorf("invalid top_k: %d (must be positive)", c.TopK)
	}
	return nil
}

// Load reads a sampler config. A missing file is not an error: the caller
// gets arg-max and a warning.
func Load(path string) (Sampler, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Log.Warn("sampler config not found, using arg-max", "path", path)
		return ArgMax{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sampler config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse sampler config %s: %w", path, err)
	}
	s, err := NewPostprocess(cfg)
	if err != nil {
		return nil, fmt.Errorf("sampler config %s: %w", path, err)
	}
	logger.Log.Info("sampler config loaded", "path", path,
		"temperature", cfg.EnableTemperature, "repetition_penalty", cfg.EnableRepetitionPenalty,
		"top_p", cfg.EnableTopP, "top_k", cfg.EnableTopK)
	return s, nil
}

// Postprocess applies the configured logit adjustments, then samples. With
// no stochastic stage enabled it is arg-max over the adjusted logits.
type Postprocess struct {
	Config Config
	rng    *rand.Rand
}

func NewPostprocess(cfg Config) (*Postprocess, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PenaltyWindow <= 0 {
		cfg.PenaltyWindow = defaultPenaltyWindow
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Postprocess{Config: cfg, rng: rand.New(rand.NewSource(seed))}, nil
}

func (p *Postprocess) stochastic() bool {
	c := p.Config
	return (c.EnableTemperature && c.Temperature > 0) || c.EnableTopK || c.EnableTopP
}

func (p *Postprocess) Sample(in Input) (int, error) {
	if len(in.Logits) == 0 {
		return 0, ErrNoLogits
	}
	if !validLogits(in.Logits) {
		return argMax(in.Logits)
	}
	logits := append([]float32(nil), in.Logits...)
	if p.Config.EnableRepetitionPenalty && p.Config.RepetitionPenalty != 1 {
		p.applyRepetitionPenalty(logits, in.History)
	}
	if !p.stochastic() {
		return argMax(logits)
	}
	temp := 1.0
	if p.Config.EnableTemperature {
		temp = p.Config.Temperature
		if temp == 0 {
			return argMax(logits)
		}
	}

	candidates := filterValidCandidates(softmax(logits, temp))
	if len(candidates) == 0 {
		return argMax(logits)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})
	if p.Config.EnableTopK {
		candidates = applyTopK(candidates, p.Config.TopK)
	}
	if p.Config.EnableTopP {
		candidates = applyTopP(candidates, p.Config.TopP)
	}
	return p.sampleFromCandidates(candidates), nil
}

// applyRepetitionPenalty scales each distinct token in the trailing window
// once: positive logits are divided, negative ones multiplied.
func (p *Postprocess) applyRepetitionPenalty(logits []float32, history []int) {
	start := max(0, len(history)-p.Config.PenaltyWindow)
	seen := make(map[int]struct{})
	penalty := float32(p.Config.RepetitionPenalty)
	for _, id := range history[start:] {
		if _, ok := seen[id]; ok || id < 0 || id >= len(logits) {
			continue
		}
		seen[id] = struct{}{}
		if logits[id] > 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	}
}

func (p *Postprocess) sampleFromCandidates(candidates []tokenProb) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}
	r := p.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[0].id
}

type tokenProb struct {
	id   int
	prob float64
}

func validLogits(logits []float32) bool {
	for _, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

func softmax(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	maxVal := math.Inf(-1)
	for i, v := range logits {
		probs[i] = float64(v) / temperature
		maxVal = math.Max(maxVal, probs[i])
	}
	sum := 0.0
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

func filterValidCandidates(probs []float64) []tokenProb {
	candidates := make([]tokenProb, 0, len(probs))
	for i, p := range probs {
		if p > 1e-10 && !math.IsNaN(p) && !math.IsInf(p, 0) {
			candidates = append(candidates, tokenProb{id: i, prob: p})
		}
	}
	return candidates
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

// applyTopP keeps the smallest prefix whose mass reaches p.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 {
		return candidates
	}
	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			return candidates[:i+1]
		}
	}
	return candidates
}
