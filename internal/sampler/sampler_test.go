package sampler

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestArgMax(t *testing.T) {
	tests := []struct {
		name   string
		logits []float32
		want   int
	}{
		{"simple", []float32{1.0, 5.0, 2.0, 0.5}, 1},
		{"first of ties", []float32{3, 3, 1}, 0},
		{"negative", []float32{-4, -1, -2}, 1},
		{"skips NaN", []float32{float32(math.NaN()), 0.1, 0.2}, 2},
		{"all NaN", []float32{float32(math.NaN()), float32(math.NaN())}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ArgMax{}.Sample(Input{Logits: tt.logits})
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
	if _, err := (ArgMax{}).Sample(Input{}); !errors.Is(err, ErrNoLogits) {
		t.Errorf("empty logits: err = %v", err)
	}
}

func TestSampleIsIdempotent(t *testing.T) {
	in := Input{Logits: []float32{0.2, 1.7, 1.69, -3}, History: []int{1, 1, 2}}
	samplers := map[string]Sampler{
		"argmax":  ArgMax{},
		"penalty": mustPostprocess(t, Config{EnableRepetitionPenalty: true, RepetitionPenalty: 1.1}),
		"topk":    TopKIndex{},
	}
	for name, s := range samplers {
		first, err := s.Sample(in)
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 10; i++ {
			if got, _ := s.Sample(in); got != first {
				t.Fatalf("%s: run %d gave %d, first gave %d", name, i, got, first)
			}
		}
	}
	if in.Logits[1] != 1.7 {
		t.Fatal("sampler modified the caller's logits")
	}
}

func mustPostprocess(t *testing.T, cfg Config) *Postprocess {
	t.Helper()
	p, err := NewPostprocess(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRepetitionPenalty(t *testing.T) {
	p := mustPostprocess(t, Config{EnableRepetitionPenalty: true, RepetitionPenalty: 2})
	// token 1 wins without history, loses once penalized
	in := Input{Logits: []float32{1.5, 2.0, -1}}
	if got, _ := p.Sample(in); got != 1 {
		t.Fatalf("no history: got %d", got)
	}
	in.History = []int{1, 1, 1}
	if got, _ := p.Sample(in); got != 0 {
		t.Fatalf("penalized: got %d, want 0", got)
	}

	// negative logits move further down
	in = Input{Logits: []float32{-1, -1.5}, History: []int{0}}
	if got, _ := p.Sample(in); got != 1 {
		t.Fatalf("negative penalty: got %d, want 1", got)
	}
}

func TestPenaltyWindow(t *testing.T) {
	p := mustPostprocess(t, Config{EnableRepetitionPenalty: true, RepetitionPenalty: 4, PenaltyWindow: 2})
	in := Input{Logits: []float32{2, 1}, History: []int{0, 1, 1}}
	if got, _ := p.Sample(in); got != 0 {
		t.Fatalf("token outside the window was penalized: got %d", got)
	}
}

func TestTopKOne(t *testing.T) {
	p := mustPostprocess(t, Config{EnableTemperature: true, Temperature: 1, EnableTopK: true, TopK: 1, Seed: 7})
	for i := 0; i < 50; i++ {
		if got, _ := p.Sample(Input{Logits: []float32{2.0, 10.0, 5.0, 1.0}}); got != 1 {
			t.Fatalf("top_k=1 picked %d", got)
		}
	}
}

func TestTopPFilters(t *testing.T) {
	// probabilities roughly 0.4, 0.3, 0.2, 0.1
	logits := []float32{-0.91, -1.20, -1.61, -2.30}
	p := mustPostprocess(t, Config{EnableTemperature: true, Temperature: 1, EnableTopP: true, TopP: 0.5, Seed: 1})
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		got, _ := p.Sample(Input{Logits: logits})
		if got == 2 || got == 3 {
			t.Fatalf("top_p=0.5 picked excluded token %d", got)
		}
		seen[got] = true
	}
	if !seen[0] || !seen[1] {
		t.Errorf("expected both nucleus tokens, saw %v", seen)
	}
}

func TestZeroTemperatureIsGreedy(t *testing.T) {
	p := mustPostprocess(t, Config{EnableTemperature: true, Temperature: 0})
	if got, _ := p.Sample(Input{Logits: []float32{0, 3, 1}}); got != 1 {
		t.Fatalf("got %d", got)
	}
}

func TestTopKIndex(t *testing.T) {
	logits := []float32{0, 5, 9, 4}
	tests := []struct {
		name string
		s    TopKIndex
		in   Input
		want int
	}{
		{"no ranking falls back", TopKIndex{}, Input{Logits: logits}, 2},
		{"ranking without logits", TopKIndex{}, Input{TopK: []uint32{3, 1}}, 3},
		{"argmax within ranking", TopKIndex{}, Input{Logits: logits, TopK: []uint32{3, 1}}, 1},
		{
			"penalty applies to ranked ids",
			TopKIndex{Next: mustPostprocess(t, Config{EnableRepetitionPenalty: true, RepetitionPenalty: 2})},
			Input{Logits: logits, TopK: []uint32{1, 3}, History: []int{1}},
			3,
		},
		{"out of range ids skipped", TopKIndex{}, Input{Logits: logits, TopK: []uint32{99, 0}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.s.Sample(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	s, err := Load(filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(ArgMax); !ok {
		t.Fatalf("missing config gave %T, want ArgMax", s)
	}

	path := filepath.Join(dir, "post_config.json")
	doc := `{
		"enable_temperature": true, "temperature": 0.7,
		"enable_repetition_penalty": true, "repetition_penalty": 1.2, "penalty_window": 20,
		"enable_top_p_sampling": false, "top_p": 0.8,
		"enable_top_k_sampling": true, "top_k": 10,
		"seed": 42
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	pp, ok := s.(*Postprocess)
	if !ok {
		t.Fatalf("got %T", s)
	}
	want := Config{
		EnableTemperature: true, Temperature: 0.7,
		EnableRepetitionPenalty: true, RepetitionPenalty: 1.2, PenaltyWindow: 20,
		TopP:       0.8,
		EnableTopK: true, TopK: 10,
		Seed: 42,
	}
	if pp.Config != want {
		t.Errorf("config = %+v, want %+v", pp.Config, want)
	}

	os.WriteFile(path, []byte(`{"enable_top_k_sampling": true, "top_k": 0}`), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}
	os.WriteFile(path, []byte(`{`), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}
