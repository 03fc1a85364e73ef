// Package sampler turns the post head's logits into the next token id.
package sampler

import (
	"errors"
	"math"

	"github.com/23skdu/longbow-quiver/internal/logger"
)

// ErrNoLogits is returned when there is nothing to choose from.
var ErrNoLogits = errors.New("no logits to sample from")

// Input is what the pipeline knows after the post head ran.
type Input struct {
	// Logits has one score per vocabulary entry.
	Logits []float32
	// TopK lists vocabulary ids ranked best first by the device. It is nil
	// when the post head has no topk_indices output.
	TopK []uint32
	// History is every token of the sequence so far, prompt included.
	History []int
}

// Sampler picks the next token. Implementations must not modify Input.
type Sampler interface {
	Sample(in Input) (int, error)
}

// ArgMax returns the highest scoring token.
type ArgMax struct{}

func (ArgMax) Sample(in Input) (int, error) {
	return argMax(in.Logits)
}

// argMax skips NaN entries; an all-NaN vector yields token 0.
func argMax(logits []float32) (int, error) {
	if len(logits) == 0 {
		return 0, ErrNoLogits
	}
	maxIdx := -1
	var maxVal float32
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			continue
		}
		if maxIdx < 0 || v > maxVal {
			maxIdx, maxVal = i, v
		}
	}
	if maxIdx < 0 {
		logger.Log.Warn("all logits are NaN, returning token 0")
		return 0, nil
	}
	return maxIdx, nil
}

// TopKIndex samples among the device-ranked candidates. Without a ranking it
// defers to Next on the full logits; without logits it takes the best ranked
// id directly.
type TopKIndex struct {
	Next Sampler
}

func (s TopKIndex) next() Sampler {
	if s.Next == nil {
		return ArgMax{}
	}
	return s.Next
}

func (s TopKIndex) Sample(in Input) (int, error) {
	if len(in.TopK) == 0 {
		return s.next().Sample(in)
	}
	if len(in.Logits) == 0 {
		return int(in.TopK[0]), nil
	}

	// Re-index the candidates so the wrapped sampler sees a small vocabulary.
	pos := make(map[int]int, len(in.TopK))
	ids := make([]int, 0, len(in.TopK))
	sub := Input{Logits: make([]float32, 0, len(in.TopK))}
	for _, id := range in.TopK {
		if int(id) >= len(in.Logits) {
			continue
		}
		if _, dup := pos[int(id)]; dup {
			continue
		}
		pos[int(id)] = len(ids)
		ids = append(ids, int(id))
		sub.Logits = append(sub.Logits, in.Logits[id])
	}
	if len(sub.Logits) == 0 {
		return int(in.TopK[0]), nil
	}
	for _, h := range in.History {
		if p, ok := pos[h]; ok {
			sub.History = append(sub.History, p)
		}
	}
	pick, err := s.next().Sample(sub)
	if err != nil {
		return 0, err
	}
	if pick < 0 || pick >= len(ids) {
		return ids[0], nil
	}
	return ids[pick], nil
}
