package logits

import (
	"cmp"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
)

// GreedyTemperature is the threshold below which sampling degrades to argmax.
const GreedyTemperature = 1e-7

// pcgStream is the fixed second PCG seed word.
const pcgStream = 0x9e3779b97f4a7c15

// ErrEmptyLogits is returned when a sampler is handed a zero-length vector.
var ErrEmptyLogits = errors.New("logits: empty logits vector")

// SamplerConfig configures the behaviour of a Sampler.
//
// A nil Temperature selects greedy decoding. A nil TopP, or a value outside
// (0, 1), disables nucleus filtering.
type SamplerConfig struct {
	Seed        uint64
	Temperature *float64
	TopP        *float64
}

// Sampler turns a logits vector into one token id. It is owned by a single
// generation session and is not safe for concurrent use.
type Sampler struct {
	rng    *rand.Rand
	temp   float64
	topP   float64
	greedy bool
	prob   []float64
	order  []int
}

// NewSampler returns a new sampler seeded from cfg.Seed. Two samplers built
// from the same config draw identical sequences for identical inputs.
func NewSampler(cfg SamplerConfig) *Sampler {
	s := &Sampler{
		rng:    rand.New(rand.NewPCG(cfg.Seed, pcgStream)),
		greedy: true,
		topP:   1,
	}
	if cfg.Temperature != nil && *cfg.Temperature >= GreedyTemperature {
		s.greedy = false
		s.temp = *cfg.Temperature
	}
	if cfg.TopP != nil && *cfg.TopP > 0 && *cfg.TopP < 1 {
		s.topP = *cfg.TopP
	}
	return s
}

// Greedy reports whether the sampler always returns the argmax.
func (s *Sampler) Greedy() bool { return s.greedy }

// Sample draws a single index from the provided logits vector:
//
//  1. Without a temperature the argmax is returned.
//  2. Otherwise the logits are divided by the temperature and turned into a
//     probability distribution with a max-subtracted softmax.
//  3. With TopP set, tokens are visited in descending probability order and
//     zeroed once the cumulative mass already reaches TopP.
//  4. An index is drawn proportionally to the remaining weights.
func (s *Sampler) Sample(logits []float32) (int, error) {
	if len(logits) == 0 {
		return 0, ErrEmptyLogits
	}
	if s.greedy {
		return argmax(logits), nil
	}

	s.softmax(logits)
	if s.topP < 1 {
		s.nucleus()
	}
	return s.draw(), nil
}

func (s *Sampler) softmax(logits []float32) {
	if cap(s.prob) < len(logits) {
		s.prob = make([]float64, len(logits))
	}
	s.prob = s.prob[:len(logits)]

	maxv := math.Inf(-1)
	for _, v := range logits {
		if x := float64(v) / s.temp; x > maxv {
			maxv = x
		}
	}
	var sum float64
	for i, v := range logits {
		p := math.Exp(float64(v)/s.temp - maxv)
		s.prob[i] = p
		sum += p
	}
	if sum == 0 || math.IsNaN(sum) {
		return
	}
	for i := range s.prob {
		s.prob[i] /= sum
	}
}

func (s *Sampler) nucleus() {
	if cap(s.order) < len(s.prob) {
		s.order = make([]int, len(s.prob))
	}
	s.order = s.order[:len(s.prob)]
	for i := range s.order {
		s.order[i] = i
	}
	slices.SortStableFunc(s.order, func(a, b int) int {
		return cmp.Compare(s.prob[b], s.prob[a])
	})

	var cum float64
	for _, idx := range s.order {
		if cum >= s.topP {
			s.prob[idx] = 0
			continue
		}
		cum += s.prob[idx]
	}
}

func (s *Sampler) draw() int {
	var total float64
	for _, p := range s.prob {
		total += p
	}
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return argmax64(s.prob)
	}
	r := s.rng.Float64() * total
	last := 0
	for i, p := range s.prob {
		if p <= 0 {
			continue
		}
		last = i
		r -= p
		if r < 0 {
			return i
		}
	}
	return last
}

func argmax(logits []float32) int {
	best := 0
	bestVal := logits[0]
	for i := 1; i < len(logits); i++ {
		if logits[i] > bestVal {
			bestVal = logits[i]
			best = i
		}
	}
	return best
}

func argmax64(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
