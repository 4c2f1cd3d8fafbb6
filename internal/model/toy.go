package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/jovia/internal/kvcache"
)

// ToyLM is a small deterministic language model: token embeddings, a
// sinusoidal position signal, a stack of single-head attention layers over
// the KV cache and a projection back to vocab logits. Weights are random
// but fixed by the seed, so two instances with the same arguments produce
// identical logits.
type ToyLM struct {
	name   string
	Vocab  int
	Hidden int
	Layers int

	Emb  Mat       // [Vocab x Hidden] embedding matrix
	W    Mat       // [Hidden x Vocab] projection weights
	Bias []float32 // [Vocab]
	GK   []Mat     // per layer [1 x Hidden] key gain
	GV   []Mat     // per layer [1 x Hidden] value gain
	cc   kvcache.Config

	x      []float32
	k, v   []float32
	out    []float32
	kbuf   []float32
	scores []float32
}

// NewToyLM builds a model whose weights are derived from seed. dtype F16
// rounds every weight through half precision.
func NewToyLM(name string, vocab, hidden int, seed int64, dtype kvcache.DType, cc kvcache.Config) *ToyLM {
	m := &ToyLM{
		name:   name,
		Vocab:  vocab,
		Hidden: hidden,
		Layers: cc.Layers,
		Emb:    NewMat(vocab, hidden),
		W:      NewMat(hidden, vocab),
		Bias:   make([]float32, vocab),
		GK:     make([]Mat, cc.Layers),
		GV:     make([]Mat, cc.Layers),
		cc:     cc,
		x:      make([]float32, hidden),
		k:      make([]float32, hidden),
		v:      make([]float32, hidden),
		out:    make([]float32, hidden),
		kbuf:   make([]float32, hidden),
	}
	scale := float32(1 / math.Sqrt(float64(hidden)))
	FillRand(&m.Emb, seed+11, 1)
	FillRand(&m.W, seed+23, scale)
	for l := range cc.Layers {
		m.GK[l] = NewMat(1, hidden)
		m.GV[l] = NewMat(1, hidden)
		FillRand(&m.GK[l], seed+int64(100+2*l), 1)
		FillRand(&m.GV[l], seed+int64(101+2*l), 1)
	}
	if dtype == kvcache.F16 {
		RoundF16(m.Emb.Data)
		RoundF16(m.W.Data)
		for l := range cc.Layers {
			RoundF16(m.GK[l].Data)
			RoundF16(m.GV[l].Data)
		}
	}
	return m
}

func (m *ToyLM) Name() string   { return m.name }
func (m *ToyLM) VocabSize() int { return m.Vocab }

func (m *ToyLM) NewCache() (*kvcache.Cache, error) {
	return kvcache.New(m.cc)
}

// Forward runs every token through the layer stack, appending one cache
// entry per layer per token, and returns a fresh logits slice for the last.
func (m *ToyLM) Forward(tokens []int, contextIndex int, cache *kvcache.Cache) ([]float32, error) {
	if cache.NumLayers() != m.Layers || cache.Dim() != m.Hidden {
		return nil, fmt.Errorf("model: cache shape %dx%d does not fit %s", cache.NumLayers(), cache.Dim(), m.name)
	}
	if err := prepareCache(cache, contextIndex, len(tokens)); err != nil {
		return nil, err
	}
	for i, tok := range tokens {
		if tok < 0 || tok >= m.Vocab {
			return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrTokenOutOfRange, tok, m.Vocab)
		}
		m.embed(tok, contextIndex+i)
		for l := range m.Layers {
			if err := m.attend(l, cache); err != nil {
				return nil, err
			}
		}
	}

	// logits = x * W + bias
	logits := make([]float32, m.Vocab)
	copy(logits, m.Bias)
	for i := range m.Hidden {
		xi := m.x[i]
		row := m.W.Row(i)
		for j := range m.Vocab {
			logits[j] += xi * row[j]
		}
	}
	return logits, nil
}

func (m *ToyLM) embed(tok, pos int) {
	copy(m.x, m.Emb.Row(tok))
	for i := range m.Hidden {
		freq := math.Pow(10000, -float64(i&^1)/float64(m.Hidden))
		angle := float64(pos) * freq
		if i%2 == 0 {
			m.x[i] += float32(0.1 * math.Sin(angle))
		} else {
			m.x[i] += float32(0.1 * math.Cos(angle))
		}
	}
}

// attend appends this position's key/value for layer l, then mixes the
// softmax-weighted values of every cached position back into x.
func (m *ToyLM) attend(l int, cache *kvcache.Cache) error {
	gk, gv := m.GK[l].Data, m.GV[l].Data
	for i := range m.Hidden {
		m.k[i] = m.x[i] * gk[i]
		m.v[i] = m.x[i] * gv[i]
	}
	if err := cache.Append(l, m.k, m.v); err != nil {
		return err
	}

	layer := cache.Layer(l)
	n := layer.Len()
	if cap(m.scores) < n {
		m.scores = make([]float32, n)
	}
	scores := m.scores[:n]
	inv := float32(1 / math.Sqrt(float64(m.Hidden)))
	maxv := float32(math.Inf(-1))
	for p := range n {
		layer.KeyTo(m.kbuf, p)
		var dot float32
		for i := range m.Hidden {
			dot += m.x[i] * m.kbuf[i]
		}
		scores[p] = dot * inv
		maxv = max(maxv, scores[p])
	}
	var sum float32
	for p := range scores {
		scores[p] = float32(math.Exp(float64(scores[p] - maxv)))
		sum += scores[p]
	}

	clear(m.out)
	for p := range n {
		w := scores[p] / sum
		layer.ValueTo(m.kbuf, p)
		for i := range m.Hidden {
			m.out[i] += w * m.kbuf[i]
		}
	}
	for i := range m.Hidden {
		m.x[i] += m.out[i]
	}
	return nil
}
