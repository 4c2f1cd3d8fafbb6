package model

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/jovia/internal/kvcache"
)

// hashDim stores a 64-bit state as eight byte-valued floats, exact in
// both f32 and f16 caches.
const hashDim = 8

// HashLM derives logits from a chained xxhash of the token history. Each
// layer's cache entry holds the running hash, so the output depends on
// every previous position exactly as a real model's would.
type HashLM struct {
	name  string
	vocab int
	seed  uint64
	cc    kvcache.Config

	d   *xxhash.Digest
	buf [8]byte
	row []float32
}

// NewHashLM returns a hash backend over vocab ids.
func NewHashLM(name string, vocab int, seed uint64, cc kvcache.Config) *HashLM {
	return &HashLM{
		name:  name,
		vocab: vocab,
		seed:  seed,
		cc:    cc,
		d:     xxhash.New(),
		row:   make([]float32, hashDim),
	}
}

func (m *HashLM) Name() string   { return m.name }
func (m *HashLM) VocabSize() int { return m.vocab }

func (m *HashLM) NewCache() (*kvcache.Cache, error) {
	return kvcache.New(m.cc)
}

func (m *HashLM) Forward(tokens []int, contextIndex int, cache *kvcache.Cache) ([]float32, error) {
	if cache.Dim() != hashDim {
		return nil, fmt.Errorf("model: cache dim %d does not fit %s", cache.Dim(), m.name)
	}
	if err := prepareCache(cache, contextIndex, len(tokens)); err != nil {
		return nil, err
	}
	var state uint64
	for i, tok := range tokens {
		if tok < 0 || tok >= m.vocab {
			return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrTokenOutOfRange, tok, m.vocab)
		}
		pos := contextIndex + i
		below := m.seed
		for l := range cache.NumLayers() {
			var prev uint64
			if pos > 0 {
				cache.Layer(l).KeyTo(m.row, pos-1)
				prev = decodeState(m.row)
			}
			state = m.mix(below, prev, uint64(tok), uint64(pos), uint64(l))
			encodeState(m.row, state)
			if err := cache.Append(l, m.row, m.row); err != nil {
				return nil, err
			}
			below = state
		}
	}

	logits := make([]float32, m.vocab)
	for v := range logits {
		h := m.mix(state, uint64(v))
		// top 24 bits mapped onto [-4, 4)
		logits[v] = float32(h>>40)/float32(1<<24)*8 - 4
	}
	return logits, nil
}

func (m *HashLM) mix(words ...uint64) uint64 {
	m.d.Reset()
	for _, w := range words {
		binary.LittleEndian.PutUint64(m.buf[:], w)
		_, _ = m.d.Write(m.buf[:])
	}
	return m.d.Sum64()
}

func encodeState(dst []float32, s uint64) {
	for i := range hashDim {
		dst[i] = float32(byte(s >> (8 * i)))
	}
}

func decodeState(src []float32) uint64 {
	var s uint64
	for i := range hashDim {
		s |= uint64(byte(src[i])) << (8 * i)
	}
	return s
}
