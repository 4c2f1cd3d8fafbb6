// Package kvcache holds per-session attention state: one key and one value
// vector per layer for every position a backend has processed.
package kvcache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/x448/float16"
)

// DType is the element type used to store cached vectors.
type DType string

const (
	F32 DType = "f32"
	F16 DType = "f16"
)

var (
	ErrUnsupportedDType = errors.New("kvcache: unsupported dtype")
	ErrCacheFull        = errors.New("kvcache: max sequence length reached")
	ErrShape            = errors.New("kvcache: vector shape mismatch")
)

// ParseDType maps a user supplied name ("f32", "float16", ...) to a DType.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "f32", "float32", "fp32":
		return F32, nil
	case "f16", "float16", "fp16", "half":
		return F16, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
	}
}

func (d DType) size() int {
	if d == F16 {
		return 2
	}
	return 4
}

// Config describes the shape of a cache.
type Config struct {
	Layers    int
	Dim       int
	MaxSeqLen int
	DType     DType
	// Enabled reports whether callers may feed only new tokens. A disabled
	// cache is reset on every forward pass.
	Enabled bool
}

// Cache stores keys and values for every layer. All layers hold the same
// number of entries once a forward pass completes.
type Cache struct {
	cfg    Config
	layers []*Layer
}

// New allocates an empty cache.
func New(cfg Config) (*Cache, error) {
	if cfg.DType == "" {
		cfg.DType = F32
	}
	if cfg.DType != F32 && cfg.DType != F16 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDType, cfg.DType)
	}
	if cfg.Layers <= 0 || cfg.Dim <= 0 || cfg.MaxSeqLen <= 0 {
		return nil, fmt.Errorf("kvcache: invalid shape layers=%d dim=%d max_seq_len=%d", cfg.Layers, cfg.Dim, cfg.MaxSeqLen)
	}
	c := &Cache{cfg: cfg, layers: make([]*Layer, cfg.Layers)}
	for i := range c.layers {
		c.layers[i] = &Layer{dim: cfg.Dim, dtype: cfg.DType, max: cfg.MaxSeqLen}
	}
	return c, nil
}

func (c *Cache) Enabled() bool      { return c.cfg.Enabled }
func (c *Cache) DType() DType       { return c.cfg.DType }
func (c *Cache) MaxSeqLen() int     { return c.cfg.MaxSeqLen }
func (c *Cache) Dim() int           { return c.cfg.Dim }
func (c *Cache) NumLayers() int     { return len(c.layers) }
func (c *Cache) Layer(i int) *Layer { return c.layers[i] }

// Len is the number of positions held by the first layer.
func (c *Cache) Len() int {
	return c.layers[0].Len()
}

// Append stores one key/value pair for layer at the next position.
func (c *Cache) Append(layer int, key, value []float32) error {
	if layer < 0 || layer >= len(c.layers) {
		return fmt.Errorf("kvcache: layer %d out of range [0,%d)", layer, len(c.layers))
	}
	return c.layers[layer].Append(key, value)
}

// Reset drops every cached position but keeps the backing storage.
func (c *Cache) Reset() {
	for _, l := range c.layers {
		l.reset()
	}
}

// Bytes reports the memory currently used by cached entries.
func (c *Cache) Bytes() int64 {
	var n int64
	for _, l := range c.layers {
		n += int64(l.Len()) * int64(2*l.dim*l.dtype.size())
	}
	return n
}

// Layer is the append-only key/value store of one layer.
type Layer struct {
	dim   int
	dtype DType
	max   int
	n     int

	k32, v32 []float32
	k16, v16 []float16.Float16
}

func (l *Layer) Len() int { return l.n }

// Append adds one position. Vectors must have exactly Dim elements.
func (l *Layer) Append(key, value []float32) error {
	if len(key) != l.dim || len(value) != l.dim {
		return fmt.Errorf("%w: got key=%d value=%d want %d", ErrShape, len(key), len(value), l.dim)
	}
	if l.n >= l.max {
		return fmt.Errorf("%w (%d)", ErrCacheFull, l.max)
	}
	switch l.dtype {
	case F16:
		for _, v := range key {
			l.k16 = append(l.k16, float16.Fromfloat32(v))
		}
		for _, v := range value {
			l.v16 = append(l.v16, float16.Fromfloat32(v))
		}
	default:
		l.k32 = append(l.k32, key...)
		l.v32 = append(l.v32, value...)
	}
	l.n++
	return nil
}

// KeyTo decodes the key at pos into dst, which must hold Dim elements.
func (l *Layer) KeyTo(dst []float32, pos int) {
	l.read(dst, pos, l.k32, l.k16)
}

// ValueTo decodes the value at pos into dst, which must hold Dim elements.
func (l *Layer) ValueTo(dst []float32, pos int) {
	l.read(dst, pos, l.v32, l.v16)
}

func (l *Layer) read(dst []float32, pos int, f32 []float32, f16 []float16.Float16) {
	if pos < 0 || pos >= l.n {
		panic(fmt.Sprintf("kvcache: position %d out of range [0,%d)", pos, l.n))
	}
	off := pos * l.dim
	if l.dtype == F16 {
		for i := range l.dim {
			dst[i] = f16[off+i].Float32()
		}
		return
	}
	copy(dst[:l.dim], f32[off:off+l.dim])
}

func (l *Layer) reset() {
	l.n = 0
	l.k32, l.v32 = l.k32[:0], l.v32[:0]
	l.k16, l.v16 = l.k16[:0], l.v16[:0]
}
