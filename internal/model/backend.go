// Package model defines the compute backends a generation session drives
// and the lock that serialises access to a shared backend.
package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/jovia/internal/kvcache"
)

var (
	ErrUnsupportedDType = errors.New("model: unsupported dtype")
	ErrUnknownKind      = errors.New("model: unknown backend kind")
	ErrEmptyInput       = errors.New("model: empty input")
	ErrTokenOutOfRange  = errors.New("model: token id out of range")
	// ErrPositionMismatch means the caller fed a context index that does
	// not line up with what the cache already holds.
	ErrPositionMismatch = errors.New("model: context index does not match cache length")
)

// Backend computes next-token logits. Implementations are not safe for
// concurrent use; share them through a Shared.
type Backend interface {
	Name() string
	VocabSize() int
	// NewCache returns an empty cache shaped for this backend.
	NewCache() (*kvcache.Cache, error)
	// Forward consumes tokens starting at contextIndex and returns logits
	// for the position after the last one. With an enabled cache,
	// contextIndex must equal cache.Len(); a disabled cache requires the
	// full sequence with contextIndex 0.
	Forward(tokens []int, contextIndex int, cache *kvcache.Cache) ([]float32, error)
}

// Kind selects a backend implementation.
type Kind string

const (
	KindToy  Kind = "toy"
	KindHash Kind = "hash"
)

// Spec describes a backend. Zero fields take defaults.
type Spec struct {
	Kind      Kind   `yaml:"kind"`
	Name      string `yaml:"name"`
	VocabSize int    `yaml:"vocab_size"`
	Hidden    int    `yaml:"hidden"`
	Layers    int    `yaml:"layers"`
	Seed      int64  `yaml:"seed"`
	MaxSeqLen int    `yaml:"max_seq_len"`
	// DType is the weight type: "f32" or "f16".
	DType string `yaml:"dtype"`
	// CacheDType is the KV cache element type: "f32" or "f16".
	CacheDType string `yaml:"cache_dtype"`
	NoKVCache  bool   `yaml:"no_kv_cache"`
}

const (
	DefaultHidden    = 32
	DefaultLayers    = 2
	DefaultMaxSeqLen = 4096
	DefaultSeed      = 42
)

// WithDefaults fills unset fields.
func (s Spec) WithDefaults() Spec {
	if s.Kind == "" {
		s.Kind = KindToy
	}
	if s.Name == "" {
		s.Name = string(s.Kind)
	}
	if s.Hidden <= 0 {
		s.Hidden = DefaultHidden
	}
	if s.Layers <= 0 {
		s.Layers = DefaultLayers
	}
	if s.MaxSeqLen <= 0 {
		s.MaxSeqLen = DefaultMaxSeqLen
	}
	if s.Seed == 0 {
		s.Seed = DefaultSeed
	}
	return s
}

// New builds the backend described by spec.
func New(spec Spec) (Backend, error) {
	spec = spec.WithDefaults()
	if spec.VocabSize <= 0 {
		return nil, fmt.Errorf("model: vocab size must be positive, got %d", spec.VocabSize)
	}
	weights, err := parseWeightDType(spec.DType)
	if err != nil {
		return nil, err
	}
	cacheDType, err := kvcache.ParseDType(spec.CacheDType)
	if err != nil {
		return nil, err
	}
	cc := kvcache.Config{
		Layers:    spec.Layers,
		MaxSeqLen: spec.MaxSeqLen,
		DType:     cacheDType,
		Enabled:   !spec.NoKVCache,
	}

	switch Kind(strings.ToLower(string(spec.Kind))) {
	case KindToy:
		cc.Dim = spec.Hidden
		return NewToyLM(spec.Name, spec.VocabSize, spec.Hidden, spec.Seed, weights, cc), nil
	case KindHash:
		cc.Dim = hashDim
		return NewHashLM(spec.Name, spec.VocabSize, uint64(spec.Seed), cc), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
}

func parseWeightDType(s string) (kvcache.DType, error) {
	dt, err := kvcache.ParseDType(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
	}
	return dt, nil
}

// prepareCache checks contextIndex against the cache and resets a disabled
// cache so the full sequence can be replayed.
func prepareCache(cache *kvcache.Cache, contextIndex, n int) error {
	if n == 0 {
		return ErrEmptyInput
	}
	if !cache.Enabled() {
		if contextIndex != 0 {
			return fmt.Errorf("%w: index %d with cache disabled", ErrPositionMismatch, contextIndex)
		}
		cache.Reset()
	} else if contextIndex != cache.Len() {
		return fmt.Errorf("%w: index %d, cache holds %d", ErrPositionMismatch, contextIndex, cache.Len())
	}
	if contextIndex+n > cache.MaxSeqLen() {
		return fmt.Errorf("%w: need %d positions", kvcache.ErrCacheFull, contextIndex+n)
	}
	return nil
}
