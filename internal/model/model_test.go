package model

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/samcharles93/jovia/internal/kvcache"
)

func mustNew(t *testing.T, spec Spec) Backend {
	t.Helper()
	b, err := New(spec)
	if err != nil {
		t.Fatalf("New(%+v): %v", spec, err)
	}
	return b
}

func TestNewValidatesSpec(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		spec Spec
		want error
	}{
		{"unknown kind", Spec{Kind: "gguf", VocabSize: 8}, ErrUnknownKind},
		{"weight dtype", Spec{VocabSize: 8, DType: "q4_k"}, ErrUnsupportedDType},
		{"cache dtype", Spec{VocabSize: 8, CacheDType: "bf16"}, kvcache.ErrUnsupportedDType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.spec)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if _, err := New(Spec{}); err == nil {
		t.Fatal("expected error for missing vocab size")
	}
}

func TestSpecDefaults(t *testing.T) {
	t.Parallel()
	s := Spec{VocabSize: 10}.WithDefaults()
	if s.Kind != KindToy || s.Name != "toy" || s.Hidden != DefaultHidden || s.MaxSeqLen != DefaultMaxSeqLen {
		t.Fatalf("unexpected defaults: %+v", s)
	}
}

// incremental mirrors the session loop: the prompt once, then one token
// per step at the current cache length.
func incremental(t *testing.T, b Backend, prompt []int, steps int) [][]float32 {
	t.Helper()
	cache, err := b.NewCache()
	if err != nil {
		t.Fatal(err)
	}
	var out [][]float32
	logits, err := b.Forward(prompt, 0, cache)
	if err != nil {
		t.Fatal(err)
	}
	out = append(out, logits)
	for i := range steps {
		next := (prompt[0] + i*7) % b.VocabSize()
		logits, err = b.Forward([]int{next}, cache.Len(), cache)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		out = append(out, logits)
	}
	return out
}

// replay feeds the full sequence every step with index 0.
func replay(t *testing.T, b Backend, prompt []int, steps int) [][]float32 {
	t.Helper()
	cache, err := b.NewCache()
	if err != nil {
		t.Fatal(err)
	}
	seq := slices.Clone(prompt)
	var out [][]float32
	logits, err := b.Forward(seq, 0, cache)
	if err != nil {
		t.Fatal(err)
	}
	out = append(out, logits)
	for i := range steps {
		seq = append(seq, (prompt[0]+i*7)%b.VocabSize())
		logits, err = b.Forward(seq, 0, cache)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		out = append(out, logits)
	}
	return out
}

func TestCachedAndReplayedLogitsMatch(t *testing.T) {
	t.Parallel()
	for _, kind := range []Kind{KindToy, KindHash} {
		t.Run(string(kind), func(t *testing.T) {
			cached := mustNew(t, Spec{Kind: kind, VocabSize: 64, Hidden: 8, Layers: 2, MaxSeqLen: 64})
			plain := mustNew(t, Spec{Kind: kind, VocabSize: 64, Hidden: 8, Layers: 2, MaxSeqLen: 64, NoKVCache: true})

			a := incremental(t, cached, []int{3, 14, 15}, 6)
			b := replay(t, plain, []int{3, 14, 15}, 6)
			for i := range a {
				if !slices.Equal(a[i], b[i]) {
					t.Fatalf("step %d logits differ between cached and replayed runs", i)
				}
			}
		})
	}
}

func TestForwardDeterministicAcrossInstances(t *testing.T) {
	t.Parallel()
	for _, kind := range []Kind{KindToy, KindHash} {
		spec := Spec{Kind: kind, VocabSize: 32, Seed: 9}
		a := incremental(t, mustNew(t, spec), []int{1, 2}, 3)
		b := incremental(t, mustNew(t, spec), []int{1, 2}, 3)
		for i := range a {
			if !slices.Equal(a[i], b[i]) {
				t.Fatalf("%s: step %d not deterministic", kind, i)
			}
		}
	}
}

func TestForwardRejectsMisuse(t *testing.T) {
	t.Parallel()
	for _, kind := range []Kind{KindToy, KindHash} {
		b := mustNew(t, Spec{Kind: kind, VocabSize: 16, MaxSeqLen: 4})
		cache, err := b.NewCache()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := b.Forward(nil, 0, cache); !errors.Is(err, ErrEmptyInput) {
			t.Fatalf("%s: expected ErrEmptyInput, got %v", kind, err)
		}
		if _, err := b.Forward([]int{99}, 0, cache); !errors.Is(err, ErrTokenOutOfRange) {
			t.Fatalf("%s: expected ErrTokenOutOfRange, got %v", kind, err)
		}
		cache.Reset()
		if _, err := b.Forward([]int{1, 2}, 0, cache); err != nil {
			t.Fatal(err)
		}
		if _, err := b.Forward([]int{3}, 0, cache); !errors.Is(err, ErrPositionMismatch) {
			t.Fatalf("%s: expected ErrPositionMismatch, got %v", kind, err)
		}
		if _, err := b.Forward([]int{3, 4, 5}, 2, cache); !errors.Is(err, kvcache.ErrCacheFull) {
			t.Fatalf("%s: expected ErrCacheFull, got %v", kind, err)
		}
	}
}

func TestF16CacheStillProducesLogits(t *testing.T) {
	t.Parallel()
	b := mustNew(t, Spec{VocabSize: 16, CacheDType: "f16", DType: "f16"})
	out := incremental(t, b, []int{1}, 2)
	if len(out[2]) != 16 {
		t.Fatalf("unexpected logits length %d", len(out[2]))
	}
}

type panicBackend struct{ Backend }

func (panicBackend) Forward([]int, int, *kvcache.Cache) ([]float32, error) { panic("kernel fault") }

func TestSharedSerialisesAccess(t *testing.T) {
	t.Parallel()
	s := NewShared(mustNew(t, Spec{VocabSize: 8}))

	lease, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.TryAcquire(); ok {
		t.Fatal("second lease granted while first is held")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	lease.Release()
	lease.Release()
	if _, err := lease.Forward([]int{1}, 0, nil); !errors.Is(err, ErrLeaseReleased) {
		t.Fatalf("expected ErrLeaseReleased, got %v", err)
	}
	again, ok := s.TryAcquire()
	if !ok {
		t.Fatal("backend not free after release")
	}
	again.Release()
}

func TestLeaseRecoversBackendPanic(t *testing.T) {
	t.Parallel()
	s := NewShared(panicBackend{mustNew(t, Spec{VocabSize: 8})})
	lease, ok := s.TryAcquire()
	if !ok {
		t.Fatal("acquire failed")
	}
	defer lease.Release()
	if _, err := lease.Forward([]int{1}, 0, nil); err == nil {
		t.Fatal("expected error from panicking backend")
	}
}
