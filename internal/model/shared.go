package model

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/jovia/internal/kvcache"
)

// ErrLeaseReleased is returned when a released lease is used.
var ErrLeaseReleased = errors.New("model: lease already released")

// Shared wraps a Backend so many sessions can use it while at most one
// forward pass runs at a time.
type Shared struct {
	backend Backend
	sem     *semaphore.Weighted
}

// NewShared wraps b for concurrent sessions.
func NewShared(b Backend) *Shared {
	return &Shared{backend: b, sem: semaphore.NewWeighted(1)}
}

func (s *Shared) Name() string   { return s.backend.Name() }
func (s *Shared) VocabSize() int { return s.backend.VocabSize() }

func (s *Shared) NewCache() (*kvcache.Cache, error) {
	return s.backend.NewCache()
}

// Acquire blocks until the backend is free or ctx is done.
func (s *Shared) Acquire(ctx context.Context) (*Lease, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &Lease{shared: s}, nil
}

// TryAcquire takes the backend only if nobody holds it.
func (s *Shared) TryAcquire() (*Lease, bool) {
	if !s.sem.TryAcquire(1) {
		return nil, false
	}
	return &Lease{shared: s}, true
}

// Lease is exclusive access to a shared backend. Release it before doing
// anything that may block on a consumer.
type Lease struct {
	shared   *Shared
	released atomic.Bool
}

// Forward runs the backend. A panic inside the backend is returned as an
// error so the caller's worker survives it.
func (l *Lease) Forward(tokens []int, contextIndex int, cache *kvcache.Cache) (logits []float32, err error) {
	if l.released.Load() {
		return nil, ErrLeaseReleased
	}
	defer func() {
		if rec := recover(); rec != nil {
			logits = nil
			err = fmt.Errorf("panic in Forward: %v", rec)
		}
	}()
	return l.shared.backend.Forward(tokens, contextIndex, cache)
}

// Release gives the backend back. Extra calls are no-ops.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.shared.sem.Release(1)
	}
}
