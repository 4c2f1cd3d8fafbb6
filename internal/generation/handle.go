package generation

import (
	"context"
	"iter"
	"slices"
	"strings"

	"github.com/samcharles93/jovia/internal/delivery"
)

// Handle is the consumer side of a running session.
type Handle struct {
	s  *Session
	rx *delivery.Receiver[Fragment]
}

func (h *Handle) ID() string { return h.s.id }

// Poll returns the next event without blocking.
func (h *Handle) Poll() delivery.Event[Fragment] { return h.rx.Poll() }

// Next blocks for the next non-empty event. A ctx error leaves the session
// running; call Detach to abandon it.
func (h *Handle) Next(ctx context.Context) (delivery.Event[Fragment], error) {
	return h.rx.Next(ctx)
}

// Fragments yields fragments until the stream ends. A terminal error is
// yielded once with an empty fragment. Breaking out of the loop, or ctx
// ending, detaches the consumer.
func (h *Handle) Fragments(ctx context.Context) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		for {
			ev, err := h.rx.Next(ctx)
			if err != nil {
				h.Detach()
				yield(Fragment{}, err)
				return
			}
			switch ev.Kind {
			case delivery.Data:
				if !yield(ev.Value, nil) {
					h.Detach()
					return
				}
			case delivery.Error:
				yield(Fragment{}, ev.Err)
				return
			default:
				return
			}
		}
	}
}

// Collect drains the stream and returns the concatenated text.
func (h *Handle) Collect(ctx context.Context) (string, error) {
	var b strings.Builder
	for frag, err := range h.Fragments(ctx) {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(frag.Text)
	}
	return b.String(), nil
}

// Detach abandons the stream. The worker notices on its next send or step
// boundary and exits without flushing.
func (h *Handle) Detach() { h.rx.Detach() }

// Stop asks the worker to finish at the next step boundary. Buffered text
// is flushed and the stream ends normally with ReasonStopped.
func (h *Handle) Stop() {
	h.s.stop.Store(true)
	h.s.cancel()
}

// Done is closed when the worker has exited and released the backend.
func (h *Handle) Done() <-chan struct{} { return h.s.done }

// Wait blocks until the worker exits and returns its stats and error.
func (h *Handle) Wait(ctx context.Context) (Stats, error) {
	select {
	case <-h.s.done:
	case <-ctx.Done():
		return h.Stats(), ctx.Err()
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.stats, h.s.err
}

// Stats returns a snapshot; Reason and Duration are set once done.
func (h *Handle) Stats() Stats {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.stats
}

// Tokens returns the prompt ids followed by every sampled id so far.
func (h *Handle) Tokens() []int {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return slices.Clone(h.s.tokens)
}

// Text decodes every generated id the stream has seen, the same text the
// fragments concatenate to. It is only available once the worker is done.
func (h *Handle) Text() (string, error) {
	select {
	case <-h.s.done:
	default:
		return "", ErrRunning
	}
	if h.s.rawTokens {
		h.s.mu.Lock()
		gen := slices.Clone(h.s.tokens[h.s.stats.PromptTokens:])
		h.s.mu.Unlock()
		if n := len(gen); n > 0 && gen[n-1] == h.s.eos {
			gen = gen[:n-1]
		}
		return h.s.tok.Decode(gen)
	}
	return h.s.stream.DecodeAll()
}
