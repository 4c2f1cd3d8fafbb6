// Package generation runs the autoregressive loop: tokenize a prompt, step
// a shared backend one token at a time, and stream stable text fragments
// to a consumer over a delivery channel.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/samcharles93/jovia/internal/delivery"
	"github.com/samcharles93/jovia/internal/detok"
	"github.com/samcharles93/jovia/internal/kvcache"
	"github.com/samcharles93/jovia/internal/logger"
	"github.com/samcharles93/jovia/internal/logits"
	"github.com/samcharles93/jovia/internal/metrics"
	"github.com/samcharles93/jovia/internal/model"
	"github.com/samcharles93/jovia/internal/tokenizer"
)

// Fragment is one unit of streamed output. Token is the sampled id in raw
// token mode and -1 otherwise.
type Fragment struct {
	Text  string
	Token int
}

// StopReason tells why the worker ended.
type StopReason string

const (
	ReasonEOS       StopReason = "eos"
	ReasonMaxTokens StopReason = "max_tokens"
	ReasonDetached  StopReason = "detached"
	ReasonStopped   StopReason = "stopped"
	ReasonError     StopReason = "error"
)

// Stats summarises a session. It is complete once the handle is done.
type Stats struct {
	PromptTokens    int
	TokensGenerated int
	Position        int
	Duration        time.Duration
	TPS             float64
	Reason          StopReason
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(log logger.Logger) Option { return func(s *Session) { s.log = log } }

func WithMetrics(m *metrics.Collectors) Option { return func(s *Session) { s.metrics = m } }

// WithRawTokens emits one fragment per sampled id, decoded on its own,
// instead of buffering through a TokenOutputStream.
func WithRawTokens(raw bool) Option { return func(s *Session) { s.rawTokens = raw } }

// WithBuffer bounds the number of undelivered fragments. The worker blocks
// on a full buffer. Zero means unbounded.
func WithBuffer(n int) Option { return func(s *Session) { s.buffer = n } }

// WithMaxPending forces a fragment out after n ids without one.
func WithMaxPending(n int) Option { return func(s *Session) { s.maxPending = n } }

func WithID(id string) Option { return func(s *Session) { s.id = id } }

// Session is one prompt's generation run. It owns its cache, sampler and
// token history; only the backend is shared. A session can be started once.
type Session struct {
	id         string
	shared     *model.Shared
	tok        tokenizer.Tokenizer
	cfg        Config
	eos        int
	log        logger.Logger
	metrics    *metrics.Collectors
	rawTokens  bool
	buffer     int
	maxPending int

	cache   *kvcache.Cache
	sampler *logits.Sampler
	penalty *logits.RepeatPenalty
	stream  *detok.TokenOutputStream

	started atomic.Bool
	stop    atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	tokens   []int
	position int
	stats    Stats
	err      error
}

// NewSession validates cfg against the tokenizer and backend and prepares
// a private cache. Configuration problems surface here, before any worker
// runs.
func NewSession(shared *model.Shared, tok tokenizer.Tokenizer, cfg Config, opts ...Option) (*Session, error) {
	if shared == nil {
		return nil, configErr("backend", "no backend")
	}
	if tok == nil {
		return nil, configErr("tokenizer", "no tokenizer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	eos, ok := tok.TokenID(cfg.EOSToken)
	if !ok {
		return nil, configErr("eos_token", "token %q not in vocabulary", cfg.EOSToken)
	}
	if eos >= shared.VocabSize() {
		return nil, configErr("eos_token", "id %d outside backend vocabulary of %d", eos, shared.VocabSize())
	}
	cache, err := shared.NewCache()
	if err != nil {
		return nil, &ConfigurationError{Field: "cache", Err: err}
	}

	s := &Session{
		id:      uuid.NewString(),
		shared:  shared,
		tok:     tok,
		cfg:     cfg,
		eos:     eos,
		log:     logger.Discard(),
		cache:   cache,
		sampler: logits.NewSampler(cfg.samplerConfig()),
		penalty: logits.NewRepeatPenalty(cfg.RepeatPenalty, cfg.RepeatLastN),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stream = detok.New(tok, detok.WithMaxPending(s.maxPending))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Session) ID() string     { return s.id }
func (s *Session) Config() Config { return s.cfg }
func (s *Session) EOS() int       { return s.eos }

// Start tokenizes prompt and launches the worker. The returned handle is
// the only way to read output; the worker runs until EOS, SampleLen, an
// error, Stop or Detach.
func (s *Session) Start(prompt string) (*Handle, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, &InputError{Reason: "session already started"}
	}
	ids, err := safeEncode(s.tok, prompt)
	if err != nil {
		return nil, &InputError{Reason: "tokenize prompt", Err: err}
	}
	if len(ids) == 0 {
		return nil, &InputError{Reason: "empty prompt"}
	}
	if len(ids) > s.cache.MaxSeqLen() {
		return nil, &InputError{Reason: fmt.Sprintf("prompt has %d tokens, max sequence length is %d", len(ids), s.cache.MaxSeqLen())}
	}

	s.mu.Lock()
	s.tokens = ids
	s.stats.PromptTokens = len(ids)
	s.mu.Unlock()

	s.log = s.log.With("session", s.id, "backend", s.shared.Name())
	s.log.Debug("session started",
		"prompt_tokens", len(ids),
		"prompt_hash", strconv.FormatUint(xxhash.Sum64String(prompt), 16),
		"kv_cache", s.cache.Enabled(),
		"greedy", s.sampler.Greedy(),
	)

	tx, rx := delivery.New[Fragment](s.buffer)
	go s.run(tx)
	return &Handle{s: s, rx: rx}, nil
}

func (s *Session) run(out *delivery.Sender[Fragment]) {
	defer close(s.done)
	defer s.cancel()
	s.metrics.SessionStarted()

	// A detached consumer also aborts a pending backend wait.
	go func() {
		select {
		case <-out.Gone():
			s.cancel()
		case <-s.done:
		}
	}()

	start := time.Now()
	reason, err := s.loop(out)
	elapsed := time.Since(start)

	s.mu.Lock()
	s.stats.Reason = reason
	s.stats.Duration = elapsed
	s.stats.Position = s.position
	if secs := elapsed.Seconds(); secs > 0 {
		s.stats.TPS = float64(s.stats.TokensGenerated) / secs
	}
	s.err = err
	stats := s.stats
	s.mu.Unlock()

	s.metrics.SessionEnded(s.shared.Name(), string(reason), stats.TPS, s.cache.Bytes())
	if err != nil {
		s.log.Warn("session failed", "error", err, "tokens", stats.TokensGenerated)
		return
	}
	s.log.Info("session finished",
		"reason", reason,
		"tokens", stats.TokensGenerated,
		"duration", elapsed,
		"tps", fmt.Sprintf("%.2f", stats.TPS),
	)
}

// loop checks stop conditions in a fixed order each step: EOS, then a
// failed send to a detached consumer, then SampleLen. Compute errors end
// the stream with a terminal error event.
func (s *Session) loop(out *delivery.Sender[Fragment]) (StopReason, error) {
	for step := 0; ; step++ {
		if out.Detached() {
			return ReasonDetached, nil
		}
		if s.stop.Load() {
			return s.finish(out, ReasonStopped, step)
		}

		next, err := s.step(step)
		if err != nil {
			if s.ctx.Err() != nil {
				if out.Detached() {
					return ReasonDetached, nil
				}
				if s.stop.Load() {
					return s.finish(out, ReasonStopped, step)
				}
			}
			_ = out.Fail(err)
			return ReasonError, err
		}

		if next == s.eos {
			return s.finish(out, ReasonEOS, step)
		}

		frag, ok, err := s.fragment(next)
		if err != nil {
			cerr := &ComputeError{Step: step, Err: err}
			_ = out.Fail(cerr)
			return ReasonError, cerr
		}
		if ok {
			if err := out.Send(frag); err != nil {
				return ReasonDetached, nil
			}
		}

		if s.generated() >= s.cfg.SampleLen {
			return s.finish(out, ReasonMaxTokens, step)
		}
	}
}

// step runs one forward pass and samples the next id. With the cache
// active only the first step feeds the whole prompt; later steps feed the
// last sampled id at the current position. Without it the full sequence
// is replayed from index 0 every time.
func (s *Session) step(step int) (int, error) {
	contextSize, contextIndex := len(s.tokens), 0
	if step > 0 && s.cache.Enabled() {
		contextSize, contextIndex = 1, s.position
	}
	input := s.tokens[len(s.tokens)-contextSize:]

	waitStart := time.Now()
	lease, err := s.shared.Acquire(s.ctx)
	if err != nil {
		return 0, &ComputeError{Step: step, Err: err}
	}
	s.metrics.BackendWait(time.Since(waitStart))

	stepStart := time.Now()
	raw, err := lease.Forward(input, contextIndex, s.cache)
	lease.Release()
	if err != nil {
		return 0, &ComputeError{Step: step, Err: err}
	}
	next, err := s.sampler.Sample(s.filter(raw))
	if err != nil {
		return 0, &ComputeError{Step: step, Err: err}
	}

	s.mu.Lock()
	s.tokens = append(s.tokens, next)
	s.position += contextSize
	s.stats.TokensGenerated++
	position := s.position
	s.mu.Unlock()
	s.log.Debug("step",
		"step", step,
		"context_size", contextSize,
		"context_index", contextIndex,
		"position", position,
		"token", next,
	)
	s.metrics.Step(s.shared.Name(), time.Since(stepStart))
	return next, nil
}

// filter applies the repeat penalty over the trailing window of history.
// With a penalty of exactly 1.0 raw is returned untouched.
func (s *Session) filter(raw []float32) []float32 {
	if s.cfg.RepeatPenalty == 1 {
		return raw
	}
	return s.penalty.Apply(raw, s.penalty.Window(s.tokens))
}

func (s *Session) fragment(id int) (Fragment, bool, error) {
	if s.rawTokens {
		text, err := s.tok.Decode([]int{id})
		return Fragment{Text: text, Token: id}, err == nil, err
	}
	text, ok, err := s.stream.Push(id)
	return Fragment{Text: text, Token: -1}, ok, err
}

// finish flushes buffered text and closes the channel. A consumer that
// detached in the meantime gets nothing.
func (s *Session) finish(out *delivery.Sender[Fragment], reason StopReason, step int) (StopReason, error) {
	if !s.rawTokens {
		text, ok, err := s.stream.Flush()
		if err != nil {
			cerr := &ComputeError{Step: step, Err: err}
			_ = out.Fail(cerr)
			return ReasonError, cerr
		}
		if ok {
			if err := out.Send(Fragment{Text: text, Token: -1}); errors.Is(err, delivery.ErrDetached) {
				return ReasonDetached, nil
			}
		}
	}
	_ = out.Close()
	return reason, nil
}

func (s *Session) generated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.TokensGenerated
}

func safeEncode(tok tokenizer.Tokenizer, text string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(text)
}
